// Package assetsync mirrors the remote plugin folder into the local plugin
// directory: authenticate, list, plan, download, then reload the registry.
// Every method runs on the consumer goroutine.
package assetsync

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/breeze-rmm/syncbridge/internal/assetstore"
	"github.com/breeze-rmm/syncbridge/internal/audit"
	"github.com/breeze-rmm/syncbridge/internal/auth"
	"github.com/breeze-rmm/syncbridge/internal/batch"
	"github.com/breeze-rmm/syncbridge/internal/failure"
	"github.com/breeze-rmm/syncbridge/internal/fetch"
	"github.com/breeze-rmm/syncbridge/internal/health"
	"github.com/breeze-rmm/syncbridge/internal/logging"
	"github.com/breeze-rmm/syncbridge/internal/prompt"
)

var log = logging.L("assetsync")

// Dialog action labels.
const (
	ActionAuthenticate = "Authenticate"
	ActionRetry        = "Retry"
	ActionCancel       = "Cancel"
)

// ProgressLabel is the surface label for batch progress.
const ProgressLabel = "Syncing plugins"

// Phase is the sync workflow phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAuthenticating
	PhaseListing
	PhaseDownloading
)

func (p Phase) String() string {
	switch p {
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseListing:
		return "listing"
	case PhaseDownloading:
		return "downloading"
	default:
		return "idle"
	}
}

// Registry is the local asset registry refreshed after every batch.
type Registry interface {
	Reload() error
	RebuildDependents() error
}

// Config holds the sync parameters.
type Config struct {
	Folder    string
	Extension string
	PluginDir string
}

// Deps are the collaborators of the workflow. Health and Audit are optional.
type Deps struct {
	Fetcher       *fetch.Fetcher
	Sessions      *auth.Store
	Authenticator auth.Authenticator
	Store         assetstore.Store
	Coordinator   *batch.Coordinator
	Registry      Registry
	Surface       prompt.Surface
	Health        *health.Monitor
	Audit         *audit.Logger
}

// Workflow is the remote asset sync state machine.
type Workflow struct {
	cfg Config
	d   Deps

	phase Phase
	// OnFinish, when set, is called each time a sync attempt ends.
	OnFinish func(err error)
}

// New creates an idle Workflow.
func New(cfg Config, deps Deps) *Workflow {
	return &Workflow{cfg: cfg, d: deps}
}

// Phase returns the current phase.
func (w *Workflow) Phase() Phase { return w.phase }

func (w *Workflow) setPhase(p Phase) {
	if w.phase != p {
		log.Debug("phase changed", "from", w.phase.String(), logging.KeyState, p.String())
		w.phase = p
	}
}

// Sync starts (or restarts) a sync. It is refused while a batch is
// downloading. Reports whether a sync was started.
func (w *Workflow) Sync() bool {
	if w.phase == PhaseDownloading {
		log.Info("sync refused while a batch is downloading")
		return false
	}
	if !w.d.Sessions.Valid() {
		w.authenticate()
		return true
	}
	w.list()
	return true
}

// Cancel abandons the running step. Its completion is discarded.
func (w *Workflow) Cancel() {
	switch w.phase {
	case PhaseAuthenticating:
		w.d.Fetcher.Cancel(fetch.ChannelAuth)
	case PhaseListing:
		w.d.Fetcher.Cancel(fetch.ChannelListing)
	case PhaseDownloading:
		w.d.Fetcher.Cancel(fetch.ChannelBatch)
	default:
		return
	}
	log.Info("sync cancelled", logging.KeyError, failure.UserCancelled("sync "+w.phase.String()))
	w.setPhase(PhaseIdle)
}

func (w *Workflow) authenticate() {
	w.setPhase(PhaseAuthenticating)
	authenticator := w.d.Authenticator
	w.d.Fetcher.Start(fetch.ChannelAuth, func(ctx context.Context, h *fetch.Handle) (any, error) {
		return authenticator.Authenticate(ctx)
	}, func(result any, err error) {
		if w.phase != PhaseAuthenticating {
			return
		}
		w.setPhase(PhaseIdle)
		if err != nil {
			w.authFailed(err)
			return
		}
		s := result.(*auth.Session)
		w.d.Sessions.Set(s)
		w.d.Health.Update(health.ComponentAuth, health.Healthy, "")
		w.d.Audit.Log(audit.EventSessionCreated, "", map[string]any{"subject": s.Subject})
		// Re-enter from the top on the next tick.
		w.d.Fetcher.Queue().Post("assetsync", func() { w.Sync() })
	})
}

func (w *Workflow) authFailed(err error) {
	w.d.Health.Report(health.ComponentAuth, err)
	log.Warn("authentication failed", logging.KeyError, err)

	msg := fmt.Sprintf("Sign-in failed: %v", err)
	if failure.Is(err, failure.KindNetwork) {
		msg = fmt.Sprintf("Could not reach the sign-in service: %v", err)
	}
	w.d.Surface.Show(prompt.Dialog{
		Title:    "Sign-in required",
		Message:  msg,
		Severity: prompt.SeverityWarning,
		Actions: []prompt.Action{
			{Label: ActionAuthenticate, Recovery: failure.RecoveryAuthenticate, Do: func() { w.Sync() }},
			{Label: ActionCancel, Do: func() { w.finish(failure.UserCancelled("authenticate")) }},
		},
		OnDismiss: func() { w.finish(err) },
	})
}

func (w *Workflow) list() {
	w.setPhase(PhaseListing)
	store, folder := w.d.Store, w.cfg.Folder
	w.d.Fetcher.Start(fetch.ChannelListing, func(ctx context.Context, h *fetch.Handle) (any, error) {
		return store.List(ctx, folder)
	}, func(result any, err error) {
		if w.phase != PhaseListing {
			return
		}
		w.setPhase(PhaseIdle)
		if err != nil {
			w.listFailed(err)
			return
		}
		w.plan(result.([]assetstore.Entry))
	})
}

func (w *Workflow) listFailed(err error) {
	w.d.Health.Report(health.ComponentAssetSync, err)
	log.Warn("listing failed", "folder", w.cfg.Folder, logging.KeyError, err)

	switch failure.RecoveryFor(err) {
	case failure.RecoveryAuthenticate:
		w.d.Surface.Show(prompt.Dialog{
			Title:    "Session expired",
			Message:  "The plugin server rejected the current session. Sign in again to continue.",
			Severity: prompt.SeverityWarning,
			Actions: []prompt.Action{
				{Label: ActionAuthenticate, Recovery: failure.RecoveryAuthenticate, Do: w.reauthenticate},
				{Label: ActionCancel, Do: func() { w.finish(failure.UserCancelled("list")) }},
			},
			OnDismiss: func() { w.finish(err) },
		})
	case failure.RecoveryRetry:
		w.d.Surface.Show(prompt.Dialog{
			Title:    "Sync failed",
			Message:  fmt.Sprintf("Could not list the plugin folder: %v", err),
			Severity: prompt.SeverityError,
			Actions: []prompt.Action{
				{Label: ActionRetry, Recovery: failure.RecoveryRetry, Do: func() { w.Sync() }},
			},
			OnDismiss: func() { w.finish(err) },
		})
	default:
		w.d.Surface.Show(prompt.Dialog{
			Title:    "Sync failed",
			Message:  fmt.Sprintf("The plugin folder could not be read: %v", err),
			Severity: prompt.SeverityError,
		})
		w.finish(err)
	}
}

// reauthenticate drops the rejected session and starts over.
func (w *Workflow) reauthenticate() {
	w.d.Sessions.Invalidate()
	w.Sync()
}

func (w *Workflow) plan(entries []assetstore.Entry) {
	b, err := batch.Plan(entries, w.cfg.Extension, w.cfg.PluginDir)
	if err != nil && !failure.Is(err, failure.KindEmptyBatch) {
		log.Error("cannot plan sync", "folder", w.cfg.Folder, logging.KeyError, err)
		w.d.Health.Report(health.ComponentAssetSync, err)
		w.d.Surface.Show(prompt.Dialog{
			Title:    "Sync failed",
			Message:  fmt.Sprintf("The plugin folder could not be synced: %v", err),
			Severity: prompt.SeverityError,
		})
		w.finish(err)
		return
	}
	if err != nil {
		log.Info("nothing to sync", "folder", w.cfg.Folder, "listed", len(entries), logging.KeyError, err)
		w.d.Health.Update(health.ComponentAssetSync, health.Healthy, "")
		w.d.Surface.Show(prompt.Dialog{
			Title:    "Nothing to sync",
			Message:  fmt.Sprintf("No %s plugins were found in %q.", w.cfg.Extension, w.cfg.Folder),
			Severity: prompt.SeverityInfo,
		})
		w.finish(err)
		return
	}

	log.Info("syncing plugins", "entries", b.Len(), "bytes", b.TotalBytes)
	w.setPhase(PhaseDownloading)
	w.d.Surface.Progress(ProgressLabel, 0)
	w.d.Coordinator.Run(b, "", func(aggregate float64) {
		w.d.Surface.Progress(ProgressLabel, aggregate)
	}, func(err error) {
		if w.phase != PhaseDownloading {
			return
		}
		w.setPhase(PhaseIdle)
		w.batchDone(b, err)
	})
}

func (w *Workflow) batchDone(b *batch.Batch, err error) {
	// The registry is refreshed even after a partial failure so the entries
	// that did arrive become usable.
	reloadErr := w.d.Registry.Reload()
	if reloadErr == nil {
		reloadErr = w.d.Registry.RebuildDependents()
	}
	if reloadErr != nil {
		log.Error("registry refresh failed", logging.KeyError, reloadErr)
	}
	w.d.Health.Report(health.ComponentRegistry, reloadErr)

	if err == nil {
		w.d.Surface.Progress(ProgressLabel, 1)
		w.d.Health.Update(health.ComponentAssetSync, health.Healthy, "")
		w.d.Audit.Log(audit.EventSyncCompleted, "", map[string]any{"entries": b.Len(), "bytes": b.TotalBytes})
		d := prompt.Dialog{
			Title:    "Sync complete",
			Message:  fmt.Sprintf("Synced %d plugins (%s).", b.Len(), humanize.Bytes(uint64(b.TotalBytes))),
			Severity: prompt.SeverityInfo,
		}
		if reloadErr != nil {
			d.Severity = prompt.SeverityWarning
			d.Message += fmt.Sprintf(" Reloading plugins failed: %v", reloadErr)
		}
		w.d.Surface.Show(d)
		w.finish(reloadErr)
		return
	}

	w.d.Health.Update(health.ComponentAssetSync, health.Unhealthy, err.Error())
	details := map[string]any{"error": err.Error()}
	msg := fmt.Sprintf("Plugin sync failed: %v", err)
	if fe, ok := failure.As(err); ok && fe.Kind == failure.KindPartialDownload {
		details["entry"] = fe.Entry
		details["index"] = fe.Index
		msg = fmt.Sprintf("Downloading %s (%d of %d) failed: %v. Plugins after it were not downloaded.",
			fe.Entry, fe.Index+1, b.Len(), fe.Err)
	}
	w.d.Audit.Log(audit.EventSyncFailed, "", details)

	d := prompt.Dialog{
		Title:    "Sync failed",
		Message:  msg,
		Severity: prompt.SeverityError,
	}
	switch failure.RecoveryFor(err) {
	case failure.RecoveryRetry:
		d.Actions = []prompt.Action{{Label: ActionRetry, Recovery: failure.RecoveryRetry, Do: func() { w.Sync() }}}
	case failure.RecoveryAuthenticate:
		d.Actions = []prompt.Action{{Label: ActionAuthenticate, Recovery: failure.RecoveryAuthenticate, Do: w.reauthenticate}}
	}
	if len(d.Actions) == 0 {
		w.d.Surface.Show(d)
		w.finish(err)
		return
	}
	d.OnDismiss = func() { w.finish(err) }
	w.d.Surface.Show(d)
}

func (w *Workflow) finish(err error) {
	if w.OnFinish != nil {
		w.OnFinish(err)
	}
}
