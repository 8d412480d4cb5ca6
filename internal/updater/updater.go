// Package updater drives the check, confirm, download and install cycle for
// the application package. Every method runs on the consumer goroutine;
// network work is issued on fetch channels and resumes through completions.
package updater

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/breeze-rmm/syncbridge/internal/audit"
	"github.com/breeze-rmm/syncbridge/internal/failure"
	"github.com/breeze-rmm/syncbridge/internal/fetch"
	"github.com/breeze-rmm/syncbridge/internal/health"
	"github.com/breeze-rmm/syncbridge/internal/httputil"
	"github.com/breeze-rmm/syncbridge/internal/installer"
	"github.com/breeze-rmm/syncbridge/internal/logging"
	"github.com/breeze-rmm/syncbridge/internal/prompt"
	"github.com/breeze-rmm/syncbridge/internal/version"
)

var log = logging.L("updater")

// Dialog action labels.
const (
	ActionInstall = "Install"
	ActionLater   = "Later"
	ActionRetry   = "Retry"
	// ActionAuthenticate re-runs the check once the user has signed in again.
	ActionAuthenticate = "Authenticate"
)

// ProgressLabel is the surface label used for download progress.
const ProgressLabel = "Downloading update"

// Config holds updater configuration.
type Config struct {
	// ManifestURL is resolved once at startup.
	ManifestURL    string
	CurrentVersion version.Version
	DownloadDir    string
	HTTPClient     *http.Client
	// Retry applies to the manifest request; the zero value disables retries.
	Retry httputil.RetryConfig
	// Token, when set, supplies the bearer token sent with the manifest
	// request.
	Token func() string
}

// Deps are the collaborators of the workflow. Health and Audit are optional.
type Deps struct {
	Fetcher   *fetch.Fetcher
	Surface   prompt.Surface
	Installer installer.Installer
	Health    *health.Monitor
	Audit     *audit.Logger
}

// Workflow is the update state machine.
type Workflow struct {
	cfg       Config
	fetcher   *fetch.Fetcher
	surface   prompt.Surface
	installer installer.Installer
	health    *health.Monitor
	audit     *audit.Logger

	state    State
	silent   bool
	offered  version.Manifest
	deferred []prompt.Dialog

	// OnStateChange, when set, observes every transition.
	OnStateChange func(from, to State)
}

// New creates a Workflow in the Idle state.
func New(cfg Config, deps Deps) *Workflow {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httputil.NewClient(0)
	}
	return &Workflow{
		cfg:       cfg,
		fetcher:   deps.Fetcher,
		surface:   deps.Surface,
		installer: deps.Installer,
		health:    deps.Health,
		audit:     deps.Audit,
	}
}

// State returns the current state.
func (w *Workflow) State() State { return w.state }

// CurrentVersion returns the locally installed version.
func (w *Workflow) CurrentVersion() version.Version { return w.cfg.CurrentVersion }

// PendingNotices returns the number of deferred messages.
func (w *Workflow) PendingNotices() int { return len(w.deferred) }

func (w *Workflow) setState(to State) {
	from := w.state
	if from == to {
		return
	}
	w.state = to
	log.Debug("state changed", "from", from.String(), logging.KeyState, to.String())
	if w.OnStateChange != nil {
		w.OnStateChange(from, to)
	}
}

// CheckForUpdates starts a manifest check. Silent checks stay quiet unless
// an update is available. A check while one is already running restarts
// it; a check while the user is being prompted or a download is running is
// refused. Reports whether the check was started.
func (w *Workflow) CheckForUpdates(silent bool) bool {
	if w.state.busy() {
		log.Info("update check refused", logging.KeyState, w.state.String(), "silent", silent)
		return false
	}
	if w.state == AppliedSuccessfully || w.state == Failed {
		w.setState(Idle)
	}
	if !silent {
		w.Interact()
	}

	w.silent = silent
	w.setState(Checking)

	manifestURL := w.cfg.ManifestURL
	client, retry := w.cfg.HTTPClient, w.cfg.Retry
	var headers http.Header
	if w.cfg.Token != nil {
		headers = httputil.BearerHeaders(w.cfg.Token())
	}
	w.fetcher.Start(fetch.ChannelUpdateCheck, func(ctx context.Context, h *fetch.Handle) (any, error) {
		body, err := httputil.GetBytes(ctx, client, "fetch manifest", manifestURL, headers, retry)
		if err != nil {
			return nil, err
		}
		return version.ParseManifest(body)
	}, w.onManifest)
	return true
}

func (w *Workflow) onManifest(result any, err error) {
	if w.state != Checking {
		return
	}
	if err != nil {
		w.checkFailed(err)
		return
	}

	m := result.(version.Manifest)
	res := version.Compare(w.cfg.CurrentVersion, m.Version)
	w.health.Update(health.ComponentUpdateCheck, health.Healthy, "")

	if !res.UpdateAvailable {
		log.Info("application is up to date", "local", w.cfg.CurrentVersion.String(), "remote", m.Version.String(), "silent", w.silent)
		w.setState(Idle)
		if !w.silent {
			w.surface.Show(prompt.Dialog{
				Title:    "No updates",
				Message:  fmt.Sprintf("You are running the latest version (%s).", w.cfg.CurrentVersion),
				Severity: prompt.SeverityInfo,
			})
		}
		return
	}

	log.Info("update available", "local", w.cfg.CurrentVersion.String(), "remote", m.Version.String())
	w.audit.Log(audit.EventUpdateAvailable, "", map[string]any{"version": m.Version.String()})
	w.offered = m
	w.setState(PromptingUser)
	w.surface.Show(prompt.Dialog{
		Title:    "Update available",
		Message:  fmt.Sprintf("Version %s is available (installed: %s). Download and install it now?", m.Version, w.cfg.CurrentVersion),
		Severity: prompt.SeverityQuestion,
		Actions: []prompt.Action{
			{Label: ActionInstall, Do: w.accept},
			{Label: ActionLater, Do: w.decline},
		},
		OnDismiss: w.decline,
	})
}

// checkFailed reports a failed check. Silent checks drop transient network
// failures but keep anything the user has to act on for the next Interact.
func (w *Workflow) checkFailed(err error) {
	w.setState(Idle)
	w.health.Report(health.ComponentUpdateCheck, err)

	var d prompt.Dialog
	switch {
	case failure.Is(err, failure.KindManifestParse):
		log.Error("update manifest is invalid", logging.KeyError, err, "silent", w.silent)
		d = prompt.Dialog{
			Title:    "Update check failed",
			Message:  "The update server returned an invalid package description. Please try again later or contact support.",
			Severity: prompt.SeverityError,
		}
	case failure.Is(err, failure.KindAuth):
		log.Error("update server rejected credentials", logging.KeyError, err, "silent", w.silent)
		d = prompt.Dialog{
			Title:    "Sign-in required",
			Message:  fmt.Sprintf("The update server rejected the credentials: %v", err),
			Severity: prompt.SeverityWarning,
			Actions: []prompt.Action{{
				Label:    ActionAuthenticate,
				Recovery: failure.RecoveryAuthenticate,
				Do:       func() { w.CheckForUpdates(false) },
			}},
		}
	case w.silent:
		log.Warn("background update check failed", logging.KeyError, err)
		return
	default:
		log.Warn("update check failed", logging.KeyError, err)
		d = prompt.Dialog{
			Title:    "Update check failed",
			Message:  fmt.Sprintf("Could not reach the update server: %v", err),
			Severity: prompt.SeverityError,
		}
		if failure.RecoveryFor(err) == failure.RecoveryRetry {
			d.Actions = []prompt.Action{{
				Label:    ActionRetry,
				Recovery: failure.RecoveryRetry,
				Do:       func() { w.CheckForUpdates(false) },
			}}
		}
	}

	if w.silent {
		w.deferred = append(w.deferred, d)
		return
	}
	w.surface.Show(d)
}

// Interact shows every message deferred by a silent check. Call it when
// the user next interacts with the application.
func (w *Workflow) Interact() {
	pending := w.deferred
	w.deferred = nil
	for _, d := range pending {
		w.surface.Show(d)
	}
}

func (w *Workflow) decline() {
	if w.state != PromptingUser {
		return
	}
	err := failure.UserCancelled("update " + w.offered.Version.String())
	log.Info("update declined", logging.KeyError, err)
	w.audit.Log(audit.EventUpdateDeclined, "", map[string]any{"version": w.offered.Version.String()})
	w.offered = version.Manifest{}
	w.setState(Idle)
}

func (w *Workflow) accept() {
	if w.state != PromptingUser {
		return
	}
	m := w.offered
	w.setState(Downloading)

	dest := filepath.Join(w.cfg.DownloadDir, packageFileName(m))
	client := w.cfg.HTTPClient
	surface := w.surface
	surface.Progress(ProgressLabel, 0)

	w.fetcher.Start(fetch.ChannelUpdateDownload, func(ctx context.Context, h *fetch.Handle) (any, error) {
		_, err := httputil.DownloadFile(ctx, client, "download update", m.URL, nil, dest, func(written, total int64) {
			if total <= 0 {
				return
			}
			fraction := float64(written) / float64(total)
			h.Post("update-progress", func() { surface.Progress(ProgressLabel, fraction) })
		})
		if err != nil {
			return nil, err
		}
		if err := version.VerifyMD5(dest, m.MD5); err != nil {
			return nil, failure.Network("verify update", err)
		}
		return dest, nil
	}, func(result any, err error) {
		if w.state != Downloading {
			return
		}
		if err != nil {
			w.finishFailed(m, err)
			return
		}
		w.install(m, result.(string))
	})
}

func (w *Workflow) install(m version.Manifest, packagePath string) {
	inst := w.installer
	log.Info("installing update", "version", m.Version.String(), "package", packagePath)
	w.fetcher.Start(fetch.ChannelInstall, func(ctx context.Context, h *fetch.Handle) (any, error) {
		start := time.Now()
		if err := inst.Install(ctx, packagePath); err != nil {
			return nil, failure.Internal("install update", err)
		}
		return time.Since(start), nil
	}, func(result any, err error) {
		if w.state != Downloading {
			return
		}
		if err != nil {
			w.finishFailed(m, err)
			return
		}
		w.finishApplied(m, result.(time.Duration))
	})
}

func (w *Workflow) finishApplied(m version.Manifest, took time.Duration) {
	previous := w.cfg.CurrentVersion
	w.cfg.CurrentVersion = m.Version
	w.offered = version.Manifest{}
	w.health.Update(health.ComponentUpdate, health.Healthy, "")
	w.audit.Log(audit.EventUpdateInstalled, "", map[string]any{
		"from": previous.String(), "to": m.Version.String(), "durationMs": took.Milliseconds(),
	})
	log.Info("update applied", "from", previous.String(), "to", m.Version.String())

	w.setState(AppliedSuccessfully)
	w.surface.Progress(ProgressLabel, 1)
	w.surface.Show(prompt.Dialog{
		Title:     "Update installed",
		Message:   fmt.Sprintf("Version %s was installed successfully.", m.Version),
		Severity:  prompt.SeverityInfo,
		OnDismiss: w.Acknowledge,
	})
}

func (w *Workflow) finishFailed(m version.Manifest, err error) {
	w.offered = version.Manifest{}
	w.health.Update(health.ComponentUpdate, health.Unhealthy, err.Error())
	w.audit.Log(audit.EventUpdateFailed, "", map[string]any{"version": m.Version.String(), "error": err.Error()})
	log.Error("update failed", "version", m.Version.String(), logging.KeyError, err)

	w.setState(Failed)
	d := prompt.Dialog{
		Title:     "Update failed",
		Message:   fmt.Sprintf("Version %s could not be installed: %v", m.Version, err),
		Severity:  prompt.SeverityError,
		OnDismiss: w.Acknowledge,
	}
	if failure.RecoveryFor(err) == failure.RecoveryRetry {
		d.Actions = []prompt.Action{{
			Label:    ActionRetry,
			Recovery: failure.RecoveryRetry,
			Do: func() {
				w.Acknowledge()
				w.CheckForUpdates(false)
			},
		}}
	}
	w.surface.Show(d)
}

// Acknowledge returns a finished workflow to Idle.
func (w *Workflow) Acknowledge() {
	if w.state == AppliedSuccessfully || w.state == Failed {
		w.setState(Idle)
	}
}

// Cancel abandons the running check or download. Its completion is
// discarded by the fetch channel.
func (w *Workflow) Cancel() {
	switch w.state {
	case Checking:
		w.fetcher.Cancel(fetch.ChannelUpdateCheck)
		w.setState(Idle)
	case PromptingUser:
		w.decline()
	case Downloading:
		w.fetcher.Cancel(fetch.ChannelUpdateDownload)
		w.fetcher.Cancel(fetch.ChannelInstall)
		log.Info("update cancelled", logging.KeyError, failure.UserCancelled("download update"))
		w.offered = version.Manifest{}
		w.setState(Idle)
	}
}

// packageFileName picks a local name for the downloaded package.
func packageFileName(m version.Manifest) string {
	if u, err := url.Parse(m.URL); err == nil {
		name := path.Base(u.Path)
		if name != "" && name != "." && name != "/" && !strings.ContainsAny(name, `\:`) {
			return name
		}
	}
	return "update-" + m.Version.String() + ".bin"
}
