package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/breeze-rmm/syncbridge/internal/assetstore"
	"github.com/breeze-rmm/syncbridge/internal/assetsync"
	"github.com/breeze-rmm/syncbridge/internal/audit"
	"github.com/breeze-rmm/syncbridge/internal/auth"
	"github.com/breeze-rmm/syncbridge/internal/batch"
	"github.com/breeze-rmm/syncbridge/internal/config"
	"github.com/breeze-rmm/syncbridge/internal/console"
	"github.com/breeze-rmm/syncbridge/internal/dispatch"
	"github.com/breeze-rmm/syncbridge/internal/fetch"
	"github.com/breeze-rmm/syncbridge/internal/health"
	"github.com/breeze-rmm/syncbridge/internal/httputil"
	"github.com/breeze-rmm/syncbridge/internal/installer"
	"github.com/breeze-rmm/syncbridge/internal/logging"
	"github.com/breeze-rmm/syncbridge/internal/mtls"
	"github.com/breeze-rmm/syncbridge/internal/registry"
	"github.com/breeze-rmm/syncbridge/internal/updater"
	ver "github.com/breeze-rmm/syncbridge/internal/version"
	"github.com/breeze-rmm/syncbridge/internal/workerpool"
)

var log = logging.L("main")

// app is the wired process: one queue drained on the calling goroutine,
// one fetcher, and both workflows.
type app struct {
	cfg      *config.Config
	tick     time.Duration
	queue    *dispatch.Queue
	fetcher  *fetch.Fetcher
	console  *console.Console
	health   *health.Monitor
	audit    *audit.Logger
	reg      *registry.Registry
	sessions *auth.Store
	tls      *tls.Config
	updater  *updater.Workflow
	sync     *assetsync.Workflow
	logFile  io.Closer
}

func newApp(ctx context.Context, cfgPath string, mode console.Mode) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	a := &app{cfg: cfg}
	logOut, logFile, err := logging.OpenOutput(cfg.LogFile, 10, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	a.logFile = logFile
	logging.Init(cfg.LogFormat, cfg.LogLevel, logOut)
	if verbose {
		logging.SetLevel("debug")
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, e := range result.Fatals {
			fmt.Fprintf(os.Stderr, "config: %v\n", e)
		}
		a.Close()
		return nil, fmt.Errorf("invalid configuration (%d errors)", len(result.Fatals))
	}

	current, err := ver.ParseVersion(cfg.CurrentVersion)
	if err != nil {
		a.Close()
		return nil, err
	}
	manifestURL, err := cfg.ResolveManifestURL(config.DetectHostFacts())
	if err != nil {
		a.Close()
		return nil, err
	}

	a.tick = time.Duration(cfg.TickIntervalMs) * time.Millisecond
	a.queue = dispatch.New()
	pool := workerpool.New(cfg.FetchWorkers, cfg.FetchQueueSize)
	a.fetcher = fetch.New(a.queue, pool, fetch.Options{
		DrainTimeout: time.Duration(cfg.FetchDrainTimeoutMs) * time.Millisecond,
		JobTimeout:   time.Duration(cfg.FetchJobTimeoutSeconds) * time.Second,
	})
	a.console = console.New(a.queue, console.Options{Mode: mode})
	a.health = health.NewMonitor()

	if cfg.AuditLog != "" {
		a.audit, err = audit.NewLogger(cfg.AuditLog, 10, 5)
		if err != nil {
			log.Warn("audit log unavailable", logging.KeyError, err)
		}
	}
	a.audit.Log(audit.EventAppStart, "", map[string]any{"version": current.String()})

	tlsCfg, err := mtls.BuildTLSConfig(cfg.TLS)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tls = tlsCfg
	httputil.UserAgent = "SyncBridge/" + cfg.CurrentVersion
	httputil.StallTimeout = time.Duration(cfg.DownloadStallSeconds) * time.Second
	client := httputil.NewClientTLS(time.Duration(cfg.HTTPTimeoutSeconds)*time.Second, tlsCfg)
	retry := httputil.DefaultRetryConfig()
	retry.MaxRetries = cfg.HTTPMaxRetries

	sessions := auth.NewStore()
	a.sessions = sessions
	var authenticator auth.Authenticator = auth.StaticAuthenticator{Subject: cfg.Store.Backend, Secret: cfg.Auth.ClientSecret}
	if cfg.Auth.TokenURL != "" {
		authenticator = auth.NewTokenClient(auth.TokenClientConfig{
			TokenURL:     cfg.Auth.TokenURL,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Scope:        cfg.Auth.Scope,
		}, client)
	}

	store, err := assetstore.Open(ctx, cfg.Store, sessions, client)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open asset store: %w", err)
	}

	a.reg, err = registry.Open(cfg.RegistryDB, cfg.PluginDir, cfg.PluginExtension)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open plugin registry: %w", err)
	}
	a.reg.AddDependent("health", func(p []registry.Plugin) error {
		a.health.Update(health.ComponentRegistry, health.Healthy, fmt.Sprintf("%d plugins", len(p)))
		return nil
	})
	a.reg.AddDependent("index", func(p []registry.Plugin) error {
		return writeIndex(filepath.Join(filepath.Dir(cfg.RegistryDB), "plugins.txt"), p)
	})

	inst, err := buildInstaller(cfg.Installer)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.updater = updater.New(updater.Config{
		ManifestURL:    manifestURL,
		CurrentVersion: current,
		DownloadDir:    cfg.DownloadDir,
		HTTPClient:     client,
		Retry:          retry,
		Token:          sessions.BearerToken,
	}, updater.Deps{
		Fetcher:   a.fetcher,
		Surface:   a.console,
		Installer: inst,
		Health:    a.health,
		Audit:     a.audit,
	})

	a.sync = assetsync.New(assetsync.Config{
		Folder:    cfg.Store.Folder,
		Extension: cfg.PluginExtension,
		PluginDir: cfg.PluginDir,
	}, assetsync.Deps{
		Fetcher:       a.fetcher,
		Sessions:      sessions,
		Authenticator: authenticator,
		Store:         store,
		Coordinator:   batch.NewCoordinator(a.fetcher, store, batch.Options{ProgressRateHz: cfg.ProgressRateHz}),
		Registry:      a.reg,
		Surface:       a.console,
		Health:        a.health,
		Audit:         a.audit,
	})

	log.Info("syncbridge ready", "version", current.String(), "manifest", manifestURL, "store", cfg.Store.Backend)
	return a, nil
}

func buildInstaller(c config.InstallerConfig) (installer.Installer, error) {
	timeout := time.Duration(c.TimeoutSeconds) * time.Second
	if c.Command != "" {
		return &installer.Exec{Command: c.Command, Args: c.Args, Timeout: timeout}, nil
	}
	target := c.BinaryPath
	if target == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate running binary: %w", err)
		}
		target = exe
	}
	return &installer.Replace{BinaryPath: target, Service: c.Service}, nil
}

func writeIndex(path string, plugins []registry.Plugin) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	for _, p := range plugins {
		fmt.Fprintf(f, "%s\t%d\t%s\n", p.Name, p.Size, p.ModTime.UTC().Format(time.RFC3339))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// quiet reports whether nothing is queued, in flight, or waiting on the user.
func (a *app) quiet() bool {
	if a.queue.Len() > 0 || a.console.Pending() > 0 {
		return false
	}
	for _, ch := range []fetch.Channel{fetch.ChannelUpdateCheck, fetch.ChannelUpdateDownload, fetch.ChannelInstall,
		fetch.ChannelAuth, fetch.ChannelListing, fetch.ChannelBatch} {
		if a.fetcher.InFlight(ch) {
			return false
		}
	}
	return true
}

func (a *app) updateSettled() bool {
	return a.updater.State() == updater.Idle && a.quiet()
}

// Close releases everything newApp opened. It tolerates a partly built app.
func (a *app) Close() {
	if a.fetcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.fetcher.Close(ctx)
		cancel()
	}
	if a.reg != nil {
		if err := a.reg.Close(); err != nil {
			log.Warn("failed to close registry", logging.KeyError, err)
		}
	}
	if a.audit != nil {
		a.audit.Log(audit.EventAppStop, "", nil)
		a.audit.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}
