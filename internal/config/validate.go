package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/breeze-rmm/syncbridge/internal/assetstore"
	"github.com/breeze-rmm/syncbridge/internal/logging"
	"github.com/breeze-rmm/syncbridge/internal/version"
)

var log = logging.L("config")

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validBackends = map[string]bool{
	assetstore.BackendHTTP:  true,
	assetstore.BackendS3:    true,
	assetstore.BackendGCS:   true,
	assetstore.BackendAzure: true,
	assetstore.BackendB2:    true,
	assetstore.BackendLocal: true,
}

// ValidationResult separates errors that must stop startup from those that
// were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered checks the config. Out-of-range numbers are clamped and
// reported as warnings; values the process cannot run with are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Errorf(format, args...)) }

	if _, err := version.ParseVersion(c.CurrentVersion); err != nil {
		fatal("current_version %q is invalid: %v", c.CurrentVersion, err)
	}

	if c.ManifestURLTemplate == "" {
		fatal("manifest_url_template is required")
	} else if err := checkHTTPURL(c.ManifestURLTemplate); err != nil {
		fatal("manifest_url_template: %v", err)
	}

	if c.UpdateChannel == "" {
		warn("update_channel is empty, using stable")
		c.UpdateChannel = "stable"
	}

	backend := strings.ToLower(c.Store.Backend)
	if !validBackends[backend] {
		fatal("store.backend %q is not valid (use http, s3, gcs, azure, b2 or local)", c.Store.Backend)
	}
	c.Store.Backend = backend
	switch backend {
	case assetstore.BackendHTTP:
		if c.Store.BaseURL == "" {
			fatal("store.base_url is required for the http backend")
		} else if err := checkHTTPURL(c.Store.BaseURL); err != nil {
			fatal("store.base_url: %v", err)
		}
	case assetstore.BackendS3, assetstore.BackendGCS, assetstore.BackendB2:
		if c.Store.Bucket == "" {
			fatal("store.bucket is required for the %s backend", backend)
		}
	case assetstore.BackendAzure:
		if c.Store.Container == "" {
			fatal("store.container is required for the azure backend")
		}
		if c.Store.ConnectionString == "" && c.Store.ServiceURL == "" {
			fatal("store.connection_string or store.service_url is required for the azure backend")
		}
	case assetstore.BackendLocal:
		if c.Store.Root == "" {
			fatal("store.root is required for the local backend")
		}
	}

	if c.Auth.TokenURL != "" {
		if err := checkHTTPURL(c.Auth.TokenURL); err != nil {
			fatal("auth.token_url: %v", err)
		}
		if c.Auth.ClientID == "" {
			fatal("auth.client_id is required with auth.token_url")
		}
	}
	if hasControl(c.Auth.ClientSecret) {
		fatal("auth.client_secret contains control characters")
	}

	if c.PluginDir == "" {
		fatal("plugin_dir is required")
	}
	if c.DownloadDir == "" {
		fatal("download_dir is required")
	}
	if c.PluginExtension == "" {
		warn("plugin_extension is empty, every file in the store folder will be synced")
	} else if !strings.HasPrefix(c.PluginExtension, ".") {
		c.PluginExtension = "." + c.PluginExtension
	}

	if c.NotifyURL != "" {
		u, err := url.Parse(c.NotifyURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			warn("notify_url %q is not a ws:// or wss:// URL, push notifications disabled", c.NotifyURL)
			c.NotifyURL = ""
		}
	}

	clampInt(&r, "tick_interval_ms", &c.TickIntervalMs, 5, 1000)
	clampInt(&r, "fetch_drain_timeout_ms", &c.FetchDrainTimeoutMs, 0, 60000)
	clampInt(&r, "http_timeout_seconds", &c.HTTPTimeoutSeconds, 1, 600)
	clampInt(&r, "fetch_job_timeout_seconds", &c.FetchJobTimeoutSeconds, 0, 24*3600)
	clampInt(&r, "download_stall_seconds", &c.DownloadStallSeconds, 0, 3600)
	clampInt(&r, "http_max_retries", &c.HTTPMaxRetries, 0, 10)
	clampInt(&r, "fetch_workers", &c.FetchWorkers, 1, 64)
	clampInt(&r, "fetch_queue_size", &c.FetchQueueSize, 1, 1024)
	clampInt(&r, "check_interval_minutes", &c.CheckIntervalMinutes, 0, 7*24*60)
	clampInt(&r, "installer.timeout_seconds", &c.Installer.TimeoutSeconds, 10, 7200)

	if c.ProgressRateHz <= 0 {
		warn("progress_rate_hz %.2f is not positive, clamping to 1", c.ProgressRateHz)
		c.ProgressRateHz = 1
	} else if c.ProgressRateHz > 60 {
		warn("progress_rate_hz %.2f exceeds maximum 60, clamping", c.ProgressRateHz)
		c.ProgressRateHz = 60
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}

	for _, err := range r.Warnings {
		log.Warn("config validation", "error", err)
	}
	return r
}

func clampInt(r *ValidationResult, key string, val *int, lo, hi int) {
	if *val < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, *val, lo))
		*val = lo
	} else if *val > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, *val, hi))
		*val = hi
	}
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%q is not a valid URL: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
