package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Store.BaseURL = "https://assets.example.com"
	return cfg
}

func TestValidateTieredDefaultsWithBaseURLAreClean(t *testing.T) {
	cfg := validConfig()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}

func TestValidateTieredInvalidVersionIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.CurrentVersion = "1.x"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid current_version should be fatal")
	}
	if !strings.Contains(result.Fatals[0].Error(), "current_version") {
		t.Fatalf("unexpected fatal: %v", result.Fatals[0])
	}
}

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.ManifestURLTemplate = "ftp://example.com/manifest.json"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("invalid URL scheme should be fatal")
	}
}

func TestValidateTieredBackendRequirements(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown backend": func(c *Config) { c.Store.Backend = "ftp" },
		"s3 no bucket":    func(c *Config) { c.Store.Backend = "s3" },
		"azure no url":    func(c *Config) { c.Store.Backend = "azure"; c.Store.Container = "plugins" },
		"local no root":   func(c *Config) { c.Store.Backend = "local" },
		"http no base":    func(c *Config) { c.Store.BaseURL = "" },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(cfg)
		if !cfg.ValidateTiered().HasFatals() {
			t.Fatalf("%s: expected fatal", name)
		}
	}
}

func TestValidateTieredBackendIsNormalized(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Backend = "S3"
	cfg.Store.Bucket = "plugins"
	if result := cfg.ValidateTiered(); result.HasFatals() {
		t.Fatalf("fatals: %v", result.Fatals)
	}
	if cfg.Store.Backend != "s3" {
		t.Fatalf("backend = %q", cfg.Store.Backend)
	}
}

func TestValidateTieredControlCharsInSecretIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.ClientSecret = "secret\x00with\x01control"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("control chars in secret should be fatal")
	}
}

func TestValidateTieredTokenURLNeedsClientID(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.TokenURL = "https://auth.example.com/token"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("token_url without client_id should be fatal")
	}
}

func TestValidateTieredClampingIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.FetchWorkers = 0
	cfg.FetchQueueSize = 99999
	cfg.TickIntervalMs = 1
	cfg.ProgressRateHz = 0
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped values should be warnings, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) != 4 {
		t.Fatalf("warnings = %v, want 4", result.Warnings)
	}
	if cfg.FetchWorkers != 1 || cfg.FetchQueueSize != 1024 || cfg.TickIntervalMs != 5 || cfg.ProgressRateHz != 1 {
		t.Fatalf("not clamped: %+v", cfg)
	}
}

func TestFetchTimeoutsDefaultOnAndClamp(t *testing.T) {
	if d := Default(); d.FetchJobTimeoutSeconds <= 0 || d.DownloadStallSeconds <= 0 {
		t.Fatalf("fetch timeouts should be on by default: job=%d stall=%d", d.FetchJobTimeoutSeconds, d.DownloadStallSeconds)
	}

	cfg := validConfig()
	cfg.FetchJobTimeoutSeconds = -1
	cfg.DownloadStallSeconds = 99999
	result := cfg.ValidateTiered()
	if result.HasFatals() || len(result.Warnings) != 2 {
		t.Fatalf("fatals=%v warnings=%v", result.Fatals, result.Warnings)
	}
	if cfg.FetchJobTimeoutSeconds != 0 || cfg.DownloadStallSeconds != 3600 {
		t.Fatalf("not clamped: job=%d stall=%d", cfg.FetchJobTimeoutSeconds, cfg.DownloadStallSeconds)
	}
}

func TestValidateTieredExtensionGetsDot(t *testing.T) {
	cfg := validConfig()
	cfg.PluginExtension = "vst3"
	cfg.ValidateTiered()
	if cfg.PluginExtension != ".vst3" {
		t.Fatalf("extension = %q", cfg.PluginExtension)
	}
}

func TestValidateTieredBadNotifyURLIsDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.NotifyURL = "https://push.example.com"
	result := cfg.ValidateTiered()
	if result.HasFatals() || len(result.Warnings) != 1 {
		t.Fatalf("result = %+v", result)
	}
	if cfg.NotifyURL != "" {
		t.Fatal("bad notify_url should be cleared")
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("log settings should not be fatal")
	}
	if len(result.Warnings) != 2 {
		t.Fatalf("warnings = %v", result.Warnings)
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := validConfig()
	cfg.ManifestURLTemplate = "ftp://bad"
	cfg.LogFormat = "xml"
	if all := cfg.ValidateTiered().AllErrors(); len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected fatals and warnings", len(all))
	}
}

func TestResolveManifestURL(t *testing.T) {
	cfg := validConfig()
	cfg.UpdateChannel = "beta"
	cfg.ManifestURLTemplate = "https://updates.example.com/{channel}/{os}-{arch}/{platform}/manifest.json"
	got, err := cfg.ResolveManifestURL(HostFacts{OS: "linux", Arch: "amd64", Platform: "ubuntu"})
	if err != nil {
		t.Fatalf("ResolveManifestURL: %v", err)
	}
	if got != "https://updates.example.com/beta/linux-amd64/ubuntu/manifest.json" {
		t.Fatalf("got %s", got)
	}

	cfg.ManifestURLTemplate = "https://updates.example.com/{flavour}/manifest.json"
	if _, err := cfg.ResolveManifestURL(HostFacts{}); err == nil {
		t.Fatal("unknown placeholder should fail")
	}
}

func TestDetectHostFactsIsPopulated(t *testing.T) {
	f := DetectHostFacts()
	if f.OS == "" || f.Arch == "" || f.Platform == "" {
		t.Fatalf("facts = %+v", f)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncbridge.yaml")
	yaml := "current_version: 1.2.0.0\nstore:\n  backend: s3\n  bucket: from-file\nfetch_workers: 7\n"
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SYNCBRIDGE_STORE_BUCKET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CurrentVersion != "1.2.0.0" || cfg.FetchWorkers != 7 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Store.Bucket != "from-env" {
		t.Fatalf("bucket = %q, env should override", cfg.Store.Bucket)
	}
	if cfg.HTTPTimeoutSeconds != Default().HTTPTimeoutSeconds {
		t.Fatal("defaults should survive for absent keys")
	}
}

func TestSaveToRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "syncbridge.yaml")
	cfg := validConfig()
	cfg.Store.Folder = "presets"
	cfg.Auth.ClientID = "desk-01"
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Store.Folder != "presets" || loaded.Auth.ClientID != "desk-01" {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
}
