package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/syncbridge/internal/config"
	"github.com/breeze-rmm/syncbridge/internal/console"
	"github.com/breeze-rmm/syncbridge/internal/installer"
	"github.com/breeze-rmm/syncbridge/internal/registry"
	"github.com/breeze-rmm/syncbridge/internal/updater"
)

// writeConfig writes a config using the local store and a manifest server
// that reports version 1.0.0.0.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"major":1,"minor":0,"build":0,"revision":0,"url":"https://dl.example.com/app.bin","md5":"0123456789abcdef0123456789abcdef"}`)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	remote := filepath.Join(dir, "remote")
	os.MkdirAll(filepath.Join(remote, "plugins", "fx"), 0o755)
	os.WriteFile(filepath.Join(remote, "plugins", "reverb.plugin"), []byte("reverb"), 0o644)
	os.WriteFile(filepath.Join(remote, "plugins", "fx", "delay.PLUGIN"), []byte("delay!"), 0o644)
	os.WriteFile(filepath.Join(remote, "plugins", "readme.txt"), []byte("x"), 0o644)

	cfg := config.Default()
	cfg.CurrentVersion = "1.0.0.0"
	cfg.ManifestURLTemplate = srv.URL + "/{channel}/manifest.json"
	cfg.Store.Backend = "local"
	cfg.Store.Root = remote
	cfg.Store.Folder = "plugins"
	cfg.PluginDir = filepath.Join(dir, "installed")
	cfg.DownloadDir = filepath.Join(dir, "downloads")
	cfg.RegistryDB = filepath.Join(dir, "state", "registry.db")
	cfg.AuditLog = filepath.Join(dir, "state", "audit.jsonl")
	cfg.CheckIntervalMinutes = 0
	cfg.Installer.Command = "true"

	path := filepath.Join(dir, "syncbridge.yaml")
	if err := config.SaveTo(cfg, path); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func TestSyncEndToEnd(t *testing.T) {
	path, dir := writeConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := newApp(ctx, path, console.ModeAssumeYes)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	finished := false
	var syncErr error
	a.sync.OnFinish = func(err error) { finished, syncErr = true, err }
	a.sync.Sync()
	if err := a.queue.RunUntil(ctx, a.tick, func() bool { return finished && a.quiet() }); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}
	if syncErr != nil {
		t.Fatalf("sync: %v", syncErr)
	}

	for _, name := range []string{"reverb.plugin", "delay.PLUGIN"} {
		if _, err := os.Stat(filepath.Join(dir, "installed", name)); err != nil {
			t.Fatalf("%s not installed: %v", name, err)
		}
	}
	plugins, err := a.reg.Plugins()
	if err != nil || len(plugins) != 2 {
		t.Fatalf("registry = %+v, %v", plugins, err)
	}
	index, err := os.ReadFile(filepath.Join(dir, "state", "plugins.txt"))
	if err != nil || strings.Count(string(index), "\n") != 2 {
		t.Fatalf("index = %q, %v", index, err)
	}
}

func TestCheckUpToDateSettles(t *testing.T) {
	path, _ := writeConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := newApp(ctx, path, console.ModeAssumeYes)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	a.updater.CheckForUpdates(false)
	if err := a.queue.RunUntil(ctx, a.tick, a.updateSettled); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}
	if a.updater.State() != updater.Idle {
		t.Fatalf("state = %s", a.updater.State())
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("current_version: nope\n"), 0o600)
	if _, err := newApp(context.Background(), path, console.ModeDismiss); err == nil {
		t.Fatal("invalid config should fail")
	}
}

func TestBuildInstaller(t *testing.T) {
	inst, err := buildInstaller(config.InstallerConfig{Command: "msiexec", Args: []string{"/i", "{path}"}, TimeoutSeconds: 60})
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := inst.(*installer.Exec); !ok || e.Timeout != time.Minute {
		t.Fatalf("installer = %#v", inst)
	}

	inst, err = buildInstaller(config.InstallerConfig{Service: "syncbridge"})
	if err != nil {
		t.Fatal(err)
	}
	if r, ok := inst.(*installer.Replace); !ok || r.BinaryPath == "" || r.Service != "syncbridge" {
		t.Fatalf("installer = %#v", inst)
	}
}

func TestWriteIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.txt")
	mod := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := writeIndex(path, []registry.Plugin{{Name: "a.plugin", Size: 3, ModTime: mod}})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "a.plugin\t3\t2026-01-02T03:04:05Z\n" {
		t.Fatalf("index = %q", data)
	}
}
