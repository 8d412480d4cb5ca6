package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func openTest(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "plugins")
	os.MkdirAll(dir, 0o755)
	r, err := Open(filepath.Join(t.TempDir(), "registry.db"), dir, ".vst3")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, dir
}

func TestReloadTracksDirectory(t *testing.T) {
	r, dir := openTest(t)
	os.WriteFile(filepath.Join(dir, "a.vst3"), []byte("aa"), 0o644)
	os.WriteFile(filepath.Join(dir, "B.VST3"), []byte("bbb"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	plugins, err := r.Plugins()
	if err != nil {
		t.Fatal(err)
	}
	if len(plugins) != 2 {
		t.Fatalf("plugins = %+v, want 2", plugins)
	}

	os.Remove(filepath.Join(dir, "a.vst3"))
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	plugins, _ = r.Plugins()
	if len(plugins) != 1 || plugins[0].Name != "B.VST3" || plugins[0].Size != 3 {
		t.Fatalf("plugins after removal = %+v", plugins)
	}
	if r.LastReload().IsZero() {
		t.Fatal("LastReload should be set")
	}
}

func TestNestedPluginsWithSameNameAreDistinct(t *testing.T) {
	r, dir := openTest(t)
	for _, sub := range []string{"one", "two"} {
		os.MkdirAll(filepath.Join(dir, sub), 0o755)
		os.WriteFile(filepath.Join(dir, sub, "x.vst3"), []byte(sub), 0o644)
	}
	os.WriteFile(filepath.Join(dir, "x.vst3"), []byte("top"), 0o644)

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	plugins, err := r.Plugins()
	if err != nil {
		t.Fatal(err)
	}
	if len(plugins) != 3 {
		t.Fatalf("plugins = %+v, want 3", plugins)
	}
	names := map[string]bool{}
	for _, p := range plugins {
		names[p.Name] = true
	}
	for _, want := range []string{"x.vst3", "one/x.vst3", "two/x.vst3"} {
		if !names[want] {
			t.Fatalf("missing %q in %v", want, names)
		}
	}
}

func TestReloadKeepsFirstSeen(t *testing.T) {
	r, dir := openTest(t)
	path := filepath.Join(dir, "a.vst3")
	os.WriteFile(path, []byte("a"), 0o644)
	r.Reload()
	before, _ := r.Plugins()

	time.Sleep(2 * time.Millisecond)
	os.WriteFile(path, []byte("aaaa"), 0o644)
	r.Reload()
	after, _ := r.Plugins()

	if !after[0].FirstSeen.Equal(before[0].FirstSeen) || after[0].Size != 4 {
		t.Fatalf("before=%+v after=%+v", before[0], after[0])
	}
}

func TestReloadMissingDirIsEmpty(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "registry.db"), filepath.Join(t.TempDir(), "absent"), ".vst3")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload on missing dir: %v", err)
	}
}

func TestRebuildDependentsRunsAll(t *testing.T) {
	r, dir := openTest(t)
	os.WriteFile(filepath.Join(dir, "a.vst3"), []byte("a"), 0o644)
	r.Reload()

	var seen []int
	r.AddDependent("presets", func(p []Plugin) error {
		seen = append(seen, len(p))
		return errors.New("preset cache locked")
	})
	r.AddDependent("browser", func(p []Plugin) error {
		seen = append(seen, len(p))
		return nil
	})

	err := r.RebuildDependents()
	if err == nil {
		t.Fatal("dependent error should be returned")
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 1 {
		t.Fatalf("seen = %v, every dependent should run", seen)
	}
	var n int
	r.db.QueryRow(`SELECT COUNT(*) FROM rebuilds`).Scan(&n)
	if n != 2 {
		t.Fatalf("rebuild rows = %d, want 2", n)
	}
}

func TestWatchReportsPluginChanges(t *testing.T) {
	r, dir := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	if err := r.Watch(ctx, 20*time.Millisecond, func() { changes.Add(1) }); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "new.vst3"), []byte("x"), 0o644)

	deadline := time.Now().Add(3 * time.Second)
	for changes.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no change reported")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
