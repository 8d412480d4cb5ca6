package installer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestReplaceSwapsBinaryAndKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "app")
	pkg := filepath.Join(dir, "app-new")
	os.WriteFile(binary, []byte("old"), 0o755)
	os.WriteFile(pkg, []byte("new"), 0o644)

	r := &Replace{BinaryPath: binary}
	if err := r.Install(context.Background(), pkg); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if data, _ := os.ReadFile(binary); string(data) != "new" {
		t.Fatalf("binary = %q, want new", data)
	}
	if data, _ := os.ReadFile(binary + ".backup"); string(data) != "old" {
		t.Fatalf("backup = %q, want old", data)
	}
}

func TestReplaceFirstInstallHasNoBackup(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "app-new")
	os.WriteFile(pkg, []byte("new"), 0o644)

	r := &Replace{BinaryPath: filepath.Join(dir, "app")}
	if err := r.Install(context.Background(), pkg); err != nil {
		t.Fatalf("Install: %v", err)
	}
}

func TestReplaceFirstInstallIgnoresStaleBackup(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "app")
	os.WriteFile(binary+".backup", []byte("stale"), 0o755)

	r := &Replace{BinaryPath: binary}
	if err := r.Install(context.Background(), filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected failure for a missing package")
	}
	if data, err := os.ReadFile(binary); err == nil {
		t.Fatalf("rollback restored an unrelated backup: %q", data)
	}
	if _, err := os.Stat(binary + ".backup"); !os.IsNotExist(err) {
		t.Fatal("stale backup should be removed on a first install")
	}
}

func TestReplaceMissingPackageRollsBack(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "app")
	os.WriteFile(binary, []byte("old"), 0o755)

	r := &Replace{BinaryPath: binary}
	err := r.Install(context.Background(), filepath.Join(dir, "missing"))
	if err == nil || !strings.Contains(err.Error(), "rolled back") {
		t.Fatalf("err = %v, want rolled back failure", err)
	}
	if data, _ := os.ReadFile(binary); string(data) != "old" {
		t.Fatalf("binary = %q, want old after rollback", data)
	}
}

func TestExecRequiresCommand(t *testing.T) {
	if err := (&Exec{}).Install(context.Background(), "/tmp/x"); err == nil {
		t.Fatal("empty command should fail")
	}
}

func TestExecSubstitutesPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	marker := filepath.Join(dir, "installed")
	e := &Exec{Command: "sh", Args: []string{"-c", `cp "$0" ` + marker, "{path}"}}

	pkg := filepath.Join(dir, "pkg.bin")
	os.WriteFile(pkg, []byte("payload"), 0o644)
	if err := e.Install(context.Background(), pkg); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if data, _ := os.ReadFile(marker); string(data) != "payload" {
		t.Fatalf("marker = %q", data)
	}
}

func TestExecFailureIncludesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	e := &Exec{Command: "sh", Args: []string{"-c", "echo boom >&2; exit 3", "{path}"}}
	err := e.Install(context.Background(), "/tmp/x")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want output in message", err)
	}
}
