// Package installer applies a downloaded update package.
package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/breeze-rmm/syncbridge/internal/logging"
)

var log = logging.L("installer")

// Installer hands a verified package to the OS-level installation step.
type Installer interface {
	Install(ctx context.Context, packagePath string) error
}

// Func adapts a function to Installer.
type Func func(ctx context.Context, packagePath string) error

// Install calls f.
func (f Func) Install(ctx context.Context, packagePath string) error { return f(ctx, packagePath) }

// Exec runs an external installer command. "{path}" in Args is replaced by
// the package path; when no argument mentions it, the path is appended.
type Exec struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Install runs the command and waits for it.
func (e *Exec) Install(ctx context.Context, packagePath string) error {
	if e.Command == "" {
		return fmt.Errorf("installer command is not configured")
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(e.Args)+1)
	substituted := false
	for _, a := range e.Args {
		if strings.Contains(a, "{path}") {
			substituted = true
		}
		args = append(args, strings.ReplaceAll(a, "{path}", packagePath))
	}
	if !substituted {
		args = append(args, packagePath)
	}

	log.Info("running installer", "command", e.Command, "package", packagePath)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("installer %s failed: %w: %s", e.Command, err, strings.TrimSpace(tail(out, 512)))
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// Replace swaps a binary in place: back up the current file, copy the new
// one over it, restart the owning service, and roll back on any failure.
type Replace struct {
	BinaryPath string
	BackupPath string
	// Service is restarted after the swap when set.
	Service string
}

// Install replaces BinaryPath with packagePath.
func (r *Replace) Install(ctx context.Context, packagePath string) error {
	if r.BinaryPath == "" {
		return fmt.Errorf("installer binary path is not configured")
	}
	backup := r.BackupPath
	if backup == "" {
		backup = r.BinaryPath + ".backup"
	}

	if err := backupFile(r.BinaryPath, backup); err != nil {
		return fmt.Errorf("failed to backup current binary: %w", err)
	}

	if err := replaceFile(packagePath, r.BinaryPath); err != nil {
		if rbErr := r.rollback(backup); rbErr != nil {
			log.Error("rollback also failed after replace error", "replaceError", err, "rollbackError", rbErr)
			return fmt.Errorf("failed to replace binary: %w (rollback also failed: %v)", err, rbErr)
		}
		return fmt.Errorf("failed to replace binary (rolled back): %w", err)
	}

	if r.Service != "" {
		if err := restartService(ctx, r.Service); err != nil {
			if rbErr := r.rollback(backup); rbErr != nil {
				log.Error("rollback also failed after restart error", "restartError", err, "rollbackError", rbErr)
				return fmt.Errorf("failed to restart: %w (rollback also failed: %v)", err, rbErr)
			}
			return fmt.Errorf("failed to restart (rolled back): %w", err)
		}
	}

	log.Info("binary replaced", "path", r.BinaryPath, "service", r.Service)
	return nil
}

func (r *Replace) rollback(backup string) error {
	log.Info("rolling back to previous binary", "path", r.BinaryPath)
	if _, err := os.Stat(backup); os.IsNotExist(err) {
		return fmt.Errorf("no backup found at %s", backup)
	}
	return replaceFile(backup, r.BinaryPath)
}

// backupFile copies src to dst, preserving the mode. A missing src is not
// an error: there is nothing to roll back to on a first install, so any
// stale dst from an earlier install is removed.
func backupFile(src, dst string) error {
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale backup: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	os.Remove(dst)
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode())
}

// replaceFile copies newPath over target. On Windows the running file is
// renamed out of the way first.
func replaceFile(newPath, target string) error {
	if runtime.GOOS == "windows" {
		oldPath := target + ".old"
		os.Remove(oldPath)
		if _, err := os.Stat(target); err == nil {
			if err := os.Rename(target, oldPath); err != nil {
				return err
			}
		}
	}
	if err := copyFile(newPath, target); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		return os.Chmod(target, 0o755)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
