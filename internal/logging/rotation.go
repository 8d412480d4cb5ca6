package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const backupStamp = "20060102T150405.000"

// RotatingWriter appends to a log file and, once the file would exceed its
// size limit, renames it to "<path>.<timestamp>" and starts a new one. Only
// the newest keep backups are retained. Safe for concurrent use.
type RotatingWriter struct {
	mu    sync.Mutex
	path  string
	limit int64
	keep  int
	f     *os.File
	size  int64
	now   func() time.Time
}

// NewRotatingWriter opens path for appending. maxSizeMB defaults to 10 and
// maxBackups to 3.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &RotatingWriter{
		path:  path,
		limit: int64(maxSizeMB) << 20,
		keep:  maxBackups,
		now:   time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// OpenOutput returns the writer Init should log to. An empty path logs to
// stderr only; otherwise records go to both stderr and the rotating file.
func OpenOutput(path string, maxSizeMB, maxBackups int) (io.Writer, io.Closer, error) {
	if path == "" {
		return os.Stderr, io.NopCloser(nil), nil
	}
	w, err := NewRotatingWriter(path, maxSizeMB, maxBackups)
	if err != nil {
		return nil, nil, err
	}
	return io.MultiWriter(os.Stderr, w), w, nil
}

// Write appends p. A record larger than the limit still lands in a fresh
// file rather than being split.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, os.ErrClosed
	}
	if !w.fits(len(p)) {
		if _, err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate %s: %w", filepath.Base(w.path), err)
		}
	}
	return w.append(p)
}

// Fits reports whether n more bytes can be written without rotating.
func (w *RotatingWriter) Fits(n int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fits(n)
}

// Rotate starts a new file now and returns the backup's name. Callers that
// need to write a header into the new file pair it with Append.
func (w *RotatingWriter) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return "", os.ErrClosed
	}
	return w.rotate()
}

// Append writes p without checking the size limit.
func (w *RotatingWriter) Append(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, os.ErrClosed
	}
	return w.append(p)
}

// Sync flushes the current file to disk.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	return w.f.Sync()
}

func (w *RotatingWriter) fits(n int) bool {
	return w.size == 0 || w.size+int64(n) <= w.limit
}

func (w *RotatingWriter) append(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// Backups lists retained backups, oldest first.
func (w *RotatingWriter) Backups() []string {
	matches, _ := filepath.Glob(w.path + ".*")
	sort.Strings(matches)
	return matches
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.f, w.size = f, st.Size()
	return nil
}

func (w *RotatingWriter) rotate() (string, error) {
	w.f.Close()
	w.f = nil
	backup := w.path + "." + w.now().UTC().Format(backupStamp)
	if err := os.Rename(w.path, backup); err != nil && !os.IsNotExist(err) {
		// Keep appending to the current file.
		if openErr := w.open(); openErr != nil {
			return "", openErr
		}
		return "", err
	}
	if err := w.open(); err != nil {
		return "", err
	}
	if old := w.Backups(); len(old) > w.keep {
		for _, name := range old[:len(old)-w.keep] {
			os.Remove(name)
		}
	}
	return backup, nil
}
