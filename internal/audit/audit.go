// Package audit keeps a tamper-evident record of installs and plugin syncs.
//
// Records are JSON lines. Each carries a sequence number and the hash of its
// predecessor, so deleting, reordering or editing a line breaks the chain.
// When the file rotates, the new file opens with a log_rotated record that
// links back to the last record of the old one.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/breeze-rmm/syncbridge/internal/logging"
)

var log = logging.L("audit")

const (
	EventAppStart        = "app_start"
	EventAppStop         = "app_stop"
	EventUpdateAvailable = "update_available"
	EventUpdateDeclined  = "update_declined"
	EventUpdateInstalled = "update_installed"
	EventUpdateFailed    = "update_failed"
	EventSyncCompleted   = "sync_completed"
	EventSyncFailed      = "sync_failed"
	EventSessionCreated  = "session_created"
	EventLogRotated      = "log_rotated"
)

// durable events are fsynced before Log returns.
var durable = map[string]bool{
	EventAppStart:        true,
	EventAppStop:         true,
	EventUpdateInstalled: true,
	EventUpdateFailed:    true,
}

type Entry struct {
	Seq       uint64         `json:"seq"`
	Time      time.Time      `json:"time"`
	Event     string         `json:"event"`
	RequestID string         `json:"requestId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Prev      string         `json:"prev"`
	Hash      string         `json:"hash"`
}

// digest hashes the entry's JSON form with Hash cleared.
func (e Entry) digest() (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

type Logger struct {
	mu      sync.Mutex
	out     *logging.RotatingWriter
	seq     uint64
	prev    string
	dropped atomic.Int64
	now     func() time.Time
}

// NewLogger opens the audit log at path, continuing the chain of an
// existing file.
func NewLogger(path string, maxSizeMB, maxBackups int) (*Logger, error) {
	last, err := tail(path)
	if err != nil {
		return nil, errors.Wrap(err, "read audit log")
	}
	out, err := logging.NewRotatingWriter(path, maxSizeMB, maxBackups)
	if err != nil {
		return nil, err
	}
	log.Info("audit log opened", "path", path, "seq", last.Seq)
	return &Logger{out: out, seq: last.Seq, prev: last.Hash, now: time.Now}, nil
}

// tail returns the last well-formed entry of path, or a zero Entry.
func tail(path string) (Entry, error) {
	var last Entry
	err := scan(path, func(_ int, e Entry, perr error) error {
		if perr == nil && e.Hash != "" {
			last = e
		}
		return nil
	})
	if os.IsNotExist(errors.Cause(err)) {
		return Entry{}, nil
	}
	return last, err
}

// Log appends one record. Failures are counted, never returned, so callers
// on the consumer goroutine are not held up. Safe on a nil Logger.
func (l *Logger) Log(event, requestID string, details map[string]any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{Time: l.now().UTC(), Event: event, RequestID: requestID, Details: details}
	line, err := l.seal(&e)
	if err != nil {
		l.drop(event, err)
		return
	}
	if !l.out.Fits(len(line)) {
		if err := l.rotate(); err != nil {
			l.drop(event, err)
			return
		}
		if line, err = l.seal(&e); err != nil {
			l.drop(event, err)
			return
		}
	}
	if err := l.commit(e, line); err != nil {
		l.drop(event, err)
		return
	}
	if durable[event] {
		if err := l.out.Sync(); err != nil {
			log.Warn("audit fsync failed", "event", event, logging.KeyError, err)
		}
	}
}

// seal assigns the next sequence number and link, then encodes e.
func (l *Logger) seal(e *Entry) ([]byte, error) {
	e.Seq = l.seq + 1
	e.Prev = l.prev
	h, err := e.digest()
	if err != nil {
		return nil, err
	}
	e.Hash = h
	line, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// commit writes line and advances the chain only on success.
func (l *Logger) commit(e Entry, line []byte) error {
	if _, err := l.out.Append(line); err != nil {
		return err
	}
	l.seq, l.prev = e.Seq, e.Hash
	return nil
}

func (l *Logger) rotate() error {
	backup, err := l.out.Rotate()
	if err != nil {
		return errors.Wrap(err, "rotate audit log")
	}
	marker := Entry{
		Time:    l.now().UTC(),
		Event:   EventLogRotated,
		Details: map[string]any{"previousFile": filepath.Base(backup)},
	}
	line, err := l.seal(&marker)
	if err == nil {
		err = l.commit(marker, line)
	}
	return errors.Wrap(err, "write rotation marker")
}

func (l *Logger) drop(event string, err error) {
	l.dropped.Add(1)
	log.Error("audit record dropped", "event", event, logging.KeyError, err)
}

// Close is safe on a nil Logger.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// DroppedCount returns the number of records that could not be written, or
// -1 for a nil Logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// Verify checks the chain across the retained backups of path, oldest first,
// and then path itself. It returns the number of records checked. The first
// record examined is trusted as the anchor since older backups may have been
// pruned.
func Verify(path string) (int, error) {
	backups, _ := filepath.Glob(path + ".*")
	sort.Strings(backups)
	files := append(backups, path)

	var (
		count int
		prev  Entry
	)
	for _, file := range files {
		err := scan(file, func(line int, e Entry, perr error) error {
			if perr != nil {
				return fmt.Errorf("%s:%d: %w", filepath.Base(file), line, perr)
			}
			want, err := e.digest()
			if err != nil {
				return fmt.Errorf("%s:%d: %w", filepath.Base(file), line, err)
			}
			if want != e.Hash {
				return fmt.Errorf("%s:%d: record %d was modified", filepath.Base(file), line, e.Seq)
			}
			if count > 0 && (e.Prev != prev.Hash || e.Seq != prev.Seq+1) {
				return fmt.Errorf("%s:%d: chain broken after record %d", filepath.Base(file), line, prev.Seq)
			}
			prev = e
			count++
			return nil
		})
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

// scan calls fn for every line of path with its decoded entry or decode
// error. A non-nil return from fn stops the scan.
func scan(path string, fn func(line int, e Entry, err error) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		var e Entry
		perr := json.Unmarshal(sc.Bytes(), &e)
		if err := fn(n, e, perr); err != nil {
			return err
		}
	}
	return sc.Err()
}
