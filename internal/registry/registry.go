// Package registry is the local plugin registry: a sqlite catalogue of the
// plugin files present on disk plus the components that depend on it.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/breeze-rmm/syncbridge/internal/logging"
)

var log = logging.L("registry")

// Plugin is one registered plugin file.
type Plugin struct {
	Name      string
	Path      string
	Size      int64
	ModTime   time.Time
	FirstSeen time.Time
}

// Dependent is rebuilt whenever the plugin set changes.
type Dependent func(plugins []Plugin) error

// Registry catalogues plugins in dir with extension ext.
type Registry struct {
	db  *sql.DB
	dir string
	ext string

	mu         sync.Mutex
	dependents []namedDependent
	lastReload time.Time
}

type namedDependent struct {
	name string
	fn   Dependent
}

// Open opens or creates the registry database at dbPath.
func Open(dbPath, dir, ext string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Registry{db: db, dir: dir, ext: strings.ToLower(ext)}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS plugins (
    name TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    size INTEGER NOT NULL,
    mod_time INTEGER NOT NULL,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS rebuilds (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dependent TEXT NOT NULL,
    plugin_count INTEGER NOT NULL,
    error TEXT,
    rebuilt_at INTEGER NOT NULL
);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Dir returns the plugin directory.
func (r *Registry) Dir() string { return r.dir }

// AddDependent registers fn to run on every RebuildDependents.
func (r *Registry) AddDependent(name string, fn Dependent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dependents = append(r.dependents, namedDependent{name: name, fn: fn})
}

// Reload rescans the plugin directory and brings the catalogue in line with
// it: new files are added, changed files updated, missing files removed.
func (r *Registry) Reload() error {
	start := time.Now()
	found, err := r.scan()
	if err != nil {
		return err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reload: %w", err)
	}
	defer tx.Rollback()

	now := start.UnixNano()
	upsert, err := tx.Prepare(`
INSERT INTO plugins (name, path, size, mod_time, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET path=excluded.path, size=excluded.size, mod_time=excluded.mod_time, last_seen=excluded.last_seen`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsert.Close()

	for _, p := range found {
		if _, err := upsert.Exec(p.Name, p.Path, p.Size, p.ModTime.UnixNano(), now, now); err != nil {
			return fmt.Errorf("upsert %s: %w", p.Name, err)
		}
	}
	res, err := tx.Exec(`DELETE FROM plugins WHERE last_seen < ?`, now)
	if err != nil {
		return fmt.Errorf("prune plugins: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reload: %w", err)
	}

	removed, _ := res.RowsAffected()
	r.mu.Lock()
	r.lastReload = start
	r.mu.Unlock()
	log.Info("registry reloaded", "plugins", len(found), "removed", removed, logging.Duration(time.Since(start)))
	return nil
}

func (r *Registry) scan() ([]Plugin, error) {
	var found []Plugin
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == r.dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if r.ext != "" && strings.ToLower(filepath.Ext(path)) != r.ext {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		// Nested plugins are named by their relative path so equal base
		// names in different folders stay distinct.
		name, err := filepath.Rel(r.dir, path)
		if err != nil {
			return err
		}
		found = append(found, Plugin{Name: filepath.ToSlash(name), Path: path, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan plugin dir: %w", err)
	}
	return found, nil
}

// Plugins returns the catalogue ordered by name.
func (r *Registry) Plugins() ([]Plugin, error) {
	rows, err := r.db.Query(`SELECT name, path, size, mod_time, first_seen FROM plugins ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Plugin
	for rows.Next() {
		var p Plugin
		var mod, first int64
		if err := rows.Scan(&p.Name, &p.Path, &p.Size, &mod, &first); err != nil {
			return nil, err
		}
		p.ModTime = time.Unix(0, mod)
		p.FirstSeen = time.Unix(0, first)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RebuildDependents runs every registered dependent against the current
// catalogue. All dependents run; the first error is returned.
func (r *Registry) RebuildDependents() error {
	plugins, err := r.Plugins()
	if err != nil {
		return fmt.Errorf("read catalogue: %w", err)
	}

	r.mu.Lock()
	deps := append([]namedDependent(nil), r.dependents...)
	r.mu.Unlock()

	var firstErr error
	for _, d := range deps {
		depErr := d.fn(plugins)
		var errText sql.NullString
		if depErr != nil {
			errText = sql.NullString{String: depErr.Error(), Valid: true}
			log.Warn("dependent rebuild failed", "dependent", d.name, logging.KeyError, depErr)
			if firstErr == nil {
				firstErr = fmt.Errorf("rebuild %s: %w", d.name, depErr)
			}
		}
		if _, err := r.db.Exec(`INSERT INTO rebuilds (dependent, plugin_count, error, rebuilt_at) VALUES (?, ?, ?, ?)`,
			d.name, len(plugins), errText, time.Now().UnixNano()); err != nil {
			log.Warn("failed to record rebuild", "dependent", d.name, logging.KeyError, err)
		}
	}
	log.Debug("dependents rebuilt", "count", len(deps), "plugins", len(plugins))
	return firstErr
}

// LastReload returns when Reload last succeeded.
func (r *Registry) LastReload() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReload
}
