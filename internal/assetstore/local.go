package assetstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/breeze-rmm/syncbridge/internal/failure"
	"github.com/breeze-rmm/syncbridge/internal/httputil"
)

// containedPath ensures that the resolved path stays within basePath.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	joined := filepath.Join(absBase, filepath.FromSlash(untrustedPath))
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) && absJoined != absBase {
		return "", fmt.Errorf("path traversal detected: %q resolves outside base %q", untrustedPath, absBase)
	}
	return absJoined, nil
}

// LocalStore serves plugins from a local or mounted directory. Used for
// network shares and for offline installs.
type LocalStore struct {
	BasePath string
}

// NewLocalStore creates a LocalStore rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if basePath == "" {
		return nil, errors.New("local store root is required")
	}
	return &LocalStore{BasePath: filepath.Clean(basePath)}, nil
}

// List walks folder and returns its regular files. A missing folder is an
// empty listing.
func (p *LocalStore) List(ctx context.Context, folder string) ([]Entry, error) {
	root := p.BasePath
	if folder != "" {
		var err error
		root, err = containedPath(p.BasePath, folder)
		if err != nil {
			return nil, failure.Internal("list", err)
		}
	}

	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, failure.Network("list", fmt.Errorf("failed to stat folder %s: %w", root, err))
	}

	var entries []Entry
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(p.BasePath, path)
		if err != nil {
			return err
		}
		entries = append(entries, NewEntry(filepath.ToSlash(relPath), info.Size()))
		return nil
	})
	if walkErr != nil {
		return nil, failure.Network("list", fmt.Errorf("failed to list folder: %w", walkErr))
	}
	log.Debug("listed folder", "backend", BackendLocal, "root", p.BasePath, "folder", folder, "count", len(entries))
	return entries, nil
}

// Download copies the file into destPath.
func (p *LocalStore) Download(ctx context.Context, e Entry, destPath string, progress httputil.ProgressFunc) error {
	op := "download " + e.Name
	srcPath, err := containedPath(p.BasePath, e.Key)
	if err != nil {
		return failure.Internal(op, err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return failure.Network(op, fmt.Errorf("failed to open source file: %w", err))
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return failure.Network(op, fmt.Errorf("failed to stat source file: %w", err))
	}
	if _, err := httputil.WriteAtomically(destPath, &ctxReader{ctx: ctx, r: src}, info.Size(), progress); err != nil {
		return err
	}
	if err := os.Chtimes(destPath, info.ModTime(), info.ModTime()); err != nil {
		log.Debug("failed to preserve modification time", "path", destPath, "error", err)
	}
	return nil
}

// ctxReader stops a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   *os.File
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
