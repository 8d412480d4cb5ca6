// Package assetstore lists and downloads remote plugin files. Every backend
// returns classified failures so the sync workflow can pick a recovery
// action without knowing which SDK produced the error.
package assetstore

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/breeze-rmm/syncbridge/internal/httputil"
	"github.com/breeze-rmm/syncbridge/internal/logging"
)

var log = logging.L("assetstore")

// Entry is one remote file.
type Entry struct {
	Name      string
	Extension string // lower-case, with leading dot
	Size      int64
	// Key addresses the file within its backend (object key, file id, path).
	Key string
}

// NewEntry derives Name and Extension from key.
func NewEntry(key string, size int64) Entry {
	name := path.Base(strings.ReplaceAll(key, "\\", "/"))
	return Entry{
		Name:      name,
		Extension: strings.ToLower(path.Ext(name)),
		Size:      size,
		Key:       key,
	}
}

// Store is the remote directory-listing and file-download capability.
type Store interface {
	List(ctx context.Context, folder string) ([]Entry, error)
	// Download writes e to destPath, reporting progress. A failed transfer
	// never leaves a partial file at destPath.
	Download(ctx context.Context, e Entry, destPath string, progress httputil.ProgressFunc) error
}

// TokenSource supplies the bearer token for the current session.
type TokenSource interface {
	BearerToken() string
}

// Backend names.
const (
	BackendHTTP  = "http"
	BackendS3    = "s3"
	BackendGCS   = "gcs"
	BackendAzure = "azure"
	BackendB2    = "b2"
	BackendLocal = "local"
)

// Config selects and configures a backend.
type Config struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Folder  string `mapstructure:"folder" yaml:"folder"`

	// http
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`

	// s3, gcs, azure, b2
	Bucket   string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Region   string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
	SessionToken    string `mapstructure:"session_token" yaml:"-"`
	UsePathStyle    bool   `mapstructure:"use_path_style" yaml:"use_path_style,omitempty"`

	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file,omitempty"`

	// azure: connection string or service URL (with SAS) plus container
	ConnectionString string `mapstructure:"connection_string" yaml:"-"`
	ServiceURL       string `mapstructure:"service_url" yaml:"service_url,omitempty"`
	Container        string `mapstructure:"container" yaml:"container,omitempty"`

	// local
	Root string `mapstructure:"root" yaml:"root,omitempty"`
}

// Open builds the configured backend. tokens is consulted only by the http
// backend; the SDK backends authenticate with their own credentials.
func Open(ctx context.Context, cfg Config, tokens TokenSource, client *http.Client) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendHTTP:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("store.base_url is required for the http backend")
		}
		return NewHTTPStore(cfg.BaseURL, tokens, client), nil
	case BackendS3:
		return NewS3Store(ctx, cfg)
	case BackendGCS:
		return NewGCSStore(ctx, cfg)
	case BackendAzure:
		return NewAzureStore(cfg)
	case BackendB2:
		return NewB2Store(cfg)
	case BackendLocal:
		return NewLocalStore(cfg.Root)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// joinPrefix turns a folder into an object-key prefix.
func joinPrefix(folder string) string {
	folder = strings.Trim(strings.ReplaceAll(folder, "\\", "/"), "/")
	if folder == "" {
		return ""
	}
	return folder + "/"
}
