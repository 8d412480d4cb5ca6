package assetstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/breeze-rmm/syncbridge/internal/httputil"
)

// GCSStore reads plugins from a Google Cloud Storage bucket.
type GCSStore struct {
	bucket *storage.BucketHandle
	name   string
}

// NewGCSStore creates the storage client. An endpoint without a
// credentials file is treated as an unauthenticated emulator.
func NewGCSStore(ctx context.Context, cfg Config) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		if cfg.CredentialsFile == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket}, nil
}

// List enumerates objects under folder.
func (s *GCSStore) List(ctx context.Context, folder string) ([]Entry, error) {
	var entries []Entry
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: joinPrefix(folder)})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify("list", err)
		}
		if attrs.Name == "" || attrs.Name[len(attrs.Name)-1] == '/' {
			continue
		}
		entries = append(entries, NewEntry(attrs.Name, attrs.Size))
	}
	log.Debug("listed folder", "backend", BackendGCS, "bucket", s.name, "folder", folder, "count", len(entries))
	return entries, nil
}

// Download streams the object to destPath.
func (s *GCSStore) Download(ctx context.Context, e Entry, destPath string, progress httputil.ProgressFunc) error {
	op := "download " + e.Name
	r, err := s.bucket.Object(e.Key).NewReader(ctx)
	if err != nil {
		return classify(op, err)
	}
	defer r.Close()
	if _, err := httputil.WriteAtomically(destPath, r, r.Attrs.Size, progress); err != nil {
		return classify(op, err)
	}
	return nil
}
