package assetstore

import (
	"context"
	"errors"
	"sync"

	"github.com/Backblaze/blazer/b2"

	"github.com/breeze-rmm/syncbridge/internal/failure"
	"github.com/breeze-rmm/syncbridge/internal/httputil"
)

// B2Store reads plugins from a Backblaze B2 bucket. The account is
// authorized lazily on the first request so a rejected key surfaces as an
// auth failure on the listing channel instead of at startup.
type B2Store struct {
	account, key, bucketName string

	mu     sync.Mutex
	bucket *b2.Bucket
}

// NewB2Store validates the configuration.
func NewB2Store(cfg Config) (*B2Store, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("b2 bucket, access_key_id and secret_access_key are required")
	}
	return &B2Store{account: cfg.AccessKeyID, key: cfg.SecretAccessKey, bucketName: cfg.Bucket}, nil
}

func (s *B2Store) connect(ctx context.Context) (*b2.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucket != nil {
		return s.bucket, nil
	}
	client, err := b2.NewClient(ctx, s.account, s.key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.Network("authorize b2 account", err)
		}
		return nil, failure.Auth("authorize b2 account", 0, err)
	}
	bucket, err := client.Bucket(ctx, s.bucketName)
	if err != nil {
		return nil, classify("open b2 bucket", err)
	}
	s.bucket = bucket
	return bucket, nil
}

// List enumerates files under folder.
func (s *B2Store) List(ctx context.Context, folder string) ([]Entry, error) {
	bucket, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	iter := bucket.List(ctx, b2.ListPrefix(joinPrefix(folder)))
	for iter.Next() {
		obj := iter.Object()
		attrs, err := obj.Attrs(ctx)
		if err != nil {
			return nil, classify("list", err)
		}
		entries = append(entries, NewEntry(obj.Name(), attrs.Size))
	}
	if err := iter.Err(); err != nil {
		return nil, classify("list", err)
	}
	log.Debug("listed folder", "backend", BackendB2, "bucket", s.bucketName, "folder", folder, "count", len(entries))
	return entries, nil
}

// Download streams the file to destPath.
func (s *B2Store) Download(ctx context.Context, e Entry, destPath string, progress httputil.ProgressFunc) error {
	bucket, err := s.connect(ctx)
	if err != nil {
		return err
	}
	r := bucket.Object(e.Key).NewReader(ctx)
	defer r.Close()
	if _, err := httputil.WriteAtomically(destPath, r, e.Size, progress); err != nil {
		return classify("download "+e.Name, err)
	}
	return nil
}
