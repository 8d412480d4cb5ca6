package assetstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/breeze-rmm/syncbridge/internal/failure"
	"github.com/breeze-rmm/syncbridge/internal/httputil"
)

// S3Store reads plugins from an S3-compatible bucket.
type S3Store struct {
	bucket     string
	client     *s3.Client
	downloader *manager.Downloader
}

// NewS3Store loads AWS configuration (static keys when configured, the
// default chain otherwise) and creates the client.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, errors.New("s3 bucket and region are required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Store{
		bucket: cfg.Bucket,
		client: client,
		// One part at a time keeps WriteAt calls sequential for progress.
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.Concurrency = 1
		}),
	}, nil
}

// List enumerates objects under folder.
func (s *S3Store) List(ctx context.Context, folder string) ([]Entry, error) {
	var entries []Entry
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(joinPrefix(folder)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("list", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || key[len(key)-1] == '/' {
				continue
			}
			entries = append(entries, NewEntry(key, aws.ToInt64(obj.Size)))
		}
	}
	log.Debug("listed folder", "backend", BackendS3, "bucket", s.bucket, "folder", folder, "count", len(entries))
	return entries, nil
}

// Download fetches the object with the transfer manager.
func (s *S3Store) Download(ctx context.Context, e Entry, destPath string, progress httputil.ProgressFunc) error {
	op := "download " + e.Name
	return writeAtAtomically(destPath, func(f *os.File) error {
		w := &progressWriterAt{f: f, total: e.Size, progress: progress}
		if progress != nil {
			progress(0, e.Size)
		}
		_, err := s.downloader.Download(ctx, w, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(e.Key),
		})
		return classify(op, err)
	})
}

// progressWriterAt counts bytes written through WriteAt.
type progressWriterAt struct {
	f        *os.File
	total    int64
	written  atomic.Int64
	progress httputil.ProgressFunc
}

func (w *progressWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n, err := w.f.WriteAt(p, off)
	written := w.written.Add(int64(n))
	if w.progress != nil {
		w.progress(written, w.total)
	}
	return n, err
}

// writeAtAtomically gives fill a .part file and renames it on success.
func writeAtAtomically(destPath string, fill func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return failure.Internal("create destination directory", err)
	}
	partPath := destPath + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		return failure.Internal("create destination file", err)
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(partPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(partPath)
		return failure.Internal("close "+filepath.Base(destPath), err)
	}
	if err := os.Rename(partPath, destPath); err != nil {
		os.Remove(partPath)
		return failure.Internal("rename "+filepath.Base(destPath), err)
	}
	return nil
}
