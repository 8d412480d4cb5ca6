package assetstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/breeze-rmm/syncbridge/internal/httputil"
)

// AzureStore reads plugins from an Azure Blob Storage container.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore builds the client from a connection string, shared key, or
// a SAS-bearing service URL, in that order of preference.
func NewAzureStore(cfg Config) (*AzureStore, error) {
	if cfg.Container == "" {
		return nil, errors.New("azure container is required")
	}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.ServiceURL != "" && cfg.AccessKeyID != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccessKeyID, cfg.SecretAccessKey)
		if err == nil {
			client, err = azblob.NewClientWithSharedKeyCredential(cfg.ServiceURL, cred, nil)
		}
	case cfg.ServiceURL != "":
		client, err = azblob.NewClientWithNoCredential(cfg.ServiceURL, nil)
	default:
		return nil, errors.New("azure connection_string or service_url is required")
	}
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &AzureStore{client: client, container: cfg.Container}, nil
}

// List enumerates blobs under folder.
func (s *AzureStore) List(ctx context.Context, folder string) ([]Entry, error) {
	prefix := joinPrefix(folder)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})

	var entries []Entry
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("list", err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			var size int64
			if item.Properties != nil && item.Properties.ContentLength != nil {
				size = *item.Properties.ContentLength
			}
			entries = append(entries, NewEntry(*item.Name, size))
		}
	}
	log.Debug("listed folder", "backend", BackendAzure, "container", s.container, "folder", folder, "count", len(entries))
	return entries, nil
}

// Download streams the blob to destPath.
func (s *AzureStore) Download(ctx context.Context, e Entry, destPath string, progress httputil.ProgressFunc) error {
	op := "download " + e.Name
	resp, err := s.client.DownloadStream(ctx, s.container, e.Key, nil)
	if err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()

	total := e.Size
	if resp.ContentLength != nil {
		total = *resp.ContentLength
	}
	if _, err := httputil.WriteAtomically(destPath, resp.Body, total, progress); err != nil {
		return classify(op, err)
	}
	return nil
}
