package assetstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/breeze-rmm/syncbridge/internal/failure"
	"github.com/breeze-rmm/syncbridge/internal/httputil"
)

// HTTPStore talks to the plugin file API with the session bearer token.
//
//	GET {base}/api/v1/folders/{folder}/files  -> {"files":[{"id","name","size"}]}
//	GET {base}/api/v1/files/{id}/content
type HTTPStore struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	retry   httputil.RetryConfig
}

type listResponse struct {
	Files []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Size int64  `json:"size"`
	} `json:"files"`
}

// NewHTTPStore creates an HTTPStore.
func NewHTTPStore(baseURL string, tokens TokenSource, client *http.Client) *HTTPStore {
	if client == nil {
		client = httputil.NewClient(0)
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  client,
		retry:   httputil.DefaultRetryConfig(),
	}
}

func (s *HTTPStore) headers(op string) (http.Header, error) {
	token := ""
	if s.tokens != nil {
		token = s.tokens.BearerToken()
	}
	if token == "" {
		return nil, failure.Auth(op, 0, errNoSession)
	}
	h := httputil.BearerHeaders(token)
	h.Set("Accept", "application/json")
	return h, nil
}

// List returns the files in folder.
func (s *HTTPStore) List(ctx context.Context, folder string) ([]Entry, error) {
	headers, err := s.headers("list")
	if err != nil {
		return nil, err
	}
	u := s.baseURL + "/api/v1/folders/" + url.PathEscape(strings.Trim(folder, "/")) + "/files"
	body, err := httputil.GetBytes(ctx, s.client, "list", u, headers, s.retry)
	if err != nil {
		return nil, err
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, failure.Internal("list", fmt.Errorf("malformed listing: %w", err))
	}
	entries := make([]Entry, 0, len(resp.Files))
	for _, f := range resp.Files {
		e := NewEntry(f.Name, f.Size)
		if f.ID != "" {
			e.Key = f.ID
		}
		entries = append(entries, e)
	}
	log.Debug("listed folder", "backend", BackendHTTP, "folder", folder, "count", len(entries))
	return entries, nil
}

// Download fetches the file content.
func (s *HTTPStore) Download(ctx context.Context, e Entry, destPath string, progress httputil.ProgressFunc) error {
	headers, err := s.headers("download")
	if err != nil {
		return err
	}
	u := s.baseURL + "/api/v1/files/" + url.PathEscape(e.Key) + "/content"
	_, err = httputil.DownloadFile(ctx, s.client, "download "+e.Name, u, headers, destPath, progress)
	return err
}
