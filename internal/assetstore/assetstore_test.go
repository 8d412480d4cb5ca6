package assetstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"google.golang.org/api/googleapi"

	"github.com/breeze-rmm/syncbridge/internal/failure"
)

type staticTokens string

func (s staticTokens) BearerToken() string { return string(s) }

func TestNewEntry(t *testing.T) {
	e := NewEntry("plugins/Reverb.VST3", 42)
	if e.Name != "Reverb.VST3" || e.Extension != ".vst3" || e.Size != 42 || e.Key != "plugins/Reverb.VST3" {
		t.Fatalf("entry = %+v", e)
	}
	if NewEntry("README", 1).Extension != "" {
		t.Fatal("file without extension should have empty Extension")
	}
}

func TestJoinPrefix(t *testing.T) {
	for in, want := range map[string]string{"": "", "/": "", "plugins": "plugins/", "/a/b/": "a/b/", `a\b`: "a/b/"} {
		if got := joinPrefix(in); got != want {
			t.Fatalf("joinPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func newPluginServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/folders/plugins/files", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"files": []map[string]any{
			{"id": "f1", "name": "a.vst3", "size": 5},
			{"id": "f2", "name": "notes.txt", "size": 3},
		}})
	})
	mux.HandleFunc("/api/v1/files/f1/content", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("hello"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPStoreListAndDownload(t *testing.T) {
	srv := newPluginServer(t, "tok")
	s := NewHTTPStore(srv.URL, staticTokens("tok"), srv.Client())

	entries, err := s.List(context.Background(), "plugins")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "f1" || entries[0].Extension != ".vst3" {
		t.Fatalf("entries = %+v", entries)
	}

	dest := filepath.Join(t.TempDir(), "a.vst3")
	if err := s.Download(context.Background(), entries[0], dest, nil); err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "hello" {
		t.Fatalf("content = %q, %v", data, err)
	}
}

func TestHTTPStoreRejectedTokenIsAuth(t *testing.T) {
	srv := newPluginServer(t, "tok")
	s := NewHTTPStore(srv.URL, staticTokens("stale"), srv.Client())

	_, err := s.List(context.Background(), "plugins")
	if !failure.Is(err, failure.KindAuth) {
		t.Fatalf("err = %v, want auth", err)
	}
}

func TestHTTPStoreWithoutSessionIsAuth(t *testing.T) {
	srv := newPluginServer(t, "tok")
	s := NewHTTPStore(srv.URL, staticTokens(""), srv.Client())

	_, err := s.List(context.Background(), "plugins")
	if !failure.Is(err, failure.KindAuth) {
		t.Fatalf("err = %v, want auth", err)
	}
}

func TestHTTPStoreMalformedListingIsFinal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files": "not-a-list"`))
	}))
	defer srv.Close()
	s := NewHTTPStore(srv.URL, staticTokens("tok"), srv.Client())

	_, err := s.List(context.Background(), "plugins")
	if err == nil {
		t.Fatal("expected an error for a malformed listing")
	}
	if failure.Is(err, failure.KindNetwork) || failure.RecoveryFor(err) != failure.RecoveryNone {
		t.Fatalf("err = %v (kind %s), want a final non-retryable failure", err, failure.KindOf(err))
	}
}

func TestLocalStoreListAndDownload(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "plugins", "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(root, "plugins", "a.vst3"), []byte("aaaa"), 0o644)
	os.WriteFile(filepath.Join(root, "plugins", "sub", "b.VST3"), []byte("bb"), 0o644)

	s, err := NewLocalStore(root)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := s.List(context.Background(), "plugins")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}

	var last int64
	dest := filepath.Join(t.TempDir(), "out", "a.vst3")
	if err := s.Download(context.Background(), entries[0], dest, func(w, total int64) { last = w }); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if last != entries[0].Size {
		t.Fatalf("final progress = %d, want %d", last, entries[0].Size)
	}
}

func TestLocalStoreMissingFolderIsEmpty(t *testing.T) {
	s, _ := NewLocalStore(t.TempDir())
	entries, err := s.List(context.Background(), "nope")
	if err != nil || len(entries) != 0 {
		t.Fatalf("entries=%v err=%v", entries, err)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	s, _ := NewLocalStore(t.TempDir())
	err := s.Download(context.Background(), NewEntry("../../etc/passwd", 1), filepath.Join(t.TempDir(), "x"), nil)
	if err == nil || !strings.Contains(err.Error(), "path traversal") {
		t.Fatalf("err = %v, want traversal rejection", err)
	}
}

func TestClassify(t *testing.T) {
	if !failure.Is(classify("list", &azcore.ResponseError{StatusCode: 403}), failure.KindAuth) {
		t.Fatal("azure 403 should be auth")
	}
	if !failure.Is(classify("list", fmt.Errorf("wrapped: %w", &googleapi.Error{Code: 401})), failure.KindAuth) {
		t.Fatal("gcs 401 should be auth")
	}
	if !failure.Is(classify("list", &googleapi.Error{Code: 503}), failure.KindNetwork) {
		t.Fatal("gcs 503 should be network")
	}
	if !failure.Is(classify("list", errors.New("dial tcp: refused")), failure.KindNetwork) {
		t.Fatal("unknown error should be network")
	}
	in := failure.Internal("x", errors.New("disk full"))
	if classify("list", in) != error(in) {
		t.Fatal("classified errors should pass through")
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Config{Backend: "ftp"}, nil, nil); err == nil {
		t.Fatal("unknown backend should fail")
	}
	if _, err := Open(context.Background(), Config{Backend: BackendLocal, Root: t.TempDir()}, nil, nil); err != nil {
		t.Fatalf("local backend: %v", err)
	}
}
