package httputil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/net/http2"

	"github.com/breeze-rmm/syncbridge/internal/failure"
)

// maxBodySize caps in-memory responses (manifests, listings).
const maxBodySize = 8 * 1024 * 1024

// StallTimeout aborts a download whose body delivers no bytes for this
// long. Zero disables the check.
var StallTimeout = 2 * time.Minute

var errStalled = errors.New("download stalled")

// ProgressFunc reports bytes written so far and the expected total (-1 if
// unknown). It is called on the transfer goroutine.
type ProgressFunc func(written, total int64)

// NewClient builds the HTTP client used for manifests, listings and
// downloads. Timeout bounds connection setup and headers, not body streaming.
func NewClient(timeout time.Duration) *http.Client {
	return NewClientTLS(timeout, nil)
}

// NewClientTLS is NewClient with a client TLS configuration, used when the
// endpoints require a client certificate or a private CA.
func NewClientTLS(timeout time.Duration, tlsCfg *tls.Config) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
		TLSClientConfig:       tlsCfg,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warn("http2 unavailable, using http/1.1", "error", err)
	}
	return &http.Client{Transport: transport}
}

// BearerHeaders returns an Authorization header set, or nil for an empty token.
func BearerHeaders(token string) http.Header {
	if token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// GetBytes fetches url and returns its body. Transport failures and non-2xx
// statuses are returned as classified failures.
func GetBytes(ctx context.Context, client *http.Client, op, url string, headers http.Header, cfg RetryConfig) ([]byte, error) {
	resp, err := Do(ctx, client, http.MethodGet, url, nil, headers, cfg)
	if err != nil {
		return nil, failure.Network(op, err)
	}
	defer resp.Body.Close()

	if fe := failure.FromStatus(op, resp.StatusCode, url); fe != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fe
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, failure.Network(op, fmt.Errorf("read body: %w", err))
	}
	if len(body) > maxBodySize {
		return nil, failure.Network(op, fmt.Errorf("response from %s exceeds %d bytes", url, maxBodySize))
	}
	return body, nil
}

// DownloadFile streams url to destPath, reporting progress. The body is
// written to destPath+".part" and renamed on success so a failed transfer
// never leaves a truncated file at destPath.
func DownloadFile(ctx context.Context, client *http.Client, op, url string, headers http.Header, destPath string, progress ProgressFunc) (int64, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	resp, err := Do(ctx, client, http.MethodGet, url, nil, headers, NoRetry())
	if err != nil {
		return 0, failure.Network(op, err)
	}
	defer resp.Body.Close()

	if fe := failure.FromStatus(op, resp.StatusCode, url); fe != nil {
		return 0, fe
	}

	body := io.Reader(resp.Body)
	if StallTimeout > 0 {
		w := newWatchdog(resp.Body, StallTimeout, func() { cancel(errStalled) })
		defer w.stop()
		body = w
	}

	n, err := WriteAtomically(destPath, body, resp.ContentLength, progress)
	if err != nil {
		if ctx.Err() != nil {
			return n, failure.Network(op, context.Cause(ctx))
		}
		return n, err
	}
	return n, nil
}

// WriteAtomically copies src into destPath via a .part file, reporting
// progress after every chunk. Read errors are network failures, local
// write errors are internal ones.
func WriteAtomically(destPath string, src io.Reader, total int64, progress ProgressFunc) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, failure.Internal("create destination directory", err)
	}

	partPath := destPath + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return 0, failure.Internal("create destination file", err)
	}

	if total <= 0 {
		total = -1
	}
	if progress != nil {
		progress(0, total)
	}

	var written int64
	buf := make([]byte, 64*1024)
	for {
		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := out.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				out.Close()
				os.Remove(partPath)
				return written, failure.Internal("write "+filepath.Base(destPath), writeErr)
			}
			if progress != nil {
				progress(written, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(partPath)
			return written, failure.Network("read "+filepath.Base(destPath), readErr)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(partPath)
		return written, failure.Internal("close "+filepath.Base(destPath), err)
	}
	if err := os.Rename(partPath, destPath); err != nil {
		os.Remove(partPath)
		return written, failure.Internal("rename "+filepath.Base(destPath), err)
	}
	return written, nil
}

// watchdog calls fire when no bytes have been read for idle. Cancelling the
// request context then unblocks the pending Read.
type watchdog struct {
	r     io.Reader
	idle  time.Duration
	timer *time.Timer
}

func newWatchdog(r io.Reader, idle time.Duration, fire func()) *watchdog {
	return &watchdog{r: r, idle: idle, timer: time.AfterFunc(idle, fire)}
}

func (w *watchdog) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if n > 0 {
		w.timer.Reset(w.idle)
	}
	return n, err
}

func (w *watchdog) stop() { w.timer.Stop() }
