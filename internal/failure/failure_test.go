package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestFromStatusClassifiesAuth(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		err := FromStatus("list", code, "https://store/api")
		if err.Kind != KindAuth {
			t.Fatalf("status %d: kind = %q, want auth", code, err.Kind)
		}
		if RecoveryFor(err) != RecoveryAuthenticate {
			t.Fatalf("status %d: recovery = %v, want authenticate", code, RecoveryFor(err))
		}
	}
}

func TestFromStatusClassifiesNetwork(t *testing.T) {
	err := FromStatus("list", http.StatusBadGateway, "https://store/api")
	if err.Kind != KindNetwork || err.StatusCode != http.StatusBadGateway {
		t.Fatalf("got %+v", err)
	}
	if RecoveryFor(err) != RecoveryRetry {
		t.Fatalf("recovery = %v, want retry", RecoveryFor(err))
	}
	if FromStatus("list", http.StatusOK, "u") != nil {
		t.Fatal("2xx should not produce an error")
	}
}

func TestKindOfWrappedError(t *testing.T) {
	inner := ManifestParse("missing field \"url\"", nil)
	wrapped := fmt.Errorf("check: %w", inner)
	if KindOf(wrapped) != KindManifestParse {
		t.Fatalf("KindOf = %q", KindOf(wrapped))
	}
	if !Is(wrapped, KindManifestParse) {
		t.Fatal("Is should see through wrapping")
	}
	if RecoveryFor(wrapped) != RecoveryNone {
		t.Fatal("manifest errors are not retryable")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("plain errors should be internal")
	}
	if KindOf(context.DeadlineExceeded) != KindNetwork {
		t.Fatal("deadline should count as a network timeout")
	}
	if KindOf(nil) != "" {
		t.Fatal("nil has no kind")
	}
}

func TestNormalizeKeepsExistingKind(t *testing.T) {
	auth := Auth("list", 401, errors.New("expired"))
	if got := Normalize("fetch", auth); got != auth {
		t.Fatal("Normalize should not rewrap classified errors")
	}
	if KindOf(Normalize("fetch", errors.New("connection refused"))) != KindNetwork {
		t.Fatal("raw errors should become network errors")
	}
}

func TestPartialDownloadRecoveryFollowsCause(t *testing.T) {
	transient := PartialDownload(1, "b.dll", Network("download", errors.New("reset")))
	if RecoveryFor(transient) != RecoveryRetry {
		t.Fatal("transient entry failure should be retryable")
	}
	local := PartialDownload(1, "b.dll", Internal("write", errors.New("disk full")))
	if RecoveryFor(local) != RecoveryNone {
		t.Fatal("local entry failure should not be retryable")
	}
	if !strings.Contains(transient.Error(), "entry 2 (b.dll) failed") {
		t.Fatalf("message should name the entry: %s", transient.Error())
	}
}
