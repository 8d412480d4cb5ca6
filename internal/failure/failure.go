// Package failure is the error taxonomy shared by fetch channels, the batch
// coordinator and both workflows. Every error that crosses a goroutine
// boundary is normalized into a tagged *Error so the consumer can pick a
// recovery action without string matching.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Kind tags the failure class.
type Kind string

const (
	KindNetwork         Kind = "network"
	KindAuth            Kind = "auth"
	KindManifestParse   Kind = "manifest_parse"
	KindEmptyBatch      Kind = "empty_batch"
	KindPartialDownload Kind = "partial_download"
	KindUserCancelled   Kind = "user_cancelled"
	KindInternal        Kind = "internal"
)

// Recovery is the action a surface should offer for a failure.
type Recovery int

const (
	RecoveryNone Recovery = iota
	RecoveryRetry
	RecoveryAuthenticate
)

func (r Recovery) String() string {
	switch r {
	case RecoveryRetry:
		return "retry"
	case RecoveryAuthenticate:
		return "authenticate"
	default:
		return "none"
	}
}

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	StatusCode int
	// Entry and Index identify the failing item of a batch.
	Entry string
	Index int
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap exposes the cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Network wraps a transient transport failure.
func Network(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// Auth reports an Unauthorized/Forbidden response.
func Auth(op string, statusCode int, err error) *Error {
	return &Error{Kind: KindAuth, Op: op, StatusCode: statusCode, Err: err}
}

// ManifestParse reports malformed or incomplete remote data. The cause keeps
// a stack trace for diagnostics.
func ManifestParse(msg string, err error) *Error {
	if err != nil {
		err = pkgerrors.WithStack(err)
	}
	return &Error{Kind: KindManifestParse, Op: "parse manifest", Message: msg, Err: err}
}

// EmptyBatch reports that no remote entry matched the filter.
func EmptyBatch(filter string, listed int) *Error {
	return &Error{
		Kind:    KindEmptyBatch,
		Op:      "plan batch",
		Message: fmt.Sprintf("no entries matching %q among %d listed", filter, listed),
	}
}

// PartialDownload reports the entry that aborted a batch.
func PartialDownload(index int, entry string, err error) *Error {
	return &Error{
		Kind:    KindPartialDownload,
		Op:      "download batch",
		Message: fmt.Sprintf("entry %d (%s) failed", index+1, entry),
		Entry:   entry,
		Index:   index,
		Err:     err,
	}
}

// UserCancelled marks an explicit decline. It is a terminal outcome, not a fault.
func UserCancelled(op string) *Error {
	return &Error{Kind: KindUserCancelled, Op: op, Message: "declined by user"}
}

// Internal wraps an unexpected error (panics, local I/O).
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// FromStatus maps a non-2xx HTTP status to Auth or Network. Returns nil for 2xx.
func FromStatus(op string, code int, url string) *Error {
	if code >= 200 && code < 300 {
		return nil
	}
	cause := fmt.Errorf("%s returned %d %s", url, code, http.StatusText(code))
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return Auth(op, code, cause)
	}
	e := Network(op, cause)
	e.StatusCode = code
	return e
}

// As extracts the classified error from a chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err. Unclassified errors are KindInternal;
// context deadline errors count as network timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Normalize classifies a raw transport error as Network unless it already
// carries a Kind.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return Network(op, err)
}

// RecoveryFor picks the recovery action for a listing/auth/fetch failure.
// A partial download is retryable only when its cause is.
func RecoveryFor(err error) Recovery {
	fe, ok := As(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return RecoveryRetry
		}
		return RecoveryNone
	}
	switch fe.Kind {
	case KindAuth:
		return RecoveryAuthenticate
	case KindNetwork:
		return RecoveryRetry
	case KindPartialDownload:
		if fe.Err != nil {
			return RecoveryFor(fe.Err)
		}
	}
	return RecoveryNone
}
