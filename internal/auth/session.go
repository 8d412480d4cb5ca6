// Package auth owns the authenticated session used by the remote asset store.
package auth

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/syncbridge/internal/logging"
)

var log = logging.L("auth")

// expirySkew treats a session as expired slightly early so that a listing
// started just before expiry does not fail mid-flight.
const expirySkew = 30 * time.Second

// Session is an authenticated session with the asset store.
type Session struct {
	Token     *Token
	Subject   string
	ExpiresAt time.Time // zero means no expiry
}

// Valid reports whether the session can be used at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == nil || s.Token.IsZeroed() || s.Token.Reveal() == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Add(expirySkew).Before(s.ExpiresAt)
}

// Authenticator is the external capability that produces sessions.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Session, error)
}

// Store holds the current session. It is written by the consumer (after an
// authentication completion) and read by fetch jobs building requests.
type Store struct {
	current atomic.Pointer[Session]
	now     func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Set installs s, zeroing the previous token.
func (st *Store) Set(s *Session) {
	if old := st.current.Swap(s); old != nil && old != s {
		old.Token.Zero()
	}
	if s != nil {
		log.Info("session established", "subject", s.Subject, "expiresAt", s.ExpiresAt)
	}
}

// Current returns the session if it is still valid.
func (st *Store) Current() (*Session, bool) {
	s := st.current.Load()
	if !s.Valid(st.now()) {
		return nil, false
	}
	return s, true
}

// Valid reports whether a usable session is present.
func (st *Store) Valid() bool {
	_, ok := st.Current()
	return ok
}

// BearerToken returns the current token plaintext, or "".
func (st *Store) BearerToken() string {
	s, ok := st.Current()
	if !ok {
		return ""
	}
	return s.Token.Reveal()
}

// Invalidate drops the session, e.g. after the store answered 401/403.
func (st *Store) Invalidate() {
	if old := st.current.Swap(nil); old != nil {
		old.Token.Zero()
		log.Info("session invalidated", "subject", old.Subject)
	}
}
