package auth

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Token holds a session bearer token with best-effort zeroing. Every
// formatting path prints [REDACTED]; Reveal returns the plaintext for the
// Authorization header only.
type Token struct {
	mu     sync.Mutex
	data   []byte
	zeroed atomic.Bool
}

// NewToken copies s into a Token.
func NewToken(s string) *Token {
	b := make([]byte, len(s))
	copy(b, s)
	return &Token{data: b}
}

// Reveal returns the plaintext, or "" for a nil or zeroed token.
func (t *Token) Reveal() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.data)
}

// Zero overwrites the token bytes. Called when a session is invalidated.
func (t *Token) Zero() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.data {
		t.data[i] = 0
	}
	t.data = nil
	t.zeroed.Store(true)
}

// IsZeroed reports whether Zero has been called.
func (t *Token) IsZeroed() bool {
	return t != nil && t.zeroed.Load()
}

func (t *Token) String() string   { return "[REDACTED]" }
func (t *Token) GoString() string { return "[REDACTED]" }

// Format makes every fmt verb print [REDACTED].
func (t *Token) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, "[REDACTED]")
}

// MarshalJSON never serializes the plaintext.
func (t *Token) MarshalJSON() ([]byte, error) {
	return json.Marshal("[REDACTED]")
}

// UnmarshalJSON refuses to populate a Token from JSON.
func (t *Token) UnmarshalJSON([]byte) error {
	return fmt.Errorf("auth: cannot deserialize into Token")
}
