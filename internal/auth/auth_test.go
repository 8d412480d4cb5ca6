package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/breeze-rmm/syncbridge/internal/failure"
)

func TestTokenFormattingIsRedacted(t *testing.T) {
	tok := NewToken("hunter2")
	for _, format := range []string{"%s", "%v", "%+v", "%#v", "%q"} {
		if got := fmt.Sprintf(format, tok); got != "[REDACTED]" {
			t.Fatalf("Sprintf(%q) = %q", format, got)
		}
	}
	data, err := json.Marshal(struct{ T *Token }{tok})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"T":"[REDACTED]"}` {
		t.Fatalf("json = %s", data)
	}
	if tok.Reveal() != "hunter2" {
		t.Fatal("Reveal should return plaintext")
	}
}

func TestTokenZero(t *testing.T) {
	tok := NewToken("secret")
	tok.Zero()
	if tok.Reveal() != "" || !tok.IsZeroed() {
		t.Fatal("zeroed token should reveal nothing")
	}
	var nilTok *Token
	if nilTok.Reveal() != "" || nilTok.IsZeroed() {
		t.Fatal("nil token should be empty and not zeroed")
	}
}

func TestStoreValidityAndInvalidate(t *testing.T) {
	st := NewStore()
	if st.Valid() {
		t.Fatal("empty store should not be valid")
	}

	tok := NewToken("abc")
	st.Set(&Session{Token: tok, Subject: "alice"})
	if !st.Valid() || st.BearerToken() != "abc" {
		t.Fatal("session should be valid after Set")
	}

	st.Invalidate()
	if st.Valid() {
		t.Fatal("session should be invalid after Invalidate")
	}
	if !tok.IsZeroed() {
		t.Fatal("invalidated token should be zeroed")
	}
}

func TestSessionExpiry(t *testing.T) {
	st := NewStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	st.Set(&Session{Token: NewToken("abc"), ExpiresAt: now.Add(10 * time.Second)})
	if st.Valid() {
		t.Fatal("session inside the expiry skew should be treated as expired")
	}
	st.Set(&Session{Token: NewToken("abc"), ExpiresAt: now.Add(time.Hour)})
	if !st.Valid() {
		t.Fatal("session far from expiry should be valid")
	}
}

func TestTokenClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_id") != "plugins" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	}))
	defer srv.Close()

	c := NewTokenClient(TokenClientConfig{TokenURL: srv.URL, ClientID: "plugins", ClientSecret: "s"}, srv.Client())
	s, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if s.Token.Reveal() != "tok-1" || s.Subject != "plugins" {
		t.Fatalf("session = %+v", s)
	}
	if !s.Valid(time.Now()) {
		t.Fatal("fresh session should be valid")
	}
}

func TestTokenClientRejectedCredentials(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		c := NewTokenClient(TokenClientConfig{TokenURL: srv.URL, ClientID: "x"}, srv.Client())
		_, err := c.Authenticate(context.Background())
		srv.Close()
		if !failure.Is(err, failure.KindAuth) {
			t.Fatalf("status %d: err = %v, want auth", code, err)
		}
	}
}

func TestStaticAuthenticator(t *testing.T) {
	s, err := StaticAuthenticator{Subject: "s3"}.Authenticate(context.Background())
	if err != nil || !s.Valid(time.Now()) {
		t.Fatalf("static session should be valid: %v", err)
	}
}
