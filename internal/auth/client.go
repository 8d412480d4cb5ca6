package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/breeze-rmm/syncbridge/internal/failure"
	"github.com/breeze-rmm/syncbridge/internal/httputil"
)

// TokenClient exchanges client credentials for a bearer token at an OAuth2
// style token endpoint.
type TokenClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client
	retry        httputil.RetryConfig
}

// TokenClientConfig configures a TokenClient.
type TokenClientConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Subject     string `json:"sub,omitempty"`
}

// NewTokenClient creates a TokenClient.
func NewTokenClient(cfg TokenClientConfig, client *http.Client) *TokenClient {
	return &TokenClient{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scope:        cfg.Scope,
		httpClient:   client,
		retry:        httputil.DefaultRetryConfig(),
	}
}

// Authenticate performs the client-credentials exchange. Rejected
// credentials surface as an Auth failure, everything else as Network.
func (c *TokenClient) Authenticate(ctx context.Context) (*Session, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	if c.scope != "" {
		form.Set("scope", c.scope)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/x-www-form-urlencoded")
	headers.Set("Accept", "application/json")

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodPost, c.tokenURL, []byte(form.Encode()), headers, c.retry)
	if err != nil {
		return nil, failure.Network("authenticate", err)
	}
	defer resp.Body.Close()

	// Token endpoints answer bad credentials with 400 invalid_client as
	// often as with 401.
	if resp.StatusCode == http.StatusBadRequest {
		return nil, failure.Auth("authenticate", resp.StatusCode, fmt.Errorf("token endpoint rejected credentials"))
	}
	if fe := failure.FromStatus("authenticate", resp.StatusCode, c.tokenURL); fe != nil {
		return nil, fe
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, failure.Network("authenticate", fmt.Errorf("decode token response: %w", err))
	}
	if strings.TrimSpace(tr.AccessToken) == "" {
		return nil, failure.Auth("authenticate", resp.StatusCode, fmt.Errorf("token response missing access_token"))
	}

	s := &Session{Token: NewToken(tr.AccessToken), Subject: tr.Subject}
	if s.Subject == "" {
		s.Subject = c.clientID
	}
	if tr.ExpiresIn > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return s, nil
}

// StaticAuthenticator returns a fixed, non-expiring session. Used for stores
// whose credentials come from configuration (cloud SDK backends, local).
type StaticAuthenticator struct {
	Subject string
	Secret  string
}

// Authenticate returns the static session.
func (a StaticAuthenticator) Authenticate(context.Context) (*Session, error) {
	secret := a.Secret
	if secret == "" {
		secret = "static"
	}
	return &Session{Token: NewToken(secret), Subject: a.Subject}, nil
}
