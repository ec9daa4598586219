// ABOUTME: Bearer token acquisition and caching against the backend's password-grant endpoint.
// ABOUTME: Parses the JWT expiry claim to refresh the cached token before it lapses.

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBadCredentials indicates the backend rejected the configured login.
var ErrBadCredentials = errors.New("login rejected")

// refreshMargin is how long before expiry a cached token is considered stale.
const refreshMargin = 30 * time.Second

// TokenSource logs into the backend's token endpoint and caches the issued
// bearer token, refreshing it shortly before the JWT exp claim. It satisfies
// the relay's TokenProvider.
type TokenSource struct {
	baseURL  string
	email    string
	password string
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Config configures a TokenSource.
type Config struct {
	// BaseURL is the API root, e.g. https://host/api.
	BaseURL  string
	Email    string
	Password string
	// HTTPClient defaults to http.DefaultClient when nil.
	HTTPClient *http.Client
	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// NewTokenSource creates a source with no cached token.
func NewTokenSource(cfg Config) *TokenSource {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenSource{
		baseURL:  cfg.BaseURL,
		email:    cfg.Email,
		password: cfg.Password,
		client:   client,
		logger:   logger.With("component", "auth"),
	}
}

// Token returns a valid bearer token, logging in when none is cached or
// the cached one is within the refresh margin of its expiry.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && (s.expires.IsZero() || time.Until(s.expires) > refreshMargin) {
		return s.token, nil
	}

	token, err := s.login(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = tokenExpiry(token)
	s.logger.Debug("bearer token refreshed", "expires", s.expires)
	return token, nil
}

// tokenResponse is the backend's token endpoint response shape.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// login performs the password grant. The endpoint takes form fields, not
// JSON, with the email in the username field.
func (s *TokenSource) login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", s.email)
	form.Set("password", s.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/auth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrBadCredentials
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("login failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("login response missing access_token")
	}
	return tr.AccessToken, nil
}

// tokenExpiry extracts the exp claim without verifying the signature. The
// client only needs to know when to refresh, not to trust the token.
// Returns the zero time when the claim is absent or unparseable.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// StaticToken is a fixed bearer token for callers that already hold one.
type StaticToken string

// Token returns the fixed token.
func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}
