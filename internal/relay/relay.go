// ABOUTME: Fire-and-forget durability client for the persistence REST API.
// ABOUTME: Stores messages, registers downloads, and surfaces any server-observed conversation identity.

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrUnauthorized indicates the persistence API rejected the bearer token.
var ErrUnauthorized = errors.New("persistence api rejected credentials")

// Error wraps a failed persistence call with the operation and HTTP status.
// Failures are surfaced, never masked: the in-memory conversation stays
// authoritative and no call is retried here.
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// TokenProvider supplies a bearer token for persistence calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Record is one message durability payload. ConversationID is whatever
// identity is currently known — possibly none for the first message of a
// session, in which case the server creates a conversation and returns its id.
type Record struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// DownloadRecord registers a rendered artifact with the backend.
type DownloadRecord struct {
	Filename string         `json:"filename"`
	URL      string         `json:"url"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Download is one registered artifact as listed by the backend.
type Download struct {
	ID        int64          `json:"id"`
	Filename  string         `json:"filename"`
	URL       string         `json:"url"`
	Size      int64          `json:"size,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Relay issues independent, unordered calls against the persistence API.
// Concurrent calls for different messages are expected; each may discover
// or confirm the conversation identity on its own.
type Relay struct {
	baseURL string
	client  *http.Client
	tokens  TokenProvider
	logger  *slog.Logger
}

// Config configures a Relay.
type Config struct {
	// BaseURL is the API root, e.g. https://host/api.
	BaseURL string
	// Tokens supplies bearer tokens. Required.
	Tokens TokenProvider
	// HTTPClient defaults to a pooled client when nil.
	HTTPClient *http.Client
	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// New creates a Relay.
func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = pooledClient(30 * time.Second)
	}
	return &Relay{
		baseURL: cfg.BaseURL,
		client:  client,
		tokens:  cfg.Tokens,
		logger:  logger.With("component", "relay"),
	}
}

// pooledClient returns an HTTP client with connection pooling tuned for
// many small, concurrent persistence calls.
func pooledClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// storedMessage is the subset of the store response the relay cares about.
type storedMessage struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// StoreMessage persists one message record. On success it returns the
// conversation identity the server observed for the message, which the
// caller feeds into the identity registry.
func (r *Relay) StoreMessage(ctx context.Context, rec Record) (string, error) {
	var resp storedMessage
	if err := r.do(ctx, http.MethodPost, "/messages", rec, &resp); err != nil {
		return "", err
	}
	r.logger.Debug("message stored",
		"message_id", resp.ID,
		"conversation_id", resp.ConversationID,
		"role", rec.Role)
	return resp.ConversationID, nil
}

// RegisterDownload records a rendered artifact with the backend.
func (r *Relay) RegisterDownload(ctx context.Context, rec DownloadRecord) error {
	if err := r.do(ctx, http.MethodPost, "/downloads", rec, nil); err != nil {
		return err
	}
	r.logger.Debug("download registered", "filename", rec.Filename)
	return nil
}

// ListDownloads fetches the most recent registered artifacts.
func (r *Relay) ListDownloads(ctx context.Context, limit int) ([]Download, error) {
	path := "/downloads"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Download
	if err := r.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do issues one authenticated JSON request. Any non-2xx response becomes a
// *Error carrying the status code.
func (r *Relay) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	token, err := r.tokens.Token(ctx)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("acquiring token: %w", err)}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("encoding body: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: ErrUnauthorized}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Op: op, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected response: %s", bytes.TrimSpace(detail))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return nil
}
