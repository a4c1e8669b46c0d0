package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// TransferStatus is the external transfer API's reported state for a
// task.
type TransferStatus string

const (
	StatusPending   TransferStatus = "pending"
	StatusActive    TransferStatus = "active"
	StatusSucceeded TransferStatus = "succeeded"
	StatusFailed    TransferStatus = "failed"
	StatusCanceled  TransferStatus = "canceled"
	StatusUnknown   TransferStatus = "unknown"
)

// InitiateOptions are the transfer options passed alongside source/dest
// endpoints and paths.
type InitiateOptions struct {
	VerifyChecksum      bool `json:"verify_checksum"`
	PreserveTimestamps  bool `json:"preserve_timestamps"`
	EncryptionRequired  bool `json:"encryption_required"`
}

// InitiateResult is initiate()'s return value.
type InitiateResult struct {
	TaskID       string `json:"task_id"`
	SubmissionID string `json:"submission_id"`
}

// PollResult is poll()'s return value.
type PollResult struct {
	Status           TransferStatus `json:"status"`
	BytesTransferred int64          `json:"bytes_transferred"`
	FilesTransferred int            `json:"files_transferred"`
	NiceStatus       string         `json:"nice_status"`
}

// TransferClient is the three abstract RPCs against the external HPC
// transfer API. Modeled as an interface so the orchestrator is testable
// without a live endpoint.
type TransferClient interface {
	Initiate(ctx context.Context, sourceEndpoint, destEndpoint, sourcePath, destPath string, opts InitiateOptions) (InitiateResult, error)
	Poll(ctx context.Context, taskID string) (PollResult, error)
	Cancel(ctx context.Context, taskID string) error
}

// TokenSource exchanges client credentials for a bearer token. Production
// callers wire this to whatever OAuth2 client-credentials endpoint the
// HPC site operates; tests supply a fake.
type TokenSource interface {
	Token(ctx context.Context) (token string, expiresAt time.Time, err error)
}

// tokenExpiryBuffer is how long before actual expiry a cached token is
// refreshed, rather than waiting for a 401.
const tokenExpiryBuffer = 5 * time.Minute

// ClientCredentialsTokenSource implements TokenSource via an OAuth2
// client-credentials grant against the HPC site's token endpoint — the
// production TokenSource; tests supply a fake instead.
type ClientCredentialsTokenSource struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

type clientCredentialsResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token exchanges the configured client credentials for a bearer token.
func (s ClientCredentialsTokenSource) Token(ctx context.Context) (string, time.Time, error) {
	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	form := fmt.Sprintf("grant_type=client_credentials&client_id=%s&client_secret=%s", s.ClientID, s.ClientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURL, bytes.NewBufferString(form))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("bridge: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("bridge: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", time.Time{}, fmt.Errorf("bridge: token endpoint returned %d", resp.StatusCode)
	}

	var out clientCredentialsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("bridge: decode token response: %w", err)
	}
	return out.AccessToken, time.Now().Add(time.Duration(out.ExpiresIn) * time.Second), nil
}

var _ TokenSource = ClientCredentialsTokenSource{}

// cachedToken is a lazily-refreshed, mutex-guarded bearer token cache:
// a token is fetched from the token source on first use and again
// whenever it's within the expiry buffer of expiring.
type cachedToken struct {
	mu        sync.Mutex
	source    TokenSource
	token     string
	expiresAt time.Time
}

func (c *cachedToken) get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.expiresAt) > tokenExpiryBuffer {
		return c.token, nil
	}

	token, expiresAt, err := c.source.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("bridge: refresh bearer token: %w", err)
	}
	c.token, c.expiresAt = token, expiresAt
	return c.token, nil
}

// HTTPClientConfig configures an HTTPTransferClient.
type HTTPClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// DefaultHTTPClientConfig returns production defaults.
func DefaultHTTPClientConfig(baseURL string) HTTPClientConfig {
	return HTTPClientConfig{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

// HTTPTransferClient implements TransferClient over net/http, passing
// every call through a circuit breaker so a failing HPC endpoint stops
// being hammered by every pending-loop poll. Initiate is also retried
// with a three-attempt doubling backoff; Poll and Cancel make a single
// attempt.
type HTTPTransferClient struct {
	cfg    HTTPClientConfig
	token  *cachedToken
	cb     *CircuitBreaker
}

// NewHTTPTransferClient constructs a TransferClient backed by an HTTP
// endpoint at cfg.BaseURL, authenticating via tokens from src.
func NewHTTPTransferClient(cfg HTTPClientConfig, src TokenSource) *HTTPTransferClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransferClient{
		cfg:   cfg,
		token: &cachedToken{source: src},
		cb:    NewCircuitBreaker("transfer-api", DefaultCircuitBreakerConfig()),
	}
}

var _ TransferClient = (*HTTPTransferClient)(nil)

// HealthCheck reports ErrCircuitOpen when the transfer-API circuit
// breaker is tripped, for the health checker.
func (c *HTTPTransferClient) HealthCheck(context.Context) error {
	if c.cb.State() == CBOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (c *HTTPTransferClient) Initiate(ctx context.Context, sourceEndpoint, destEndpoint, sourcePath, destPath string, opts InitiateOptions) (InitiateResult, error) {
	op := func() (InitiateResult, error) {
		body := map[string]any{
			"source_endpoint": sourceEndpoint,
			"dest_endpoint":   destEndpoint,
			"source_path":     sourcePath,
			"dest_path":       destPath,
			"options":         opts,
		}
		var out InitiateResult
		err := c.do(ctx, http.MethodPost, "/transfers", body, &out)
		return out, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(submissionBackOff()),
		backoff.WithMaxTries(3),
	)
}

func (c *HTTPTransferClient) Poll(ctx context.Context, taskID string) (PollResult, error) {
	var out PollResult
	err := c.do(ctx, http.MethodGet, "/transfers/"+taskID, nil, &out)
	return out, err
}

func (c *HTTPTransferClient) Cancel(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/transfers/"+taskID+"/cancel", nil, nil)
}

// submissionBackOff is an exponential backoff (base 1s, doubling, 3
// attempts) for the submission loop's initiate call.
func submissionBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	return b
}

func (c *HTTPTransferClient) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.cb.Allow(); err != nil {
		return err
	}

	token, err := c.token.get(ctx)
	if err != nil {
		c.cb.RecordFailure()
		return err
	}

	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bridge: marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("bridge: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.cb.RecordFailure()
		return fmt.Errorf("bridge: transfer API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.cb.RecordFailure()
		return fmt.Errorf("bridge: transfer API returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bridge: transfer API returned %d", resp.StatusCode)
	}

	c.cb.RecordSuccess()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bridge: decode transfer API response: %w", err)
	}
	return nil
}
