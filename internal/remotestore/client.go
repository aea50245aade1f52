package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/countries"
	"github.com/gojek/heimdall/v7/httpclient"
	"go.uber.org/zap"
)

const (
	countriesPath      = "/countries"
	queryCountryCode   = "country_code"
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 4096
)

var (
	// ErrConflict reports that the country is already recorded for the account.
	ErrConflict = errors.New("remotestore: country already visited")
	// ErrNotFound reports that the country is not recorded for the account.
	ErrNotFound = errors.New("remotestore: country not found")
	// ErrTransport reports a network failure or an unexpected server response.
	ErrTransport = errors.New("remotestore: transport failure")

	errMissingBaseURL = errors.New("remotestore: base URL is required")
)

// StatusError carries the HTTP status and error body of a rejected request.
type StatusError struct {
	StatusCode int
	Reason     string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Reason)
}

// TokenSource yields the session token attached to every request. An empty
// token sends the request unauthenticated.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed TokenSource.
type StaticToken string

// Token returns the fixed token.
func (t StaticToken) Token() string {
	return string(t)
}

// Doer executes HTTP requests. *httpclient.Client satisfies it.
type Doer interface {
	Do(request *http.Request) (*http.Response, error)
}

// Config describes the dependencies of a Client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	TokenSource TokenSource
	HTTPClient  Doer
	Logger      *zap.Logger
}

// Client talks to the authenticated user's record store over HTTP. It has no
// notion of identity beyond the token its TokenSource supplies.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    Doer
	logger  *zap.Logger
}

// New validates the configuration and constructs a Client. Requests are never
// retried automatically.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("remotestore: invalid base URL: %w", err)
	}

	doer := cfg.HTTPClient
	if doer == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		doer = httpclient.NewClient(
			httpclient.WithHTTPTimeout(timeout),
			httpclient.WithRetryCount(0),
		)
	}

	tokens := cfg.TokenSource
	if tokens == nil {
		tokens = StaticToken("")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{baseURL: baseURL, tokens: tokens, http: doer, logger: logger}, nil
}

type listResponse struct {
	Countries []countries.Record `json:"countries"`
}

type insertRequest struct {
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name"`
	Notes       *string `json:"notes,omitempty"`
}

type insertResponse struct {
	Country countries.Record `json:"country"`
}

type bulkRequest struct {
	Countries []insertRequest `json:"countries"`
}

type bulkResponse struct {
	Success bool `json:"success"`
	Synced  int  `json:"synced"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// List returns the account's records, newest first.
func (c *Client) List(ctx context.Context) ([]countries.Record, error) {
	var payload listResponse
	if err := c.call(ctx, http.MethodGet, countriesPath, nil, http.StatusOK, &payload); err != nil {
		return nil, err
	}
	if payload.Countries == nil {
		payload.Countries = []countries.Record{}
	}
	return payload.Countries, nil
}

// Insert creates a single record. ErrConflict means the country was already recorded.
func (c *Client) Insert(ctx context.Context, input countries.RecordInput) (countries.Record, error) {
	body := newInsertRequest(input)
	var payload insertResponse
	if err := c.call(ctx, http.MethodPost, countriesPath, body, http.StatusCreated, &payload); err != nil {
		return countries.Record{}, err
	}
	return payload.Country, nil
}

// Delete removes the record for code. ErrNotFound means nothing was recorded.
func (c *Client) Delete(ctx context.Context, code countries.CountryCode) error {
	path := countriesPath + "?" + url.Values{queryCountryCode: []string{code.String()}}.Encode()
	return c.call(ctx, http.MethodDelete, path, nil, http.StatusOK, nil)
}

// BulkUpsert submits a batch and returns how many records were newly written.
// Countries already recorded are skipped by the server.
func (c *Client) BulkUpsert(ctx context.Context, inputs []countries.RecordInput) (int, error) {
	body := bulkRequest{Countries: make([]insertRequest, 0, len(inputs))}
	for _, input := range inputs {
		body.Countries = append(body.Countries, newInsertRequest(input))
	}
	var payload bulkResponse
	if err := c.call(ctx, http.MethodPost, countriesPath, body, http.StatusCreated, &payload); err != nil {
		return 0, err
	}
	return payload.Synced, nil
}

func newInsertRequest(input countries.RecordInput) insertRequest {
	return insertRequest{
		CountryCode: input.CountryCode.String(),
		CountryName: input.CountryName.String(),
		Notes:       input.Notes,
	}
}

func (c *Client) call(ctx context.Context, method, path string, body any, expectedStatus int, target any) error {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remotestore: encode request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrTransport, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Token(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		c.logger.Warn("record store request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		return c.statusFailure(method, path, response)
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrTransport, err)
	}
	return nil
}

func (c *Client) statusFailure(method, path string, response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var payload errorResponse
	reason := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		reason = payload.Error
	}
	statusErr := &StatusError{StatusCode: response.StatusCode, Reason: reason}

	switch response.StatusCode {
	case http.StatusConflict:
		return fmt.Errorf("%w: %w", ErrConflict, statusErr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, statusErr)
	}

	c.logger.Warn("record store rejected request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.String("reason", reason))
	return fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, statusErr)
}
