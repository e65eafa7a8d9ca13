// Package backend wraps the marketplace REST API consumed by the sync
// engine: code submission, paginated history, and incremental sync. Errors
// are classified at this boundary so callers can tell a deterministic
// rejection from a transient fault.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/XavierBriggs/betcode/services/code-sync/pkg/models"
	"github.com/shopspring/decimal"
)

// ErrUnauthorized means the credential was rejected. Fatal until re-auth;
// never retried automatically.
var ErrUnauthorized = errors.New("backend: unauthorized")

// RejectedError is a deterministic rejection the server will never accept
// on retry (validation failures, duplicate codes).
type RejectedError struct {
	Status int
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("backend: rejected (%d): %s", e.Status, e.Detail)
}

// TransientError is a failure worth retrying: network trouble, timeouts,
// or a 5xx from the server.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("backend: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether the error is worth retrying later
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether the error is a deterministic rejection
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// TokenSource supplies the current auth token for outgoing requests
type TokenSource func(ctx context.Context) string

// Client is the marketplace REST client
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
}

// New creates a backend client
func New(baseURL string, timeout time.Duration, token TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		token: token,
	}
}

// SubmitRequest is the submission payload
type SubmitRequest struct {
	Bookmaker string          `json:"bookmaker"`
	Code      string          `json:"code"`
	Stake     decimal.Decimal `json:"stake"`
	Odds      decimal.Decimal `json:"odds"`
	Country   models.Country  `json:"country"`
	ClientRef string          `json:"client_ref,omitempty"`
}

// CodePage is one page of betting-code history
type CodePage struct {
	Items []models.BettingCode `json:"items"`
	Total int                  `json:"total"`
}

// SyncResponse is the delta returned for a sync cursor
type SyncResponse struct {
	Updates    []models.StatusUpdate `json:"updates"`
	NewVersion string                `json:"new_version"`
}

// SubmitCode submits a betting code and returns the server-confirmed record
func (c *Client) SubmitCode(ctx context.Context, req SubmitRequest) (models.BettingCode, error) {
	var code models.BettingCode
	err := c.do(ctx, http.MethodPost, "/codes", req, &code)
	return code, err
}

// ListCodes fetches one page of the user's betting-code history
func (c *Client) ListCodes(ctx context.Context, page, limit int, filters models.Filters) (CodePage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	if filters.Status != "" && filters.Status != "all" {
		query.Set("status", filters.Status)
	}
	if filters.Bookmaker != "" && filters.Bookmaker != "all" {
		query.Set("bookmaker", filters.Bookmaker)
	}
	if filters.DateRange != "" && filters.DateRange != "all" {
		query.Set("date_range", filters.DateRange)
	}
	path := "/codes?" + query.Encode()

	var result CodePage
	err := c.do(ctx, http.MethodGet, path, nil, &result)
	return result, err
}

// Sync sends the local cursor and receives the missed updates plus the new
// version to commit after they are all applied
func (c *Client) Sync(ctx context.Context, cursor models.SyncCursor) (SyncResponse, error) {
	body := map[string]interface{}{
		"lastSync": cursor.LastSync,
		"version":  cursor.Version,
	}
	var result SyncResponse
	err := c.do(ctx, http.MethodPost, "/sync", body, &result)
	return result, err
}

// do performs a request and maps the response status onto the error taxonomy
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.token(ctx); token != "" {
		if !strings.HasPrefix(token, "Bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusUnprocessableEntity ||
		resp.StatusCode == http.StatusConflict:
		return &RejectedError{Status: resp.StatusCode, Detail: readDetail(resp.Body)}
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("server error: status=%d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return fmt.Errorf("backend: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// readDetail extracts the error detail the backend returns on rejections
func readDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(data))
}
