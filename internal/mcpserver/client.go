package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/procurepay/internal/auth"
)

// Config holds the configuration for connecting to the escrow API.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	InternalToken string // Shared X-Internal-Token, empty when the API runs without one
	ActorID       string // Identity the tools act as, e.g. "ops-assistant"
	ActorRole     string // Usually "reviewer"
}

// Client is a read-only HTTP client for the escrow API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.InternalToken != "" {
		req.Header.Set(auth.HeaderInternalToken, c.cfg.InternalToken)
	}
	if c.cfg.ActorID != "" {
		req.Header.Set(auth.HeaderActorID, c.cfg.ActorID)
		req.Header.Set(auth.HeaderActorRole, c.cfg.ActorRole)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	return json.RawMessage(body), nil
}

// GetPayment fetches one payment.
func (c *Client) GetPayment(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/payments/"+url.PathEscape(id), nil)
}

// ListTransactions fetches a payment's ledger, oldest first.
func (c *Client) ListTransactions(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/payments/"+url.PathEscape(id)+"/transactions", nil)
}

// ListDue fetches IN_ESCROW payments whose release date is before the given
// time. A zero time means now.
func (c *Client) ListDue(ctx context.Context, before time.Time, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.get(ctx, "/v1/payments/due", q)
}

// Reconcile replays a payment's ledger on the server and returns the report.
func (c *Client) Reconcile(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/payments/"+url.PathEscape(id)+"/reconcile", nil)
}
