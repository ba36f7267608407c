package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the settlement API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Service key accepted by the API
	UserID string // User the assistant acts for, forwarded as X-User-ID
}

// Client is a thin HTTP client for the settlement API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the settlement API.
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
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Unmet   []string `json:"unmet,omitempty"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	req.Header.Set("X-User-ID", c.cfg.UserID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			if len(apiErr.Unmet) > 0 {
				return nil, fmt.Errorf("API error (%d): %s (unmet: %v)", resp.StatusCode, apiErr.Message, apiErr.Unmet)
			}
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetEscrow returns one escrow the user is a party to.
func (c *Client) GetEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(escrowID), nil, nil)
}

// ListEscrows lists the acting user's escrows, newest first. cursor is the
// nextCursor of a previous page.
func (c *Client) ListEscrows(ctx context.Context, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(c.cfg.UserID)+"/escrows", q, nil)
}

// ListTransactions returns the ledger entries of an escrow.
func (c *Client) ListTransactions(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(escrowID)+"/transactions", nil, nil)
}

// ReleaseEligibility evaluates the release gate for the acting user.
func (c *Client) ReleaseEligibility(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(escrowID)+"/release/eligibility", nil, nil)
}

// ConfirmPurchase records the buyer's confirmation release condition.
func (c *Client) ConfirmPurchase(ctx context.Context, escrowID string) (json.RawMessage, error) {
	body := map[string]bool{"buyerConfirmation": true}
	return c.doRequest(ctx, http.MethodPatch, "/v1/escrows/"+url.PathEscape(escrowID)+"/release-conditions", nil, body)
}

// DisputeEscrow opens a dispute on an escrow.
func (c *Client) DisputeEscrow(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/dispute", nil, body)
}

// ListProviders returns the mobile money providers currently taking payments.
func (c *Client) ListProviders(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/providers", nil, nil)
}

// InitiatePayment asks the buyer's provider to charge their phone.
func (c *Client) InitiatePayment(ctx context.Context, escrowID string, amount int64, phone, provider string) (json.RawMessage, error) {
	body := map[string]any{
		"escrowId":    escrowID,
		"amount":      amount,
		"phoneNumber": phone,
		"provider":    provider,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/payments", nil, body)
}

// PaymentStatus checks a payment, querying the provider if it is pending.
func (c *Client) PaymentStatus(ctx context.Context, transactionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(transactionID)+"/status", nil, nil)
}
