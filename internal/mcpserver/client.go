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

// Config holds the configuration for connecting to a riskgate server.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Optional, sent as X-Admin-Secret
}

// Client is a pure HTTP client for the riskgate API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the riskgate API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the server and returns the response body.
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

	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// AnalyzeTransaction scores a general-channel transaction.
func (c *Client) AnalyzeTransaction(ctx context.Context, tx map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions/analyze", nil, tx)
}

// AnalyzeUPI runs the UPI decision path for one payment.
func (c *Client) AnalyzeUPI(ctx context.Context, userID string, amount float64, receiver string) (json.RawMessage, error) {
	body := map[string]any{"user_id": userID, "amount": amount}
	if receiver != "" {
		body["receiver_account"] = receiver
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/upi/analyze", nil, body)
}

// CheckBlocklist asks whether either party is blocked.
func (c *Client) CheckBlocklist(ctx context.Context, senderID, receiverID string) (json.RawMessage, error) {
	body := map[string]string{"sender_id": senderID}
	if receiverID != "" {
		body["receiver_id"] = receiverID
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/blocklist/check", nil, body)
}

// BlockEntity adds an entity to the blocklist.
func (c *Client) BlockEntity(ctx context.Context, entityID, entityType, reason, location string) (json.RawMessage, error) {
	body := map[string]string{
		"entity_id":   entityID,
		"entity_type": entityType,
		"reason":      reason,
		"source":      "mcp",
		"location":    location,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/blocklist", nil, body)
}

// ListAlerts returns recent alerts, optionally filtered.
func (c *Client) ListAlerts(ctx context.Context, alertType, userID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if alertType != "" {
		q.Set("type", alertType)
	}
	if userID != "" {
		q.Set("user", userID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/alerts", q, nil)
}

// GetHistory returns a user's recorded transactions.
func (c *Client) GetHistory(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(userID), nil, nil)
}
