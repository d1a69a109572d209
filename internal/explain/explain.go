// Package explain asks an OpenAI-compatible chat completion endpoint for a
// short human-readable rationale behind a risk assessment.
package explain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/riskgate/internal/circuitbreaker"
	"github.com/mbd888/riskgate/internal/metrics"
)

// Fallback is returned whenever the explanation service cannot answer.
const Fallback = "Analysis based on hybrid matching of general fraud signatures and personal behavioral deviations."

const breakerKey = "explain"

var (
	ErrDisabled    = errors.New("explain: no API key configured")
	ErrCircuitOpen = errors.New("explain: circuit open")
	ErrEmpty       = errors.New("explain: empty completion")
)

// Request carries what the model needs to justify a verdict.
type Request struct {
	UserID           string
	Amount           float64
	Location         string
	MerchantCategory string
	Device           string
	RiskLevel        string
	FraudProbability float64
	AnomalyScore     float64
	Language         string // "en" (default) or "hi"
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client calls the chat completion API under a timeout and circuit breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewClient creates an explanation client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(3, 30*time.Second),
		logger:  logger,
	}
}

// WithBreaker overrides the circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// Explain returns the generated rationale, or Fallback together with the
// reason the service could not be used. The text is always safe to show.
func (c *Client) Explain(ctx context.Context, req Request) (string, error) {
	text, err := c.explain(ctx, req)
	if err != nil {
		metrics.ExplanationsTotal.WithLabelValues(resultLabel(err)).Inc()
		if !errors.Is(err, ErrDisabled) {
			c.logger.Warn("explanation unavailable, using fallback", "user", req.UserID, "error", err)
		}
		return Fallback, err
	}
	metrics.ExplanationsTotal.WithLabelValues("ok").Inc()
	return text, nil
}

func (c *Client) explain(ctx context.Context, req Request) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var text string
	err := c.breaker.Do(ctx, breakerKey, func(ctx context.Context) error {
		var err error
		text, err = c.complete(ctx, Prompt(req))
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "", ErrCircuitOpen
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:     c.cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: 250,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to call explanation service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("explanation service returned status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmpty
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}

// Prompt renders the instruction sent to the model.
func Prompt(r Request) string {
	var b strings.Builder
	user := r.UserID
	if user == "" {
		user = "Unknown"
	}
	fmt.Fprintf(&b, "As a Financial Fraud Expert, provide a human-understandable explanation for this transaction analysis:\n\n")
	fmt.Fprintf(&b, "TRANSACTION DATA:\n- User: %s\n- Amount: ₹%.2f\n- Location: %s\n- Category: %s\n- Device: %s\n\n",
		user, r.Amount, r.Location, r.MerchantCategory, r.Device)
	fmt.Fprintf(&b, "ANALYTICS:\n- Risk Level: %s\n- Fraud Probability (classifier): %.1f%%\n- Behavioral Anomaly Score (autoencoder): %.4f\n\n",
		r.RiskLevel, r.FraudProbability*100, r.AnomalyScore)
	fmt.Fprintf(&b, "INSTRUCTIONS:\nProvide exactly 2-3 bullet points explaining why this was rated %s risk.\n", r.RiskLevel)
	b.WriteString("- Mention specific behaviors such as amounts far above the user's usual spend.\n")
	b.WriteString("- Mention location or device anomalies if the scores are high.\n")
	b.WriteString("- Keep it simple and direct. Use \"-\" for bullets.\n")
	b.WriteString("- Do NOT use Markdown formatting. Plain text only.\n")

	if r.Language == "hi" {
		b.WriteString("\nCRITICAL INSTRUCTION:\nOUTPUT MUST BE IN HINDI (हिन्दी).\n")
		b.WriteString("Translate the reasoning to simple, easy-to-understand Hindi suitable for Indian banking users.\n")
		b.WriteString("Do NOT output English.\n")
	}
	return b.String()
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrDisabled):
		return "disabled"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
