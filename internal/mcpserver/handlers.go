package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// transactionFields are the optional analyze_transaction arguments forwarded as-is.
var transactionFields = []string{
	"receiver_account", "location", "merchant_category", "transaction_type",
	"device_used", "payment_channel", "language",
}

// HandleAnalyzeTransaction scores a general-channel transaction.
func (h *Handlers) HandleAnalyzeTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	amount := req.GetFloat("amount", -1)
	if amount < 0 {
		return mcp.NewToolResultError("amount is required and must not be negative"), nil
	}

	tx := map[string]any{"user_id": userID, "amount": amount}
	for _, k := range transactionFields {
		if v := req.GetString(k, ""); v != "" {
			tx[k] = v
		}
	}
	args := req.GetArguments()
	for _, k := range []string{"lat", "long"} {
		if v, ok := args[k].(float64); ok {
			tx[k] = v
		}
	}

	raw, err := h.client.AnalyzeTransaction(ctx, tx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to analyze transaction: %v", err)), nil
	}

	text, err := formatAssessment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAnalyzeUPI runs the UPI decision path.
func (h *Handlers) HandleAnalyzeUPI(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	amount := req.GetFloat("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be positive"), nil
	}

	raw, err := h.client.AnalyzeUPI(ctx, userID, amount, req.GetString("receiver_account", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to analyze UPI payment: %v", err)), nil
	}

	text, err := formatUPIResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verdict: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckBlocklist checks both parties against the blocklist.
func (h *Handlers) HandleCheckBlocklist(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	senderID := req.GetString("sender_id", "")
	if senderID == "" {
		return mcp.NewToolResultError("sender_id is required"), nil
	}

	raw, err := h.client.CheckBlocklist(ctx, senderID, req.GetString("receiver_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check blocklist: %v", err)), nil
	}

	var resp struct {
		Blocked bool `json:"blocked"`
		Hit     *struct {
			Side   string         `json:"side"`
			Entity map[string]any `json:"entity"`
		} `json:"hit"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse blocklist response: %v", err)), nil
	}
	if !resp.Blocked || resp.Hit == nil {
		return mcp.NewToolResultText("Neither party is blocked."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "BLOCKED: %s %s\n", resp.Hit.Side, getString(resp.Hit.Entity, "entityId"))
	if v := getString(resp.Hit.Entity, "reason"); v != "" {
		fmt.Fprintf(&sb, "  Reason: %s\n", v)
	}
	if v := getString(resp.Hit.Entity, "source"); v != "" {
		fmt.Fprintf(&sb, "  Source: %s\n", v)
	}
	if v := getString(resp.Hit.Entity, "blockedAt"); v != "" {
		fmt.Fprintf(&sb, "  Since:  %s\n", v)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleBlockEntity adds an entity to the blocklist.
func (h *Handlers) HandleBlockEntity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityID := req.GetString("entity_id", "")
	if entityID == "" {
		return mcp.NewToolResultError("entity_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.BlockEntity(ctx, entityID, req.GetString("entity_type", ""), reason, req.GetString("location", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to block entity: %v", err)), nil
	}

	var resp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &resp) == nil && resp.Message != "" {
		return mcp.NewToolResultText(resp.Message), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleListAlerts lists recent alerts.
func (h *Handlers) HandleListAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListAlerts(ctx, req.GetString("type", ""), req.GetString("user_id", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %v", err)), nil
	}

	text, err := formatAlertList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse alerts: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetHistory lists a user's recorded transactions.
func (h *Handlers) HandleGetHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetHistory(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(userID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

// unwrapData returns the "data" member of a success envelope.
func unwrapData(raw json.RawMessage) (map[string]any, error) {
	var env struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Data == nil {
		return nil, fmt.Errorf("response has no data")
	}
	return env.Data, nil
}

func formatAssessment(raw json.RawMessage) (string, error) {
	a, err := unwrapData(raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk Level: %s", getString(a, "risk_level"))
	if blocked, _ := a["is_blocked"].(bool); blocked {
		sb.WriteString(" (BLOCKED)")
	}
	sb.WriteString("\n")
	if v, ok := getFloat(a, "fraud_probability"); ok {
		fmt.Fprintf(&sb, "  Fraud probability: %.1f%%\n", v*100)
	}
	if v, ok := getFloat(a, "anomaly_score"); ok {
		fmt.Fprintf(&sb, "  Anomaly score:     %.3f\n", v)
	}
	if v := getString(a, "geo_rule"); v != "" {
		fmt.Fprintf(&sb, "  Geo rule:          %s\n", v)
	}
	if v := getString(a, "transaction_id"); v != "" {
		fmt.Fprintf(&sb, "  Transaction:       %s\n", v)
	}
	if v := getString(a, "reasoning"); v != "" {
		fmt.Fprintf(&sb, "\n%s\n", v)
	}
	return sb.String(), nil
}

func formatUPIResult(raw json.RawMessage) (string, error) {
	r, err := unwrapData(raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Verdict: %s (%s)\n", getString(r, "verdict"), getString(r, "reason"))
	if v := getString(r, "message"); v != "" {
		fmt.Fprintf(&sb, "  %s\n", v)
	}
	if v, ok := getFloat(r, "risk_score"); ok {
		fmt.Fprintf(&sb, "  Risk score:  %.2f\n", v)
	}
	spent, okSpent := getFloat(r, "daily_spent")
	limit, okLimit := getFloat(r, "daily_limit")
	if okSpent && okLimit && limit > 0 {
		fmt.Fprintf(&sb, "  Daily spend: %.2f / %.2f INR\n", spent, limit)
	}
	if v := getString(r, "segment"); v != "" {
		fmt.Fprintf(&sb, "  Segment:     %s\n", v)
	}
	return sb.String(), nil
}

func formatAlertList(raw json.RawMessage) (string, error) {
	var resp struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "No alerts.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d alert(s):\n\n", len(resp.Data))
	for i, a := range resp.Data {
		fmt.Fprintf(&sb, "%d. [%s] %s: %s\n", i+1, getString(a, "severity"), getString(a, "type"), getString(a, "message"))
		if v := getString(a, "timestamp"); v != "" {
			fmt.Fprintf(&sb, "   at %s\n", v)
		}
	}
	return sb.String(), nil
}

func formatHistory(userID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []map[string]any `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Transactions) == 0 {
		return "No transactions recorded for " + userID + ".", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d transaction(s) for %s:\n\n", len(resp.Transactions), userID)
	for i, tx := range resp.Transactions {
		amount, _ := getFloat(tx, "amount")
		fmt.Fprintf(&sb, "%d. %.2f INR to %s [%s] %s", i+1, amount, orDash(getString(tx, "receiverId")),
			getString(tx, "rail"), getString(tx, "status"))
		if v := getString(tx, "riskLevel"); v != "" {
			fmt.Fprintf(&sb, " risk=%s", v)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
