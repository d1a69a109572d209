package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the riskgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAnalyzeTransaction = mcp.NewTool("analyze_transaction",
	mcp.WithDescription(
		"Score a card or wallet transaction for fraud. "+
			"Returns fraud probability, anomaly score, risk level (Low/Medium/High/Critical) "+
			"and a short explanation. Blocked senders or receivers are always Critical."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("Sender account id (e.g. 'ACC_1001')")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Transaction amount in INR")),
	mcp.WithString("receiver_account",
		mcp.Description("Receiver account id, checked against the blocklist")),
	mcp.WithString("location",
		mcp.Description("City where the transaction originated (e.g. 'Mumbai')")),
	mcp.WithString("merchant_category",
		mcp.Description("Merchant category (e.g. 'Electronics', 'Groceries')")),
	mcp.WithString("transaction_type",
		mcp.Description("Transaction type (e.g. 'Online', 'POS', 'ATM Withdrawal')")),
	mcp.WithString("device_used",
		mcp.Description("Device class (e.g. 'Mobile', 'Desktop')")),
	mcp.WithString("payment_channel",
		mcp.Description("Payment channel (e.g. 'UPI', 'Card')")),
	mcp.WithNumber("lat",
		mcp.Description("Latitude of the transaction")),
	mcp.WithNumber("long",
		mcp.Description("Longitude of the transaction")),
	mcp.WithString("language",
		mcp.Description("Language for the explanation (default English)")),
)

var ToolAnalyzeUPI = mcp.NewTool("analyze_upi",
	mcp.WithDescription(
		"Evaluate a UPI payment against the sender's daily limit, payment velocity "+
			"and their personal behaviour model. Returns APPROVED, FLAGGED or BLOCKED with a reason."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("Sender account id")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Payment amount in INR, must be positive")),
	mcp.WithString("receiver_account",
		mcp.Description("Receiver account id")),
)

var ToolCheckBlocklist = mcp.NewTool("check_blocklist",
	mcp.WithDescription(
		"Check whether a sender or receiver is on the blocklist before a payment is made."),
	mcp.WithString("sender_id",
		mcp.Required(),
		mcp.Description("Sender account id")),
	mcp.WithString("receiver_id",
		mcp.Description("Receiver account id")),
)

var ToolBlockEntity = mcp.NewTool("block_entity",
	mcp.WithDescription(
		"Add a sender or receiver account to the blocklist. "+
			"Every later transaction involving it is blocked immediately."),
	mcp.WithString("entity_id",
		mcp.Required(),
		mcp.Description("Id of the entity to block")),
	mcp.WithString("entity_type",
		mcp.Description("Entity kind (e.g. 'Sender', 'Receiver')")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the entity is blocked, shown to analysts")),
	mcp.WithString("location",
		mcp.Description("City associated with the entity, used by the heatmap")),
)

var ToolListAlerts = mcp.NewTool("list_alerts",
	mcp.WithDescription(
		"List recent fraud alerts: structuring rings found by the pattern detector and UPI daily volume violations."),
	mcp.WithString("type",
		mcp.Description("Filter by alert type"),
		mcp.Enum("structuring", "volume_violation")),
	mcp.WithString("user_id",
		mcp.Description("Only alerts raised for this sender")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 20)")),
)

var ToolGetHistory = mcp.NewTool("get_history",
	mcp.WithDescription(
		"Show a user's recent scored transactions with their risk level and status."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("Account id")),
)
