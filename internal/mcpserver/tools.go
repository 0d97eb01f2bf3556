package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow ops MCP server. The tools are read-only;
// state changes go through the product UI so they carry a real actor.

var ToolGetPayment = mcp.NewTool("get_payment",
	mcp.WithDescription(
		"Look up one escrow payment by id. "+
			"Shows status, amount, payer, payee, channel and the escrow release date."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment id (e.g. 'pay_3f2a...')")),
)

var ToolListTransactions = mcp.NewTool("list_transactions",
	mcp.WithDescription(
		"List the immutable ledger entries of a payment in order. "+
			"Use this to explain how a payment reached its current status and who acted on it."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment id")),
)

var ToolListDuePayments = mcp.NewTool("list_due_payments",
	mcp.WithDescription(
		"List payments held in escrow whose release date has passed, oldest first. "+
			"These will be released to the supplier on the next scheduler cycle."),
	mcp.WithString("before",
		mcp.Description("RFC3339 cutoff (default: now). Use a future time to preview upcoming releases.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of payments to return (default 20)")),
)

var ToolReconcilePayment = mcp.NewTool("reconcile_payment",
	mcp.WithDescription(
		"Replay a payment's ledger and compare it with the stored status. "+
			"Reports problems such as a double release or an amount mismatch."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment id")),
)
