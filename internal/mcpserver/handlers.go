package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/procurepay/internal/escrow"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetPayment shows one payment.
func (h *Handlers) HandleGetPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("payment_id", ""))
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.GetPayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}

	var resp struct {
		Payment *escrow.Payment `json:"payment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Payment == nil {
		return mcp.NewToolResultError("Failed to parse payment"), nil
	}

	return mcp.NewToolResultText(formatPayment(resp.Payment)), nil
}

// HandleListTransactions shows a payment's ledger.
func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("payment_id", ""))
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.ListTransactions(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	var resp struct {
		Transactions []*escrow.Entry `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}

	return mcp.NewToolResultText(formatEntries(id, resp.Transactions)), nil
}

// HandleListDuePayments lists payments eligible for auto-release.
func (h *Handlers) HandleListDuePayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var before time.Time
	if s := strings.TrimSpace(req.GetString("before", "")); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return mcp.NewToolResultError("before must be an RFC3339 timestamp"), nil
		}
		before = t
	}
	limit := int(req.GetFloat("limit", 20))

	raw, err := h.client.ListDue(ctx, before, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list due payments: %v", err)), nil
	}

	var resp struct {
		Payments []*escrow.Payment `json:"payments"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payments: %v", err)), nil
	}

	if len(resp.Payments) == 0 {
		return mcp.NewToolResultText("No payments are due for release."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d payment(s) due for release:\n\n", len(resp.Payments))
	for i, p := range resp.Payments {
		fmt.Fprintf(&sb, "%d. %s  %s  %s -> %s  due %s\n",
			i+1, p.ID, p.Amount, p.PayerID, p.PayeeID, formatTime(p.ReleaseAt))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReconcilePayment replays a payment's ledger.
func (h *Handlers) HandleReconcilePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("payment_id", ""))
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.Reconcile(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reconcile payment: %v", err)), nil
	}

	var resp struct {
		Reconciliation *escrow.Reconciliation `json:"reconciliation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Reconciliation == nil {
		return mcp.NewToolResultError("Failed to parse reconciliation"), nil
	}

	rec := resp.Reconciliation
	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment %s: stored %s, ledger says %s (%d entries, released %s)\n",
		rec.PaymentID, rec.Status, rec.DerivedStatus, rec.EntryCount, rec.Released)
	if rec.OK {
		sb.WriteString("Ledger is consistent.")
	} else {
		sb.WriteString("Problems:\n")
		for _, p := range rec.Problems {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func formatPayment(p *escrow.Payment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment %s\n", p.ID)
	fmt.Fprintf(&sb, "Status: %s\n", p.Status)
	fmt.Fprintf(&sb, "Amount: %s\n", p.Amount)
	fmt.Fprintf(&sb, "Payer: %s\n", p.PayerID)
	fmt.Fprintf(&sb, "Payee: %s\n", p.PayeeID)
	fmt.Fprintf(&sb, "Reference: %s\n", p.ReferenceID)
	fmt.Fprintf(&sb, "Channel: %s\n", p.Channel)
	if p.ReleaseAt != nil {
		fmt.Fprintf(&sb, "Escrow release date: %s\n", formatTime(p.ReleaseAt))
	}
	if len(p.Evidence) > 0 {
		fmt.Fprintf(&sb, "Evidence: %d artifact(s)\n", len(p.Evidence))
	}
	fmt.Fprintf(&sb, "Updated: %s", p.UpdatedAt.UTC().Format(time.RFC3339))
	return sb.String()
}

func formatEntries(id string, entries []*escrow.Entry) string {
	if len(entries) == 0 {
		return fmt.Sprintf("Payment %s has no ledger entries.", id)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ledger for %s (%d entries):\n\n", id, len(entries))
	for _, e := range entries {
		fmt.Fprintf(&sb, "#%d %s %s by %s (%s)", e.Seq, e.CreatedAt.UTC().Format(time.RFC3339), e.Type, e.ActorID, e.ActorRole)
		if e.Amount != nil {
			fmt.Fprintf(&sb, " amount %s", e.Amount)
		}
		sb.WriteString("\n")
		if e.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", e.Description)
		}
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "   %s: %s\n", k, e.Metadata[k])
		}
	}
	return sb.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
