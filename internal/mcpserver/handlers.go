package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/homesettle/internal/escrow"
	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/mobilemoney"
)

// Handlers holds the MCP tool handler functions.
type Handlers struct {
	client *Client
}

// NewHandlers creates handlers backed by the given API client.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := getString(req, "escrow_id")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	var resp struct {
		Escrow *escrow.Account `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escrow == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(formatEscrow(resp.Escrow)), nil
}

func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(getFloat(req, "limit"))
	if limit <= 0 {
		limit = 20
	}

	raw, err := h.client.ListEscrows(ctx, limit, getString(req, "cursor"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	var resp struct {
		Escrows    []*escrow.Account `json:"escrows"`
		NextCursor string            `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	if len(resp.Escrows) == 0 {
		return mcp.NewToolResultText("No escrows found."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d escrow(s):\n\n", len(resp.Escrows))
	for i, a := range resp.Escrows {
		fmt.Fprintf(&b, "%d. %s [%s] property %s, total %s\n",
			i+1, a.ID, a.Status, a.PropertyID, formatAmount(a.TotalAmount, a.Currency))
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&b, "\nMore escrows available: call list_escrows with cursor %q.\n", resp.NextCursor)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := getString(req, "escrow_id")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.ListTransactions(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}
	var resp struct {
		Transactions []*ledger.Transaction `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	if len(resp.Transactions) == 0 {
		return mcp.NewToolResultText("No transactions recorded for this escrow yet."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d transaction(s) for %s:\n\n", len(resp.Transactions), id)
	for i, tx := range resp.Transactions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, formatTransactionLine(tx))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (h *Handlers) HandleCheckRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := getString(req, "escrow_id")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.ReleaseEligibility(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check release eligibility: %v", err)), nil
	}
	var resp struct {
		Eligibility *escrow.Eligibility `json:"eligibility"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Eligibility == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	e := resp.Eligibility
	var b strings.Builder
	if e.Eligible {
		fmt.Fprintf(&b, "Escrow %s is ready for release.\n", e.EscrowID)
	} else {
		fmt.Fprintf(&b, "Escrow %s cannot be released yet (status %s).\n", e.EscrowID, e.Status)
		if len(e.Unmet) > 0 {
			b.WriteString("Unmet conditions:\n")
			for _, u := range e.Unmet {
				fmt.Fprintf(&b, "  - %s\n", u)
			}
		}
	}
	if e.Authorized {
		b.WriteString("You are the assigned notary and may release the funds.\n")
	} else {
		b.WriteString("Only the assigned notary may release the funds.\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (h *Handlers) HandleConfirmPurchase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := getString(req, "escrow_id")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.ConfirmPurchase(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to confirm purchase: %v", err)), nil
	}
	var resp struct {
		Escrow *escrow.Account `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escrow == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText("Purchase confirmed.\n\n" + formatEscrow(resp.Escrow)), nil
}

func (h *Handlers) HandleDisputeEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := getString(req, "escrow_id")
	reason := getString(req, "reason")
	if id == "" || reason == "" {
		return mcp.NewToolResultError("escrow_id and reason are required"), nil
	}

	raw, err := h.client.DisputeEscrow(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to dispute escrow: %v", err)), nil
	}
	var resp struct {
		Escrow *escrow.Account `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escrow == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute opened on %s. Funds are frozen until the escrow is cancelled.\nReason: %s",
		resp.Escrow.ID, reason)), nil
}

func (h *Handlers) HandleListProviders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListProviders(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list providers: %v", err)), nil
	}
	var resp struct {
		Providers []*mobilemoney.Provider `json:"providers"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	if len(resp.Providers) == 0 {
		return mcp.NewToolResultText("No mobile money provider is accepting payments right now. Try again later."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d provider(s) available:\n\n", len(resp.Providers))
	for _, p := range resp.Providers {
		fmt.Fprintf(&b, "- %s (%s): %s to %s, fee %s\n",
			p.DisplayName, p.Name,
			formatAmount(p.MinAmount, ""), formatAmount(p.MaxAmount, ""),
			formatBps(p.FeeBasisPoints))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (h *Handlers) HandlePayEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := getString(req, "escrow_id")
	phone := getString(req, "phone_number")
	provider := getString(req, "provider")
	amount := getFloat(req, "amount")

	if id == "" || phone == "" || provider == "" {
		return mcp.NewToolResultError("escrow_id, phone_number and provider are required"), nil
	}
	if amount <= 0 || amount != float64(int64(amount)) {
		return mcp.NewToolResultError("amount must be a positive whole number of XOF"), nil
	}

	raw, err := h.client.InitiatePayment(ctx, id, int64(amount), phone, provider)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payment failed: %v", err)), nil
	}
	var resp struct {
		Transaction *ledger.Transaction `json:"transaction"`
		PollAfter   int                 `json:"pollAfter"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Transaction == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	tx := resp.Transaction
	var b strings.Builder
	fmt.Fprintf(&b, "Payment %s started with %s.\n", tx.ID, tx.PaymentMethod)
	fmt.Fprintf(&b, "Amount: %s (fee %s)\n", formatAmount(tx.Amount, ""), formatAmount(tx.FeeAmount, ""))
	fmt.Fprintf(&b, "Status: %s\n", tx.Status)
	if tx.Status == ledger.StatusPending {
		fmt.Fprintf(&b, "\nThe buyer must approve the charge on %s. Check again with get_payment_status in about %d seconds.\n",
			tx.PhoneNumber, resp.PollAfter)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (h *Handlers) HandlePaymentStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := getString(req, "transaction_id")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.PaymentStatus(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check payment: %v", err)), nil
	}
	var resp struct {
		Transaction *ledger.Transaction `json:"transaction"`
		Status      ledger.Status       `json:"status"`
		Pending     bool                `json:"pending"`
		EscrowError string              `json:"escrowError"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Transaction == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	tx := resp.Transaction
	var b strings.Builder
	switch {
	case resp.Pending:
		fmt.Fprintf(&b, "Payment %s is still waiting for approval on the buyer's phone.\n", tx.ID)
	case resp.Status == ledger.StatusCompleted:
		fmt.Fprintf(&b, "Payment %s is confirmed: %s received.\n", tx.ID, formatAmount(tx.Amount, ""))
	default:
		fmt.Fprintf(&b, "Payment %s did not go through (%s).\n", tx.ID, resp.Status)
		if tx.FailureReason != "" {
			fmt.Fprintf(&b, "Reason: %s\n", tx.FailureReason)
		}
	}
	if resp.EscrowError != "" {
		fmt.Fprintf(&b, "The escrow could not accept it (%s); the payment will be refunded.\n", resp.EscrowError)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// --- Formatting helpers ---

func formatEscrow(a *escrow.Account) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Escrow %s\n", a.ID)
	fmt.Fprintf(&b, "Status: %s\n", a.Status)
	fmt.Fprintf(&b, "Property: %s\n", a.PropertyID)
	fmt.Fprintf(&b, "Buyer: %s  Seller: %s", a.BuyerID, a.SellerID)
	if a.NotaryID != "" {
		fmt.Fprintf(&b, "  Notary: %s", a.NotaryID)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Total: %s  Deposit: %s  Balance: %s\n",
		formatAmount(a.TotalAmount, a.Currency),
		formatAmount(a.DepositAmount, a.Currency),
		formatAmount(a.RemainingAmount, a.Currency))
	fmt.Fprintf(&b, "Deposit due by %s, full payment by %s\n",
		a.DepositDeadline.UTC().Format(time.DateOnly), a.FullPaymentDeadline.UTC().Format(time.DateOnly))

	rc := a.ReleaseConditions
	fmt.Fprintf(&b, "Documents verified: %s  Notary approval: %s  Buyer confirmation: %s\n",
		yesNo(rc.DocumentsVerified), yesNo(rc.NotaryApproval), yesNo(rc.BuyerConfirmation))
	if rc.CoolingPeriodEnd != nil {
		fmt.Fprintf(&b, "Cooling period ends %s\n", rc.CoolingPeriodEnd.UTC().Format(time.RFC3339))
	}
	if a.DisputeReason != "" {
		fmt.Fprintf(&b, "Dispute: %s\n", a.DisputeReason)
	}
	if a.CancellationReason != "" {
		fmt.Fprintf(&b, "Cancelled: %s\n", a.CancellationReason)
	}
	return b.String()
}

func formatTransactionLine(tx *ledger.Transaction) string {
	line := fmt.Sprintf("%s %s %s [%s]", tx.ID, tx.Type, formatAmount(tx.Amount, ""), tx.Status)
	if tx.PaymentMethod != "" {
		line += " via " + tx.PaymentMethod
	}
	if tx.FailureReason != "" {
		line += ": " + tx.FailureReason
	}
	return line
}

// formatAmount renders whole-unit amounts with thousands separators.
func formatAmount(v int64, currency string) string {
	if currency == "" {
		currency = "XOF"
	}
	s := fmt.Sprintf("%d", v)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String() + " " + currency
	}
	return b.String() + " " + currency
}

func formatBps(bps int64) string {
	return fmt.Sprintf("%d.%02d%%", bps/100, bps%100)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func formatJSON(data json.RawMessage) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(data)
	}
	return string(pretty)
}

func getString(req mcp.CallToolRequest, key string) string {
	args := req.GetArguments()
	if args == nil {
		return ""
	}
	v, ok := args[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func getFloat(req mcp.CallToolRequest, key string) float64 {
	args := req.GetArguments()
	if args == nil {
		return 0
	}
	v, ok := args[key].(float64)
	if !ok {
		return 0
	}
	return v
}
