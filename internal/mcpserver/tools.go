package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the settlement MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Show one property escrow: its status, amounts (integer XOF), deadlines, parties "+
			"and which release conditions are already satisfied."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID, starting with 'esc_'")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows where the current user is buyer, seller or notary, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous call to fetch the next page")),
)

var ToolListTransactions = mcp.NewTool("list_escrow_transactions",
	mcp.WithDescription(
		"List every payment ledger entry of an escrow: deposits, balance payments, "+
			"the release to the seller and refunds, with their status."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID, starting with 'esc_'")),
)

var ToolCheckRelease = mcp.NewTool("check_release_eligibility",
	mcp.WithDescription(
		"Explain whether escrowed funds can be released to the seller now, and if not, "+
			"which conditions are still unmet. Only the assigned notary is authorized to release."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID, starting with 'esc_'")),
)

var ToolConfirmPurchase = mcp.NewTool("confirm_purchase",
	mcp.WithDescription(
		"As the buyer, confirm you are satisfied with the property so funds may be released "+
			"once the notary has approved. This cannot be undone."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID, starting with 'esc_'")),
)

var ToolDisputeEscrow = mcp.NewTool("dispute_escrow",
	mcp.WithDescription(
		"As buyer or seller, open a dispute. A disputed escrow is frozen: no release, "+
			"and it stays disputed until it is cancelled and refunded."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID, starting with 'esc_'")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the transaction is disputed")),
)

var ToolListProviders = mcp.NewTool("list_payment_providers",
	mcp.WithDescription(
		"List mobile money providers currently accepting payments, with their amount limits and fees."),
)

var ToolPayEscrow = mcp.NewTool("pay_escrow",
	mcp.WithDescription(
		"As the buyer, pay the amount currently due (deposit or balance) into an escrow by mobile money. "+
			"The buyer approves the charge on their phone; use get_payment_status to follow it."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID, starting with 'esc_'")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Amount in whole XOF, at least the amount due")),
	mcp.WithString("phone_number",
		mcp.Required(),
		mcp.Description("Mobile money phone number in international format, e.g. '+2250701020304'")),
	mcp.WithString("provider",
		mcp.Required(),
		mcp.Description("Provider name from list_payment_providers, e.g. 'orange_money'")),
)

var ToolPaymentStatus = mcp.NewTool("get_payment_status",
	mcp.WithDescription(
		"Check whether a mobile money payment has been confirmed, failed, or is still waiting for the buyer."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Payment transaction ID, starting with 'ptx_'")),
)
