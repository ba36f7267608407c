package opscli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/homesettle/internal/escrow"
	"github.com/mbd888/homesettle/internal/ledger"
)

// escrowReport is the show-escrow payload.
type escrowReport struct {
	Escrow       *escrow.Account       `json:"escrow"`
	Transactions []*ledger.Transaction `json:"transactions"`
}

// NewShowEscrowCommand creates the show-escrow command.
func NewShowEscrowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show-escrow ESCROW_ID",
		Short: "Print an escrow and its payment ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(ctx context.Context, env *Env) error {
				return runShowEscrow(ctx, cmd, rootOpts, env.Server.Escrows(), args[0])
			})
		},
	}
}

func runShowEscrow(ctx context.Context, cmd *cobra.Command, opts *RootOptions, escrows *escrow.Service, id string) error {
	a, err := escrows.Get(ctx, id)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("escrow %s not found", id))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load escrow", err)
	}
	txs, err := escrows.Transactions(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load transactions", err)
	}
	if txs == nil {
		txs = []*ledger.Transaction{}
	}

	report := escrowReport{Escrow: a, Transactions: txs}
	return newPrinter(cmd, opts).result(report, func(w io.Writer) {
		fmt.Fprintf(w, "Escrow      %s (v%d)\n", a.ID, a.Version)
		fmt.Fprintf(w, "Status      %s\n", a.Status)
		fmt.Fprintf(w, "Property    %s\n", a.PropertyID)
		fmt.Fprintf(w, "Parties     buyer %s, seller %s, notary %s\n", a.BuyerID, a.SellerID, orNone(a.NotaryID))
		fmt.Fprintf(w, "Amounts     total %d, deposit %d, remaining %d %s\n",
			a.TotalAmount, a.DepositAmount, a.RemainingAmount, a.Currency)
		fmt.Fprintf(w, "Fees        escrow %d, notary %d\n", a.EscrowFeeAmount, a.NotaryFeeAmount)
		fmt.Fprintf(w, "Deadlines   deposit %s, full payment %s\n",
			a.DepositDeadline.UTC().Format(time.RFC3339), a.FullPaymentDeadline.UTC().Format(time.RFC3339))
		rc := a.ReleaseConditions
		fmt.Fprintf(w, "Conditions  documents=%t notary=%t buyer=%t\n",
			rc.DocumentsVerified, rc.NotaryApproval, rc.BuyerConfirmation)
		if a.DisputeReason != "" {
			fmt.Fprintf(w, "Dispute     %s\n", a.DisputeReason)
		}
		if a.CancellationReason != "" {
			fmt.Fprintf(w, "Cancelled   %s\n", a.CancellationReason)
		}

		fmt.Fprintf(w, "\nTransactions (%d)\n", len(txs))
		for _, tx := range txs {
			fmt.Fprintf(w, "  %s  %-8s %12d  %-9s %s\n", tx.ID, tx.Type, tx.Amount, tx.Status, tx.PaymentMethod)
		}
	})
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
