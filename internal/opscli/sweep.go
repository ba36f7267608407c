package opscli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mbd888/homesettle/internal/escrow"
)

// SweepOptions holds flags for sweep-expired.
type SweepOptions struct {
	*RootOptions
	Limit  int
	DryRun bool
}

// NewSweepCommand creates the sweep-expired command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep-expired",
		Short: "Cancel escrows past their payment deadline",
		Long: `Cancel escrows whose deposit or full payment deadline has passed and
refund whatever the buyer already paid.

Exit codes:
  0 - every expired escrow was cancelled (or listed with --dry-run)
  1 - at least one cancellation failed
  2 - command error

Examples:
  settlectl sweep-expired --dry-run
  settlectl sweep-expired --limit 500 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts.RootOptions, func(ctx context.Context, env *Env) error {
				return runSweep(ctx, cmd, opts, env.Server.Escrows())
			})
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum escrows to process")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "list expired escrows without cancelling them")

	return cmd
}

func runSweep(ctx context.Context, cmd *cobra.Command, opts *SweepOptions, escrows *escrow.Service) error {
	if opts.Limit <= 0 {
		return NewExitError(ExitCommandError, "--limit must be positive")
	}
	p := newPrinter(cmd, opts.RootOptions)

	res, err := escrows.SweepExpired(ctx, opts.Limit, opts.DryRun)
	if err != nil {
		return WrapExitError(ExitCommandError, "sweep failed", err)
	}

	text := func(w io.Writer) {
		if len(res.Expired) == 0 {
			fmt.Fprintln(w, "No expired escrows.")
			return
		}
		for _, a := range res.Expired {
			deadline := a.DepositDeadline
			if a.Status != escrow.StatusPending {
				deadline = a.FullPaymentDeadline
			}
			fmt.Fprintf(w, "%s  %-16s  deadline %s  buyer %s\n",
				a.ID, a.Status, deadline.UTC().Format("2006-01-02 15:04"), a.BuyerID)
		}
		if opts.DryRun {
			fmt.Fprintf(w, "\n%d expired escrow(s), dry run: nothing cancelled.\n", len(res.Expired))
			return
		}
		fmt.Fprintf(w, "\nCancelled %d, failed %d.\n", len(res.Cancelled), len(res.Failed))
		for _, id := range res.Failed {
			fmt.Fprintf(w, "  failed: %s\n", id)
		}
	}

	if len(res.Failed) > 0 {
		return p.failure(res, NewExitError(ExitFailure,
			fmt.Sprintf("%d expired escrow(s) could not be cancelled", len(res.Failed))), text)
	}
	return p.result(res, text)
}
