package opscli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/mobilemoney"
)

// AwaitOptions holds flags for await-payment.
type AwaitOptions struct {
	*RootOptions
	Interval time.Duration
	Budget   time.Duration
}

// NewAwaitPaymentCommand creates the await-payment command.
func NewAwaitPaymentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AwaitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "await-payment TRANSACTION_ID",
		Short: "Poll a mobile money payment until it settles",
		Long: `Poll the provider for a payment at a fixed interval until it completes,
fails, or the budget runs out. Interval and budget default to the
server's PAYMENT_POLL_INTERVAL and PAYMENT_POLL_BUDGET.

Exit codes:
  0 - payment completed
  1 - payment failed or is still pending
  2 - command error (unknown transaction, etc.)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts.RootOptions, func(ctx context.Context, env *Env) error {
				interval, budget := opts.Interval, opts.Budget
				if interval <= 0 {
					interval = env.Config.PollInterval
				}
				if budget <= 0 {
					budget = env.Config.PollBudget
				}
				poller := mobilemoney.NewPoller(env.Server.Orchestrator(), interval, budget)
				return runAwait(ctx, cmd, opts.RootOptions, poller, args[0])
			})
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between status checks")
	cmd.Flags().DurationVar(&opts.Budget, "budget", 0, "give up after this long")

	return cmd
}

func runAwait(ctx context.Context, cmd *cobra.Command, opts *RootOptions, poller *mobilemoney.Poller, id string) error {
	p := newPrinter(cmd, opts)
	p.logf("polling %s", id)

	out, err := poller.Await(ctx, id)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("transaction %s not found", id))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "polling failed", err)
	}
	p.logf("%d status check(s)", out.Polls)

	text := func(w io.Writer) {
		switch {
		case out.StillPending:
			fmt.Fprintf(w, "%s still pending after %d check(s).\n", id, out.Polls)
			if out.LastError != "" {
				fmt.Fprintf(w, "Last provider error: %s\n", out.LastError)
			}
		case out.Status == ledger.StatusCompleted:
			fmt.Fprintf(w, "%s completed.\n", id)
		default:
			fmt.Fprintf(w, "%s %s", id, out.Status)
			if out.Transaction != nil && out.Transaction.FailureReason != "" {
				fmt.Fprintf(w, ": %s", out.Transaction.FailureReason)
			}
			fmt.Fprintln(w)
		}
	}

	switch {
	case out.StillPending:
		return p.failure(out, NewExitError(ExitFailure, "payment still pending"), text)
	case out.Status != ledger.StatusCompleted:
		return p.failure(out, NewExitError(ExitFailure, "payment "+string(out.Status)), text)
	}
	return p.result(out, text)
}
