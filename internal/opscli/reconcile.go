package opscli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewReconcileCommand creates the reconcile-pending command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile-pending",
		Short: "Re-check stale pending mobile money payments once",
		Long: `Ask providers about every payment still pending after the poll budget,
settle the ones that resolved, and list charges the provider has no record
of. Those stay pending for manual review. The server runs the same pass on
a timer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(ctx context.Context, env *Env) error {
				p := newPrinter(cmd, rootOpts)
				res, err := env.Server.Reconciler().ReconcileOnce(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "reconcile failed", err)
				}
				return p.result(res, func(w io.Writer) {
					if res.Checked == 0 {
						fmt.Fprintln(w, "No stale pending payments.")
						return
					}
					fmt.Fprintf(w, "Checked %d: %d completed, %d failed, %d still pending, %d errors.\n",
						res.Checked, res.Completed, res.Failed, res.Pending, res.Errors)
					if res.Unacknowledged > 0 {
						fmt.Fprintf(w, "%d payment(s) unknown to the provider need review.\n", res.Unacknowledged)
					}
				})
			})
		},
	}
}
