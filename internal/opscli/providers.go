package opscli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbd888/homesettle/internal/mobilemoney"
)

// providerRow is one line of providers list.
type providerRow struct {
	*mobilemoney.Provider
	Breaker string `json:"breaker"`
}

// NewProvidersCommand creates the providers command group.
func NewProvidersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect and toggle mobile money providers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every provider with its limits and circuit state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(ctx context.Context, env *Env) error {
				return runListProviders(ctx, cmd, rootOpts, env)
			})
		},
	})
	cmd.AddCommand(newSetActiveCommand(rootOpts, "enable", true))
	cmd.AddCommand(newSetActiveCommand(rootOpts, "disable", false))

	return cmd
}

func runListProviders(ctx context.Context, cmd *cobra.Command, opts *RootOptions, env *Env) error {
	all, err := env.Server.Providers().List(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list providers", err)
	}
	breaker := env.Server.Orchestrator().Breaker()
	rows := make([]providerRow, 0, len(all))
	for _, p := range all {
		rows = append(rows, providerRow{Provider: p, Breaker: breaker.State(p.Name).String()})
	}

	return newPrinter(cmd, opts).result(rows, func(w io.Writer) {
		for _, r := range rows {
			state := "active"
			if !r.IsActive {
				state = "disabled"
			}
			fmt.Fprintf(w, "%-14s %-9s breaker=%-9s min=%d max=%d fee=%dbps\n",
				r.Name, state, r.Breaker, r.MinAmount, r.MaxAmount, r.FeeBasisPoints)
		}
	})
}

func newSetActiveCommand(rootOpts *RootOptions, verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " PROVIDER",
		Short: fmt.Sprintf("%s a provider for new payments", verbTitle(verb)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEnv(cmd, rootOpts, func(ctx context.Context, env *Env) error {
				err := env.Server.Providers().SetActive(ctx, name, active)
				if errors.Is(err, mobilemoney.ErrProviderNotFound) {
					return NewExitError(ExitCommandError, fmt.Sprintf("provider %s not found", name))
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to update provider", err)
				}
				env.Server.Logger().Info("provider toggled", "provider", name, "active", active)
				data := map[string]any{"provider": name, "active": active}
				return newPrinter(cmd, rootOpts).result(data, func(w io.Writer) {
					fmt.Fprintf(w, "%s %sd.\n", name, verb)
				})
			})
		},
	}
}

func verbTitle(verb string) string {
	if verb == "" {
		return verb
	}
	return strings.ToUpper(verb[:1]) + verb[1:]
}
