// Package opscli implements settlectl, the operator CLI that runs one-off
// maintenance against the same stores and provider client as the API server.
package opscli

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mbd888/homesettle/internal/config"
	"github.com/mbd888/homesettle/internal/logging"
	"github.com/mbd888/homesettle/internal/server"
)

// Env is the service stack a command operates on.
type Env struct {
	Server *server.Server
	Config *config.Config
	// Close releases the stack. Nil when the caller owns it.
	Close func() error
}

// Opener builds the Env for one command invocation.
type Opener func(ctx context.Context) (*Env, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	open Opener
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// OpenFromEnv loads configuration from the environment and builds a server
// without starting its listener or background loops. Logs go to stderr so
// JSON output stays parseable.
func OpenFromEnv(ctx context.Context) (*Env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	srv, err := server.New(cfg, server.WithLogger(logger), server.WithDrainDelay(0))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to initialize services", err)
	}
	return &Env{Server: srv, Config: cfg, Close: srv.Shutdown}, nil
}

// NewRootCommand creates the settlectl root command. A nil open uses
// OpenFromEnv.
func NewRootCommand(open Opener) *cobra.Command {
	if open == nil {
		open = OpenFromEnv
	}
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "settlectl",
		Short: "Operate the homesettle escrow service",
		Long: `settlectl runs maintenance tasks against the escrow and payment stores:
cancelling expired escrows, settling stale mobile money payments and
managing the provider catalog. It reads the same environment as the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewShowEscrowCommand(opts))
	cmd.AddCommand(NewAwaitPaymentCommand(opts))
	cmd.AddCommand(NewProvidersCommand(opts))

	return cmd
}

// withEnv opens the stack, runs fn and closes the stack.
func withEnv(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, env *Env) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := opts.open(ctx)
	if err != nil {
		return err
	}
	if env.Close != nil {
		defer func() {
			if cerr := env.Close(); cerr != nil && err == nil {
				err = WrapExitError(ExitCommandError, "shutdown failed", cerr)
			}
		}()
	}
	return fn(ctx, env)
}
