// Homesettle - escrow settlement for property sales paid by mobile money
package main

import (
	"context"
	"os"

	"github.com/mbd888/homesettle/internal/config"
	"github.com/mbd888/homesettle/internal/logging"
	"github.com/mbd888/homesettle/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is loaded
	logger := logging.New("info", "text")

	logger.Info("starting homesettle",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.Currency,
		"poll_interval", cfg.PollInterval,
		"poll_budget", cfg.PollBudget,
		"expiry_sweep", cfg.ExpirySweep,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
