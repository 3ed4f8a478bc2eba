// finaiguard - Compliance audit trail and risk scoring for financial AI agents
package main

import (
	"context"
	"os"

	"github.com/mbd888/finaiguard/internal/config"
	"github.com/mbd888/finaiguard/internal/logging"
	"github.com/mbd888/finaiguard/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured level and format are known
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting finaiguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"hash_algorithm", cfg.HashAlgorithm,
		"default_chain", cfg.DefaultChain,
		"policy", policySource(cfg.PolicyFile),
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"kafka", len(cfg.KafkaBrokers) > 0,
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

func policySource(path string) string {
	if path == "" {
		return "embedded default"
	}
	return path
}
