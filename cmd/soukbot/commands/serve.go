package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mharbouli/soukbot/pkg/soukbot/agent"
	"github.com/mharbouli/soukbot/pkg/soukbot/catalog"
	"github.com/mharbouli/soukbot/pkg/soukbot/config"
	"github.com/mharbouli/soukbot/pkg/soukbot/followup"
	"github.com/mharbouli/soukbot/pkg/soukbot/gateway"
	"github.com/mharbouli/soukbot/pkg/soukbot/llm"
	"github.com/mharbouli/soukbot/pkg/soukbot/store"
	"github.com/mharbouli/soukbot/pkg/soukbot/whatsapp"
)

// newServeCmd creates the `soukbot serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agent daemon",
		Long: `Start soukbot as a daemon: restores linked WhatsApp sessions,
answers inbound messages, and serves the HTTP control plane.

Examples:
  soukbot serve
  soukbot serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := buildLogger(cmd, cfg)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	} else {
		logger.Info("no config file found, using defaults")
	}

	// Audit BEFORE use: checks the raw config values for hardcoded keys.
	config.AuditSecrets(cfg, logger)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	llmClient := llm.New(cfg.LLM, logger)
	cat := catalog.New(st, llmClient, logger)
	settings := config.NewSettings(cfg)
	engine := agent.New(st, llmClient, cat, settings, cfg.Agent, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := whatsapp.NewDispatcher(engine, settings, logger)
	manager := whatsapp.NewManager(cfg.WhatsApp, dispatcher, logger)
	manager.Restore(ctx)

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway, settings, engine, manager, st, cat, logger)
		if err := gw.Start(ctx); err != nil {
			return err
		}
	}

	sweeper := followup.New(cfg.FollowUp, st, manager, settings, logger)
	if err := sweeper.Start(); err != nil {
		logger.Error("follow-up sweeper failed to start", "error", err)
	}

	logger.Info("soukbot running. Press Ctrl+C to stop.",
		"agent", cfg.Agent.Name,
		"store", cfg.Agent.Store,
		"sessions", len(manager.Sessions()),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout. Sessions keep their credentials.
	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		if gw != nil {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			_ = gw.Stop(shutdownCtx)
			cancelShutdown()
		}
		manager.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}
