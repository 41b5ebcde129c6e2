package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wagate/pkg/wagate/config"
	"github.com/jholhewres/wagate/pkg/wagate/health"
	"github.com/jholhewres/wagate/pkg/wagate/ingest"
	"github.com/jholhewres/wagate/pkg/wagate/media"
	"github.com/jholhewres/wagate/pkg/wagate/session"
	"github.com/jholhewres/wagate/pkg/wagate/store"
	"github.com/jholhewres/wagate/pkg/wagate/webhook"
)

// newServeCmd creates the `wagate serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway daemon",
		Long: `Start the gateway daemon: restore persisted sessions, run the
health monitor, and process inbound messages.

Examples:
  wagate serve
  wagate serve --config ./wagate.yaml`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	// ── Local durable store ──
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}
	db, err := store.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	messageLog := store.NewMessageLog(db)
	outbox := store.NewOutbox(db)

	// ── Persisted session store ──
	persisted, err := store.NewSupabase(store.SupabaseConfig{
		URL:           cfg.Supabase.URL,
		APIKey:        cfg.Supabase.APIKey,
		SessionsTable: cfg.Supabase.SessionsTable,
		AgentsTable:   cfg.Supabase.AgentsTable,
		CacheTTL:      cfg.Supabase.CacheTTL,
	})
	if err != nil {
		return err
	}

	// ── Pipeline: media, forwarder, ingest ──
	mediaProc := media.NewProcessor(persisted.Client().Storage, media.Config{
		Bucket:         cfg.Media.Bucket,
		FallbackBucket: cfg.Media.FallbackBucket,
		SignedURLTTL:   cfg.Media.SignedURLTTL,
	}, logger)

	forwarder := webhook.NewForwarder(webhook.Config{
		DefaultURL:   cfg.Webhook.DefaultURL,
		Timeout:      cfg.Webhook.Timeout,
		MaxAttempts:  cfg.Webhook.MaxAttempts,
		RetryBackoff: cfg.Webhook.RetryBackoff,
	}, persisted, outbox, logger)

	pipeline := ingest.NewPipeline(messageLog, forwarder, mediaProc, logger)

	// ── Session manager ──
	creds := session.NewCredentialStore(cfg.DataDir, persisted, logger)
	manager := session.NewManager(session.Config{
		DataDir:          cfg.DataDir,
		DeviceName:       cfg.Session.DeviceName,
		InitCooldown:     cfg.Session.InitCooldown,
		QRWindow:         cfg.Session.QRWindow,
		PreflightTimeout: cfg.Session.PreflightTimeout,
		PreflightAddr:    cfg.Session.PreflightAddr,
		RestartDelay:     cfg.Session.RestartDelay,
	}, persisted, creds, pipeline, logger)

	// ── Health monitor: boot restore, then periodic checks ──
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := health.NewMonitor(health.Config{
		CheckInterval:       cfg.Health.CheckInterval,
		NeverConnectedAfter: cfg.Health.NeverConnectedAfter,
		SweepInterval:       cfg.Health.SweepInterval,
		RestoreBackoff:      cfg.Health.RestoreBackoff,
	}, manager, persisted, logger)

	go monitor.RestoreActiveSessions(ctx)
	if err := monitor.Start(ctx); err != nil {
		return err
	}

	// ── Wait for shutdown ──
	logger.Info("wagate running. Press Ctrl+C to stop.",
		"data_dir", cfg.DataDir,
		"device_name", cfg.Session.DeviceName,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout. Sessions are left paired on purpose:
	// the boot restore brings them back on the next start.
	done := make(chan struct{})
	go func() {
		cancel()
		monitor.Stop()
		manager.Close()
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
