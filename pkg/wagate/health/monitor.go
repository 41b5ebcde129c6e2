// Package health runs the gateway's background supervision: boot-time
// session restore, periodic liveness checks, and stale-QR sweeps.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/wagate/pkg/wagate/session"
	"github.com/jholhewres/wagate/pkg/wagate/store"
)

// Config holds monitor tuning.
type Config struct {
	// CheckInterval is the cadence of the liveness check.
	CheckInterval time.Duration
	// NeverConnectedAfter flags sessions that have been alive this long
	// without ever reaching the connected state.
	NeverConnectedAfter time.Duration
	// SweepInterval is the cadence of the stale-QR sweep.
	SweepInterval time.Duration
	// RestoreBackoff is the base delay between boot-restore attempts for
	// one agent, doubled per attempt with jitter.
	RestoreBackoff time.Duration
	// RestoreAttempts bounds boot-restore attempts per agent.
	RestoreAttempts int
}

// Monitor supervises sessions across restarts and while running.
type Monitor struct {
	cfg       Config
	manager   *session.Manager
	persisted store.SessionStore
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewMonitor creates the supervisor.
func NewMonitor(cfg Config, manager *session.Manager, persisted store.SessionStore, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.NeverConnectedAfter == 0 {
		cfg.NeverConnectedAfter = 10 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.RestoreBackoff == 0 {
		cfg.RestoreBackoff = 3 * time.Second
	}
	if cfg.RestoreAttempts == 0 {
		cfg.RestoreAttempts = 3
	}
	return &Monitor{
		cfg:       cfg,
		manager:   manager,
		persisted: persisted,
		logger:    logger.With("component", "health"),
		cron:      cron.New(),
	}
}

// Start schedules the periodic jobs. Call after RestoreActiveSessions so
// the first liveness check sees restored sessions.
func (m *Monitor) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.cfg.CheckInterval), func() {
		m.checkLiveness()
	}); err != nil {
		return fmt.Errorf("scheduling liveness check: %w", err)
	}
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.cfg.SweepInterval), func() {
		m.manager.SweepStaleQR(ctx)
	}); err != nil {
		return fmt.Errorf("scheduling QR sweep: %w", err)
	}
	m.cron.Start()
	m.logger.Info("health monitor started",
		"check_interval", m.cfg.CheckInterval, "sweep_interval", m.cfg.SweepInterval)
	return nil
}

// Stop halts the periodic jobs and waits for running ones to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

// RestoreActiveSessions reinitializes every persisted session still marked
// active. Agents are restored sequentially with per-agent retry; one
// agent's failure never aborts the rest.
func (m *Monitor) RestoreActiveSessions(ctx context.Context) {
	recs, err := m.persisted.ListActive(ctx)
	if err != nil {
		m.logger.Error("listing active sessions failed, skipping restore", "error", err)
		return
	}
	if len(recs) == 0 {
		m.logger.Info("no active sessions to restore")
		return
	}

	m.logger.Info("restoring active sessions", "count", len(recs))

	restored := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		if m.restoreOne(ctx, rec.AgentID) {
			restored++
		}
	}

	m.logger.Info("session restore finished",
		"restored", restored, "failed", len(recs)-restored)
}

// restoreOne attempts to bring one agent back up, with bounded retries.
// A conflict result is terminal: the persisted record already reflects it
// and retrying cannot help.
func (m *Monitor) restoreOne(ctx context.Context, agentID string) bool {
	for attempt := 1; attempt <= m.cfg.RestoreAttempts; attempt++ {
		_, err := m.manager.Initialize(ctx, agentID)
		if err == nil {
			m.logger.Info("session restore initiated", "agent_id", agentID)
			return true
		}
		if errors.Is(err, session.ErrSessionConflict) {
			m.logger.Warn("session restore skipped, phone conflict", "agent_id", agentID)
			return false
		}

		delay := m.restoreDelay(attempt)
		m.logger.Warn("session restore attempt failed",
			"agent_id", agentID, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}

	m.logger.Error("session restore gave up", "agent_id", agentID)
	return false
}

// restoreDelay returns base * 2^(attempt-1) with up to 25% jitter. The
// delay also keeps sequential restores clear of the per-agent initialize
// cooldown.
func (m *Monitor) restoreDelay(attempt int) time.Duration {
	d := m.cfg.RestoreBackoff << (attempt - 1)
	return d + time.Duration(rand.Int63n(int64(d)/4))
}

// checkLiveness inspects the registry and flags sessions that have been
// alive past the threshold without ever connecting. Flagging is log-only:
// tearing down a session that might still pair is worse than a noisy log.
func (m *Monitor) checkLiveness() {
	now := time.Now()
	for _, s := range m.manager.Sessions() {
		if s.State == session.StateConnected {
			continue
		}
		if s.ConnectedAt.IsZero() && now.Sub(s.CreatedAt) > m.cfg.NeverConnectedAfter {
			m.logger.Warn("session alive but never connected",
				"agent_id", s.AgentID, "state", s.State,
				"age", now.Sub(s.CreatedAt).Round(time.Second),
				"qr_attempts", s.QRAttempts)
		}
	}
}
