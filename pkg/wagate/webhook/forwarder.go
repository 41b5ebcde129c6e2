// Package webhook delivers ingested messages to per-tenant HTTP endpoints
// with bounded retries and a durable outbox.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/store"
)

// Config holds forwarder settings.
type Config struct {
	// DefaultURL receives messages for agents without an override.
	DefaultURL string
	// Timeout is the hard per-request timeout.
	Timeout time.Duration
	// MaxAttempts bounds delivery attempts per message.
	MaxAttempts int
	// RetryBackoff is the base backoff, doubled per attempt with jitter.
	RetryBackoff time.Duration
}

// Payload is the JSON body posted to the webhook endpoint.
type Payload struct {
	AgentID        string    `json:"agent_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	From           string    `json:"from"`
	To             string    `json:"to,omitempty"`
	Type           string    `json:"type"`
	Content        string    `json:"content,omitempty"`
	MediaURL       string    `json:"media_url,omitempty"`
	MimeType       string    `json:"mime_type,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Forwarder posts messages to webhook endpoints. Every delivery is recorded
// in the outbox first; the unique (agent id, message id) entry doubles as
// the delivery de-duplication check. Transient failures (network errors and
// 5xx responses) are retried with exponential backoff and jitter; 4xx
// responses are treated as permanent. Exhausted deliveries are dead-lettered
// for operator inspection, never silently dropped.
type Forwarder struct {
	cfg    Config
	agents store.AgentDirectory
	outbox *store.Outbox
	client *http.Client
	logger *slog.Logger

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewForwarder creates a webhook forwarder.
func NewForwarder(cfg Config, agents store.AgentDirectory, outbox *store.Outbox, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Forwarder{
		cfg:    cfg,
		agents: agents,
		outbox: outbox,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "webhook"),
		sleep:  sleepCtx,
	}
}

// Forward delivers one message. Duplicate deliveries for the same
// (agent id, message id) pair are suppressed via the outbox.
func (f *Forwarder) Forward(ctx context.Context, msg *store.LoggedMessage) error {
	url := f.cfg.DefaultURL
	tenantID := ""
	if agent, err := f.agents.GetAgent(ctx, msg.AgentID); err != nil {
		f.logger.Warn("agent lookup failed, using default webhook",
			"agent_id", msg.AgentID, "error", err)
	} else {
		tenantID = agent.TenantID
		if agent.WebhookURL != "" {
			url = agent.WebhookURL
		}
	}
	if url == "" {
		return fmt.Errorf("no webhook URL configured for agent %s", msg.AgentID)
	}

	entry, err := f.outbox.Begin(ctx, msg.AgentID, msg.MessageID, url)
	if err != nil {
		return fmt.Errorf("opening outbox entry: %w", err)
	}
	if entry == nil {
		f.logger.Debug("duplicate delivery suppressed",
			"agent_id", msg.AgentID, "message_id", msg.MessageID)
		return nil
	}

	payload := Payload{
		AgentID:        msg.AgentID,
		TenantID:       tenantID,
		MessageID:      msg.MessageID,
		ConversationID: msg.ChatID,
		From:           msg.FromNumber,
		To:             msg.ToNumber,
		Type:           string(msg.Type),
		Timestamp:      msg.ReceivedAt,
	}
	if msg.Content != nil {
		payload.Content = *msg.Content
	}
	if msg.MediaURL != nil {
		payload.MediaURL = *msg.MediaURL
	}
	payload.MimeType = msg.MimeType

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		err := f.post(ctx, url, body, payload)
		if err == nil {
			if rerr := f.outbox.RecordAttempt(ctx, entry.ID, store.OutboxDelivered, ""); rerr != nil {
				f.logger.Warn("recording delivery failed", "entry_id", entry.ID, "error", rerr)
			}
			f.logger.Info("message forwarded",
				"agent_id", msg.AgentID, "message_id", msg.MessageID, "attempts", attempt)
			return nil
		}

		lastErr = err
		if perr, ok := err.(*deliveryError); ok && perr.permanent {
			if rerr := f.outbox.RecordAttempt(ctx, entry.ID, store.OutboxDead, err.Error()); rerr != nil {
				f.logger.Warn("recording dead letter failed", "entry_id", entry.ID, "error", rerr)
			}
			f.logger.Error("delivery rejected, dead-lettered",
				"agent_id", msg.AgentID, "message_id", msg.MessageID, "error", err)
			return err
		}

		if rerr := f.outbox.RecordAttempt(ctx, entry.ID, store.OutboxFailed, err.Error()); rerr != nil {
			f.logger.Warn("recording attempt failed", "entry_id", entry.ID, "error", rerr)
		}

		if attempt < f.cfg.MaxAttempts {
			delay := f.backoff(attempt)
			f.logger.Warn("delivery failed, retrying",
				"agent_id", msg.AgentID, "message_id", msg.MessageID,
				"attempt", attempt, "delay", delay, "error", err)
			if serr := f.sleep(ctx, delay); serr != nil {
				lastErr = serr
				break
			}
		}
	}

	if rerr := f.outbox.RecordAttempt(ctx, entry.ID, store.OutboxDead, lastErr.Error()); rerr != nil {
		f.logger.Warn("recording dead letter failed", "entry_id", entry.ID, "error", rerr)
	}
	f.logger.Error("delivery retries exhausted, dead-lettered",
		"agent_id", msg.AgentID, "message_id", msg.MessageID, "error", lastErr)
	return fmt.Errorf("delivering message %s: %w", msg.MessageID, lastErr)
}

// post performs one HTTP delivery attempt.
func (f *Forwarder) post(ctx context.Context, url string, body []byte, p Payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &deliveryError{permanent: true, err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-ID", p.AgentID)
	req.Header.Set("X-Conversation-ID", p.ConversationID)
	req.Header.Set("Idempotency-Key", p.MessageID)

	resp, err := f.client.Do(req)
	if err != nil {
		return &deliveryError{err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &deliveryError{
			permanent: true,
			err:       fmt.Errorf("endpoint rejected delivery: %s", resp.Status),
		}
	default:
		return &deliveryError{err: fmt.Errorf("endpoint error: %s", resp.Status)}
	}
}

// backoff returns base * 2^(attempt-1) with up to 25% jitter.
func (f *Forwarder) backoff(attempt int) time.Duration {
	d := f.cfg.RetryBackoff << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}

// deliveryError wraps an attempt failure; permanent suppresses retries.
type deliveryError struct {
	permanent bool
	err       error
}

func (e *deliveryError) Error() string { return e.err.Error() }
func (e *deliveryError) Unwrap() error { return e.err }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
