package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Delivery states of an outbox entry.
const (
	OutboxPending   = "pending"
	OutboxDelivered = "delivered"
	OutboxFailed    = "failed" // retryable, attempts remaining
	OutboxDead      = "dead"   // retries exhausted or non-retryable
)

// OutboxEntry records the delivery lifecycle of one forwarded message.
type OutboxEntry struct {
	ID        string
	AgentID   string
	MessageID string
	URL       string
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outbox is the durable record of webhook deliveries. The unique
// (agent_id, message_id) index makes delivery de-duplication a plain
// insert-or-ignore.
type Outbox struct {
	db *sql.DB
}

// NewOutbox creates an Outbox on the shared local database.
func NewOutbox(db *sql.DB) *Outbox {
	return &Outbox{db: db}
}

// Begin opens a pending entry for a delivery. It returns (nil, nil) when an
// entry for the same (agent id, message id) already exists, i.e. the
// message was already handed to the forwarder once.
func (o *Outbox) Begin(ctx context.Context, agentID, messageID, url string) (*OutboxEntry, error) {
	now := time.Now().UTC()
	e := &OutboxEntry{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		MessageID: messageID,
		URL:       url,
		Status:    OutboxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	res, err := o.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO webhook_outbox
			(id, agent_id, message_id, url, status, attempts, last_error,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)`,
		e.ID, e.AgentID, e.MessageID, e.URL, e.Status,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("open outbox entry for %q: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("open outbox entry for %q: %w", messageID, err)
	}
	if n == 0 {
		return nil, nil
	}
	return e, nil
}

// RecordAttempt updates an entry after one delivery attempt.
func (o *Outbox) RecordAttempt(ctx context.Context, id, status, lastError string) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE webhook_outbox
		SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?`,
		status, lastError, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update outbox entry %q: %w", id, err)
	}
	return nil
}

// Get returns an entry by id.
func (o *Outbox) Get(ctx context.Context, id string) (*OutboxEntry, error) {
	return o.scanOne(o.db.QueryRowContext(ctx, `
		SELECT id, agent_id, message_id, url, status, attempts, last_error,
		       created_at, updated_at
		FROM webhook_outbox WHERE id = ?`, id))
}

// GetByMessage returns the entry for a (agent id, message id) pair, or nil.
func (o *Outbox) GetByMessage(ctx context.Context, agentID, messageID string) (*OutboxEntry, error) {
	e, err := o.scanOne(o.db.QueryRowContext(ctx, `
		SELECT id, agent_id, message_id, url, status, attempts, last_error,
		       created_at, updated_at
		FROM webhook_outbox WHERE agent_id = ? AND message_id = ?`,
		agentID, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ListDead returns dead-lettered entries for operator inspection.
func (o *Outbox) ListDead(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, agent_id, message_id, url, status, attempts, last_error,
		       created_at, updated_at
		FROM webhook_outbox
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?`, OutboxDead, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead outbox entries: %w", err)
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		var (
			e         OutboxEntry
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &e.MessageID, &e.URL,
			&e.Status, &e.Attempts, &e.LastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (o *Outbox) scanOne(row rowScanner) (*OutboxEntry, error) {
	var (
		e         OutboxEntry
		createdAt string
		updatedAt string
	)
	err := row.Scan(&e.ID, &e.AgentID, &e.MessageID, &e.URL,
		&e.Status, &e.Attempts, &e.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &e, nil
}
