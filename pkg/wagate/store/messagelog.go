package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MessageType classifies an inbound message for forwarding purposes.
type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageAudio MessageType = "AUDIO"
	MessageOther MessageType = "OTHER"
)

// BatchKind tags the origin of an inbound batch.
type BatchKind string

const (
	BatchNew     BatchKind = "new"
	BatchHistory BatchKind = "history"
	BatchStatus  BatchKind = "status_update"
)

// LoggedMessage is one accepted inbound message, keyed (MessageID, AgentID).
type LoggedMessage struct {
	MessageID  string
	AgentID    string
	ChatID     string
	FromNumber string
	ToNumber   string
	Type       MessageType
	Content    *string
	MediaURL   *string
	MimeType   string
	FileSize   int64
	BatchKind  BatchKind
	ReceivedAt time.Time
}

// MessageLog is the durable append-only log of accepted inbound messages.
type MessageLog struct {
	db *sql.DB
}

// NewMessageLog creates a MessageLog on the shared local database.
func NewMessageLog(db *sql.DB) *MessageLog {
	return &MessageLog{db: db}
}

// Record appends a message to the log. Redeliveries of the same
// (message id, agent id) pair are ignored; the bool reports whether the
// row was actually inserted.
func (l *MessageLog) Record(ctx context.Context, m *LoggedMessage) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_log
			(message_id, agent_id, chat_id, from_number, to_number,
			 msg_type, content, media_url, mime_type, file_size,
			 batch_kind, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID,
		m.AgentID,
		m.ChatID,
		m.FromNumber,
		m.ToNumber,
		string(m.Type),
		m.Content,
		m.MediaURL,
		m.MimeType,
		m.FileSize,
		string(m.BatchKind),
		m.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("record message %q: %w", m.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record message %q: %w", m.MessageID, err)
	}
	return n > 0, nil
}

// Seen reports whether a (message id, agent id) pair is already logged.
func (l *MessageLog) Seen(ctx context.Context, messageID, agentID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM message_log WHERE message_id = ? AND agent_id = ?`,
		messageID, agentID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup message %q: %w", messageID, err)
	}
	return true, nil
}

// ListByAgent returns the most recent logged messages for an agent.
func (l *MessageLog) ListByAgent(ctx context.Context, agentID string, limit int) ([]*LoggedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT message_id, agent_id, chat_id, from_number, to_number,
		       msg_type, content, media_url, mime_type, file_size,
		       batch_kind, received_at
		FROM message_log
		WHERE agent_id = ?
		ORDER BY received_at DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*LoggedMessage
	for rows.Next() {
		var (
			m          LoggedMessage
			msgType    string
			batchKind  string
			receivedAt string
		)
		if err := rows.Scan(
			&m.MessageID, &m.AgentID, &m.ChatID, &m.FromNumber, &m.ToNumber,
			&msgType, &m.Content, &m.MediaURL, &m.MimeType, &m.FileSize,
			&batchKind, &receivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = MessageType(msgType)
		m.BatchKind = BatchKind(batchKind)
		m.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}
