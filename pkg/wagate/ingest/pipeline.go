// Package ingest runs inbound messages through the gateway pipeline:
// filter, extract, persist, forward.
package ingest

import (
	"context"
	"log/slog"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/jholhewres/wagate/pkg/wagate/media"
	"github.com/jholhewres/wagate/pkg/wagate/session"
	"github.com/jholhewres/wagate/pkg/wagate/store"
)

// Forwarder delivers an accepted message downstream. Implemented by the
// webhook forwarder.
type Forwarder interface {
	Forward(ctx context.Context, msg *store.LoggedMessage) error
}

// Pipeline is the inbound message pipeline. Ordering guarantees: a message
// is persisted to the log before any forwarding attempt, and a log failure
// degrades to at-least-once forwarding instead of blocking delivery.
type Pipeline struct {
	log       *store.MessageLog
	forwarder Forwarder
	media     *media.Processor
	logger    *slog.Logger
}

// NewPipeline creates the pipeline.
func NewPipeline(log *store.MessageLog, forwarder Forwarder, mediaProc *media.Processor, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		log:       log,
		forwarder: forwarder,
		media:     mediaProc,
		logger:    logger.With("component", "ingest"),
	}
}

// HandleBatch processes one inbound batch. Batches from sessions that are
// not yet attributable to a connected agent are dropped whole; nothing may
// enter the log without a confirmed owner.
func (p *Pipeline) HandleBatch(ctx context.Context, agentID string, client *whatsmeow.Client,
	batch []*events.Message, kind store.BatchKind, attributable bool) {
	if !attributable {
		p.logger.Warn("dropping unattributable batch",
			"agent_id", agentID, "kind", kind, "messages", len(batch))
		return
	}

	for _, evt := range batch {
		p.handleOne(ctx, agentID, client, evt, kind)
	}
}

func (p *Pipeline) handleOne(ctx context.Context, agentID string, client *whatsmeow.Client,
	evt *events.Message, kind store.BatchKind) {
	info := evt.Info

	if reason := filterDrop(&info); reason != dropNone {
		p.logger.Debug("message filtered",
			"agent_id", agentID, "message_id", info.ID, "reason", reason)
		return
	}

	ext := extract(evt.Message)
	if ext.Type == "" {
		p.logger.Debug("control message dropped",
			"agent_id", agentID, "message_id", info.ID)
		return
	}

	msg := &store.LoggedMessage{
		MessageID:  info.ID,
		AgentID:    agentID,
		ChatID:     info.Chat.String(),
		FromNumber: info.Sender.User,
		Type:       ext.Type,
		BatchKind:  kind,
		ReceivedAt: info.Timestamp,
	}
	if client != nil && client.Store.ID != nil {
		msg.ToNumber = client.Store.ID.User
	}

	switch ext.Type {
	case store.MessageAudio:
		p.resolveAudio(ctx, msg, ext.Audio, client)
	default:
		if ext.Content != "" {
			content := ext.Content
			msg.Content = &content
		}
	}

	// Persist first. A log failure is recorded and delivery proceeds:
	// losing exactly-once is better than losing the message.
	inserted, err := p.log.Record(ctx, msg)
	if err != nil {
		p.logger.Error("message log write failed, forwarding anyway",
			"agent_id", agentID, "message_id", msg.MessageID, "error", err)
	} else if !inserted {
		p.logger.Debug("duplicate message ignored",
			"agent_id", agentID, "message_id", msg.MessageID)
		return
	}

	if !forwardable(msg) {
		return
	}
	if err := p.forwarder.Forward(ctx, msg); err != nil {
		p.logger.Error("forwarding failed",
			"agent_id", agentID, "message_id", msg.MessageID, "error", err)
	}
}

// resolveAudio runs the media processor. Failure degrades the message to an
// audio record without content or URL; it stays in the log but is excluded
// from forwarding.
func (p *Pipeline) resolveAudio(ctx context.Context, msg *store.LoggedMessage,
	audio *waE2E.AudioMessage, client *whatsmeow.Client) {
	if p.media == nil || client == nil {
		p.logger.Warn("audio received but media processing unavailable",
			"agent_id", msg.AgentID, "message_id", msg.MessageID)
		return
	}

	result, err := p.media.ProcessAudio(ctx, msg.AgentID, msg.MessageID, audio, clientDownloader{client})
	if err != nil {
		p.logger.Warn("audio processing failed, message degraded",
			"agent_id", msg.AgentID, "message_id", msg.MessageID, "error", err)
		return
	}

	msg.MediaURL = &result.URL
	msg.MimeType = result.MimeType
	msg.FileSize = result.FileSize
}

// forwardable: only text with content or audio with a resolved URL leaves
// the gateway.
func forwardable(msg *store.LoggedMessage) bool {
	switch msg.Type {
	case store.MessageText:
		return msg.Content != nil && *msg.Content != ""
	case store.MessageAudio:
		return msg.MediaURL != nil && *msg.MediaURL != ""
	default:
		return false
	}
}

// clientDownloader adapts the protocol client to the media processor.
type clientDownloader struct {
	client *whatsmeow.Client
}

func (d clientDownloader) DownloadAudio(ctx context.Context, msg *waE2E.AudioMessage) ([]byte, error) {
	return d.client.Download(ctx, msg)
}

var _ session.MessageSink = (*Pipeline)(nil)
var _ media.AudioDownloader = clientDownloader{}
