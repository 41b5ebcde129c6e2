package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/jholhewres/wagate/pkg/wagate/store"
)

type fakeForwarder struct {
	mu        sync.Mutex
	forwarded []*store.LoggedMessage
}

func (f *fakeForwarder) Forward(_ context.Context, msg *store.LoggedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, msg)
	return nil
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwarded)
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.MessageLog, *fakeForwarder) {
	t.Helper()
	db, err := store.OpenDatabase(filepath.Join(t.TempDir(), "wagate.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := store.NewMessageLog(db)
	fwd := &fakeForwarder{}
	return NewPipeline(log, fwd, nil, nil), log, fwd
}

func textEvent(messageID, chatUser string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   types.NewJID(chatUser, types.DefaultUserServer),
				Sender: types.NewJID(chatUser, types.DefaultUserServer),
			},
			ID:        messageID,
			Timestamp: time.Now(),
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	}
}

func TestHandleBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("text message is recorded and forwarded", func(t *testing.T) {
		p, log, fwd := newTestPipeline(t)

		p.HandleBatch(ctx, "agent-1", nil,
			[]*events.Message{textEvent("msg-1", "5511999990000")}, store.BatchNew, true)

		seen, err := log.Seen(ctx, "msg-1", "agent-1")
		if err != nil || !seen {
			t.Errorf("message not recorded (err=%v)", err)
		}
		if fwd.count() != 1 {
			t.Errorf("expected 1 forward, got %d", fwd.count())
		}
	})

	t.Run("unattributable batch is dropped whole", func(t *testing.T) {
		p, log, fwd := newTestPipeline(t)

		p.HandleBatch(ctx, "agent-1", nil,
			[]*events.Message{textEvent("msg-1", "5511999990000")}, store.BatchNew, false)

		seen, _ := log.Seen(ctx, "msg-1", "agent-1")
		if seen {
			t.Error("unattributable message must not be recorded")
		}
		if fwd.count() != 0 {
			t.Error("unattributable message must not be forwarded")
		}
	})

	t.Run("redelivery is not forwarded twice", func(t *testing.T) {
		p, _, fwd := newTestPipeline(t)
		batch := []*events.Message{textEvent("msg-1", "5511999990000")}

		p.HandleBatch(ctx, "agent-1", nil, batch, store.BatchNew, true)
		p.HandleBatch(ctx, "agent-1", nil, batch, store.BatchNew, true)

		if fwd.count() != 1 {
			t.Errorf("expected 1 forward, got %d", fwd.count())
		}
	})

	t.Run("group message is filtered before the log", func(t *testing.T) {
		p, log, fwd := newTestPipeline(t)
		evt := textEvent("msg-group", "1203630000000000")
		evt.Info.Chat = types.NewJID("1203630000000000", types.GroupServer)

		p.HandleBatch(ctx, "agent-1", nil, []*events.Message{evt}, store.BatchNew, true)

		seen, _ := log.Seen(ctx, "msg-group", "agent-1")
		if seen {
			t.Error("group message must not be recorded")
		}
		if fwd.count() != 0 {
			t.Error("group message must not be forwarded")
		}
	})

	t.Run("media without caption is recorded but not forwarded", func(t *testing.T) {
		p, log, fwd := newTestPipeline(t)
		evt := textEvent("msg-sticker", "5511999990000")
		evt.Message = &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}

		p.HandleBatch(ctx, "agent-1", nil, []*events.Message{evt}, store.BatchNew, true)

		seen, _ := log.Seen(ctx, "msg-sticker", "agent-1")
		if !seen {
			t.Error("sticker must be recorded")
		}
		if fwd.count() != 0 {
			t.Error("sticker must not be forwarded")
		}
	})

	t.Run("history batch keeps its kind in the log", func(t *testing.T) {
		p, log, _ := newTestPipeline(t)

		p.HandleBatch(ctx, "agent-1", nil,
			[]*events.Message{textEvent("msg-hist", "5511999990000")}, store.BatchHistory, true)

		msgs, err := log.ListByAgent(ctx, "agent-1", 10)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("expected 1 logged message, got %d (%v)", len(msgs), err)
		}
		if msgs[0].BatchKind != store.BatchHistory {
			t.Errorf("expected history kind, got %s", msgs[0].BatchKind)
		}
	})
}
