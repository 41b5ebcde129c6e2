package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/store"
)

type fakeDirectory struct {
	agents map[string]*store.AgentRecord
}

func (f *fakeDirectory) GetAgent(_ context.Context, agentID string) (*store.AgentRecord, error) {
	if rec, ok := f.agents[agentID]; ok {
		return rec, nil
	}
	return &store.AgentRecord{ID: agentID, TenantID: "tenant-1"}, nil
}

func newTestForwarder(t *testing.T, cfg Config, dir store.AgentDirectory) (*Forwarder, *store.Outbox) {
	t.Helper()
	db, err := store.OpenDatabase(filepath.Join(t.TempDir(), "wagate.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	outbox := store.NewOutbox(db)
	if dir == nil {
		dir = &fakeDirectory{}
	}
	f := NewForwarder(cfg, dir, outbox, nil)
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f, outbox
}

func textMessage(messageID, agentID string) *store.LoggedMessage {
	content := "hello"
	return &store.LoggedMessage{
		MessageID:  messageID,
		AgentID:    agentID,
		ChatID:     "5511999990000@s.whatsapp.net",
		FromNumber: "5511999990000",
		Type:       store.MessageText,
		Content:    &content,
		BatchKind:  store.BatchNew,
		ReceivedAt: time.Now(),
	}
}

func TestForwardDelivers(t *testing.T) {
	ctx := context.Background()

	var got Payload
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, outbox := newTestForwarder(t, Config{DefaultURL: srv.URL}, nil)

	if err := f.Forward(ctx, textMessage("msg-1", "agent-1")); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if got.AgentID != "agent-1" || got.TenantID != "tenant-1" {
		t.Errorf("payload attribution wrong: %+v", got)
	}
	if got.Content != "hello" {
		t.Errorf("payload content wrong: %+v", got)
	}
	if headers.Get("X-Agent-ID") != "agent-1" {
		t.Error("missing X-Agent-ID header")
	}
	if headers.Get("X-Conversation-ID") == "" {
		t.Error("missing X-Conversation-ID header")
	}
	if headers.Get("Idempotency-Key") != "msg-1" {
		t.Error("missing Idempotency-Key header")
	}

	entry, err := outbox.GetByMessage(ctx, "agent-1", "msg-1")
	if err != nil || entry == nil {
		t.Fatalf("outbox entry missing: %v", err)
	}
	if entry.Status != store.OutboxDelivered || entry.Attempts != 1 {
		t.Errorf("expected delivered/1, got %s/%d", entry.Status, entry.Attempts)
	}
}

func TestForwardDedup(t *testing.T) {
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, _ := newTestForwarder(t, Config{DefaultURL: srv.URL}, nil)

	if err := f.Forward(ctx, textMessage("msg-1", "agent-1")); err != nil {
		t.Fatalf("first Forward: %v", err)
	}
	if err := f.Forward(ctx, textMessage("msg-1", "agent-1")); err != nil {
		t.Fatalf("duplicate Forward: %v", err)
	}

	if hits.Load() != 1 {
		t.Errorf("duplicate must not hit the endpoint, got %d hits", hits.Load())
	}
}

func TestForwardRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, outbox := newTestForwarder(t, Config{DefaultURL: srv.URL, MaxAttempts: 4}, nil)

	if err := f.Forward(ctx, textMessage("msg-1", "agent-1")); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}

	entry, _ := outbox.GetByMessage(ctx, "agent-1", "msg-1")
	if entry.Status != store.OutboxDelivered || entry.Attempts != 3 {
		t.Errorf("expected delivered/3, got %s/%d", entry.Status, entry.Attempts)
	}
}

func TestForwardRejectionIsPermanent(t *testing.T) {
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	f, outbox := newTestForwarder(t, Config{DefaultURL: srv.URL, MaxAttempts: 4}, nil)

	if err := f.Forward(ctx, textMessage("msg-1", "agent-1")); err == nil {
		t.Fatal("expected error on rejection")
	}
	if hits.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", hits.Load())
	}

	entry, _ := outbox.GetByMessage(ctx, "agent-1", "msg-1")
	if entry.Status != store.OutboxDead {
		t.Errorf("expected dead letter, got %s", entry.Status)
	}
}

func TestForwardExhaustionDeadLetters(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f, outbox := newTestForwarder(t, Config{DefaultURL: srv.URL, MaxAttempts: 2}, nil)

	if err := f.Forward(ctx, textMessage("msg-1", "agent-1")); err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	entry, _ := outbox.GetByMessage(ctx, "agent-1", "msg-1")
	if entry.Status != store.OutboxDead {
		t.Errorf("expected dead letter, got %s", entry.Status)
	}

	dead, err := outbox.ListDead(ctx, 10)
	if err != nil || len(dead) != 1 {
		t.Errorf("expected 1 dead letter, got %d (%v)", len(dead), err)
	}
}

func TestForwardURLResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("agent override wins over the default", func(t *testing.T) {
		var overrideHits atomic.Int32
		override := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			overrideHits.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		defer override.Close()

		dir := &fakeDirectory{agents: map[string]*store.AgentRecord{
			"agent-1": {ID: "agent-1", TenantID: "tenant-1", WebhookURL: override.URL},
		}}
		f, _ := newTestForwarder(t, Config{DefaultURL: "http://127.0.0.1:1/unused"}, dir)

		if err := f.Forward(ctx, textMessage("msg-1", "agent-1")); err != nil {
			t.Fatalf("Forward: %v", err)
		}
		if overrideHits.Load() != 1 {
			t.Error("override endpoint was not used")
		}
	})

	t.Run("no URL anywhere is a configuration error", func(t *testing.T) {
		f, outbox := newTestForwarder(t, Config{}, nil)

		if err := f.Forward(ctx, textMessage("msg-1", "agent-1")); err == nil {
			t.Fatal("expected configuration error")
		}
		entry, _ := outbox.GetByMessage(ctx, "agent-1", "msg-1")
		if entry != nil {
			t.Error("no outbox entry may be opened without a destination")
		}
	})
}
