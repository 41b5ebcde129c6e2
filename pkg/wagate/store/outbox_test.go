package store

import (
	"context"
	"testing"
)

func TestOutboxBegin(t *testing.T) {
	ctx := context.Background()
	outbox := NewOutbox(openTestDB(t))

	t.Run("first delivery opens a pending entry", func(t *testing.T) {
		e, err := outbox.Begin(ctx, "agent-1", "msg-1", "https://hooks.example/in")
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if e == nil {
			t.Fatal("expected entry")
		}
		if e.Status != OutboxPending {
			t.Errorf("expected pending, got %s", e.Status)
		}
	})

	t.Run("second delivery of the same pair is suppressed", func(t *testing.T) {
		e, err := outbox.Begin(ctx, "agent-1", "msg-1", "https://hooks.example/in")
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if e != nil {
			t.Error("duplicate delivery must return nil entry")
		}
	})

	t.Run("same message for another agent is a separate delivery", func(t *testing.T) {
		e, err := outbox.Begin(ctx, "agent-2", "msg-1", "https://hooks.example/in")
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if e == nil {
			t.Error("dedup key is (agent_id, message_id)")
		}
	})
}

func TestOutboxAttempts(t *testing.T) {
	ctx := context.Background()
	outbox := NewOutbox(openTestDB(t))

	e, err := outbox.Begin(ctx, "agent-1", "msg-1", "https://hooks.example/in")
	if err != nil || e == nil {
		t.Fatalf("Begin: %v %v", e, err)
	}

	if err := outbox.RecordAttempt(ctx, e.ID, OutboxFailed, "endpoint error: 503"); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := outbox.RecordAttempt(ctx, e.ID, OutboxDelivered, ""); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	got, err := outbox.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != OutboxDelivered {
		t.Errorf("expected delivered, got %s", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", got.Attempts)
	}
}

func TestOutboxDeadLetters(t *testing.T) {
	ctx := context.Background()
	outbox := NewOutbox(openTestDB(t))

	e, err := outbox.Begin(ctx, "agent-1", "msg-dead", "https://hooks.example/in")
	if err != nil || e == nil {
		t.Fatalf("Begin: %v %v", e, err)
	}
	if err := outbox.RecordAttempt(ctx, e.ID, OutboxDead, "retries exhausted"); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	dead, err := outbox.ListDead(ctx, 10)
	if err != nil {
		t.Fatalf("ListDead: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].MessageID != "msg-dead" || dead[0].LastError != "retries exhausted" {
		t.Errorf("unexpected dead letter %+v", dead[0])
	}

	t.Run("GetByMessage finds the entry", func(t *testing.T) {
		got, err := outbox.GetByMessage(ctx, "agent-1", "msg-dead")
		if err != nil {
			t.Fatalf("GetByMessage: %v", err)
		}
		if got == nil || got.ID != e.ID {
			t.Errorf("unexpected entry %+v", got)
		}
	})

	t.Run("GetByMessage misses cleanly", func(t *testing.T) {
		got, err := outbox.GetByMessage(ctx, "agent-1", "absent")
		if err != nil {
			t.Fatalf("GetByMessage: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil, got %+v", got)
		}
	})
}
