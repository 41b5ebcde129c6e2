package session

import (
	"context"
	"encoding/base64"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/store"
)

// fakeSessionStore is an in-memory SessionStore for tests.
type fakeSessionStore struct {
	mu   sync.Mutex
	recs map[string]*store.SessionRecord
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{recs: make(map[string]*store.SessionRecord)}
}

func (f *fakeSessionStore) get(agentID string) *store.SessionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs[agentID]
}

func (f *fakeSessionStore) ensure(agentID string) *store.SessionRecord {
	if rec, ok := f.recs[agentID]; ok {
		return rec
	}
	rec := &store.SessionRecord{AgentID: agentID}
	f.recs[agentID] = rec
	return rec
}

func (f *fakeSessionStore) Upsert(_ context.Context, rec *store.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.recs[rec.AgentID] = &cp
	return nil
}

func (f *fakeSessionStore) Get(_ context.Context, agentID string) (*store.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[agentID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeSessionStore) SetStatus(_ context.Context, agentID string, status store.SessionStatus, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.ensure(agentID)
	rec.Status = status
	rec.Active = active
	return nil
}

func (f *fakeSessionStore) MarkConnected(_ context.Context, agentID, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.ensure(agentID)
	rec.Status = store.StatusConnected
	rec.Active = true
	if phone != "" {
		rec.PhoneNumber = phone
	}
	now := time.Now()
	rec.LastConnectedAt = &now
	rec.QRCode = ""
	rec.QRGeneratedAt = nil
	return nil
}

func (f *fakeSessionStore) SaveCredentials(_ context.Context, agentID, blob string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure(agentID).Credentials = blob
	return nil
}

func (f *fakeSessionStore) ClearCredentials(_ context.Context, agentID string, status store.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.ensure(agentID)
	rec.Credentials = ""
	rec.Status = status
	rec.Active = false
	return nil
}

func (f *fakeSessionStore) SetQR(_ context.Context, agentID, code string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.ensure(agentID)
	rec.QRCode = code
	rec.QRGeneratedAt = &at
	rec.Status = store.StatusQRPending
	return nil
}

func (f *fakeSessionStore) ClearQR(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.ensure(agentID)
	rec.QRCode = ""
	rec.QRGeneratedAt = nil
	return nil
}

func (f *fakeSessionStore) ClearStaleQR(_ context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.recs {
		if rec.QRGeneratedAt != nil && rec.QRGeneratedAt.Before(cutoff) {
			rec.QRCode = ""
			rec.QRGeneratedAt = nil
		}
	}
	return nil
}

func (f *fakeSessionStore) ListActive(_ context.Context) ([]*store.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.SessionRecord
	for _, rec := range f.recs {
		if rec.Active {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) FindActiveByPhone(_ context.Context, phone, excludeAgentID string) (*store.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.recs {
		if rec.Active && rec.PhoneNumber == phone && rec.AgentID != excludeAgentID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

var _ store.SessionStore = (*fakeSessionStore)(nil)

func TestCredentialMirrorAndRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("mirror snapshots the local file as base64", func(t *testing.T) {
		remote := newFakeSessionStore()
		creds := NewCredentialStore(t.TempDir(), remote, nil)
		if err := creds.EnsureDir(); err != nil {
			t.Fatalf("EnsureDir: %v", err)
		}

		payload := []byte("credential-bytes")
		if err := os.WriteFile(creds.LocalPath("agent-1"), payload, 0600); err != nil {
			t.Fatalf("writing local file: %v", err)
		}

		creds.Mirror(ctx, "agent-1")

		rec := remote.get("agent-1")
		if rec == nil || rec.Credentials == "" {
			t.Fatal("expected mirrored blob")
		}
		decoded, err := base64.StdEncoding.DecodeString(rec.Credentials)
		if err != nil {
			t.Fatalf("blob is not base64: %v", err)
		}
		if string(decoded) != string(payload) {
			t.Errorf("blob mismatch: %q", decoded)
		}
	})

	t.Run("restore materializes the blob locally", func(t *testing.T) {
		remote := newFakeSessionStore()
		remote.Upsert(ctx, &store.SessionRecord{
			AgentID:     "agent-1",
			Status:      store.StatusConnected,
			Active:      true,
			Credentials: base64.StdEncoding.EncodeToString([]byte("restored")),
		})
		creds := NewCredentialStore(t.TempDir(), remote, nil)

		rec, err := remote.Get(ctx, "agent-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		ok, err := creds.Restore(ctx, "agent-1", rec)
		if err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if !ok {
			t.Fatal("expected restore to succeed")
		}
		data, err := os.ReadFile(creds.LocalPath("agent-1"))
		if err != nil {
			t.Fatalf("reading restored file: %v", err)
		}
		if string(data) != "restored" {
			t.Errorf("restored content mismatch: %q", data)
		}
	})

	t.Run("restore refuses conflict-status records", func(t *testing.T) {
		remote := newFakeSessionStore()
		remote.Upsert(ctx, &store.SessionRecord{
			AgentID:     "agent-1",
			Status:      store.StatusConflict,
			Credentials: base64.StdEncoding.EncodeToString([]byte("stale")),
		})
		creds := NewCredentialStore(t.TempDir(), remote, nil)

		// The record is read before the attempt is marked on it; flipping
		// the stored status afterwards must not hide the conflict.
		rec, err := remote.Get(ctx, "agent-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if err := remote.SetStatus(ctx, "agent-1", store.StatusInitializing, true); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}

		ok, err := creds.Restore(ctx, "agent-1", rec)
		if err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if ok {
			t.Fatal("conflict credentials must not be restored")
		}
		if creds.HasLocal("agent-1") {
			t.Error("no local file may be written")
		}
		if rec := remote.get("agent-1"); rec.Credentials != "" {
			t.Error("stale remnants must be cleared")
		}
	})

	t.Run("restore treats a corrupt blob as untrusted", func(t *testing.T) {
		remote := newFakeSessionStore()
		remote.Upsert(ctx, &store.SessionRecord{
			AgentID:     "agent-1",
			Status:      store.StatusConnected,
			Active:      true,
			Credentials: "%%% not base64 %%%",
		})
		creds := NewCredentialStore(t.TempDir(), remote, nil)

		rec, err := remote.Get(ctx, "agent-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		ok, err := creds.Restore(ctx, "agent-1", rec)
		if err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if ok {
			t.Fatal("corrupt blob must not restore")
		}
		if rec := remote.get("agent-1"); rec.Credentials != "" {
			t.Error("corrupt blob must be cleared")
		}
	})

	t.Run("restore with no record is a clean miss", func(t *testing.T) {
		creds := NewCredentialStore(t.TempDir(), newFakeSessionStore(), nil)
		ok, err := creds.Restore(ctx, "agent-1", nil)
		if err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if ok {
			t.Error("expected miss")
		}
	})
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	remote := newFakeSessionStore()
	remote.Upsert(ctx, &store.SessionRecord{
		AgentID:     "agent-1",
		Status:      store.StatusConnected,
		Active:      true,
		Credentials: "blob",
	})
	creds := NewCredentialStore(t.TempDir(), remote, nil)
	if err := creds.EnsureDir(); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if err := os.WriteFile(creds.LocalPath("agent-1"), []byte("x"), 0600); err != nil {
		t.Fatalf("writing local file: %v", err)
	}

	creds.ClearAll(ctx, "agent-1", store.StatusDisconnected)

	if creds.HasLocal("agent-1") {
		t.Error("local credentials must be gone")
	}
	rec := remote.get("agent-1")
	if rec.Credentials != "" {
		t.Error("persisted blob must be nulled")
	}
	if rec.Status != store.StatusDisconnected || rec.Active {
		t.Errorf("expected disconnected/inactive, got %s/%v", rec.Status, rec.Active)
	}
}
