package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/supabase-community/supabase-go"
)

// SessionStatus is the persisted status of an agent session.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusQRPending    SessionStatus = "qr_pending"
	StatusConnecting   SessionStatus = "connecting"
	StatusConnected    SessionStatus = "connected"
	StatusDisconnected SessionStatus = "disconnected"
	StatusConflict     SessionStatus = "conflict"
)

// SessionRecord is the durable per-agent session record, keyed by agent id.
// Credentials is an opaque serialized blob; the gateway never interprets it.
type SessionRecord struct {
	AgentID         string        `json:"agent_id"`
	Status          SessionStatus `json:"status"`
	Active          bool          `json:"active"`
	PhoneNumber     string        `json:"phone_number"`
	QRCode          string        `json:"qr_code"`
	QRGeneratedAt   *time.Time    `json:"qr_generated_at"`
	Credentials     string        `json:"credentials"`
	LastConnectedAt *time.Time    `json:"last_connected_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// AgentRecord maps an agent to its owning tenant and optional webhook
// destination override.
type AgentRecord struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	WebhookURL string `json:"webhook_url"`
}

// SessionStore is the persisted session store. All writes are idempotent
// upserts keyed by agent id; the store is eventually consistent and used
// for cross-restart recovery and cross-instance isolation checks only.
type SessionStore interface {
	Upsert(ctx context.Context, rec *SessionRecord) error
	// Get returns nil (no error) when no record exists.
	Get(ctx context.Context, agentID string) (*SessionRecord, error)
	SetStatus(ctx context.Context, agentID string, status SessionStatus, active bool) error
	// MarkConnected sets the connected status and stamps the phone number
	// and last connection time in one write.
	MarkConnected(ctx context.Context, agentID, phone string) error
	SaveCredentials(ctx context.Context, agentID, blob string) error
	// ClearCredentials nulls the blob and applies the given terminal status.
	ClearCredentials(ctx context.Context, agentID string, status SessionStatus) error
	SetQR(ctx context.Context, agentID, code string, at time.Time) error
	ClearQR(ctx context.Context, agentID string) error
	// ClearStaleQR removes QR codes generated before the cutoff.
	ClearStaleQR(ctx context.Context, cutoff time.Time) error
	ListActive(ctx context.Context) ([]*SessionRecord, error)
	// FindActiveByPhone returns an active record for the phone number owned
	// by a different agent, or nil.
	FindActiveByPhone(ctx context.Context, phone, excludeAgentID string) (*SessionRecord, error)
}

// AgentDirectory resolves agents to tenants and webhook overrides.
type AgentDirectory interface {
	GetAgent(ctx context.Context, agentID string) (*AgentRecord, error)
}

// Supabase implements SessionStore and AgentDirectory on a Supabase project.
type Supabase struct {
	client        *supabase.Client
	sessionsTable string
	agentsTable   string

	cacheTTL time.Duration
	mu       sync.RWMutex
	agents   map[string]agentCacheEntry
}

type agentCacheEntry struct {
	rec       *AgentRecord
	expiresAt time.Time
}

// SupabaseConfig holds connection settings for the persisted store.
type SupabaseConfig struct {
	URL           string
	APIKey        string
	SessionsTable string
	AgentsTable   string
	CacheTTL      time.Duration
}

// NewSupabase creates the persisted store client.
func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	if cfg.SessionsTable == "" {
		cfg.SessionsTable = "wa_sessions"
	}
	if cfg.AgentsTable == "" {
		cfg.AgentsTable = "wa_agents"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating supabase client: %w", err)
	}

	return &Supabase{
		client:        client,
		sessionsTable: cfg.SessionsTable,
		agentsTable:   cfg.AgentsTable,
		cacheTTL:      cfg.CacheTTL,
		agents:        make(map[string]agentCacheEntry),
	}, nil
}

// Client exposes the underlying supabase client (storage access).
func (s *Supabase) Client() *supabase.Client {
	return s.client
}

// Upsert writes the full record, keyed by agent id.
func (s *Supabase) Upsert(ctx context.Context, rec *SessionRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	_, _, err := s.client.From(s.sessionsTable).
		Upsert(rec, "agent_id", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("upsert session %q: %w", rec.AgentID, err)
	}
	return nil
}

// Get returns the record for an agent, or nil when absent.
func (s *Supabase) Get(ctx context.Context, agentID string) (*SessionRecord, error) {
	var recs []SessionRecord
	_, err := s.client.From(s.sessionsTable).
		Select("*", "", false).
		Eq("agent_id", agentID).
		ExecuteTo(&recs)
	if err != nil {
		return nil, fmt.Errorf("get session %q: %w", agentID, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// SetStatus updates only the status/active columns.
func (s *Supabase) SetStatus(ctx context.Context, agentID string, status SessionStatus, active bool) error {
	return s.patch(agentID, map[string]any{
		"status": string(status),
		"active": active,
	})
}

// MarkConnected records a successful connection.
func (s *Supabase) MarkConnected(ctx context.Context, agentID, phone string) error {
	values := map[string]any{
		"status":            string(StatusConnected),
		"active":            true,
		"last_connected_at": time.Now().UTC().Format(time.RFC3339Nano),
		"qr_code":           nil,
		"qr_generated_at":   nil,
	}
	if phone != "" {
		values["phone_number"] = phone
	}
	return s.patch(agentID, values)
}

// SaveCredentials mirrors the opaque blob.
func (s *Supabase) SaveCredentials(ctx context.Context, agentID, blob string) error {
	return s.patch(agentID, map[string]any{
		"credentials": blob,
	})
}

// ClearCredentials nulls the blob alongside a terminal status transition,
// so a later restore can never trust stale key material.
func (s *Supabase) ClearCredentials(ctx context.Context, agentID string, status SessionStatus) error {
	return s.patch(agentID, map[string]any{
		"credentials": nil,
		"status":      string(status),
		"active":      false,
	})
}

// SetQR records the currently surfaced QR code.
func (s *Supabase) SetQR(ctx context.Context, agentID, code string, at time.Time) error {
	return s.patch(agentID, map[string]any{
		"qr_code":         code,
		"qr_generated_at": at.UTC().Format(time.RFC3339Nano),
		"status":          string(StatusQRPending),
	})
}

// ClearQR removes the surfaced QR code.
func (s *Supabase) ClearQR(ctx context.Context, agentID string) error {
	return s.patch(agentID, map[string]any{
		"qr_code":         nil,
		"qr_generated_at": nil,
	})
}

// ClearStaleQR removes QR codes generated before the cutoff, so status
// pollers are never served a code that can no longer be scanned.
func (s *Supabase) ClearStaleQR(ctx context.Context, cutoff time.Time) error {
	_, _, err := s.client.From(s.sessionsTable).
		Update(map[string]any{
			"qr_code":         nil,
			"qr_generated_at": nil,
		}, "", "").
		Lt("qr_generated_at", cutoff.UTC().Format(time.RFC3339Nano)).
		Execute()
	if err != nil {
		return fmt.Errorf("clear stale QR codes: %w", err)
	}
	return nil
}

// ListActive returns every record marked active, for boot-time restore.
func (s *Supabase) ListActive(ctx context.Context) ([]*SessionRecord, error) {
	var recs []SessionRecord
	_, err := s.client.From(s.sessionsTable).
		Select("*", "", false).
		Eq("active", "true").
		ExecuteTo(&recs)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	out := make([]*SessionRecord, len(recs))
	for i := range recs {
		out[i] = &recs[i]
	}
	return out, nil
}

// FindActiveByPhone looks for a conflicting active session on another agent.
func (s *Supabase) FindActiveByPhone(ctx context.Context, phone, excludeAgentID string) (*SessionRecord, error) {
	if phone == "" {
		return nil, nil
	}
	var recs []SessionRecord
	_, err := s.client.From(s.sessionsTable).
		Select("*", "", false).
		Eq("phone_number", phone).
		Eq("active", "true").
		Neq("agent_id", excludeAgentID).
		ExecuteTo(&recs)
	if err != nil {
		return nil, fmt.Errorf("phone isolation check: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// GetAgent resolves an agent record, with TTL caching.
func (s *Supabase) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	s.mu.RLock()
	if e, ok := s.agents[agentID]; ok && time.Now().Before(e.expiresAt) {
		s.mu.RUnlock()
		return e.rec, nil
	}
	s.mu.RUnlock()

	var recs []AgentRecord
	_, err := s.client.From(s.agentsTable).
		Select("*", "", false).
		Eq("id", agentID).
		ExecuteTo(&recs)
	if err != nil {
		return nil, fmt.Errorf("get agent %q: %w", agentID, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("agent %q not found", agentID)
	}

	rec := &recs[0]
	s.mu.Lock()
	s.agents[agentID] = agentCacheEntry{rec: rec, expiresAt: time.Now().Add(s.cacheTTL)}
	s.mu.Unlock()
	return rec, nil
}

// patch applies a partial update keyed by agent id.
func (s *Supabase) patch(agentID string, values map[string]any) error {
	values["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	_, _, err := s.client.From(s.sessionsTable).
		Update(values, "", "").
		Eq("agent_id", agentID).
		Execute()
	if err != nil {
		return fmt.Errorf("update session %q: %w", agentID, err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ SessionStore   = (*Supabase)(nil)
	_ AgentDirectory = (*Supabase)(nil)
)
