// Package session implements the per-agent connection lifecycle controller
// for the gateway: the session registry, the pairing/restore state machine,
// the QR issuance gate, and credential synchronization between the local
// durable store and the persisted session store.
package session

import (
	"errors"
	"time"

	"go.mau.fi/whatsmeow"

	"github.com/jholhewres/wagate/pkg/wagate/store"
)

// State is the in-memory lifecycle state of an agent session.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateInitializing    State = "initializing"
	StateQRPending       State = "qr_pending"
	StateRestoring       State = "restoring"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateClosedRetryable State = "closed_retryable"
	StateClosedConflict  State = "closed_conflict"
	StateClosedFatal     State = "closed_fatal"
)

// Failure reasons surfaced by GetStatus. A caller must be able to tell
// "awaiting scan" from "conflict" from "connecting", so status queries
// never collapse these into a bare "disconnected".
const (
	ReasonNone             = ""
	ReasonAwaitingScan     = "awaiting_scan"
	ReasonNetworkFailure   = "network_unreachable"
	ReasonConflict         = "conflict"
	ReasonRestartRequired  = "restart_required"
	ReasonSessionCorrupt   = "session_corrupt"
	ReasonPairingFailed    = "pairing_failed"
	ReasonQRTimeout        = "qr_timeout"
	ReasonConnectionLost   = "connection_lost"
	ReasonTemporaryBan     = "temporary_ban"
)

// Sentinel errors for the lifecycle operations.
var (
	// ErrNetworkUnreachable means the reachability preflight failed; the
	// attempt was aborted instead of waiting for a protocol-level timeout.
	ErrNetworkUnreachable = errors.New("protocol service unreachable")

	// ErrSessionConflict means the phone number is already active on a
	// different agent.
	ErrSessionConflict = errors.New("phone number active on another session")

	// ErrCooldownActive means initialize was called again before the
	// per-agent cooldown elapsed.
	ErrCooldownActive = errors.New("initialize cooldown active")

	// ErrSessionNotFound means no session exists for the agent.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotConnected means the session exists but is not connected.
	ErrNotConnected = errors.New("session not connected")
)

// AgentSession is the registry entry for one agent. All fields are guarded
// by the Manager's lock; nothing outside the Manager mutates a session.
type AgentSession struct {
	AgentID string

	client    *whatsmeow.Client
	handlerID uint32

	State         State
	PhoneNumber   string
	QRCode        string
	QRGeneratedAt time.Time
	QRAttempts    int
	LastActivity  time.Time
	FailureReason string
	CreatedAt     time.Time
	ConnectedAt   time.Time

	// justPaired marks the window right after a successful handshake in
	// which a close is interpreted as the expected restart-required signal.
	justPaired bool

	// reconnectScheduled guards the single automatic reconnect after a
	// restart-required close.
	reconnectScheduled bool
}

// snapshot captures the fields the pure transition function operates on.
func (s *AgentSession) snapshot() Snapshot {
	return Snapshot{
		State:         s.State,
		PhoneNumber:   s.PhoneNumber,
		QRCode:        s.QRCode,
		QRGeneratedAt: s.QRGeneratedAt,
		JustPaired:    s.justPaired,
	}
}

// applySnapshot writes a transition result back into the registry entry.
func (s *AgentSession) applySnapshot(next Snapshot, now time.Time) {
	s.State = next.State
	s.PhoneNumber = next.PhoneNumber
	s.QRCode = next.QRCode
	s.QRGeneratedAt = next.QRGeneratedAt
	s.justPaired = next.JustPaired
	s.LastActivity = now
	if next.State == StateConnected && s.ConnectedAt.IsZero() {
		s.ConnectedAt = now
	}
}

// StatusInfo is the answer to a status query.
type StatusInfo struct {
	AgentID       string              `json:"agent_id"`
	Connected     bool                `json:"connected"`
	Status        store.SessionStatus `json:"status"`
	QRCode        string              `json:"qr_code,omitempty"`
	PhoneNumber   string              `json:"phone_number,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
}

// Notification is emitted to per-agent subscribers.
type Notification struct {
	Type      string    `json:"type"` // "status", "qr", "connected", "disconnected"
	AgentID   string    `json:"agent_id"`
	State     State     `json:"state"`
	QRCode    string    `json:"qr_code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// persistedStatus maps an in-memory state onto the persisted status enum.
func persistedStatus(s State) store.SessionStatus {
	switch s {
	case StateInitializing, StateRestoring:
		return store.StatusInitializing
	case StateQRPending:
		return store.StatusQRPending
	case StateConnecting:
		return store.StatusConnecting
	case StateConnected:
		return store.StatusConnected
	case StateClosedConflict:
		return store.StatusConflict
	default:
		return store.StatusDisconnected
	}
}
