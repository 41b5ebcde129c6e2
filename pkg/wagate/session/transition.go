package session

import (
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/store"
)

// EventKind is the kind of an internal lifecycle event. Protocol events are
// mapped onto these at a single translation point (translate.go) so the
// transition logic below has no dependency on the protocol client.
type EventKind string

const (
	// EventQR carries a freshly issued pairing code.
	EventQR EventKind = "qr"
	// EventPairSuccess fires when a QR scan completes the handshake.
	EventPairSuccess EventKind = "pair_success"
	// EventConnected fires when the socket reaches the connected state.
	EventConnected EventKind = "connected"
	// EventClose fires for every connection teardown; Close carries the
	// policy class derived from the close code.
	EventClose EventKind = "close"
)

// CloseClass is the policy class of a connection close, per the close-code
// translation table.
type CloseClass string

const (
	// CloseConflict: logged out elsewhere / stream replaced. Credentials are
	// wiped locally and remotely and the session does not auto-retry.
	CloseConflict CloseClass = "conflict"
	// ClosePrePairing: transient failure before pairing completed. Local
	// credentials are wiped to force fresh pairing; retry is user-triggered.
	ClosePrePairing CloseClass = "pre_pairing"
	// CloseRestartRequired: expected close right after a successful
	// handshake. Credentials are preserved and one automatic reconnect is
	// scheduled after a short fixed delay.
	CloseRestartRequired CloseClass = "restart_required"
	// CloseRetryable: any other close. Credentials are kept and the session
	// stays eligible for boot-time restore.
	CloseRetryable CloseClass = "retryable"
)

// Event is one internal lifecycle event.
type Event struct {
	Kind        EventKind
	QRCode      string
	PhoneNumber string
	Close       CloseClass
	Reason      string
}

// Snapshot is the slice of session state the transition function reads.
type Snapshot struct {
	State         State
	PhoneNumber   string
	QRCode        string
	QRGeneratedAt time.Time
	JustPaired    bool
}

// EffectKind enumerates the side effects a transition can request. The
// Manager executes them; the transition function itself performs no I/O.
type EffectKind string

const (
	// EffectPersistStatus upserts the persisted record's status/active pair.
	EffectPersistStatus EffectKind = "persist_status"
	// EffectSurfaceQR records the accepted QR in the persisted store and
	// notifies subscribers.
	EffectSurfaceQR EffectKind = "surface_qr"
	// EffectClearQR removes the QR from registry and persisted store.
	EffectClearQR EffectKind = "clear_qr"
	// EffectMirrorCredentials snapshots local credentials to the persisted
	// store (asynchronous, failure never fatal).
	EffectMirrorCredentials EffectKind = "mirror_credentials"
	// EffectWipeCredentials clears local credentials; Remote additionally
	// nulls the persisted blob alongside the terminal status.
	EffectWipeCredentials EffectKind = "wipe_credentials"
	// EffectScheduleReconnect schedules the single automatic reconnect.
	EffectScheduleReconnect EffectKind = "schedule_reconnect"
	// EffectTeardown detaches handlers and discards the socket handle.
	EffectTeardown EffectKind = "teardown"
	// EffectNotify emits a subscriber notification.
	EffectNotify EffectKind = "notify"
)

// Effect is one side effect requested by a transition.
type Effect struct {
	Kind   EffectKind
	Status store.SessionStatus
	Active bool
	Remote bool
	Delay  time.Duration
	Notify Notification
}

// Apply is the transition function of the lifecycle state machine: given the
// current snapshot and an event it returns the next snapshot and the side
// effects to execute. It is pure, which keeps the policy testable
// independent of goroutines and the protocol client.
func Apply(s Snapshot, ev Event, now time.Time, qrWindow time.Duration) (Snapshot, []Effect) {
	switch ev.Kind {
	case EventQR:
		return applyQR(s, ev, now, qrWindow)
	case EventPairSuccess:
		return applyPairSuccess(s, ev, now)
	case EventConnected:
		return applyConnected(s, ev, now)
	case EventClose:
		return applyClose(s, ev, now)
	default:
		return s, nil
	}
}

// applyQR enforces the issuance gate: the first code accepted in the
// stability window is immutable, later reissues are dropped silently.
func applyQR(s Snapshot, ev Event, now time.Time, qrWindow time.Duration) (Snapshot, []Effect) {
	if s.QRCode != "" && now.Sub(s.QRGeneratedAt) < qrWindow {
		return s, nil
	}

	next := s
	next.State = StateQRPending
	next.QRCode = ev.QRCode
	next.QRGeneratedAt = now

	return next, []Effect{
		{Kind: EffectSurfaceQR},
		{Kind: EffectPersistStatus, Status: persistedStatus(StateQRPending), Active: true},
		{Kind: EffectNotify, Notify: Notification{Type: "qr", State: StateQRPending, QRCode: ev.QRCode, Timestamp: now}},
	}
}

func applyPairSuccess(s Snapshot, ev Event, now time.Time) (Snapshot, []Effect) {
	next := s
	next.State = StateConnecting
	next.PhoneNumber = ev.PhoneNumber
	next.JustPaired = true
	next.QRCode = ""
	next.QRGeneratedAt = time.Time{}

	return next, []Effect{
		{Kind: EffectClearQR},
		{Kind: EffectMirrorCredentials},
		{Kind: EffectPersistStatus, Status: persistedStatus(StateConnecting), Active: true},
		{Kind: EffectNotify, Notify: Notification{Type: "status", State: StateConnecting, Timestamp: now}},
	}
}

func applyConnected(s Snapshot, ev Event, now time.Time) (Snapshot, []Effect) {
	next := s
	next.State = StateConnected
	if ev.PhoneNumber != "" {
		next.PhoneNumber = ev.PhoneNumber
	}
	next.QRCode = ""
	next.QRGeneratedAt = time.Time{}
	// The pairing window ends here: a later connection loss is an ordinary
	// retryable close, not the expected post-pairing restart.
	next.JustPaired = false

	return next, []Effect{
		{Kind: EffectClearQR},
		{Kind: EffectMirrorCredentials},
		{Kind: EffectPersistStatus, Status: persistedStatus(StateConnected), Active: true},
		{Kind: EffectNotify, Notify: Notification{Type: "connected", State: StateConnected, Timestamp: now}},
	}
}

// applyClose routes a teardown through the close-code policy. The pairing
// window flag is consumed here: restart-required only counts once.
func applyClose(s Snapshot, ev Event, now time.Time) (Snapshot, []Effect) {
	next := s
	next.QRCode = ""
	next.QRGeneratedAt = time.Time{}
	next.JustPaired = false

	switch ev.Close {
	case CloseConflict:
		next.State = StateClosedConflict
		return next, []Effect{
			{Kind: EffectClearQR},
			{Kind: EffectWipeCredentials, Remote: true},
			{Kind: EffectTeardown},
			{Kind: EffectNotify, Notify: Notification{Type: "disconnected", State: StateClosedConflict, Reason: ev.Reason, Timestamp: now}},
		}

	case ClosePrePairing:
		next.State = StateClosedFatal
		return next, []Effect{
			{Kind: EffectClearQR},
			{Kind: EffectWipeCredentials, Remote: false},
			{Kind: EffectPersistStatus, Status: persistedStatus(StateClosedFatal), Active: false},
			{Kind: EffectTeardown},
			{Kind: EffectNotify, Notify: Notification{Type: "disconnected", State: StateClosedFatal, Reason: ev.Reason, Timestamp: now}},
		}

	case CloseRestartRequired:
		next.State = StateClosedRetryable
		return next, []Effect{
			{Kind: EffectClearQR},
			{Kind: EffectPersistStatus, Status: persistedStatus(StateClosedRetryable), Active: true},
			{Kind: EffectScheduleReconnect},
			{Kind: EffectNotify, Notify: Notification{Type: "status", State: StateClosedRetryable, Reason: ev.Reason, Timestamp: now}},
		}

	default: // CloseRetryable
		next.State = StateClosedRetryable
		return next, []Effect{
			{Kind: EffectClearQR},
			{Kind: EffectPersistStatus, Status: persistedStatus(StateClosedRetryable), Active: true},
			{Kind: EffectNotify, Notify: Notification{Type: "disconnected", State: StateClosedRetryable, Reason: ev.Reason, Timestamp: now}},
		}
	}
}
