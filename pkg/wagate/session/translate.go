package session

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Translate maps a raw protocol event onto an internal lifecycle Event.
// This is the single place that knows the protocol client's event and
// close-code taxonomy; a protocol-client upgrade that changes the taxonomy
// is absorbed here. The second return is false for events the state machine
// does not consume (receipts, presence, message traffic, ...).
//
// justPaired distinguishes the expected restart-required close right after
// a successful handshake from an ordinary connection loss.
func Translate(raw any, justPaired bool) (Event, bool) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		return Event{
			Kind:        EventPairSuccess,
			PhoneNumber: evt.ID.User,
		}, true

	case *events.Connected:
		return Event{Kind: EventConnected}, true

	case *events.LoggedOut:
		// Logged out elsewhere: the account revoked this device.
		return Event{
			Kind:   EventClose,
			Close:  CloseConflict,
			Reason: ReasonConflict,
		}, true

	case *events.StreamReplaced:
		// Another process opened a session with the same credentials.
		return Event{
			Kind:   EventClose,
			Close:  CloseConflict,
			Reason: ReasonConflict,
		}, true

	case *events.Disconnected:
		if justPaired {
			return Event{
				Kind:   EventClose,
				Close:  CloseRestartRequired,
				Reason: ReasonRestartRequired,
			}, true
		}
		return Event{
			Kind:   EventClose,
			Close:  CloseRetryable,
			Reason: ReasonConnectionLost,
		}, true

	case *events.ConnectFailure:
		if !justPaired && evt.Reason.IsLoggedOut() {
			return Event{
				Kind:   EventClose,
				Close:  CloseConflict,
				Reason: ReasonSessionCorrupt,
			}, true
		}
		return Event{
			Kind:   EventClose,
			Close:  CloseRetryable,
			Reason: fmt.Sprintf("connect_failure_%d", int(evt.Reason)),
		}, true

	case *events.TemporaryBan:
		return Event{
			Kind:   EventClose,
			Close:  CloseRetryable,
			Reason: ReasonTemporaryBan,
		}, true

	case *events.StreamError:
		return Event{
			Kind:   EventClose,
			Close:  CloseRetryable,
			Reason: "stream_error_" + evt.Code,
		}, true

	case *events.ClientOutdated:
		return Event{
			Kind:   EventClose,
			Close:  CloseRetryable,
			Reason: "client_outdated",
		}, true
	}

	return Event{}, false
}

// QRIssued builds the internal event for a pairing code delivered on the
// QR channel.
func QRIssued(code string) Event {
	return Event{Kind: EventQR, QRCode: code}
}

// QRTimedOut builds the close event for an expired, unscanned pairing
// attempt. Pre-pairing failures wipe local credentials so the next
// initialize starts a fresh pairing.
func QRTimedOut() Event {
	return Event{Kind: EventClose, Close: ClosePrePairing, Reason: ReasonQRTimeout}
}

// PairingFailed builds the close event for a pairing attempt that errored
// before completing.
func PairingFailed(err error) Event {
	return Event{Kind: EventClose, Close: ClosePrePairing, Reason: ReasonPairingFailed}
}

// ParseJID converts a recipient string into a protocol JID. Accepts a bare
// phone number ("5511999999999") or a full JID ("5511999999999@s.whatsapp.net").
func ParseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
