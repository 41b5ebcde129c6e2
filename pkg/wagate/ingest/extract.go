package ingest

import (
	"go.mau.fi/whatsmeow/types"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/jholhewres/wagate/pkg/wagate/store"
)

// dropReason explains why a message was filtered out; used only for logs.
type dropReason string

const (
	dropNone        dropReason = ""
	dropOwnEcho     dropReason = "own_echo"
	dropEmptyChat   dropReason = "empty_chat"
	dropGroup       dropReason = "group"
	dropBroadcast   dropReason = "broadcast"
	dropNewsletter  dropReason = "newsletter"
	dropUnsupported dropReason = "unsupported_chat"
	dropControl     dropReason = "control_message"
)

// filterDrop applies the chat-level filter: only direct user chats pass.
// Group, broadcast (including status updates), newsletter and any other
// server form are dropped, as are the gateway's own outbound echoes.
func filterDrop(info *types.MessageInfo) dropReason {
	if info.IsFromMe {
		return dropOwnEcho
	}
	if info.Chat.User == "" {
		return dropEmptyChat
	}
	switch info.Chat.Server {
	case types.GroupServer:
		return dropGroup
	case types.BroadcastServer:
		return dropBroadcast
	case types.NewsletterServer:
		return dropNewsletter
	case types.DefaultUserServer, types.HiddenUserServer:
		return dropNone
	default:
		return dropUnsupported
	}
}

// Extracted is the normalized content of one accepted message.
type Extracted struct {
	Type    store.MessageType
	Content string
	// Audio is set for voice notes; the payload is resolved by the media
	// processor, not here.
	Audio *waE2E.AudioMessage
}

// extract unwraps envelope messages and normalizes the payload. A zero
// Type means the message carries no user-facing content (protocol and
// control traffic) and is dropped.
func extract(msg *waE2E.Message) Extracted {
	m := unwrap(msg)
	if m == nil {
		return Extracted{}
	}

	switch {
	case m.GetConversation() != "":
		return Extracted{Type: store.MessageText, Content: m.GetConversation()}

	case m.GetExtendedTextMessage().GetText() != "":
		return Extracted{Type: store.MessageText, Content: m.GetExtendedTextMessage().GetText()}

	case m.GetAudioMessage() != nil:
		return Extracted{Type: store.MessageAudio, Audio: m.GetAudioMessage()}

	case m.GetImageMessage() != nil:
		return Extracted{Type: store.MessageOther, Content: captionOr(m.GetImageMessage().GetCaption(), "[image]")}

	case m.GetVideoMessage() != nil:
		return Extracted{Type: store.MessageOther, Content: captionOr(m.GetVideoMessage().GetCaption(), "[video]")}

	case m.GetDocumentMessage() != nil:
		return Extracted{Type: store.MessageOther, Content: captionOr(m.GetDocumentMessage().GetCaption(), "[document]")}

	case m.GetStickerMessage() != nil:
		return Extracted{Type: store.MessageOther, Content: "[sticker]"}

	case m.GetContactMessage() != nil:
		return Extracted{Type: store.MessageOther, Content: "[contact]"}

	case m.GetLocationMessage() != nil:
		return Extracted{Type: store.MessageOther, Content: "[location]"}

	case isControl(m):
		return Extracted{}

	default:
		return Extracted{Type: store.MessageOther, Content: "[unsupported]"}
	}
}

// unwrap peels envelope layers (ephemeral, view-once, captioned document)
// down to the inner payload.
func unwrap(m *waE2E.Message) *waE2E.Message {
	for m != nil {
		switch {
		case m.GetEphemeralMessage().GetMessage() != nil:
			m = m.GetEphemeralMessage().GetMessage()
		case m.GetViewOnceMessage().GetMessage() != nil:
			m = m.GetViewOnceMessage().GetMessage()
		case m.GetViewOnceMessageV2().GetMessage() != nil:
			m = m.GetViewOnceMessageV2().GetMessage()
		case m.GetViewOnceMessageV2Extension().GetMessage() != nil:
			m = m.GetViewOnceMessageV2Extension().GetMessage()
		case m.GetDocumentWithCaptionMessage().GetMessage() != nil:
			m = m.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return m
		}
	}
	return m
}

// isControl reports whether the message is pure protocol traffic with no
// user-facing content.
func isControl(m *waE2E.Message) bool {
	return m.GetProtocolMessage() != nil ||
		m.GetReactionMessage() != nil ||
		m.GetPollCreationMessage() != nil ||
		m.GetPollUpdateMessage() != nil ||
		m.GetSenderKeyDistributionMessage() != nil
}

func captionOr(caption, placeholder string) string {
	if caption != "" {
		return caption
	}
	return placeholder
}
