package whatsapp

import (
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// quotedRef identifies an inbound message to quote in a reply.
type quotedRef struct {
	// StanzaID is the id of the message being quoted.
	StanzaID string

	// Participant is the JID of the quoted message's author.
	Participant string

	// Message is the quoted message body.
	Message *waE2E.Message
}

// buildTextMessage constructs an outbound text message. With a quote it
// becomes an extended text message carrying the reply context.
func buildTextMessage(text string, quote *quotedRef) *waE2E.Message {
	if quote == nil {
		return &waE2E.Message{
			Conversation: proto.String(text),
		}
	}

	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(quote.StanzaID),
				Participant:   proto.String(quote.Participant),
				QuotedMessage: quote.Message,
			},
		},
	}
}

// extractText pulls the usable text out of an inbound message: plain
// conversation, extended text, or an image/video caption. Anything else
// yields "" and the message is ignored.
func extractText(waMsg *waE2E.Message) string {
	if waMsg == nil {
		return ""
	}
	if waMsg.Conversation != nil {
		return waMsg.GetConversation()
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	if img := waMsg.ImageMessage; img != nil {
		return img.GetCaption()
	}
	if vid := waMsg.VideoMessage; vid != nil {
		return vid.GetCaption()
	}
	return ""
}
