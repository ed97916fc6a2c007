package ws

import "encoding/json"

// Outbound frame types.
const (
	FramePing        = "ping"
	FrameSendMessage = "send_message"
	FrameEditMessage = "edit_message"
	FrameRead        = "read"
	FrameUnread      = "unread"
)

// Inbound event types. Each is also re-dispatched under event.Message.
const (
	EventMessageCreated = "message_created"
	EventMessageStream  = "message_stream"
	EventMessageUpdated = "message_updated"
	EventPong           = "pong"
)

// CloseCredentialExpired is the application close code the backend uses when
// the session credential is no longer accepted. 1008 (policy violation) is
// treated the same way.
const CloseCredentialExpired = 4401

// Frame is the outbound wire shape.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// InboundFrame is the inbound wire shape. Data is decoded lazily by the
// subscriber that knows the event type.
type InboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SendMessagePayload is the payload of a send_message frame.
type SendMessagePayload struct {
	ChatID        string `json:"chat_id"`
	Type          string `json:"type"`
	Text          string `json:"text"`
	AttachmentURL string `json:"attachment_url,omitempty"`
	ClientMsgID   string `json:"client_msg_id,omitempty"`
}

// EditMessagePayload is the payload of an edit_message frame.
type EditMessagePayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// ReceiptPayload is the payload of read and unread frames.
type ReceiptPayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// StreamData is the data of a message_stream event. ChatID is optional on the
// wire; when absent the fragment belongs to the active conversation.
type StreamData struct {
	ChatID string `json:"chat_id,omitempty"`
	Delta  string `json:"delta"`
}
