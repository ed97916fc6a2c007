package chat

import "time"

// Lifecycle tracks a message from optimistic insertion to confirmation.
type Lifecycle string

const (
	// LifecyclePending marks a locally-inserted message awaiting server
	// confirmation, shown with a loading indicator.
	LifecyclePending Lifecycle = "optimistic-pending"
	// LifecycleUnconfirmed marks an optimistic message whose confirmation
	// wait timed out. It stays visible; the send may still have succeeded.
	LifecycleUnconfirmed Lifecycle = "optimistic-unconfirmed"
	// LifecycleConfirmed marks a server-confirmed message.
	LifecycleConfirmed Lifecycle = "confirmed"
)

// Message is one conversation entry. Identity for de-duplication is the
// server-assigned ID; ClientID matters only until the server ID is known.
type Message struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_msg_id,omitempty"`
	ChatID        string    `json:"chat_id"`
	Text          string    `json:"text"`
	Type          string    `json:"type,omitempty"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	SenderID      string    `json:"sender_id,omitempty"`
	SenderName    string    `json:"sender_name,omitempty"`
	Mine          bool      `json:"is_mine"`
	CreatedAt     time.Time `json:"created_at"`
	Lifecycle     Lifecycle `json:"-"`
}

// Optimistic reports whether the message is still provisional.
func (m Message) Optimistic() bool {
	return m.Lifecycle == LifecyclePending || m.Lifecycle == LifecycleUnconfirmed
}

// CreatedData is the data of a message_created event.
type CreatedData struct {
	Message Message `json:"message"`
}

// StreamSnapshot is the in-progress assistant reply shown outside permanent
// history.
type StreamSnapshot struct {
	Text   string
	Active bool
}

// Snapshot is the state handed to the UI layer after every mutation.
type Snapshot struct {
	Connected  bool
	Connecting bool
	Messages   []Message
	Streaming  *StreamSnapshot
	Sending    bool
	Err        string
}
