package chat

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tikoncha/chatwire/internal/ws"
)

// Outbound coordinates user-authored sends: optimistic insertion, rollback on
// write failure, and a bounded wait for server confirmation.
type Outbound struct {
	sender  Sender
	store   *Store
	timeout time.Duration
	logger  *slog.Logger
	// notify fires after a timer-driven mutation so the owner can publish a
	// fresh snapshot.
	notify func()

	mu      sync.Mutex
	pending map[string]*pendingSend
}

type pendingSend struct {
	chatID string
	timer  *time.Timer
}

// NewOutbound creates an outbound coordinator. notify and logger may be nil.
func NewOutbound(sender Sender, store *Store, timeout time.Duration, notify func(), logger *slog.Logger) *Outbound {
	if notify == nil {
		notify = func() {}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Outbound{
		sender:  sender,
		store:   store,
		timeout: timeout,
		logger:  logger,
		notify:  notify,
		pending: make(map[string]*pendingSend),
	}
}

// Send inserts an optimistic message and writes the frame. Concurrent sends
// are permitted; callers wanting serialization gate on Sending themselves.
func (o *Outbound) Send(chatID, text, attachmentURL string) error {
	if strings.TrimSpace(text) == "" && attachmentURL == "" {
		return ErrEmptyMessage
	}

	clientID := "client_" + uuid.NewString()
	o.store.Append(Message{
		ID:        clientID,
		ClientID:  clientID,
		ChatID:    chatID,
		Text:      text,
		Type:      "TEXT",
		Mine:      true,
		CreatedAt: time.Now(),
		Lifecycle: LifecyclePending,
	})

	ok := o.sender.SendChatMessage(ws.SendMessagePayload{
		ChatID:        chatID,
		Text:          text,
		AttachmentURL: attachmentURL,
		ClientMsgID:   clientID,
	})
	if !ok {
		o.store.RemoveByClientID(clientID)
		return ErrSendFailed
	}

	o.mu.Lock()
	o.pending[clientID] = &pendingSend{
		chatID: chatID,
		timer:  time.AfterFunc(o.timeout, func() { o.expire(clientID) }),
	}
	o.mu.Unlock()
	return nil
}

// Resolve clears every pending wait for chatID after a confirmed own message
// arrived. The store reconciliation itself happens in the session.
func (o *Outbound) Resolve(chatID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for clientID, p := range o.pending {
		if p.chatID == chatID {
			p.timer.Stop()
			delete(o.pending, clientID)
		}
	}
}

// Sending reports whether any send is still awaiting resolution.
func (o *Outbound) Sending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending) > 0
}

// Reset abandons all pending waits, used when switching conversations or
// shutting down.
func (o *Outbound) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for clientID, p := range o.pending {
		p.timer.Stop()
		delete(o.pending, clientID)
	}
}

// expire runs on the confirmation timer: the optimistic message is kept but
// downgraded, never removed, because the send may have succeeded server-side.
func (o *Outbound) expire(clientID string) {
	o.mu.Lock()
	_, ok := o.pending[clientID]
	delete(o.pending, clientID)
	o.mu.Unlock()
	if !ok {
		return
	}

	o.logger.Warn("no confirmation from server, keeping message unconfirmed", "client_msg_id", clientID)
	o.store.MarkUnconfirmed(clientID)
	o.notify()
}
