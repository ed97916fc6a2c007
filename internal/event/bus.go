// Package event provides the string-keyed publish/subscribe bus shared by the
// token service, the connection manager, and the chat session.
package event

import (
	"io"
	"log/slog"
	"sync"
)

// Well-known event kinds.
const (
	// ConnectionStatus carries a StatusPayload on every connect/disconnect.
	ConnectionStatus = "connection_status"
	// Message is the generic channel; every parsed inbound frame is
	// re-dispatched under this kind after its specific kind.
	Message = "message"
	// TokenRefreshed fires after a successful background credential renewal.
	TokenRefreshed = "token_refreshed"
	// TokenError fires when a background renewal fails.
	TokenError = "token_error"
)

// StatusPayload is the payload for ConnectionStatus events.
type StatusPayload struct {
	Connected bool
}

// Handler receives the payload published under a subscribed kind.
type Handler func(payload any)

// Bus is an ordered publish/subscribe dispatcher. A zero Bus is not usable;
// construct with NewBus.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string][]*Subscription
	logger *slog.Logger
}

// Subscription identifies one registered handler.
type Subscription struct {
	bus  *Bus
	kind string
	id   int
	fn   Handler
}

// NewBus creates an event bus. logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		subs:   make(map[string][]*Subscription),
		logger: logger,
	}
}

// Subscribe registers fn for kind. Handlers for a kind run in registration
// order.
func (b *Bus) Subscribe(kind string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, kind: kind, id: b.nextID, fn: fn}
	b.subs[kind] = append(b.subs[kind], sub)
	return sub
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.kind]
	for i, sub := range subs {
		if sub.id == s.id {
			b.subs[s.kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Emit delivers payload to every handler subscribed to kind. The handler list
// is snapshotted before delivery and each handler runs under its own recover,
// so a handler subscribing, cancelling, or panicking cannot disturb the rest.
func (b *Bus) Emit(kind string, payload any) {
	b.mu.Lock()
	snapshot := make([]*Subscription, len(b.subs[kind]))
	copy(snapshot, b.subs[kind])
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.invoke(kind, sub.fn, payload)
	}
}

func (b *Bus) invoke(kind string, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "kind", kind, "panic", r)
		}
	}()
	fn(payload)
}
