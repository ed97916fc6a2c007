// Package chat holds the conversation state machine: the message store, the
// outbound send coordinator, the streaming reconciler, and the session facade
// consumed by the UI layer.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tikoncha/chatwire/internal/event"
	"github.com/tikoncha/chatwire/internal/ws"
)

// EventState is published on the bus with a Snapshot payload after every
// session mutation.
const EventState = "state"

// SessionConfig holds session construction parameters.
type SessionConfig struct {
	// ConversationID is the initially active conversation.
	ConversationID string
	// SendTimeout bounds the wait for a send confirmation.
	SendTimeout time.Duration
	// HistoryLimit caps the initial history seed.
	HistoryLimit int
}

// Session owns the state of one logical app session. One instance per login;
// no process-wide shared state.
type Session struct {
	sender  Sender
	history HistoryProvider
	bus     *event.Bus
	logger  *slog.Logger

	store    *Store
	accum    *Accumulator
	outbound *Outbound

	historyLimit int

	mu      sync.Mutex
	chatID  string
	lastErr string
	seeded  bool
	subs    []*event.Subscription
}

// NewSession creates a session and subscribes it to the bus. history, logger
// may be nil.
func NewSession(cfg SessionConfig, sender Sender, history HistoryProvider, bus *event.Bus, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Session{
		sender:       sender,
		history:      history,
		bus:          bus,
		logger:       logger,
		store:        NewStore(),
		accum:        NewAccumulator(),
		historyLimit: cfg.HistoryLimit,
		chatID:       cfg.ConversationID,
	}
	s.outbound = NewOutbound(sender, s.store, cfg.SendTimeout, s.publish, logger)

	s.subs = []*event.Subscription{
		bus.Subscribe(ws.EventMessageCreated, s.handleCreated),
		bus.Subscribe(ws.EventMessageStream, s.handleStream),
		bus.Subscribe(ws.EventMessageUpdated, s.handleUpdated),
		bus.Subscribe(ws.EventPong, s.handlePong),
		bus.Subscribe(event.ConnectionStatus, s.handleStatus),
	}
	return s
}

// Close cancels the bus subscriptions and abandons pending sends.
func (s *Session) Close() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.outbound.Reset()
}

// ActiveConversation returns the conversation the session is scoped to.
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// SetActiveConversation switches conversations, discarding interest in any
// in-flight accumulation or pending confirmation tied to the previous one.
func (s *Session) SetActiveConversation(chatID string) {
	s.mu.Lock()
	s.chatID = chatID
	s.seeded = false
	s.lastErr = ""
	s.mu.Unlock()

	s.accum.Reset()
	s.outbound.Reset()
	s.store.Clear()
	s.publish()
}

// SeedHistory loads past messages once, before live events begin.
func (s *Session) SeedHistory(ctx context.Context) error {
	if s.history == nil {
		return nil
	}
	s.mu.Lock()
	if s.seeded {
		s.mu.Unlock()
		return nil
	}
	chatID := s.chatID
	s.mu.Unlock()

	msgs, err := s.history.Messages(ctx, chatID, s.historyLimit)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	s.mu.Lock()
	if s.chatID != chatID {
		// Conversation switched while the fetch was in flight.
		s.mu.Unlock()
		return nil
	}
	s.seeded = true
	s.mu.Unlock()

	s.store.Seed(msgs)
	s.logger.Debug("history seeded", "chat_id", chatID, "count", len(msgs))
	s.publish()
	return nil
}

// SendMessage sends user-authored text to the conversation. A new send
// abandons any still-streaming bot turn.
func (s *Session) SendMessage(chatID, text string) error {
	return s.SendAttachment(chatID, text, "")
}

// SendAttachment sends text with an optional attachment URL.
func (s *Session) SendAttachment(chatID, text, attachmentURL string) error {
	if strings.TrimSpace(text) == "" && attachmentURL == "" {
		return ErrEmptyMessage
	}

	// A new send abandons the previous bot turn from the sender's side.
	s.accum.Reset()

	err := s.outbound.Send(chatID, text, attachmentURL)
	if err != nil && !errors.Is(err, ErrEmptyMessage) {
		s.setErr("failed to send message")
	} else if err == nil {
		s.setErr("")
	}
	s.publish()
	return err
}

// EditMessage asks the backend to edit a message in place.
func (s *Session) EditMessage(messageID, text string) bool {
	return s.sender.EditMessage(messageID, text)
}

// MarkRead reports a read receipt for the conversation.
func (s *Session) MarkRead(chatID, messageID string) bool {
	return s.sender.MarkRead(chatID, messageID)
}

// Snapshot returns the state the UI layer renders from.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	lastErr := s.lastErr
	s.mu.Unlock()

	snap := Snapshot{
		Connected:  s.sender.IsConnected(),
		Connecting: s.sender.IsConnecting(),
		Messages:   s.store.Messages(),
		Sending:    s.outbound.Sending(),
		Err:        lastErr,
	}
	if stream := s.accum.Snapshot(); stream.Active {
		snap.Streaming = &stream
	}
	return snap
}

func (s *Session) handleCreated(payload any) {
	frame, ok := payload.(ws.InboundFrame)
	if !ok {
		return
	}
	var data CreatedData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		s.logger.Warn("dropping malformed message_created", "error", err)
		return
	}
	msg := data.Message
	if msg.ChatID != s.ActiveConversation() {
		s.logger.Debug("ignoring message for inactive conversation", "chat_id", msg.ChatID)
		return
	}

	if msg.Mine {
		// Server-confirmed ordering wins over the optimistic copies.
		s.outbound.Resolve(msg.ChatID)
		s.store.ConfirmOwn(msg.ChatID, msg)
	} else {
		// The confirmed bot message is the sole end-of-stream signal.
		s.accum.Reset()
		s.store.Upsert(msg)
	}
	s.publish()
}

func (s *Session) handleStream(payload any) {
	frame, ok := payload.(ws.InboundFrame)
	if !ok {
		return
	}
	var data ws.StreamData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		s.logger.Warn("dropping malformed message_stream", "error", err)
		return
	}
	if data.ChatID != "" && data.ChatID != s.ActiveConversation() {
		return
	}

	// One publish per fragment, unbatched, so the UI renders a token-by-token
	// typing effect.
	s.accum.Append(data.Delta)
	s.publish()
}

// handleUpdated ignores message_updated on purpose: confirmed messages are
// immutable once appended.
func (s *Session) handleUpdated(any) {
	s.logger.Debug("message_updated ignored")
}

func (s *Session) handlePong(any) {
	s.logger.Debug("pong received")
}

func (s *Session) handleStatus(payload any) {
	status, ok := payload.(event.StatusPayload)
	if !ok {
		return
	}
	if status.Connected {
		s.setErr("")
	} else {
		// The accumulator does not survive the connection.
		s.accum.Reset()
		s.setErr("disconnected from server")
	}
	s.publish()
}

func (s *Session) setErr(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *Session) publish() {
	s.bus.Emit(EventState, s.Snapshot())
}
