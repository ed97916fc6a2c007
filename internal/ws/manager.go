// Package ws owns the persistent connection lifecycle: connect, heartbeat,
// close classification, bounded reconnection, and inbound frame dispatch.
package ws

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

	"github.com/gorilla/websocket"

	"github.com/tikoncha/chatwire/internal/event"
	"github.com/tikoncha/chatwire/internal/token"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// closeReason tags why the connection is going down, consumed by the close
// handler to pick the deliberate or abnormal branch.
type closeReason int

const (
	closeAbnormal closeReason = iota
	closeDeliberate
)

// TokenSource supplies session credentials for connection attempts.
type TokenSource interface {
	SessionToken(ctx context.Context) (token.Credentials, error)
	Refresh(ctx context.Context) (token.Credentials, error)
}

// Config holds connection settings.
type Config struct {
	// URLTemplate contains a {TOKEN} placeholder for the session token.
	URLTemplate          string
	PingInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	// Dialer is optional; websocket.DefaultDialer is used when nil.
	Dialer *websocket.Dialer
}

// Manager owns one persistent connection and dispatches its inbound frames on
// the event bus: once under the frame's own type, once under event.Message.
type Manager struct {
	cfg    Config
	tokens TokenSource
	bus    *event.Bus
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      int
	attempts int
	intent   closeReason
	pingStop chan struct{}

	// writeMu serializes the ping producer and caller sends on the shared
	// transport.
	writeMu sync.Mutex
}

// NewManager creates a connection manager. logger may be nil.
func NewManager(cfg Config, tokens TokenSource, bus *event.Bus, logger *slog.Logger) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if bus == nil {
		bus = event.NewBus(logger)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		cfg:    cfg,
		tokens: tokens,
		bus:    bus,
		logger: logger,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the connection is open.
func (m *Manager) IsConnected() bool { return m.State() == StateOpen }

// IsConnecting reports whether a connection attempt is in progress.
func (m *Manager) IsConnecting() bool { return m.State() == StateConnecting }

// Connect opens the connection. A no-op when already open. An explicit call
// also clears any exhausted retry budget from a previous session.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.attempts = 0
	m.intent = closeAbnormal
	m.mu.Unlock()
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	creds, err := m.tokens.SessionToken(ctx)
	if err != nil {
		m.setDisconnected()
		return fmt.Errorf("obtaining session credential: %w", err)
	}

	url := strings.Replace(m.cfg.URLTemplate, "{TOKEN}", creds.SessionToken, 1)
	conn, resp, err := m.cfg.Dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.setDisconnected()
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	m.mu.Lock()
	if m.intent == closeDeliberate {
		m.state = StateDisconnected
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.gen++
	gen := m.gen
	m.startPingLocked()
	m.mu.Unlock()

	m.logger.Info("connection open")
	m.bus.Emit(event.ConnectionStatus, event.StatusPayload{Connected: true})

	go m.readLoop(conn, gen)
	return nil
}

// Disconnect performs a deliberate shutdown. The close handler sees the
// tagged reason and suppresses reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intent = closeDeliberate
	conn := m.conn
	if conn != nil {
		m.state = StateClosing
	} else {
		m.state = StateDisconnected
	}
	m.stopPingLocked()
	m.mu.Unlock()

	if conn == nil {
		return
	}
	m.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	m.writeMu.Unlock()
	conn.Close()
}

// Send serializes and writes frame when the connection is open. It reports
// success instead of returning an error so callers can choose their own
// fallback.
func (m *Manager) Send(frame Frame) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		m.logger.Warn("send while not connected", "type", frame.Type)
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		m.logger.Error("write failed", "type", frame.Type, "error", err)
		return false
	}
	return true
}

// SendChatMessage writes a send_message frame. Type defaults to TEXT.
func (m *Manager) SendChatMessage(p SendMessagePayload) bool {
	if p.Type == "" {
		p.Type = "TEXT"
	}
	return m.Send(Frame{Type: FrameSendMessage, Payload: p})
}

// EditMessage writes an edit_message frame.
func (m *Manager) EditMessage(messageID, text string) bool {
	return m.Send(Frame{Type: FrameEditMessage, Payload: EditMessagePayload{
		MessageID: messageID,
		Text:      text,
	}})
}

// MarkRead writes a read receipt frame.
func (m *Manager) MarkRead(chatID, messageID string) bool {
	return m.Send(Frame{Type: FrameRead, Payload: ReceiptPayload{
		ChatID:    chatID,
		MessageID: messageID,
	}})
}

// MarkUnread writes an unread receipt frame.
func (m *Manager) MarkUnread(chatID, messageID string) bool {
	return m.Send(Frame{Type: FrameUnread, Payload: ReceiptPayload{
		ChatID:    chatID,
		MessageID: messageID,
	}})
}

func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, gen, err)
			return
		}
		m.dispatch(data)
	}
}

// dispatch parses one inbound frame and publishes it. Malformed frames are
// dropped without touching the connection.
func (m *Manager) dispatch(data []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	if frame.Type == "" {
		m.logger.Warn("dropping frame without type")
		return
	}
	m.bus.Emit(frame.Type, frame)
	m.bus.Emit(event.Message, frame)
}

func (m *Manager) handleClose(conn *websocket.Conn, gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		// A newer connection superseded this one.
		m.mu.Unlock()
		conn.Close()
		return
	}
	deliberate := m.intent == closeDeliberate
	m.stopPingLocked()
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	conn.Close()

	m.logger.Info("connection closed", "deliberate", deliberate, "cause", cause)
	m.bus.Emit(event.ConnectionStatus, event.StatusPayload{Connected: false})

	if deliberate {
		return
	}

	if isCredentialExpired(cause) {
		if m.recoverExpiredCredential() {
			return
		}
	}
	m.reconnectLoop()
}

// recoverExpiredCredential handles the designated close code: one forced
// refresh and one immediate reconnect that does not consume the retry budget.
func (m *Manager) recoverExpiredCredential() bool {
	m.logger.Info("session credential rejected, forcing refresh")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := m.tokens.Refresh(ctx); err != nil {
		m.logger.Error("forced refresh failed", "error", err)
		return false
	}
	if err := m.connect(ctx); err != nil {
		m.logger.Error("reconnect after refresh failed", "error", err)
		return false
	}
	return true
}

// reconnectLoop runs the bounded linear-backoff policy: a fixed delay before
// each attempt, up to the configured budget, then a terminal disconnected
// status.
func (m *Manager) reconnectLoop() {
	for {
		m.mu.Lock()
		if m.intent == closeDeliberate || m.state != StateDisconnected {
			m.mu.Unlock()
			return
		}
		if m.attempts >= m.cfg.MaxReconnectAttempts {
			m.mu.Unlock()
			m.logger.Warn("reconnect budget exhausted", "attempts", m.cfg.MaxReconnectAttempts)
			m.bus.Emit(event.ConnectionStatus, event.StatusPayload{Connected: false})
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		m.logger.Info("reconnecting", "attempt", attempt, "max", m.cfg.MaxReconnectAttempts)
		time.Sleep(m.cfg.ReconnectDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := m.connect(ctx)
		cancel()
		if err == nil {
			return
		}
		m.logger.Error("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (m *Manager) setDisconnected() {
	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()
}

func (m *Manager) startPingLocked() {
	m.stopPingInner()
	stop := make(chan struct{})
	m.pingStop = stop
	go m.pingLoop(stop)
}

func (m *Manager) stopPingLocked() {
	m.stopPingInner()
}

func (m *Manager) stopPingInner() {
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
}

// pingLoop emits the keep-alive frame. A missing pong is not treated as
// failure; a server-driven close is the sole failure signal.
func (m *Manager) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Send(Frame{Type: FramePing, Payload: struct{}{}})
		}
	}
}

func isCredentialExpired(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return closeErr.Code == websocket.ClosePolicyViolation || closeErr.Code == CloseCredentialExpired
}
