// Package testserver runs an in-process fake of the chat backend: the
// credential exchange endpoint, the websocket endpoint, and the history REST
// endpoint, with scriptable bot replies and forced close codes.
package testserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tikoncha/chatwire/internal/chat"
	"github.com/tikoncha/chatwire/internal/sqlite"
	"github.com/tikoncha/chatwire/internal/ws"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type botReply struct {
	deltas []string
	final  string
}

// TestServer is the fake backend under test control.
type TestServer struct {
	Server   *httptest.Server
	DB       *sqlite.DB
	Messages *sqlite.MessageRepository
	Identity string

	// ExpiresIn is the lifetime reported by the exchange endpoint, seconds.
	ExpiresIn int64

	exchanges atomic.Int64
	dials     atomic.Int64

	mu              sync.Mutex
	tokenSeq        int
	msgSeq          int
	validTokens     map[string]bool
	rejectExchanges int
	rejectDials     int
	scripted        []botReply
	conn            *websocket.Conn
	writeMu         sync.Mutex
}

// New starts the fake backend accepting the given identity credential.
func New(t *testing.T, identity string) *TestServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := sqlite.New(dsn)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())

	ts := &TestServer{
		DB:          db,
		Messages:    sqlite.NewMessageRepository(db),
		Identity:    identity,
		ExpiresIn:   3600,
		validTokens: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/ws-token", ts.handleExchange)
	mux.HandleFunc("/chat/ws", ts.handleWS)
	mux.HandleFunc("/chat/messages", ts.handleHistory)
	ts.Server = httptest.NewServer(mux)

	t.Cleanup(func() {
		ts.Server.Close()
		_ = db.Close()
	})

	return ts
}

// TokenURL returns the credential exchange endpoint.
func (ts *TestServer) TokenURL() string { return ts.Server.URL + "/chat/ws-token" }

// BaseURL returns the REST base URL.
func (ts *TestServer) BaseURL() string { return ts.Server.URL }

// WSURLTemplate returns the websocket URL template with a {TOKEN} placeholder.
func (ts *TestServer) WSURLTemplate() string {
	return "ws" + strings.TrimPrefix(ts.Server.URL, "http") + "/chat/ws?token={TOKEN}"
}

// Exchanges reports how many exchange calls were handled.
func (ts *TestServer) Exchanges() int64 { return ts.exchanges.Load() }

// Dials reports how many websocket dials were attempted.
func (ts *TestServer) Dials() int64 { return ts.dials.Load() }

// RejectExchanges makes the next n exchange calls fail.
func (ts *TestServer) RejectExchanges(n int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.rejectExchanges = n
}

// RejectDials makes the next n websocket dials fail before the upgrade.
func (ts *TestServer) RejectDials(n int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.rejectDials = n
}

// ScriptBotReply queues an assistant turn for the next send_message: deltas
// are streamed one frame each, then final arrives as a confirmed message.
func (ts *TestServer) ScriptBotReply(deltas []string, final string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.scripted = append(ts.scripted, botReply{deltas: deltas, final: final})
}

// CloseActive closes the live connection with the given close code.
func (ts *TestServer) CloseActive(t *testing.T, code int, reason string) {
	t.Helper()
	conn := ts.activeConn()
	require.NotNil(t, conn, "no active connection")

	ts.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	ts.writeMu.Unlock()
	// Give the client a moment to read the close frame before the TCP teardown.
	time.Sleep(50 * time.Millisecond)
	conn.Close()
}

// RevokeSessions invalidates every issued session token. A subsequent dial
// with an old token is refused.
func (ts *TestServer) RevokeSessions() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.validTokens = make(map[string]bool)
}

// WaitConnected blocks until a websocket connection is live.
func (ts *TestServer) WaitConnected(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ts.activeConn() != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never connected")
}

// SendBotMessage stores and pushes an assistant message outside any script.
func (ts *TestServer) SendBotMessage(t *testing.T, chatID, text string) chat.Message {
	t.Helper()
	msg := ts.storeMessage(t, chatID, text, "", false)
	ts.pushCreated(msg)
	return msg
}

// SendStreamDelta pushes one raw streaming fragment.
func (ts *TestServer) SendStreamDelta(chatID, delta string) {
	ts.writeFrame(map[string]any{
		"type": ws.EventMessageStream,
		"data": ws.StreamData{ChatID: chatID, Delta: delta},
	})
}

// PushFrame writes an arbitrary frame to the live connection.
func (ts *TestServer) PushFrame(frame any) {
	ts.writeFrame(frame)
}

// PushRaw writes raw bytes to the live connection, for malformed-frame tests.
func (ts *TestServer) PushRaw(data []byte) {
	conn := ts.activeConn()
	if conn == nil {
		return
	}
	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (ts *TestServer) handleExchange(w http.ResponseWriter, r *http.Request) {
	ts.exchanges.Add(1)

	if r.Header.Get("Authorization") != "Bearer "+ts.Identity {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"success":false,"error":"invalid identity credential"}`)
		return
	}

	ts.mu.Lock()
	if ts.rejectExchanges > 0 {
		ts.rejectExchanges--
		ts.mu.Unlock()
		fmt.Fprint(w, `{"success":false,"error":"exchange refused"}`)
		return
	}
	ts.tokenSeq++
	tok := fmt.Sprintf("sess-%d", ts.tokenSeq)
	ts.validTokens[tok] = true
	ts.mu.Unlock()

	fmt.Fprintf(w, `{"success":true,"data":{"session_token":"%s","expires_in":%d}}`, tok, ts.ExpiresIn)
}

func (ts *TestServer) handleWS(w http.ResponseWriter, r *http.Request) {
	ts.dials.Add(1)

	ts.mu.Lock()
	if ts.rejectDials > 0 {
		ts.rejectDials--
		ts.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	valid := ts.validTokens[r.URL.Query().Get("token")]
	ts.mu.Unlock()

	if !valid {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ts.mu.Lock()
	old := ts.conn
	ts.conn = conn
	ts.mu.Unlock()
	if old != nil {
		old.Close()
	}

	ts.readLoop(conn)
}

func (ts *TestServer) readLoop(conn *websocket.Conn) {
	defer func() {
		ts.mu.Lock()
		if ts.conn == conn {
			ts.conn = nil
		}
		ts.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case ws.FramePing:
			ts.writeFrame(map[string]any{"type": ws.EventPong, "data": map[string]any{}})
		case ws.FrameSendMessage:
			var p ws.SendMessagePayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil {
				continue
			}
			ts.handleSend(p)
		case ws.FrameEditMessage, ws.FrameRead, ws.FrameUnread:
			// Accepted and dropped; the client expects no reply.
		}
	}
}

func (ts *TestServer) handleSend(p ws.SendMessagePayload) {
	msg := chat.Message{
		ID:            ts.nextMessageID(),
		ClientID:      p.ClientMsgID,
		ChatID:        p.ChatID,
		Text:          p.Text,
		Type:          p.Type,
		AttachmentURL: p.AttachmentURL,
		SenderID:      "user",
		Mine:          true,
		CreatedAt:     time.Now().UTC(),
	}
	_ = ts.Messages.Insert(context.Background(), msg)
	ts.pushCreated(msg)

	ts.mu.Lock()
	var reply *botReply
	if len(ts.scripted) > 0 {
		reply = &ts.scripted[0]
		ts.scripted = ts.scripted[1:]
	}
	ts.mu.Unlock()
	if reply == nil {
		return
	}

	for _, delta := range reply.deltas {
		ts.SendStreamDelta(p.ChatID, delta)
	}
	bot := chat.Message{
		ID:        ts.nextMessageID(),
		ChatID:    p.ChatID,
		Text:      reply.final,
		Type:      "TEXT",
		SenderID:  "assistant",
		Mine:      false,
		CreatedAt: time.Now().UTC(),
	}
	_ = ts.Messages.Insert(context.Background(), bot)
	ts.pushCreated(bot)
}

func (ts *TestServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+ts.Identity {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"success":false,"error":"unauthorized"}`)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	msgs, err := ts.Messages.List(r.Context(), chatID, limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"success":false,"error":"storage failure"}`)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    map[string]any{"messages": msgs},
	})
}

func (ts *TestServer) storeMessage(t *testing.T, chatID, text, clientID string, mine bool) chat.Message {
	t.Helper()
	sender := "assistant"
	if mine {
		sender = "user"
	}
	msg := chat.Message{
		ID:        ts.nextMessageID(),
		ClientID:  clientID,
		ChatID:    chatID,
		Text:      text,
		Type:      "TEXT",
		SenderID:  sender,
		Mine:      mine,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ts.Messages.Insert(context.Background(), msg))
	return msg
}

func (ts *TestServer) pushCreated(msg chat.Message) {
	ts.writeFrame(map[string]any{
		"type": ws.EventMessageCreated,
		"data": chat.CreatedData{Message: msg},
	})
}

func (ts *TestServer) writeFrame(frame any) {
	conn := ts.activeConn()
	if conn == nil {
		return
	}
	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()
	_ = conn.WriteJSON(frame)
}

func (ts *TestServer) activeConn() *websocket.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.conn
}

func (ts *TestServer) nextMessageID() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.msgSeq++
	return fmt.Sprintf("m%d", ts.msgSeq)
}
