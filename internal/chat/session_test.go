package chat_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tikoncha/chatwire/internal/chat"
	"github.com/tikoncha/chatwire/internal/chat/mocks"
	"github.com/tikoncha/chatwire/internal/event"
	"github.com/tikoncha/chatwire/internal/ws"
)

func newSession(t *testing.T, sender *mocks.Sender, history chat.HistoryProvider) (*chat.Session, *event.Bus) {
	t.Helper()

	sender.On("IsConnected").Return(true).Maybe()
	sender.On("IsConnecting").Return(false).Maybe()

	bus := event.NewBus(nil)
	sess := chat.NewSession(chat.SessionConfig{
		ConversationID: "c1",
		SendTimeout:    5 * time.Second,
		HistoryLimit:   50,
	}, sender, history, bus, nil)
	t.Cleanup(sess.Close)
	return sess, bus
}

func emitCreated(t *testing.T, bus *event.Bus, msg chat.Message) {
	t.Helper()
	data, err := json.Marshal(chat.CreatedData{Message: msg})
	require.NoError(t, err)
	bus.Emit(ws.EventMessageCreated, ws.InboundFrame{Type: ws.EventMessageCreated, Data: data})
}

func emitStream(t *testing.T, bus *event.Bus, chatID, delta string) {
	t.Helper()
	data, err := json.Marshal(ws.StreamData{ChatID: chatID, Delta: delta})
	require.NoError(t, err)
	bus.Emit(ws.EventMessageStream, ws.InboundFrame{Type: ws.EventMessageStream, Data: data})
}

func TestSession_EmptySendProducesNothing(t *testing.T) {
	sender := &mocks.Sender{}
	sess, _ := newSession(t, sender, nil)

	err := sess.SendMessage("c1", "   \t\n")
	require.ErrorIs(t, err, chat.ErrEmptyMessage)

	snap := sess.Snapshot()
	require.Empty(t, snap.Messages)
	require.False(t, snap.Sending)
	sender.AssertNotCalled(t, "SendChatMessage", mock.Anything)
}

func TestSession_EmptySendKeepsStream(t *testing.T) {
	sender := &mocks.Sender{}
	sess, bus := newSession(t, sender, nil)

	emitStream(t, bus, "", "in progress")
	require.ErrorIs(t, sess.SendMessage("c1", ""), chat.ErrEmptyMessage)
	require.NotNil(t, sess.Snapshot().Streaming)
}

func TestSession_OptimisticSendAndConfirmation(t *testing.T) {
	sender := &mocks.Sender{}
	sender.On("SendChatMessage", mock.Anything).Return(true)
	sess, bus := newSession(t, sender, nil)

	require.NoError(t, sess.SendMessage("c1", "hello"))

	snap := sess.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, chat.LifecyclePending, snap.Messages[0].Lifecycle)
	require.True(t, snap.Messages[0].Mine)
	require.True(t, snap.Sending)

	confirmed := chat.Message{ID: "m1", ChatID: "c1", Text: "hello", Mine: true}
	emitCreated(t, bus, confirmed)

	snap = sess.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "m1", snap.Messages[0].ID)
	require.Equal(t, chat.LifecycleConfirmed, snap.Messages[0].Lifecycle)
	require.False(t, snap.Sending)

	// Duplicate delivery of the same id stays idempotent.
	emitCreated(t, bus, confirmed)
	require.Len(t, sess.Snapshot().Messages, 1)
}

func TestSession_ConcurrentOptimisticSends(t *testing.T) {
	sender := &mocks.Sender{}
	sender.On("SendChatMessage", mock.Anything).Return(true)
	sess, bus := newSession(t, sender, nil)

	require.NoError(t, sess.SendMessage("c1", "one"))
	require.NoError(t, sess.SendMessage("c1", "two"))
	require.Len(t, sess.Snapshot().Messages, 2)

	// Server-confirmed ordering wins: both optimistic copies go.
	emitCreated(t, bus, chat.Message{ID: "m1", ChatID: "c1", Text: "one", Mine: true})
	snap := sess.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.False(t, snap.Sending)
}

func TestSession_SendFailureRollsBack(t *testing.T) {
	sender := &mocks.Sender{}
	sender.On("SendChatMessage", mock.Anything).Return(false)
	sess, _ := newSession(t, sender, nil)

	err := sess.SendMessage("c1", "hello")
	require.ErrorIs(t, err, chat.ErrSendFailed)

	snap := sess.Snapshot()
	require.Empty(t, snap.Messages)
	require.False(t, snap.Sending)
	require.NotEmpty(t, snap.Err)
}

func TestSession_ConfirmationTimeoutMarksUnconfirmed(t *testing.T) {
	sender := &mocks.Sender{}
	sender.On("SendChatMessage", mock.Anything).Return(true)
	sender.On("IsConnected").Return(true).Maybe()
	sender.On("IsConnecting").Return(false).Maybe()

	bus := event.NewBus(nil)
	sess := chat.NewSession(chat.SessionConfig{
		ConversationID: "c1",
		SendTimeout:    30 * time.Millisecond,
		HistoryLimit:   50,
	}, sender, nil, bus, nil)
	t.Cleanup(sess.Close)

	require.NoError(t, sess.SendMessage("c1", "hello"))
	require.True(t, sess.Snapshot().Sending)

	require.Eventually(t, func() bool {
		snap := sess.Snapshot()
		return !snap.Sending &&
			len(snap.Messages) == 1 &&
			snap.Messages[0].Lifecycle == chat.LifecycleUnconfirmed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_StreamAccumulation(t *testing.T) {
	sender := &mocks.Sender{}
	sess, bus := newSession(t, sender, nil)

	var streamed []string
	bus.Subscribe(chat.EventState, func(payload any) {
		snap := payload.(chat.Snapshot)
		if snap.Streaming != nil {
			streamed = append(streamed, snap.Streaming.Text)
		}
	})

	emitStream(t, bus, "", "Hel")
	emitStream(t, bus, "", "lo")

	snap := sess.Snapshot()
	require.NotNil(t, snap.Streaming)
	require.Equal(t, "Hello", snap.Streaming.Text)

	// The confirmed bot message is the sole end-of-stream signal.
	emitCreated(t, bus, chat.Message{ID: "m2", ChatID: "c1", Text: "Hello", Mine: false})

	snap = sess.Snapshot()
	require.Nil(t, snap.Streaming)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "Hello", snap.Messages[0].Text)

	// Every fragment produced one unbatched update.
	require.Equal(t, []string{"Hel", "Hello"}, streamed)
}

func TestSession_NewSendAbandonsStream(t *testing.T) {
	sender := &mocks.Sender{}
	sender.On("SendChatMessage", mock.Anything).Return(true)
	sess, bus := newSession(t, sender, nil)

	emitStream(t, bus, "", "half a rep")
	require.NotNil(t, sess.Snapshot().Streaming)

	require.NoError(t, sess.SendMessage("c1", "never mind"))
	require.Nil(t, sess.Snapshot().Streaming)
}

func TestSession_IgnoresOtherConversations(t *testing.T) {
	sender := &mocks.Sender{}
	sess, bus := newSession(t, sender, nil)

	emitCreated(t, bus, chat.Message{ID: "m9", ChatID: "c2", Text: "stray", Mine: false})
	emitStream(t, bus, "c2", "stray delta")

	snap := sess.Snapshot()
	require.Empty(t, snap.Messages)
	require.Nil(t, snap.Streaming)
}

func TestSession_MessageUpdatedIgnored(t *testing.T) {
	sender := &mocks.Sender{}
	sess, bus := newSession(t, sender, nil)

	emitCreated(t, bus, chat.Message{ID: "m1", ChatID: "c1", Text: "original", Mine: false})

	data, err := json.Marshal(chat.CreatedData{Message: chat.Message{ID: "m1", ChatID: "c1", Text: "edited"}})
	require.NoError(t, err)
	bus.Emit(ws.EventMessageUpdated, ws.InboundFrame{Type: ws.EventMessageUpdated, Data: data})

	require.Equal(t, "original", sess.Snapshot().Messages[0].Text)
}

func TestSession_SwitchConversationDiscardsInterest(t *testing.T) {
	sender := &mocks.Sender{}
	sender.On("SendChatMessage", mock.Anything).Return(true)
	sess, bus := newSession(t, sender, nil)

	require.NoError(t, sess.SendMessage("c1", "hello"))
	emitStream(t, bus, "", "strea")

	sess.SetActiveConversation("c2")

	snap := sess.Snapshot()
	require.Empty(t, snap.Messages)
	require.Nil(t, snap.Streaming)
	require.False(t, snap.Sending)

	// A late confirmation for the previous conversation must not leak in.
	emitCreated(t, bus, chat.Message{ID: "m1", ChatID: "c1", Text: "hello", Mine: true})
	require.Empty(t, sess.Snapshot().Messages)
}

func TestSession_SeedHistoryOnce(t *testing.T) {
	sender := &mocks.Sender{}
	history := &mocks.HistoryProvider{}
	history.On("Messages", mock.Anything, "c1", 50).Return([]chat.Message{
		{ID: "h1", ChatID: "c1", Text: "earlier", Mine: true},
		{ID: "h2", ChatID: "c1", Text: "reply", Mine: false},
	}, nil).Once()

	sess, _ := newSession(t, sender, history)

	require.NoError(t, sess.SeedHistory(context.Background()))
	require.NoError(t, sess.SeedHistory(context.Background()))

	require.Len(t, sess.Snapshot().Messages, 2)
	history.AssertExpectations(t)
}

func TestSession_DisconnectResetsStream(t *testing.T) {
	sender := &mocks.Sender{}
	sess, bus := newSession(t, sender, nil)

	emitStream(t, bus, "", "half")
	require.NotNil(t, sess.Snapshot().Streaming)

	bus.Emit(event.ConnectionStatus, event.StatusPayload{Connected: false})
	snap := sess.Snapshot()
	require.Nil(t, snap.Streaming)
	require.NotEmpty(t, snap.Err)

	bus.Emit(event.ConnectionStatus, event.StatusPayload{Connected: true})
	require.Empty(t, sess.Snapshot().Err)
}
