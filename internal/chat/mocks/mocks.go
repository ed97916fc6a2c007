// Package mocks provides testify mocks for the chat package's consumer-side
// interfaces.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/tikoncha/chatwire/internal/chat"
	"github.com/tikoncha/chatwire/internal/ws"
)

// Sender is a mock for chat.Sender.
type Sender struct {
	mock.Mock
}

func (m *Sender) SendChatMessage(p ws.SendMessagePayload) bool {
	args := m.Called(p)
	return args.Bool(0)
}

func (m *Sender) EditMessage(messageID, text string) bool {
	args := m.Called(messageID, text)
	return args.Bool(0)
}

func (m *Sender) MarkRead(chatID, messageID string) bool {
	args := m.Called(chatID, messageID)
	return args.Bool(0)
}

func (m *Sender) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *Sender) IsConnecting() bool {
	args := m.Called()
	return args.Bool(0)
}

// HistoryProvider is a mock for chat.HistoryProvider.
type HistoryProvider struct {
	mock.Mock
}

func (m *HistoryProvider) Messages(ctx context.Context, chatID string, limit int) ([]chat.Message, error) {
	args := m.Called(ctx, chatID, limit)
	if msgs, ok := args.Get(0).([]chat.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
