package chat

import (
	"context"

	"github.com/tikoncha/chatwire/internal/ws"
)

// Sender writes outbound frames to the realtime connection.
type Sender interface {
	SendChatMessage(p ws.SendMessagePayload) bool
	EditMessage(messageID, text string) bool
	MarkRead(chatID, messageID string) bool
	IsConnected() bool
	IsConnecting() bool
}

// HistoryProvider fetches the initial conversation seed.
type HistoryProvider interface {
	Messages(ctx context.Context, chatID string, limit int) ([]Message, error)
}
