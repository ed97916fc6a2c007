package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tikoncha/chatwire/internal/chat"
)

// MessageRepository persists chat messages. It backs the in-process test
// server's message log and history endpoint.
type MessageRepository struct {
	db *DB
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Insert stores a message.
func (r *MessageRepository) Insert(ctx context.Context, msg chat.Message) error {
	query := `
		INSERT INTO messages (
			id, chat_id, sender_id, sender_name, type, text,
			attachment_url, client_msg_id, is_mine, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		msg.ID,
		msg.ChatID,
		msg.SenderID,
		msg.SenderName,
		msg.Type,
		msg.Text,
		msg.AttachmentURL,
		msg.ClientID,
		msg.Mine,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// List returns up to limit messages for a chat in insertion order.
func (r *MessageRepository) List(ctx context.Context, chatID string, limit int) ([]chat.Message, error) {
	query := `
		SELECT id, chat_id, sender_id, sender_name, type, text,
			attachment_url, client_msg_id, is_mine, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY rowid
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var msg chat.Message
		var senderName, attachment, clientID sql.NullString
		if err := rows.Scan(
			&msg.ID,
			&msg.ChatID,
			&msg.SenderID,
			&senderName,
			&msg.Type,
			&msg.Text,
			&attachment,
			&clientID,
			&msg.Mine,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.SenderName = senderName.String
		msg.AttachmentURL = attachment.String
		msg.ClientID = clientID.String
		msg.Lifecycle = chat.LifecycleConfirmed
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Count returns the number of stored messages for a chat.
func (r *MessageRepository) Count(ctx context.Context, chatID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
