package repos

import (
	"context"
	"time"

	"github.com/google/uuid"

	"live-support-routing-system/chat/internal/models"
)

type MessagesRepo struct {
	db DBTX
}

func NewMessagesRepo(db DBTX) *MessagesRepo {
	return &MessagesRepo{db: db}
}

func (r *MessagesRepo) Create(ctx context.Context, conversationID uuid.UUID, authorType string, authorID *uuid.UUID, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRow(ctx, `
		INSERT INTO messages (message_id, conversation_id, author_type, author_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING message_id, conversation_id, author_type, author_id, content, created_at
	`, uuid.New(), conversationID, authorType, authorID, content, time.Now().UTC()).
		Scan(&msg.MessageID, &msg.ConversationID, &msg.AuthorType, &msg.AuthorID, &msg.Content, &msg.CreatedAt)
	return msg, err
}

func (r *MessagesRepo) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT message_id, conversation_id, author_type, author_id, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.MessageID, &msg.ConversationID, &msg.AuthorType, &msg.AuthorID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
