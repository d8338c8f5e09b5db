package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"live-support-routing-system/chat/internal/models"
	"live-support-routing-system/shared/lifecycle"
)

type ConversationsRepo struct {
	db DBTX
}

var ErrConversationNotFound = errors.New("conversation not found")

func NewConversationsRepo(db DBTX) *ConversationsRepo {
	return &ConversationsRepo{db: db}
}

const conversationColumns = `conversation_id, visitor_id, operator_id, status, last_activity_at, queued_at, created_at, updated_at`

func scanConversation(row pgx.Row) (models.Conversation, error) {
	var conv models.Conversation
	err := row.Scan(&conv.ConversationID, &conv.VisitorID, &conv.OperatorID, &conv.Status, &conv.LastActivityAt, &conv.QueuedAt, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

func (r *ConversationsRepo) Create(ctx context.Context, visitorID uuid.UUID) (models.Conversation, error) {
	now := time.Now().UTC()
	return scanConversation(r.db.QueryRow(ctx, `
		INSERT INTO conversations (conversation_id, visitor_id, operator_id, status, last_activity_at, queued_at, created_at, updated_at)
		VALUES ($1, $2, NULL, $3, $4, NULL, $4, $4)
		RETURNING `+conversationColumns+`
	`, uuid.New(), visitorID, lifecycle.ConversationWaiting, now))
}

func (r *ConversationsRepo) GetByID(ctx context.Context, conversationID uuid.UUID) (models.Conversation, error) {
	return scanConversation(r.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE conversation_id = $1
	`, conversationID))
}

// CountWaiting returns how many conversations sit in the waiting queue:
// status waiting, queued and not yet assigned.
func (r *ConversationsRepo) CountWaiting(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM conversations
		WHERE status = $1 AND operator_id IS NULL AND queued_at IS NOT NULL
	`, lifecycle.ConversationWaiting).Scan(&count)
	return count, err
}

// MarkQueued stamps queued_at on an admitted conversation.
func (r *ConversationsRepo) MarkQueued(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET queued_at = $2, updated_at = $2
		WHERE conversation_id = $1 AND status = $3 AND queued_at IS NULL
	`, conversationID, at.UTC(), lifecycle.ConversationWaiting)
	return err
}

// AssignOperator is the single conditional write that makes assignment safe
// under contention: the operator id is set only while it is still unset.
// assigned=false means another worker won the race, which callers treat as a
// successful no-op.
func (r *ConversationsRepo) AssignOperator(ctx context.Context, conversationID uuid.UUID, operatorID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET operator_id = $2, status = $3, updated_at = now()
		WHERE conversation_id = $1 AND operator_id IS NULL AND status = $4
	`, conversationID, operatorID, lifecycle.ConversationInService, lifecycle.ConversationWaiting)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Close transitions the conversation to closed unless it already is. Returns
// closed=false for the already-closed case.
func (r *ConversationsRepo) Close(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET status = $2, updated_at = now()
		WHERE conversation_id = $1 AND status <> $2
	`, conversationID, lifecycle.ConversationClosed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ConversationsRepo) TouchActivity(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET last_activity_at = $2, updated_at = $2
		WHERE conversation_id = $1 AND status <> $3
	`, conversationID, at.UTC(), lifecycle.ConversationClosed)
	return err
}

// FindInactiveBefore lists up to limit conversations whose last activity is
// older than the cutoff and that are not closed yet, oldest first.
func (r *ConversationsRepo) FindInactiveBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE status <> $1 AND last_activity_at < $2
		ORDER BY last_activity_at ASC
		LIMIT $3
	`, lifecycle.ConversationClosed, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}
