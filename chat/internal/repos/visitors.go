package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"live-support-routing-system/chat/internal/models"
)

type VisitorsRepo struct {
	db DBTX
}

var ErrVisitorNotFound = errors.New("visitor not found")

func NewVisitorsRepo(db DBTX) *VisitorsRepo {
	return &VisitorsRepo{db: db}
}

func (r *VisitorsRepo) Create(ctx context.Context, channel string) (models.Visitor, error) {
	var visitor models.Visitor
	err := r.db.QueryRow(ctx, `
		INSERT INTO visitors (visitor_id, channel, current_conversation_id, created_at)
		VALUES ($1, $2, NULL, $3)
		RETURNING visitor_id, channel, current_conversation_id, created_at
	`, uuid.New(), channel, time.Now().UTC()).
		Scan(&visitor.VisitorID, &visitor.Channel, &visitor.CurrentConversationID, &visitor.CreatedAt)
	return visitor, err
}

func (r *VisitorsRepo) GetByID(ctx context.Context, visitorID uuid.UUID) (models.Visitor, error) {
	var visitor models.Visitor
	err := r.db.QueryRow(ctx, `
		SELECT visitor_id, channel, current_conversation_id, created_at
		FROM visitors
		WHERE visitor_id = $1
	`, visitorID).
		Scan(&visitor.VisitorID, &visitor.Channel, &visitor.CurrentConversationID, &visitor.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Visitor{}, ErrVisitorNotFound
	}
	return visitor, err
}

// SetCurrentConversation points the visitor at its active conversation, or
// clears the pointer when conversationID is nil.
func (r *VisitorsRepo) SetCurrentConversation(ctx context.Context, visitorID uuid.UUID, conversationID *uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE visitors
		SET current_conversation_id = $2
		WHERE visitor_id = $1
	`, visitorID, conversationID)
	return err
}
