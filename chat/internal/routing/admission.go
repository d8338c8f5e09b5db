package routing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"live-support-routing-system/chat/internal/models"
	"live-support-routing-system/shared/logx"
	"live-support-routing-system/shared/metricsx"
)

type admissionConversations interface {
	CountWaiting(ctx context.Context) (int, error)
	MarkQueued(ctx context.Context, conversationID uuid.UUID, at time.Time) error
}

type admissionMessages interface {
	Create(ctx context.Context, conversationID uuid.UUID, authorType string, authorID *uuid.UUID, content string) (models.Message, error)
}

// Admission decides whether a new conversation enters the waiting queue or
// gets turned away because the queue is full.
type Admission struct {
	conversations admissionConversations
	messages      admissionMessages
	capacity      int
	busyText      string
	logger        logx.Logger
}

// NewAdmission builds the gate. capacity <= 0 means unlimited.
func NewAdmission(conversations admissionConversations, messages admissionMessages, capacity int, busyText string, logger logx.Logger) *Admission {
	return &Admission{
		conversations: conversations,
		messages:      messages,
		capacity:      capacity,
		busyText:      busyText,
		logger:        logger,
	}
}

// Admit checks the waiting count against capacity and either stamps the
// conversation as queued or posts the busy message and leaves it unqueued.
// The count-then-queue pair is not atomic, so the queue may briefly
// overshoot capacity by the number of concurrent admissions. The limit is a
// backpressure hint, not a hard invariant, and the overshoot is bounded.
func (a *Admission) Admit(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	if a.capacity > 0 {
		waiting, err := a.conversations.CountWaiting(ctx)
		if err != nil {
			return false, err
		}
		if waiting >= a.capacity {
			metricsx.IncAdmissionDecision("rejected_full")
			a.logger.Info(ctx, "admission_rejected", "queue at capacity",
				slog.String("conversation_id", conversationID.String()),
				slog.Int("waiting", waiting),
				slog.Int("capacity", a.capacity),
			)
			if _, err := a.messages.Create(ctx, conversationID, models.AuthorTypeSystem, nil, a.busyText); err != nil {
				return false, err
			}
			return false, nil
		}
	}
	if err := a.conversations.MarkQueued(ctx, conversationID, time.Now().UTC()); err != nil {
		return false, err
	}
	metricsx.IncAdmissionDecision("admitted")
	return true, nil
}
