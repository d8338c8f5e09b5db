package autoclose

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"live-support-routing-system/chat/internal/chatbot"
	"live-support-routing-system/chat/internal/models"
	"live-support-routing-system/shared/logx"
	"live-support-routing-system/shared/metricsx"
	"live-support-routing-system/shared/queuex"
)

const (
	TaskSweep = "autoclose.sweep"
	// LockKey guards the sweep so only one process acts per tick.
	LockKey = "autoclose:sweep"
)

type sweeperConversations interface {
	FindInactiveBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Conversation, error)
	Close(ctx context.Context, conversationID uuid.UUID) (bool, error)
}

type sweeperMessages interface {
	Create(ctx context.Context, conversationID uuid.UUID, authorType string, authorID *uuid.UUID, content string) (models.Message, error)
}

type locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

type queueReleaser interface {
	ReleaseQueued(ctx context.Context, conversationID uuid.UUID)
}

type Opts struct {
	Timeout        time.Duration
	LockTTL        time.Duration
	BatchSize      int
	MessageEnabled bool
	MessageText    string
}

// Sweeper closes conversations that have been inactive past the configured
// timeout. Every tick one process wins the Redis lock and runs the pass, the
// rest no-op. Close failures on one conversation never abort the batch.
type Sweeper struct {
	conversations sweeperConversations
	messages      sweeperMessages
	locker        locker
	enqueuer      queuex.Enqueuer
	releaser      queueReleaser
	opts          Opts
	logger        logx.Logger
}

func NewSweeper(conversations sweeperConversations, messages sweeperMessages, locker locker, enqueuer queuex.Enqueuer, releaser queueReleaser, opts Opts, logger logx.Logger) *Sweeper {
	return &Sweeper{
		conversations: conversations,
		messages:      messages,
		locker:        locker,
		enqueuer:      enqueuer,
		releaser:      releaser,
		opts:          opts,
		logger:        logger,
	}
}

// HandleSweep is the asynq handler behind the scheduler's periodic task.
func (s *Sweeper) HandleSweep(ctx context.Context, t *asynq.Task) error {
	return s.Sweep(ctx)
}

func (s *Sweeper) Sweep(ctx context.Context) error {
	if s.opts.Timeout <= 0 {
		metricsx.IncAutoCloseSweep("disabled")
		return nil
	}
	release, acquired, err := s.locker.TryAcquire(ctx, LockKey, s.opts.LockTTL)
	if err != nil {
		metricsx.IncAutoCloseSweep("lock_error")
		return err
	}
	if !acquired {
		metricsx.IncAutoCloseSweep("skipped")
		s.logger.Debug(ctx, "autoclose_skipped", "another process holds the sweep lock")
		return nil
	}
	defer func() {
		if err := release(ctx); err != nil {
			s.logger.Warn(ctx, "autoclose_unlock_failed", "failed to release sweep lock",
				slog.String("error", err.Error()),
			)
		}
	}()

	cutoff := time.Now().UTC().Add(-s.opts.Timeout)
	conversations, err := s.conversations.FindInactiveBefore(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		metricsx.IncAutoCloseSweep("scan_error")
		return err
	}

	closed := 0
	for _, conv := range conversations {
		if s.closeOne(ctx, conv) {
			closed++
		}
	}
	metricsx.IncAutoCloseSweep("ok")
	if closed > 0 {
		s.logger.Info(ctx, "autoclose_swept", "closed inactive conversations",
			slog.Int("candidates", len(conversations)),
			slog.Int("closed", closed),
		)
	}
	return nil
}

func (s *Sweeper) closeOne(ctx context.Context, conv models.Conversation) bool {
	// Let bots listening for visitor inactivity react before the close
	// lands. Dispatch failures are not worth failing the sweep over.
	if s.enqueuer != nil {
		task := chatbot.NewDispatchTask(chatbot.NodeOnVisitorInactive, conv.ConversationID, time.Since(conv.LastActivityAt))
		if _, err := s.enqueuer.EnqueueContext(ctx, task); err != nil {
			s.logger.Warn(ctx, "autoclose_dispatch_failed", "failed to enqueue inactivity trigger",
				slog.String("conversation_id", conv.ConversationID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.opts.MessageEnabled {
		if _, err := s.messages.Create(ctx, conv.ConversationID, models.AuthorTypeSystem, nil, s.opts.MessageText); err != nil {
			s.logger.Warn(ctx, "autoclose_message_failed", "failed to post close notice",
				slog.String("conversation_id", conv.ConversationID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	closed, err := s.conversations.Close(ctx, conv.ConversationID)
	if err != nil {
		s.logger.Warn(ctx, "autoclose_close_failed", "failed to close conversation",
			slog.String("conversation_id", conv.ConversationID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	if closed {
		// A conversation swept while still waiting leaves queue entries
		// behind that no assign or check job will ever clean up.
		if s.releaser != nil {
			s.releaser.ReleaseQueued(ctx, conv.ConversationID)
		}
		metricsx.IncAutoCloseClosed()
	}
	return closed
}
