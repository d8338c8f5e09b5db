package routing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"live-support-routing-system/chat/internal/models"
	"live-support-routing-system/chat/internal/repos"
	"live-support-routing-system/shared/lifecycle"
	"live-support-routing-system/shared/logx"
	"live-support-routing-system/shared/metricsx"
	"live-support-routing-system/shared/queuex"
)

const (
	// KeyWaitingQueue is the sorted set of queued conversation ids, scored
	// by queue entry time. Rank in this set is the visitor-facing position.
	KeyWaitingQueue = "routing:waiting"
	// KeyPendingAssign dedups assignment requests: only the first request
	// for a conversation schedules jobs, later ones are no-ops.
	KeyPendingAssign = "routing:pending"
)

type coordinatorConversations interface {
	GetByID(ctx context.Context, conversationID uuid.UUID) (models.Conversation, error)
	AssignOperator(ctx context.Context, conversationID uuid.UUID, operatorID uuid.UUID) (bool, error)
}

type coordinatorOperators interface {
	FindAssignable(ctx context.Context) (models.Operator, error)
}

type queueGate interface {
	AddToSetNX(ctx context.Context, key string, member string, at time.Time) (bool, error)
	RemoveFromSet(ctx context.Context, key string, member string) error
	SetRank(ctx context.Context, key string, member string) (int64, error)
	SetSize(ctx context.Context, key string) (int64, error)
}

type waitRecorder interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// Coordinator schedules and executes operator assignment. A request fans out
// into an immediate assign job and a delayed check job. The check re-runs the
// same attempt, so a conversation that found no free operator on the first
// pass gets another look once the delay elapses.
type Coordinator struct {
	conversations coordinatorConversations
	operators     coordinatorOperators
	gate          queueGate
	enqueuer      queuex.Enqueuer
	waitRecorder  waitRecorder
	checkDelay    time.Duration
	recheckMax    int
	logger        logx.Logger
}

type CoordinatorOpts struct {
	CheckDelay   time.Duration
	RecheckMax   int
	WaitRecorder waitRecorder
}

func NewCoordinator(conversations coordinatorConversations, operators coordinatorOperators, gate queueGate, enqueuer queuex.Enqueuer, opts CoordinatorOpts, logger logx.Logger) *Coordinator {
	return &Coordinator{
		conversations: conversations,
		operators:     operators,
		gate:          gate,
		enqueuer:      enqueuer,
		waitRecorder:  opts.WaitRecorder,
		checkDelay:    opts.CheckDelay,
		recheckMax:    opts.RecheckMax,
		logger:        logger,
	}
}

// Request schedules assignment for an admitted conversation. The pending set
// makes this idempotent: redelivered created events and duplicate callers
// collapse into the first request's job pair.
func (c *Coordinator) Request(ctx context.Context, conversationID uuid.UUID, queuedAt time.Time) error {
	added, err := c.gate.AddToSetNX(ctx, KeyPendingAssign, conversationID.String(), queuedAt)
	if err != nil {
		return err
	}
	if !added {
		c.logger.Debug(ctx, "assign_request_duplicate", "assignment already pending",
			slog.String("conversation_id", conversationID.String()),
		)
		return nil
	}
	if _, err := c.gate.AddToSetNX(ctx, KeyWaitingQueue, conversationID.String(), queuedAt); err != nil {
		c.clearQueued(ctx, conversationID)
		return err
	}
	// A failed enqueue must not leave the gate armed, or the conversation
	// could never be requested again.
	if _, err := c.enqueuer.EnqueueContext(ctx, NewAssignTask(conversationID)); err != nil {
		c.clearQueued(ctx, conversationID)
		return err
	}
	if _, err := c.enqueuer.EnqueueContext(ctx, NewCheckTask(conversationID, 1), asynq.ProcessIn(c.checkDelay)); err != nil {
		c.clearQueued(ctx, conversationID)
		return err
	}
	c.logger.Info(ctx, "assign_requested", "assignment scheduled",
		slog.String("conversation_id", conversationID.String()),
	)
	return nil
}

// QueuePosition returns the 1-based position of the conversation in the
// waiting queue, or 0 when it is not queued.
func (c *Coordinator) QueuePosition(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	rank, err := c.gate.SetRank(ctx, KeyWaitingQueue, conversationID.String())
	if err != nil {
		return 0, err
	}
	if rank < 0 {
		return 0, nil
	}
	return rank + 1, nil
}

func (c *Coordinator) QueueDepth(ctx context.Context) (int64, error) {
	return c.gate.SetSize(ctx, KeyWaitingQueue)
}

// ReleaseQueued drops a conversation's waiting and pending entries. Callers
// that take a conversation out of the queue by other means than assignment,
// like the inactivity sweep, use this so the gate and the depth stay honest.
func (c *Coordinator) ReleaseQueued(ctx context.Context, conversationID uuid.UUID) {
	c.clearQueued(ctx, conversationID)
}

// HandleAssign is the asynq handler for the immediate assignment job.
func (c *Coordinator) HandleAssign(ctx context.Context, t *asynq.Task) error {
	var payload AssignPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	conversationID, err := uuid.Parse(strings.TrimSpace(payload.ConversationID))
	if err != nil {
		return err
	}
	_, err = c.tryAssign(ctx, conversationID)
	return err
}

// HandleCheck is the asynq handler for the delayed re-check. It retries the
// assignment while the conversation still waits and schedules the next check
// until the recheck budget runs out.
func (c *Coordinator) HandleCheck(ctx context.Context, t *asynq.Task) error {
	var payload CheckPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	conversationID, err := uuid.Parse(strings.TrimSpace(payload.ConversationID))
	if err != nil {
		return err
	}
	assigned, err := c.tryAssign(ctx, conversationID)
	if err != nil {
		return err
	}
	if assigned {
		return nil
	}
	conv, err := c.conversations.GetByID(ctx, conversationID)
	if errors.Is(err, repos.ErrConversationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.Status != lifecycle.ConversationWaiting {
		return nil
	}
	if payload.Attempt >= c.recheckMax {
		// The job chain ends here. Dropping the pending entry lets a later
		// Request arm a fresh chain; the waiting entry stays because the
		// conversation really is still queued.
		if err := c.gate.RemoveFromSet(ctx, KeyPendingAssign, conversationID.String()); err != nil {
			c.logger.Warn(ctx, "queue_cleanup_failed", "failed to drop pending entry",
				slog.String("conversation_id", conversationID.String()),
				slog.String("error", err.Error()),
			)
		}
		c.logger.Info(ctx, "assign_recheck_exhausted", "conversation stays queued",
			slog.String("conversation_id", conversationID.String()),
			slog.Int("attempts", payload.Attempt),
		)
		return nil
	}
	_, err = c.enqueuer.EnqueueContext(ctx, NewCheckTask(conversationID, payload.Attempt+1), asynq.ProcessIn(c.checkDelay))
	return err
}

// tryAssign runs one assignment attempt. Correctness does not depend on how
// many workers run this concurrently: the conditional update in
// AssignOperator lets exactly one attempt win.
func (c *Coordinator) tryAssign(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	conv, err := c.conversations.GetByID(ctx, conversationID)
	if errors.Is(err, repos.ErrConversationNotFound) {
		c.logger.Debug(ctx, "assign_skip_missing", "conversation no longer exists",
			slog.String("conversation_id", conversationID.String()),
		)
		c.clearQueued(ctx, conversationID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if conv.Status != lifecycle.ConversationWaiting || conv.OperatorID != nil {
		c.clearQueued(ctx, conversationID)
		return false, nil
	}

	operator, err := c.operators.FindAssignable(ctx)
	if errors.Is(err, repos.ErrNoAssignableOperator) {
		metricsx.IncAssignmentAttempt("no_operator")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	assigned, err := c.conversations.AssignOperator(ctx, conversationID, operator.OperatorID)
	if err != nil {
		return false, err
	}
	if !assigned {
		// Another worker won between the read and the write.
		metricsx.IncAssignmentAttempt("lost_race")
		c.clearQueued(ctx, conversationID)
		return false, nil
	}

	metricsx.IncAssignmentAttempt("assigned")
	c.clearQueued(ctx, conversationID)
	c.recordWait(ctx, conv, operator)
	c.logger.Info(ctx, "conversation_assigned", "operator assigned",
		slog.String("conversation_id", conversationID.String()),
		slog.String("operator_id", operator.OperatorID.String()),
	)
	return true, nil
}

func (c *Coordinator) clearQueued(ctx context.Context, conversationID uuid.UUID) {
	member := conversationID.String()
	if err := c.gate.RemoveFromSet(ctx, KeyWaitingQueue, member); err != nil {
		c.logger.Warn(ctx, "queue_cleanup_failed", "failed to drop waiting entry",
			slog.String("conversation_id", member),
			slog.String("error", err.Error()),
		)
	}
	if err := c.gate.RemoveFromSet(ctx, KeyPendingAssign, member); err != nil {
		c.logger.Warn(ctx, "queue_cleanup_failed", "failed to drop pending entry",
			slog.String("conversation_id", member),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) recordWait(ctx context.Context, conv models.Conversation, operator models.Operator) {
	if conv.QueuedAt == nil {
		return
	}
	wait := time.Since(*conv.QueuedAt)
	if wait < 0 {
		wait = 0
	}
	metricsx.ObserveAssignmentWait(wait)
	if c.waitRecorder == nil {
		return
	}
	err := c.waitRecorder.WritePoint(ctx, "assignment_wait",
		map[string]string{"operator_id": operator.OperatorID.String()},
		map[string]any{"wait_ms": wait.Milliseconds()},
		time.Now().UTC(),
	)
	if err != nil {
		metricsx.IncInfluxWriteFailure()
		c.logger.Warn(ctx, "influx_write_failed", "failed to record wait point",
			slog.String("error", err.Error()),
		)
	}
}
