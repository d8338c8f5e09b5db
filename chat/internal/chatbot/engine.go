package chatbot

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
	"live-support-routing-system/shared/logx"
	"live-support-routing-system/shared/metricsx"
	"live-support-routing-system/shared/queuex"
)

const (
	TaskChatbotDispatch = "chatbot.dispatch"
	TaskChatbotProcess  = "chatbot.process"

	// Queue is the asynq queue for the chatbot task family, consumed only
	// by the bot worker. Task constructors stamp it so flow jobs never land
	// on the routing worker's queue.
	Queue = "chatbot"
)

// DispatchPayload carries the trigger and, for inactivity triggers, how long
// the visitor has been silent so graphs can filter on their own threshold.
type DispatchPayload struct {
	Trigger        string `json:"trigger"`
	ConversationID string `json:"conversation_id"`
	InactiveSec    int64  `json:"inactive_sec,omitempty"`
}

// ProcessPayload identifies one hop of a walk: the graph, the node to
// execute, and the conversation the walk is about.
type ProcessPayload struct {
	GraphID        string `json:"graph_id"`
	NodeID         string `json:"node_id"`
	ConversationID string `json:"conversation_id"`
}

func NewDispatchTask(trigger string, conversationID uuid.UUID, inactiveFor time.Duration) *asynq.Task {
	payload, _ := json.Marshal(DispatchPayload{
		Trigger:        trigger,
		ConversationID: conversationID.String(),
		InactiveSec:    int64(inactiveFor.Seconds()),
	})
	return asynq.NewTask(TaskChatbotDispatch, payload, asynq.Queue(Queue))
}

func newProcessTask(graphID uuid.UUID, nodeID string, conversationID string) *asynq.Task {
	payload, _ := json.Marshal(ProcessPayload{GraphID: graphID.String(), NodeID: nodeID, ConversationID: conversationID})
	return asynq.NewTask(TaskChatbotProcess, payload, asynq.Queue(Queue))
}

type engineGraphs interface {
	GetByID(ctx context.Context, graphID uuid.UUID) (models.ChatbotGraph, error)
	ListEnabled(ctx context.Context) ([]models.ChatbotGraph, error)
}

type engineConversations interface {
	GetByID(ctx context.Context, conversationID uuid.UUID) (models.Conversation, error)
	Close(ctx context.Context, conversationID uuid.UUID) (bool, error)
}

type engineMessages interface {
	Create(ctx context.Context, conversationID uuid.UUID, authorType string, authorID *uuid.UUID, content string) (models.Message, error)
}

// Engine runs chatbot graphs one edge per job. The dispatch stage fans a
// trigger event out into process jobs; each process job executes exactly one
// node and enqueues at most one follow-up. A crash mid-walk is recovered by
// the job queue redelivering the hop that did not complete.
type Engine struct {
	graphs        engineGraphs
	conversations engineConversations
	messages      engineMessages
	enqueuer      queuex.Enqueuer
	logger        logx.Logger
}

func NewEngine(graphs engineGraphs, conversations engineConversations, messages engineMessages, enqueuer queuex.Enqueuer, logger logx.Logger) *Engine {
	return &Engine{
		graphs:        graphs,
		conversations: conversations,
		messages:      messages,
		enqueuer:      enqueuer,
		logger:        logger,
	}
}

// Dispatch fans a trigger event out to every enabled graph listening for it.
// One process job is enqueued per edge leaving a matching trigger node.
// Inactivity trigger nodes with their own inactive_minutes only fire once the
// visitor has been silent at least that long.
func (e *Engine) Dispatch(ctx context.Context, trigger string, conversationID uuid.UUID, inactiveFor time.Duration) error {
	graphs, err := e.graphs.ListEnabled(ctx)
	if err != nil {
		metricsx.IncChatbotJob("dispatch", "error")
		return err
	}
	var tasks []*asynq.Task
	for _, graph := range graphs {
		for _, node := range graph.Nodes {
			if node.Kind != trigger {
				continue
			}
			if !triggerReady(node, inactiveFor) {
				continue
			}
			for _, edge := range graph.Edges {
				if edge.SourceID != node.NodeID {
					continue
				}
				tasks = append(tasks, newProcessTask(graph.GraphID, edge.TargetID, conversationID.String()))
			}
		}
	}
	if len(tasks) == 0 {
		metricsx.IncChatbotJob("dispatch", "no_listener")
		return nil
	}
	if err := queuex.EnqueueAll(ctx, e.enqueuer, tasks); err != nil {
		metricsx.IncChatbotJob("dispatch", "error")
		return err
	}
	metricsx.IncChatbotJob("dispatch", "ok")
	e.logger.Info(ctx, "chatbot_dispatched", "trigger fanned out",
		slog.String("trigger", trigger),
		slog.String("conversation_id", conversationID.String()),
		slog.Int("jobs", len(tasks)),
	)
	return nil
}

// HandleDispatch is the asynq handler for chatbot.dispatch.
func (e *Engine) HandleDispatch(ctx context.Context, t *asynq.Task) error {
	var payload DispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	conversationID, err := uuid.Parse(strings.TrimSpace(payload.ConversationID))
	if err != nil {
		return err
	}
	return e.Dispatch(ctx, payload.Trigger, conversationID, time.Duration(payload.InactiveSec)*time.Second)
}

// triggerReady checks a trigger node's own firing condition. Nodes without a
// duration threshold always fire.
func triggerReady(node models.ChatbotNode, inactiveFor time.Duration) bool {
	if node.Kind != NodeOnVisitorInactive {
		return true
	}
	var cfg visitorInactiveConfig
	if err := json.Unmarshal(configOrEmpty(node), &cfg); err != nil {
		return false
	}
	if cfg.InactiveMinutes <= 0 {
		return true
	}
	return inactiveFor >= time.Duration(cfg.InactiveMinutes)*time.Minute
}

// HandleProcess executes one node of a walk. Missing graph, node or
// conversation terminates the walk quietly: the graph was edited or the
// conversation went away while jobs were in flight, neither is an error.
func (e *Engine) HandleProcess(ctx context.Context, t *asynq.Task) error {
	var payload ProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	graphID, err := uuid.Parse(strings.TrimSpace(payload.GraphID))
	if err != nil {
		return err
	}
	conversationID, err := uuid.Parse(strings.TrimSpace(payload.ConversationID))
	if err != nil {
		return err
	}

	graph, err := e.graphs.GetByID(ctx, graphID)
	if errors.Is(err, repos.ErrChatbotNotFound) {
		metricsx.IncChatbotJob("process", "graph_missing")
		e.logger.Debug(ctx, "chatbot_walk_ended", "graph no longer exists",
			slog.String("graph_id", payload.GraphID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	node, ok := findNode(graph, payload.NodeID)
	if !ok {
		metricsx.IncChatbotJob("process", "node_missing")
		e.logger.Debug(ctx, "chatbot_walk_ended", "node no longer exists",
			slog.String("graph_id", payload.GraphID),
			slog.String("node_id", payload.NodeID),
		)
		return nil
	}

	proceed, err := e.executeNode(ctx, node, conversationID)
	if err != nil {
		metricsx.IncChatbotJob("process", "error")
		return err
	}
	if !proceed {
		metricsx.IncChatbotJob("process", "terminated")
		return nil
	}

	next, ok := nextNodeID(graph, node.NodeID)
	if !ok {
		metricsx.IncChatbotJob("process", "ok")
		return nil
	}
	if _, err := e.enqueuer.EnqueueContext(ctx, newProcessTask(graph.GraphID, next, payload.ConversationID)); err != nil {
		metricsx.IncChatbotJob("process", "error")
		return err
	}
	metricsx.IncChatbotJob("process", "ok")
	return nil
}

// executeNode performs the node's side effect. proceed=false ends the walk.
func (e *Engine) executeNode(ctx context.Context, node models.ChatbotNode, conversationID uuid.UUID) (bool, error) {
	switch node.Kind {
	case NodeSendMessage:
		var cfg sendMessageConfig
		if err := json.Unmarshal(configOrEmpty(node), &cfg); err != nil {
			return false, err
		}
		_, err := e.conversations.GetByID(ctx, conversationID)
		if errors.Is(err, repos.ErrConversationNotFound) {
			e.logger.Debug(ctx, "chatbot_walk_ended", "conversation no longer exists",
				slog.String("conversation_id", conversationID.String()),
			)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if _, err := e.messages.Create(ctx, conversationID, models.AuthorTypeBot, nil, cfg.Text); err != nil {
			return false, err
		}
		return true, nil
	case NodeCloseConversation:
		// closed=false means it was already closed, a fine outcome.
		if _, err := e.conversations.Close(ctx, conversationID); err != nil {
			return false, err
		}
		return true, nil
	default:
		// Trigger kinds reached mid-walk pass through to their edge.
		return true, nil
	}
}

func findNode(graph models.ChatbotGraph, nodeID string) (models.ChatbotNode, bool) {
	for _, node := range graph.Nodes {
		if node.NodeID == nodeID {
			return node, true
		}
	}
	return models.ChatbotNode{}, false
}

// nextNodeID resolves the single outgoing edge: first edge whose source
// matches wins.
func nextNodeID(graph models.ChatbotGraph, nodeID string) (string, bool) {
	for _, edge := range graph.Edges {
		if edge.SourceID == nodeID {
			return edge.TargetID, true
		}
	}
	return "", false
}
