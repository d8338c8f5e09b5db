package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"live-support-routing-system/chat/internal/models"
	"live-support-routing-system/chat/internal/repos"
	"live-support-routing-system/chat/internal/routing"
	"live-support-routing-system/shared/lifecycle"
	"live-support-routing-system/shared/logx"
)

func testLogger() logx.Logger {
	return logx.New("chatbot-test", "test", "", "error")
}

// actionLog records side effects across fakes so tests can assert ordering.
type actionLog struct {
	mu      sync.Mutex
	actions []string
}

func (l *actionLog) add(action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = append(l.actions, action)
}

func (l *actionLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.actions...)
}

type fakeGraphs struct {
	graphs map[uuid.UUID]models.ChatbotGraph
}

func (f *fakeGraphs) GetByID(ctx context.Context, graphID uuid.UUID) (models.ChatbotGraph, error) {
	graph, ok := f.graphs[graphID]
	if !ok {
		return models.ChatbotGraph{}, repos.ErrChatbotNotFound
	}
	return graph, nil
}

func (f *fakeGraphs) ListEnabled(ctx context.Context) ([]models.ChatbotGraph, error) {
	var out []models.ChatbotGraph
	for _, graph := range f.graphs {
		if graph.Enabled {
			out = append(out, graph)
		}
	}
	return out, nil
}

type fakeConversations struct {
	log           *actionLog
	conversations map[uuid.UUID]*models.Conversation
}

func (f *fakeConversations) GetByID(ctx context.Context, id uuid.UUID) (models.Conversation, error) {
	conv, ok := f.conversations[id]
	if !ok {
		return models.Conversation{}, repos.ErrConversationNotFound
	}
	return *conv, nil
}

func (f *fakeConversations) Close(ctx context.Context, id uuid.UUID) (bool, error) {
	conv, ok := f.conversations[id]
	if !ok || conv.Status == lifecycle.ConversationClosed {
		return false, nil
	}
	conv.Status = lifecycle.ConversationClosed
	f.log.add("close")
	return true, nil
}

type fakeMessages struct {
	log      *actionLog
	messages []models.Message
}

func (f *fakeMessages) Create(ctx context.Context, conversationID uuid.UUID, authorType string, authorID *uuid.UUID, content string) (models.Message, error) {
	msg := models.Message{
		MessageID:      uuid.New(),
		ConversationID: conversationID,
		AuthorType:     authorType,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	f.messages = append(f.messages, msg)
	f.log.add("message:" + content)
	return msg, nil
}

// queueRunner collects enqueued tasks and replays them through the engine in
// FIFO order, standing in for an asynq worker.
type queueRunner struct {
	mu      sync.Mutex
	pending []*asynq.Task
	process int
}

func (q *queueRunner) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, task)
	if task.Type() == TaskChatbotProcess {
		q.process++
	}
	return &asynq.TaskInfo{}, nil
}

func (q *queueRunner) drain(t *testing.T, engine *Engine) {
	t.Helper()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		var err error
		switch task.Type() {
		case TaskChatbotDispatch:
			err = engine.HandleDispatch(context.Background(), task)
		case TaskChatbotProcess:
			err = engine.HandleProcess(context.Background(), task)
		default:
			t.Fatalf("unexpected task type %q", task.Type())
		}
		if err != nil {
			t.Fatalf("handle %s: %v", task.Type(), err)
		}
	}
}

func linearGraph() models.ChatbotGraph {
	return models.ChatbotGraph{
		GraphID: uuid.New(),
		Name:    "greet and close",
		Enabled: true,
		Nodes: []models.ChatbotNode{
			{NodeID: "trigger", Kind: NodeOnConversationCreated},
			{NodeID: "greet", Kind: NodeSendMessage, Config: json.RawMessage(`{"text":"welcome"}`)},
			{NodeID: "bye", Kind: NodeCloseConversation},
		},
		Edges: []models.ChatbotEdge{
			{SourceID: "trigger", TargetID: "greet"},
			{SourceID: "greet", TargetID: "bye"},
		},
	}
}

func newEngineFixture(graphs ...models.ChatbotGraph) (*Engine, *queueRunner, *fakeConversations, *fakeMessages, uuid.UUID) {
	log := &actionLog{}
	graphStore := &fakeGraphs{graphs: map[uuid.UUID]models.ChatbotGraph{}}
	for _, graph := range graphs {
		graphStore.graphs[graph.GraphID] = graph
	}
	convID := uuid.New()
	conversations := &fakeConversations{
		log: log,
		conversations: map[uuid.UUID]*models.Conversation{
			convID: {ConversationID: convID, Status: lifecycle.ConversationWaiting},
		},
	}
	messages := &fakeMessages{log: log}
	runner := &queueRunner{}
	engine := NewEngine(graphStore, conversations, messages, runner, testLogger())
	return engine, runner, conversations, messages, convID
}

func TestLinearWalkOneEdgePerJob(t *testing.T) {
	graph := linearGraph()
	engine, runner, conversations, messages, convID := newEngineFixture(graph)

	if err := engine.Dispatch(context.Background(), NodeOnConversationCreated, convID, 0); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	runner.drain(t, engine)

	if runner.process != 2 {
		t.Fatalf("expected exactly 2 process jobs, got %d", runner.process)
	}
	if len(messages.messages) != 1 || messages.messages[0].Content != "welcome" {
		t.Fatalf("expected one welcome message, got %+v", messages.messages)
	}
	if messages.messages[0].AuthorType != models.AuthorTypeBot {
		t.Fatalf("message author = %q", messages.messages[0].AuthorType)
	}
	conv, err := conversations.GetByID(context.Background(), convID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.Status != lifecycle.ConversationClosed {
		t.Fatalf("conversation status = %q, want closed", conv.Status)
	}
	actions := conversations.log.list()
	if len(actions) != 2 || actions[0] != "message:welcome" || actions[1] != "close" {
		t.Fatalf("expected message then close, got %v", actions)
	}
}

func TestDispatchIgnoresDisabledAndUnrelatedGraphs(t *testing.T) {
	disabled := linearGraph()
	disabled.Enabled = false
	inactiveOnly := models.ChatbotGraph{
		GraphID: uuid.New(),
		Enabled: true,
		Nodes: []models.ChatbotNode{
			{NodeID: "t", Kind: NodeOnVisitorInactive, Config: json.RawMessage(`{"inactive_minutes":10}`)},
			{NodeID: "m", Kind: NodeSendMessage, Config: json.RawMessage(`{"text":"still there?"}`)},
		},
		Edges: []models.ChatbotEdge{{SourceID: "t", TargetID: "m"}},
	}
	engine, runner, _, _, convID := newEngineFixture(disabled, inactiveOnly)

	if err := engine.Dispatch(context.Background(), NodeOnConversationCreated, convID, 0); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if runner.process != 0 {
		t.Fatalf("expected no process jobs, got %d", runner.process)
	}
}

func inactivityGraph(minutes int, text string) models.ChatbotGraph {
	return models.ChatbotGraph{
		GraphID: uuid.New(),
		Enabled: true,
		Nodes: []models.ChatbotNode{
			{NodeID: "t", Kind: NodeOnVisitorInactive, Config: json.RawMessage(fmt.Sprintf(`{"inactive_minutes":%d}`, minutes))},
			{NodeID: "m", Kind: NodeSendMessage, Config: json.RawMessage(fmt.Sprintf(`{"text":%q}`, text))},
		},
		Edges: []models.ChatbotEdge{{SourceID: "t", TargetID: "m"}},
	}
}

func TestDispatchHonorsInactiveThreshold(t *testing.T) {
	short := inactivityGraph(5, "still there?")
	long := inactivityGraph(30, "closing soon")
	engine, runner, _, messages, convID := newEngineFixture(short, long)

	// Ten minutes of silence clears the 5 minute threshold but not the
	// 30 minute one.
	if err := engine.Dispatch(context.Background(), NodeOnVisitorInactive, convID, 10*time.Minute); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	runner.drain(t, engine)
	if len(messages.messages) != 1 || messages.messages[0].Content != "still there?" {
		t.Fatalf("expected only the 5 minute graph to fire, got %+v", messages.messages)
	}
}

func TestHandleDispatchCarriesInactivity(t *testing.T) {
	short := inactivityGraph(5, "still there?")
	long := inactivityGraph(30, "closing soon")
	engine, runner, _, messages, convID := newEngineFixture(short, long)

	task := NewDispatchTask(NodeOnVisitorInactive, convID, 10*time.Minute)
	if err := engine.HandleDispatch(context.Background(), task); err != nil {
		t.Fatalf("handle dispatch: %v", err)
	}
	runner.drain(t, engine)
	if len(messages.messages) != 1 || messages.messages[0].Content != "still there?" {
		t.Fatalf("expected the payload to carry the silence duration, got %+v", messages.messages)
	}
}

func TestChatbotQueueIsolatedFromRouting(t *testing.T) {
	if Queue == routing.Queue {
		t.Fatalf("chatbot tasks must not share the assignment workers' queue")
	}
}

func TestProcessMissingGraphEndsWalk(t *testing.T) {
	engine, runner, _, _, convID := newEngineFixture()

	task := newProcessTask(uuid.New(), "greet", convID.String())
	if err := engine.HandleProcess(context.Background(), task); err != nil {
		t.Fatalf("handle process: %v", err)
	}
	if runner.process != 0 {
		t.Fatalf("missing graph must not enqueue, got %d jobs", runner.process)
	}
}

func TestProcessMissingNodeEndsWalk(t *testing.T) {
	graph := linearGraph()
	engine, runner, _, messages, convID := newEngineFixture(graph)

	task := newProcessTask(graph.GraphID, "deleted", convID.String())
	if err := engine.HandleProcess(context.Background(), task); err != nil {
		t.Fatalf("handle process: %v", err)
	}
	if runner.process != 0 || len(messages.messages) != 0 {
		t.Fatalf("missing node must end the walk silently")
	}
}

func TestProcessMissingConversationEndsWalk(t *testing.T) {
	graph := linearGraph()
	engine, runner, _, messages, _ := newEngineFixture(graph)

	task := newProcessTask(graph.GraphID, "greet", uuid.New().String())
	if err := engine.HandleProcess(context.Background(), task); err != nil {
		t.Fatalf("handle process: %v", err)
	}
	if runner.process != 0 || len(messages.messages) != 0 {
		t.Fatalf("missing conversation must end the walk silently")
	}
}

func TestProcessCloseIsIdempotent(t *testing.T) {
	graph := linearGraph()
	engine, _, conversations, _, convID := newEngineFixture(graph)
	conversations.conversations[convID].Status = lifecycle.ConversationClosed

	task := newProcessTask(graph.GraphID, "bye", convID.String())
	if err := engine.HandleProcess(context.Background(), task); err != nil {
		t.Fatalf("handle process: %v", err)
	}
	if actions := conversations.log.list(); len(actions) != 0 {
		t.Fatalf("already-closed conversation must be a no-op, got %v", actions)
	}
}
