package autoclose

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"live-support-routing-system/chat/internal/chatbot"
	"live-support-routing-system/chat/internal/models"
	"live-support-routing-system/shared/lifecycle"
	"live-support-routing-system/shared/logx"
)

func testLogger() logx.Logger {
	return logx.New("autoclose-test", "test", "", "error")
}

type fakeConversations struct {
	mu            sync.Mutex
	inactive      []models.Conversation
	closed        []uuid.UUID
	failCloseFor  map[uuid.UUID]bool
	findCallCount int
}

func (f *fakeConversations) FindInactiveBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCallCount++
	if limit < len(f.inactive) {
		return append([]models.Conversation(nil), f.inactive[:limit]...), nil
	}
	return append([]models.Conversation(nil), f.inactive...), nil
}

func (f *fakeConversations) Close(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCloseFor[id] {
		return false, errors.New("store unavailable")
	}
	f.closed = append(f.closed, id)
	return true, nil
}

type fakeMessages struct {
	mu       sync.Mutex
	messages []models.Message
}

func (f *fakeMessages) Create(ctx context.Context, conversationID uuid.UUID, authorType string, authorID *uuid.UUID, content string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := models.Message{MessageID: uuid.New(), ConversationID: conversationID, AuthorType: authorType, Content: content}
	f.messages = append(f.messages, msg)
	return msg, nil
}

// fakeLocker hands the lock to the first caller and rejects the rest until
// release, mirroring SetNX semantics.
type fakeLocker struct {
	mu   sync.Mutex
	held bool
}

func (f *fakeLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return nil, false, nil
	}
	f.held = true
	release := func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.held = false
		return nil
	}
	return release, true, nil
}

type fakeReleaser struct {
	mu       sync.Mutex
	released []uuid.UUID
}

func (f *fakeReleaser) ReleaseQueued(ctx context.Context, conversationID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, conversationID)
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func inactiveConversation() models.Conversation {
	return models.Conversation{
		ConversationID: uuid.New(),
		Status:         lifecycle.ConversationWaiting,
		LastActivityAt: time.Now().UTC().Add(-2 * time.Hour),
	}
}

func newSweeperFixture(conversations *fakeConversations, opts Opts) (*Sweeper, *fakeMessages, *fakeEnqueuer, *fakeReleaser) {
	messages := &fakeMessages{}
	enqueuer := &fakeEnqueuer{}
	releaser := &fakeReleaser{}
	sweeper := NewSweeper(conversations, messages, &fakeLocker{}, enqueuer, releaser, opts, testLogger())
	return sweeper, messages, enqueuer, releaser
}

func defaultOpts() Opts {
	return Opts{
		Timeout:   time.Hour,
		LockTTL:   20 * time.Second,
		BatchSize: 100,
	}
}

func TestSweepClosesInactiveConversations(t *testing.T) {
	conversations := &fakeConversations{
		inactive:     []models.Conversation{inactiveConversation(), inactiveConversation()},
		failCloseFor: map[uuid.UUID]bool{},
	}
	sweeper, messages, _, _ := newSweeperFixture(conversations, defaultOpts())

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(conversations.closed) != 2 {
		t.Fatalf("expected 2 closed, got %d", len(conversations.closed))
	}
	if len(messages.messages) != 0 {
		t.Fatalf("close notice disabled, got messages %v", messages.messages)
	}
}

func TestSweepPostsCloseNoticeWhenEnabled(t *testing.T) {
	conv := inactiveConversation()
	conversations := &fakeConversations{
		inactive:     []models.Conversation{conv},
		failCloseFor: map[uuid.UUID]bool{},
	}
	opts := defaultOpts()
	opts.MessageEnabled = true
	opts.MessageText = "closed due to inactivity"
	sweeper, messages, _, _ := newSweeperFixture(conversations, opts)

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(messages.messages) != 1 || messages.messages[0].Content != "closed due to inactivity" {
		t.Fatalf("expected one close notice, got %v", messages.messages)
	}
	if messages.messages[0].AuthorType != models.AuthorTypeSystem {
		t.Fatalf("notice author = %q", messages.messages[0].AuthorType)
	}
}

func TestSweepDisabledWhenTimeoutZero(t *testing.T) {
	conversations := &fakeConversations{
		inactive:     []models.Conversation{inactiveConversation()},
		failCloseFor: map[uuid.UUID]bool{},
	}
	opts := defaultOpts()
	opts.Timeout = 0
	sweeper, _, _, _ := newSweeperFixture(conversations, opts)

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if conversations.findCallCount != 0 || len(conversations.closed) != 0 {
		t.Fatalf("disabled sweep must not touch the store")
	}
}

func TestSweepExclusiveUnderContention(t *testing.T) {
	conversations := &fakeConversations{
		inactive:     []models.Conversation{inactiveConversation()},
		failCloseFor: map[uuid.UUID]bool{},
	}
	shared := &fakeLocker{}
	first := NewSweeper(conversations, &fakeMessages{}, shared, &fakeEnqueuer{}, &fakeReleaser{}, defaultOpts(), testLogger())
	second := NewSweeper(conversations, &fakeMessages{}, shared, &fakeEnqueuer{}, &fakeReleaser{}, defaultOpts(), testLogger())

	// Hold the lock as if another process is mid-sweep, then run ours.
	release, acquired, err := shared.TryAcquire(context.Background(), LockKey, time.Second)
	if err != nil || !acquired {
		t.Fatalf("seed lock: acquired=%v err=%v", acquired, err)
	}
	if err := first.Sweep(context.Background()); err != nil {
		t.Fatalf("contended sweep must no-op, got %v", err)
	}
	if conversations.findCallCount != 0 {
		t.Fatalf("loser must not scan the store")
	}
	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := second.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep after release: %v", err)
	}
	if len(conversations.closed) != 1 {
		t.Fatalf("expected winner to close 1, got %d", len(conversations.closed))
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	bad := inactiveConversation()
	good := inactiveConversation()
	conversations := &fakeConversations{
		inactive:     []models.Conversation{bad, good},
		failCloseFor: map[uuid.UUID]bool{bad.ConversationID: true},
	}
	sweeper, _, _, _ := newSweeperFixture(conversations, defaultOpts())

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(conversations.closed) != 1 || conversations.closed[0] != good.ConversationID {
		t.Fatalf("expected the healthy conversation closed, got %v", conversations.closed)
	}
}

func TestSweepDispatchesInactivityTrigger(t *testing.T) {
	conv := inactiveConversation()
	conversations := &fakeConversations{
		inactive:     []models.Conversation{conv},
		failCloseFor: map[uuid.UUID]bool{},
	}
	sweeper, _, enqueuer, _ := newSweeperFixture(conversations, defaultOpts())

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(enqueuer.tasks) != 1 || enqueuer.tasks[0].Type() != "chatbot.dispatch" {
		t.Fatalf("expected one chatbot.dispatch task, got %v", enqueuer.tasks)
	}
	var payload chatbot.DispatchPayload
	if err := json.Unmarshal(enqueuer.tasks[0].Payload(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	// The conversation went quiet two hours ago; bots filtering on their
	// own inactivity threshold need that figure.
	if payload.InactiveSec < 7000 {
		t.Fatalf("dispatch payload lost the silence duration, got %d", payload.InactiveSec)
	}
}

func TestSweepReleasesQueueEntries(t *testing.T) {
	stuck := inactiveConversation()
	swept := inactiveConversation()
	conversations := &fakeConversations{
		inactive:     []models.Conversation{stuck, swept},
		failCloseFor: map[uuid.UUID]bool{stuck.ConversationID: true},
	}
	sweeper, _, _, releaser := newSweeperFixture(conversations, defaultOpts())

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// Only a conversation that actually closed leaves the waiting queue;
	// conversations the store refused to close keep their place.
	if len(releaser.released) != 1 || releaser.released[0] != swept.ConversationID {
		t.Fatalf("expected only the closed conversation released, got %v", releaser.released)
	}
}

func TestSweepRespectsBatchSize(t *testing.T) {
	conversations := &fakeConversations{failCloseFor: map[uuid.UUID]bool{}}
	for i := 0; i < 5; i++ {
		conversations.inactive = append(conversations.inactive, inactiveConversation())
	}
	opts := defaultOpts()
	opts.BatchSize = 3
	sweeper, _, _, _ := newSweeperFixture(conversations, opts)

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(conversations.closed) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(conversations.closed))
	}
}
