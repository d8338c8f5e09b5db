package queuex

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"

	"live-support-routing-system/shared/config"
)

func TestNewServerRequiresQueues(t *testing.T) {
	cfg := config.Config{AsynqRedisAddr: "localhost:6379", AsynqConcurrency: 1}
	if _, err := NewServer(cfg, nil); err == nil {
		t.Fatalf("expected an error for a server with no queues")
	}
	server, err := NewServer(cfg, map[string]int{"routing": 1})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if server == nil {
		t.Fatalf("expected a server")
	}
}

func TestNewServerRequiresRedisAddr(t *testing.T) {
	if _, err := NewServer(config.Config{}, map[string]int{"routing": 1}); err == nil {
		t.Fatalf("expected an error without a redis address")
	}
}

type recordingEnqueuer struct {
	count   int
	failAt  int
	visited []string
}

func (r *recordingEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	r.count++
	if r.failAt > 0 && r.count == r.failAt {
		return nil, errors.New("queue unavailable")
	}
	r.visited = append(r.visited, task.Type())
	return &asynq.TaskInfo{}, nil
}

func TestEnqueueAllStopsAtFirstFailure(t *testing.T) {
	tasks := []*asynq.Task{
		asynq.NewTask("a", nil),
		asynq.NewTask("b", nil),
		asynq.NewTask("c", nil),
	}
	enqueuer := &recordingEnqueuer{failAt: 2}
	if err := EnqueueAll(context.Background(), enqueuer, tasks); err == nil {
		t.Fatalf("expected the failure to surface")
	}
	if len(enqueuer.visited) != 1 || enqueuer.visited[0] != "a" {
		t.Fatalf("expected to stop after the failed enqueue, got %v", enqueuer.visited)
	}

	enqueuer = &recordingEnqueuer{}
	if err := EnqueueAll(context.Background(), enqueuer, tasks); err != nil {
		t.Fatalf("enqueue all: %v", err)
	}
	if len(enqueuer.visited) != 3 {
		t.Fatalf("expected all tasks enqueued, got %v", enqueuer.visited)
	}
}
