package queuex

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"live-support-routing-system/shared/config"
)

// Enqueuer is the slice of *asynq.Client the domain packages depend on, so
// handlers can be tested against an in-memory recorder.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

func RedisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
}

func NewClient(cfg config.Config) (*asynq.Client, error) {
	if cfg.AsynqRedisAddr == "" {
		return nil, errors.New("ASYNQ_REDIS_ADDR is required")
	}
	return asynq.NewClient(RedisOpt(cfg)), nil
}

// NewServer builds an asynq server consuming exactly the given queues. Each
// worker binary owns one task family's queue; handing a server a queue it has
// no handlers for would make it dequeue and fail foreign tasks.
func NewServer(cfg config.Config, queues map[string]int) (*asynq.Server, error) {
	if cfg.AsynqRedisAddr == "" {
		return nil, errors.New("ASYNQ_REDIS_ADDR is required")
	}
	if len(queues) == 0 {
		return nil, errors.New("at least one queue is required")
	}
	return asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      queues,
	}), nil
}

// EnqueueAll enqueues every task, stopping at the first failure. Partial
// progress is fine for the callers: each enqueued job stands on its own and
// a redelivered trigger re-enqueues the remainder.
func EnqueueAll(ctx context.Context, client Enqueuer, tasks []*asynq.Task, opts ...asynq.Option) error {
	for _, task := range tasks {
		if _, err := client.EnqueueContext(ctx, task, opts...); err != nil {
			return err
		}
	}
	return nil
}
