//go:build integration

package integration

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"live-support-routing-system/chat/internal/chatbot"
	"live-support-routing-system/chat/internal/routing"
	"live-support-routing-system/shared/lockx"
)

// TestDependencies smoke-tests every backing service the routing core
// needs. Each leg skips when its env var is unset so partial environments
// stay usable.
func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			t.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			t.Fatalf("db ping failed: %v", err)
		}
	} else {
		t.Skip("DATABASE_URL not set")
	}

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	_ = conn.Close()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	// The sweep lock and the waiting queue live on this redis, so exercise
	// both primitives end to end.
	lock, acquired, err := lockx.Acquire(ctx, redisClient, "integration:lock", 5*time.Second)
	if err != nil || !acquired {
		t.Fatalf("lock acquire failed: acquired=%v err=%v", acquired, err)
	}
	if _, _, err := lockx.Acquire(ctx, redisClient, "integration:lock", 5*time.Second); err != nil {
		t.Fatalf("contended acquire errored: %v", err)
	}
	if err := lockx.Release(ctx, redisClient, lock); err != nil {
		t.Fatalf("lock release failed: %v", err)
	}
	queueKey := "integration:waiting"
	defer redisClient.Del(context.Background(), queueKey)
	if err := redisClient.ZAddNX(ctx, queueKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: "conv-1"}).Err(); err != nil {
		t.Fatalf("zadd failed: %v", err)
	}
	if rank, err := redisClient.ZRank(ctx, queueKey, "conv-1").Result(); err != nil || rank != 0 {
		t.Fatalf("zrank: rank=%d err=%v", rank, err)
	}

	influxURL := os.Getenv("INFLUX_URL")
	if influxURL == "" {
		t.Skip("INFLUX_URL not set")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("influx health failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.Fatalf("influx health status: %d", resp.StatusCode)
	}

	asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR")
	if asynqRedis == "" {
		t.Skip("ASYNQ_REDIS_ADDR not set")
	}
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: asynqRedis})
	defer asynqClient.Close()
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
	defer inspector.Close()

	// Assignment and chatbot tasks carry their family's queue on the task
	// itself. Each must land in the queue its own worker consumes.
	assignInfo, err := asynqClient.EnqueueContext(ctx, routing.NewAssignTask(uuid.New()))
	if err != nil {
		t.Fatalf("enqueue assign: %v", err)
	}
	defer inspector.DeleteTask(assignInfo.Queue, assignInfo.ID)
	if assignInfo.Queue != routing.Queue {
		t.Fatalf("assign task landed in %q, want %q", assignInfo.Queue, routing.Queue)
	}
	dispatchInfo, err := asynqClient.EnqueueContext(ctx, chatbot.NewDispatchTask(chatbot.NodeOnConversationCreated, uuid.New(), 0))
	if err != nil {
		t.Fatalf("enqueue dispatch: %v", err)
	}
	defer inspector.DeleteTask(dispatchInfo.Queue, dispatchInfo.ID)
	if dispatchInfo.Queue != chatbot.Queue {
		t.Fatalf("dispatch task landed in %q, want %q", dispatchInfo.Queue, chatbot.Queue)
	}
	if _, err := inspector.GetQueueInfo(routing.Queue); err != nil {
		t.Fatalf("asynq inspector failed: %v", err)
	}
}
