package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"live-support-routing-system/chat/internal/chatbot"
	"live-support-routing-system/chat/internal/repos"
	"live-support-routing-system/shared/config"
	"live-support-routing-system/shared/dbx"
	"live-support-routing-system/shared/logx"
	"live-support-routing-system/shared/observability"
	"live-support-routing-system/shared/queuex"
)

func main() {
	cfg, problems := config.Load("bot-worker", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	asynqClient, err := queuex.NewClient(cfg)
	if err != nil {
		logger.Error(context.Background(), "asynq_init_failed", "asynq client init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer asynqClient.Close()

	chatbotsRepo := repos.NewChatbotsRepo(dbPool)
	conversationsRepo := repos.NewConversationsRepo(dbPool)
	messagesRepo := repos.NewMessagesRepo(dbPool)
	engine := chatbot.NewEngine(chatbotsRepo, conversationsRepo, messagesRepo, asynqClient, logger)

	server, err := queuex.NewServer(cfg, map[string]int{chatbot.Queue: 1})
	if err != nil {
		logger.Error(context.Background(), "asynq_server_failed", "asynq server init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(chatbot.TaskChatbotDispatch, traced("chatbot.dispatch", chatbot.Queue, engine.HandleDispatch))
	mux.HandleFunc(chatbot.TaskChatbotProcess, traced("chatbot.process", chatbot.Queue, engine.HandleProcess))

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "bot worker started",
			slog.String("queue", chatbot.Queue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "bot worker stopped")
}

func traced(name string, queue string, handler func(context.Context, *asynq.Task) error) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, name)
		span.SetAttributes(attribute.String("queue", queue))
		defer span.End()
		return handler(ctx, t)
	}
}
