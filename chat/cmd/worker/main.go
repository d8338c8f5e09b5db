package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"live-support-routing-system/chat/internal/autoclose"
	"live-support-routing-system/chat/internal/chatbot"
	"live-support-routing-system/chat/internal/repos"
	"live-support-routing-system/chat/internal/routing"
	"live-support-routing-system/shared/cachex"
	"live-support-routing-system/shared/config"
	"live-support-routing-system/shared/dbx"
	"live-support-routing-system/shared/influxx"
	"live-support-routing-system/shared/lockx"
	"live-support-routing-system/shared/logx"
	"live-support-routing-system/shared/metricsx"
	"live-support-routing-system/shared/observability"
	"live-support-routing-system/shared/queuex"
)

func main() {
	cfg, problems := config.Load("routing-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
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

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer cache.Close()

	asynqClient, err := queuex.NewClient(cfg)
	if err != nil {
		logger.Error(context.Background(), "asynq_init_failed", "asynq client init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer asynqClient.Close()

	conversationsRepo := repos.NewConversationsRepo(dbPool)
	operatorsRepo := repos.NewOperatorsRepo(dbPool)
	messagesRepo := repos.NewMessagesRepo(dbPool)

	coordinatorOpts := routing.CoordinatorOpts{
		CheckDelay: cfg.AssignCheckDelay,
		RecheckMax: cfg.AssignRecheckMax,
	}
	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "queue wait recording disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer influx.Close()
			coordinatorOpts.WaitRecorder = influx
		}
	}
	coordinator := routing.NewCoordinator(conversationsRepo, operatorsRepo, cache, asynqClient, coordinatorOpts, logger)

	sweeper := autoclose.NewSweeper(conversationsRepo, messagesRepo, lockx.NewLocker(cache.Client()), asynqClient, coordinator, autoclose.Opts{
		Timeout:        time.Duration(cfg.AutoCloseTimeoutSec) * time.Second,
		LockTTL:        time.Duration(cfg.AutoCloseLockTTLSec) * time.Second,
		BatchSize:      cfg.AutoCloseBatchSize,
		MessageEnabled: cfg.AutoCloseMsgEnabled,
		MessageText:    cfg.AutoCloseMsgText,
	}, logger)

	server, err := queuex.NewServer(cfg, map[string]int{routing.Queue: 1})
	if err != nil {
		logger.Error(context.Background(), "asynq_server_failed", "asynq server init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(routing.TaskConversationAssign, traced("conversation.assign", routing.Queue, coordinator.HandleAssign))
	mux.HandleFunc(routing.TaskConversationCheck, traced("conversation.check", routing.Queue, coordinator.HandleCheck))
	mux.HandleFunc(autoclose.TaskSweep, traced("autoclose.sweep", routing.Queue, sweeper.HandleSweep))

	redisOpt := queuex.RedisOpt(cfg)
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	spec := "@every " + strconv.Itoa(cfg.AutoCloseSweepSec) + "s"
	if _, err := scheduler.Register(spec, asynq.NewTask(autoclose.TaskSweep, nil, asynq.Queue(routing.Queue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			for _, queue := range []string{routing.Queue, chatbot.Queue} {
				info, err := inspector.GetQueueInfo(queue)
				if err != nil {
					continue
				}
				metricsx.SetAsynqQueueDepth(queue, info.Size)
			}
			depth, err := cache.SetSize(context.Background(), routing.KeyWaitingQueue)
			if err != nil {
				continue
			}
			metricsx.SetWaitingQueueDepth(int(depth))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "routing worker started",
			slog.String("queue", routing.Queue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Int("sweep_interval_sec", cfg.AutoCloseSweepSec),
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

	logger.Info(context.Background(), "worker_stop", "routing worker stopped")
}

func traced(name string, queue string, handler func(context.Context, *asynq.Task) error) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, name)
		span.SetAttributes(attribute.String("queue", queue))
		defer span.End()
		return handler(ctx, t)
	}
}
