package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"live-support-routing-system/chat/internal/chatbot"
	"live-support-routing-system/chat/internal/repos"
	"live-support-routing-system/chat/internal/routing"
	"live-support-routing-system/shared/cachex"
	"live-support-routing-system/shared/config"
	"live-support-routing-system/shared/dbx"
	"live-support-routing-system/shared/events"
	"live-support-routing-system/shared/logx"
	"live-support-routing-system/shared/metricsx"
	"live-support-routing-system/shared/mqx"
	"live-support-routing-system/shared/observability"
	"live-support-routing-system/shared/queuex"
)

func main() {
	cfg, problems := config.Load("chat-consumer", 8082)
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
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
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
	visitorsRepo := repos.NewVisitorsRepo(dbPool)
	messagesRepo := repos.NewMessagesRepo(dbPool)

	admission := routing.NewAdmission(conversationsRepo, messagesRepo, cfg.QueueCapacity, cfg.QueueFullMessage, logger)
	coordinator := routing.NewCoordinator(conversationsRepo, operatorsRepo, cache, asynqClient, routing.CoordinatorOpts{
		CheckDelay: cfg.AssignCheckDelay,
		RecheckMax: cfg.AssignRecheckMax,
	}, logger)

	// The bus carries the chatbot side channel: the consume loop handles the
	// routing path synchronously before committing, while bot dispatch is
	// fire-don't-await so a slow enqueue never stalls admission.
	bus := events.NewBus()
	bus.Subscribe(events.EventConversationCreated, func(ctx context.Context, envelope events.Envelope) {
		var payload events.ConversationPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			logger.Warn(ctx, "bot_dispatch_skipped", "bad conversation payload",
				slog.String("error", err.Error()),
			)
			return
		}
		task := chatbot.NewDispatchTask(chatbot.NodeOnConversationCreated, payload.ConversationID, 0)
		if _, err := asynqClient.EnqueueContext(ctx, task); err != nil {
			logger.Error(ctx, "bot_dispatch_failed", "failed to enqueue chatbot dispatch",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("conversation_id", payload.ConversationID.String()),
				slog.String("error", err.Error()),
			)
		}
	})

	handler := &eventHandler{
		admission:     admission,
		coordinator:   coordinator,
		conversations: conversationsRepo,
		visitors:      visitorsRepo,
		bus:           bus,
		logger:        logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var wg sync.WaitGroup
	for _, topic := range []string{events.TopicConversationEvents, events.TopicMessageEvents} {
		reader, err := mqx.NewConsumer(cfg, topic, cfg.KafkaGroupID)
		if err != nil {
			logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		wg.Add(1)
		go func(topic string, reader *kafka.Reader) {
			defer wg.Done()
			defer reader.Close()
			consumeLoop(ctx, cfg, logger, handler, topic, reader)
		}(topic, reader)
	}

	logger.Info(ctx, "consumer_start", "chat events consumer started",
		slog.String("group", cfg.KafkaGroupID),
	)
	wg.Wait()
	bus.Wait()
	logger.Info(context.Background(), "consumer_stop", "chat events consumer stopped")
}

func consumeLoop(ctx context.Context, cfg config.Config, logger logx.Logger, handler *eventHandler, topic string, reader *kafka.Reader) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
		)
		if err := handler.handle(spanCtx, msg.Value); err != nil {
			span.End()
			logger.Error(ctx, "event_handle_failed", "failed to handle event",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			continue
		}
		span.End()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}
}

type eventHandler struct {
	admission     *routing.Admission
	coordinator   *routing.Coordinator
	conversations *repos.ConversationsRepo
	visitors      *repos.VisitorsRepo
	bus           *events.Bus
	logger        logx.Logger
}

func (h *eventHandler) handle(ctx context.Context, value []byte) error {
	var envelope events.Envelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return err
	}
	if envelope.EventID == uuid.Nil || envelope.AggregateID == uuid.Nil {
		return errors.New("missing event_id/aggregate_id")
	}

	switch envelope.EventType {
	case events.EventConversationCreated:
		return h.onConversationCreated(ctx, envelope)
	case events.EventConversationUpdated:
		h.logger.Debug(ctx, "conversation_updated", "conversation updated",
			slog.String("conversation_id", envelope.AggregateID.String()),
		)
		return nil
	case events.EventMessageCreated:
		return h.onMessageCreated(ctx, envelope)
	default:
		h.logger.Debug(ctx, "event_ignored", "unhandled event type",
			slog.String("event_type", envelope.EventType),
		)
		return nil
	}
}

func (h *eventHandler) onConversationCreated(ctx context.Context, envelope events.Envelope) error {
	var payload events.ConversationPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return err
	}
	if payload.ConversationID == uuid.Nil {
		return errors.New("missing conversation_id")
	}

	admitted, err := h.admission.Admit(ctx, payload.ConversationID)
	if err != nil {
		return err
	}
	if payload.VisitorID != uuid.Nil {
		if err := h.visitors.SetCurrentConversation(ctx, payload.VisitorID, &payload.ConversationID); err != nil {
			h.logger.Warn(ctx, "visitor_update_failed", "failed to set current conversation",
				slog.String("visitor_id", payload.VisitorID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if admitted {
		if err := h.coordinator.Request(ctx, payload.ConversationID, time.Now().UTC()); err != nil {
			return err
		}
	}
	h.bus.Publish(ctx, envelope)
	return nil
}

func (h *eventHandler) onMessageCreated(ctx context.Context, envelope events.Envelope) error {
	var payload events.MessagePayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return err
	}
	if payload.ConversationID == uuid.Nil {
		return errors.New("missing conversation_id")
	}
	at := envelope.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return h.conversations.TouchActivity(ctx, payload.ConversationID, at)
}
