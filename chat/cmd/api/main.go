package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"live-support-routing-system/chat/internal/chatbot"
	"live-support-routing-system/chat/internal/middleware"
	"live-support-routing-system/chat/internal/models"
	"live-support-routing-system/chat/internal/repos"
	"live-support-routing-system/chat/internal/routing"
	"live-support-routing-system/shared/authx"
	"live-support-routing-system/shared/cachex"
	"live-support-routing-system/shared/config"
	"live-support-routing-system/shared/dbx"
	"live-support-routing-system/shared/httpx"
	"live-support-routing-system/shared/logx"
	"live-support-routing-system/shared/metricsx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type chatbotRequest struct {
	Name    string               `json:"name"`
	Enabled bool                 `json:"enabled"`
	Nodes   []models.ChatbotNode `json:"nodes"`
	Edges   []models.ChatbotEdge `json:"edges"`
}

type chatbotResponse struct {
	GraphID   uuid.UUID            `json:"graph_id"`
	Name      string               `json:"name"`
	Enabled   bool                 `json:"enabled"`
	Nodes     []models.ChatbotNode `json:"nodes"`
	Edges     []models.ChatbotEdge `json:"edges"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

type operatorRequest struct {
	OperatorID       string `json:"operator_id"`
	DisplayName      string `json:"display_name"`
	Status           string `json:"status"`
	ConcurrencyLimit int    `json:"concurrency_limit"`
}

func toChatbotResponse(graph models.ChatbotGraph) chatbotResponse {
	return chatbotResponse{
		GraphID:   graph.GraphID,
		Name:      graph.Name,
		Enabled:   graph.Enabled,
		Nodes:     graph.Nodes,
		Edges:     graph.Edges,
		CreatedAt: graph.CreatedAt,
		UpdatedAt: graph.UpdatedAt,
	}
}

func main() {
	cfg, readyProblems := config.Load("chat-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		var err error
		cache, err = cachex.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "failed to connect to redis"})
			logger.Error(context.Background(), "redis_init_failed", "redis init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	chatbotsRepo := repos.NewChatbotsRepo(dbPool)
	conversationsRepo := repos.NewConversationsRepo(dbPool)
	operatorsRepo := repos.NewOperatorsRepo(dbPool)

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		var err error
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	metricsx.Register()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		if cache != nil {
			if err := cache.Ping(r.Context()); err != nil {
				httpx.WriteError(
					w,
					r,
					http.StatusServiceUnavailable,
					"FAILED_PRECONDITION",
					"service not ready: redis unavailable",
					map[string]any{"problem": "redis_ping_failed"},
				)
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})

	mux.HandleFunc("POST /api/v1/chatbots", func(w http.ResponseWriter, r *http.Request) {
		var req chatbotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "name is required", nil)
			return
		}
		if problems := chatbot.Validate(req.Nodes, req.Edges); len(problems) > 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid chatbot graph",
				map[string]any{"problems": problems})
			return
		}
		graph, err := chatbotsRepo.Create(r.Context(), req.Name, req.Enabled, req.Nodes, req.Edges)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create chatbot", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, toChatbotResponse(graph))
	})
	mux.HandleFunc("PUT /api/v1/chatbots/{id}", func(w http.ResponseWriter, r *http.Request) {
		graphID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid chatbot id", nil)
			return
		}
		var req chatbotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "name is required", nil)
			return
		}
		if problems := chatbot.Validate(req.Nodes, req.Edges); len(problems) > 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid chatbot graph",
				map[string]any{"problems": problems})
			return
		}
		graph, err := chatbotsRepo.Update(r.Context(), graphID, req.Name, req.Enabled, req.Nodes, req.Edges)
		if errors.Is(err, repos.ErrChatbotNotFound) {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "chatbot not found", nil)
			return
		}
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update chatbot", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toChatbotResponse(graph))
	})
	mux.HandleFunc("GET /api/v1/chatbots", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		graphs, err := chatbotsRepo.List(r.Context(), limit, offset)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list chatbots", nil)
			return
		}
		out := make([]chatbotResponse, 0, len(graphs))
		for _, graph := range graphs {
			out = append(out, toChatbotResponse(graph))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"chatbots": out})
	})
	mux.HandleFunc("GET /api/v1/chatbots/{id}", func(w http.ResponseWriter, r *http.Request) {
		graphID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid chatbot id", nil)
			return
		}
		graph, err := chatbotsRepo.GetByID(r.Context(), graphID)
		if errors.Is(err, repos.ErrChatbotNotFound) {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "chatbot not found", nil)
			return
		}
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load chatbot", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toChatbotResponse(graph))
	})

	mux.HandleFunc("GET /api/v1/queue/status", func(w http.ResponseWriter, r *http.Request) {
		waiting, err := conversationsRepo.CountWaiting(r.Context())
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to count waiting conversations", nil)
			return
		}
		var depth int64
		if cache != nil {
			depth, err = cache.SetSize(r.Context(), routing.KeyWaitingQueue)
			if err != nil {
				httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read waiting queue", nil)
				return
			}
		}
		metricsx.SetWaitingQueueDepth(waiting)
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"waiting":     waiting,
			"queue_depth": depth,
			"capacity":    cfg.QueueCapacity,
		})
	})
	mux.HandleFunc("GET /api/v1/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		conversationID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid conversation id", nil)
			return
		}
		conv, err := conversationsRepo.GetByID(r.Context(), conversationID)
		if errors.Is(err, repos.ErrConversationNotFound) {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "conversation not found", nil)
			return
		}
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load conversation", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, conv)
	})
	mux.HandleFunc("GET /api/v1/conversations/{id}/queue-position", func(w http.ResponseWriter, r *http.Request) {
		conversationID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid conversation id", nil)
			return
		}
		if cache == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "queue backend not configured", nil)
			return
		}
		rank, err := cache.SetRank(r.Context(), routing.KeyWaitingQueue, conversationID.String())
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read queue position", nil)
			return
		}
		position := int64(0)
		if rank >= 0 {
			position = rank + 1
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"conversation_id": conversationID,
			"queued":          rank >= 0,
			"position":        position,
		})
	})

	mux.HandleFunc("POST /api/v1/operators", func(w http.ResponseWriter, r *http.Request) {
		var req operatorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
			return
		}
		operatorID := uuid.New()
		if strings.TrimSpace(req.OperatorID) != "" {
			var err error
			operatorID, err = uuid.Parse(req.OperatorID)
			if err != nil {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid operator id", nil)
				return
			}
		}
		status := strings.TrimSpace(req.Status)
		switch status {
		case models.OperatorStatusReady, models.OperatorStatusBusy, models.OperatorStatusLeave:
		default:
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "status must be ready, busy or leave", nil)
			return
		}
		if req.ConcurrencyLimit <= 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "concurrency_limit must be positive", nil)
			return
		}
		operator, err := operatorsRepo.Upsert(r.Context(), operatorID, req.DisplayName, status, req.ConcurrencyLimit)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save operator", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, operator)
	})
	mux.HandleFunc("GET /api/v1/operators", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		operators, err := operatorsRepo.List(r.Context(), limit, offset)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list operators", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"operators": operators})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	isPublic := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{
		Pool: dbPool,
		Skip: isPublic,
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Skip:     isPublic,
	}.Wrap(handler)
	var corsOrigins []string
	if v := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); v != "" {
		corsOrigins = strings.Split(v, ",")
	}
	handler = middleware.CORSMiddleware{
		AllowedOrigins: corsOrigins,
		MaxAge:         10 * time.Minute,
		Skip:           isPublic,
	}.Wrap(handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if cache != nil {
		_ = cache.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
