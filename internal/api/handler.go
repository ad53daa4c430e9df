// Package api is the HTTP surface of the engine: the caller-facing v1
// endpoints authenticated by bearer API keys, the admin endpoints guarded
// by RBAC, and the health and metrics plumbing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cellsage/ai-engine/internal/auth"
	"github.com/cellsage/ai-engine/internal/cache"
	"github.com/cellsage/ai-engine/internal/circuitbreaker"
	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/metrics"
	"github.com/cellsage/ai-engine/internal/repository"
)

const version = "0.5.0"

// Engine is the slice of the orchestration engine the handlers drive.
type Engine interface {
	Analyze(ctx context.Context, caller *domain.Caller, req *domain.AnalyzeRequest) (*domain.Outcome, error)
	Chat(ctx context.Context, caller *domain.Caller, req *domain.ChatRequest) (*domain.Outcome, error)
}

type HandlerConfig struct {
	Engine       Engine
	Callers      repository.CallerRepository
	Usage        repository.UsageRepository
	Cache        *cache.Cache            // nil omits cache stats from /health
	Breakers     *circuitbreaker.Manager // nil omits breaker states from /health
	Checkers     []HealthChecker
	CheckTimeout time.Duration
	Logger       *slog.Logger
}

type Handler struct {
	engine   Engine
	callers  repository.CallerRepository
	usage    repository.UsageRepository
	cache    *cache.Cache
	breakers *circuitbreaker.Manager
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}

	h := &Handler{
		engine:   cfg.Engine,
		callers:  cfg.Callers,
		usage:    cfg.Usage,
		cache:    cfg.Cache,
		breakers: cfg.Breakers,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/analyze", h.handleAnalyze)
	h.mux.HandleFunc("POST /v1/chat", h.handleChat)
	h.mux.HandleFunc("GET /v1/usage", h.handleUsage)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, checkTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.IncrementActiveConnections()
	defer metrics.DecrementActiveConnections()
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestID(r)

	caller, ok := h.authenticate(w, r, requestID)
	if !ok {
		return
	}

	var req domain.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	outcome, err := h.engine.Analyze(ctx, caller, &req)
	if err != nil {
		h.writeEngineError(w, requestID, caller.ID, err)
		return
	}
	writeOutcome(w, requestID, outcome)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestID(r)

	caller, ok := h.authenticate(w, r, requestID)
	if !ok {
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	outcome, err := h.engine.Chat(ctx, caller, &req)
	if err != nil {
		h.writeEngineError(w, requestID, caller.ID, err)
		return
	}
	writeOutcome(w, requestID, outcome)
}

// UsageResponse is the caller's consumption for the current calendar month.
type UsageResponse struct {
	CallerID     string                 `json:"caller_id"`
	MonthStart   time.Time              `json:"month_start"`
	TotalCostUSD float64                `json:"total_cost_usd"`
	BudgetUnits  int64                  `json:"budget_units_remaining"`
	Tiers        []repository.TierUsage `json:"tiers"`
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestID(r)

	caller, ok := h.authenticate(w, r, requestID)
	if !ok {
		return
	}
	if h.usage == nil {
		writeError(w, requestID, http.StatusNotFound, "not_found", "usage tracking is not enabled")
		return
	}

	since := startOfMonth(time.Now())

	total, err := h.usage.TotalCostSince(ctx, caller.ID, since)
	if err != nil {
		h.logger.Error("usage total query failed", "caller_id", caller.ID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to read usage")
		return
	}
	tiers, err := h.usage.SummarizeSince(ctx, caller.ID, since)
	if err != nil {
		h.logger.Error("usage summary query failed", "caller_id", caller.ID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to read usage")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	json.NewEncoder(w).Encode(UsageResponse{
		CallerID:     caller.ID,
		MonthStart:   since,
		TotalCostUSD: total,
		BudgetUnits:  caller.BudgetUnits,
		Tiers:        tiers,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"version": version,
	}

	if h.breakers != nil {
		states := h.breakers.States(r.Context())
		resp["circuit_breakers"] = states
		for _, state := range states {
			if state == "open" {
				resp["status"] = "degraded"
			}
		}
	}
	if h.cache != nil {
		resp["cache"] = h.cache.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// authenticate resolves the bearer API key to an enabled caller account.
// Disabled and unknown keys are indistinguishable to the client.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, requestID string) (*domain.Caller, bool) {
	apiKey := auth.ExtractBearerToken(r)
	if apiKey == "" {
		writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing API key")
		return nil, false
	}

	caller, err := h.callers.GetByAPIKey(r.Context(), apiKey)
	if err != nil {
		h.logger.Warn("invalid API key", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "invalid API key")
		return nil, false
	}
	return caller, true
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
// Pre-flight rejections carry the client-fixable 4xx codes; provider
// exhaustion is the gateway's own 502.
func (h *Handler) writeEngineError(w http.ResponseWriter, requestID, callerID string, err error) {
	var authErr *domain.AuthorizationError
	var budgetErr *domain.InsufficientBudgetError
	var rateErr *domain.RateLimitedError
	var allFailed *domain.AllProvidersFailedError

	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &authErr):
		writeError(w, requestID, http.StatusForbidden, "authorization_error", err.Error())
	case errors.As(err, &budgetErr):
		writeError(w, requestID, http.StatusPaymentRequired, "insufficient_budget", err.Error())
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.Wait.Seconds())+1))
		writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.As(err, &allFailed):
		writeError(w, requestID, http.StatusBadGateway, "all_providers_failed", err.Error())
	default:
		h.logger.Error("request failed", "request_id", requestID, "caller_id", callerID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeOutcome(w http.ResponseWriter, requestID string, outcome *domain.Outcome) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	if outcome.CacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	json.NewEncoder(w).Encode(outcome)
}

func writeError(w http.ResponseWriter, requestID string, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": message,
			"code":    status,
		},
	})
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

func startOfMonth(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
