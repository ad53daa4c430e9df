package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cellsage/ai-engine/internal/auth"
	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/repository"
)

// AdminHandler manages caller accounts: creation, key rotation, budget
// credits, and usage inspection. When an RBAC middleware is supplied, every
// route requires Basic auth and the matching permission; without one the
// admin API is open, which is only acceptable in local development.
type AdminHandler struct {
	callers repository.CallerRepository
	usage   repository.UsageRepository
	rbac    *auth.RBACMiddleware
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewAdminHandler(callers repository.CallerRepository, usage repository.UsageRepository, rbac *auth.RBACMiddleware, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &AdminHandler{
		callers: callers,
		usage:   usage,
		rbac:    rbac,
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	h.mux.Handle("GET /admin/callers", h.guard(auth.PermissionCallerRead, h.listCallers))
	h.mux.Handle("POST /admin/callers", h.guard(auth.PermissionCallerWrite, h.createCaller))
	h.mux.Handle("GET /admin/callers/{id}", h.guard(auth.PermissionCallerRead, h.getCaller))
	h.mux.Handle("PUT /admin/callers/{id}", h.guard(auth.PermissionCallerWrite, h.updateCaller))
	h.mux.Handle("DELETE /admin/callers/{id}", h.guard(auth.PermissionCallerDelete, h.deleteCaller))
	h.mux.Handle("POST /admin/callers/{id}/rotate-key", h.guard(auth.PermissionCallerWrite, h.rotateAPIKey))
	h.mux.Handle("POST /admin/callers/{id}/credit", h.guard(auth.PermissionCallerWrite, h.creditCaller))
	h.mux.Handle("GET /admin/callers/{id}/usage", h.guard(auth.PermissionUsageRead, h.callerUsage))

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) guard(permission auth.Permission, fn http.HandlerFunc) http.Handler {
	if h.rbac == nil {
		return fn
	}
	return h.rbac.RequireAuth(h.rbac.RequirePermission(permission)(fn))
}

// CallerView is the admin API's rendering of a caller account. The API key
// hash never leaves the server; the key itself appears only in the create
// and rotate responses.
type CallerView struct {
	ID              string                   `json:"id"`
	Name            string                   `json:"name"`
	Subscription    domain.SubscriptionLevel `json:"subscription"`
	BudgetUnits     int64                    `json:"budget_units"`
	MonthlyLimitUSD float64                  `json:"monthly_limit_usd"`
	Enabled         bool                     `json:"enabled"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

func viewOf(c *domain.Caller) CallerView {
	return CallerView{
		ID:              c.ID,
		Name:            c.Name,
		Subscription:    c.Subscription,
		BudgetUnits:     c.BudgetUnits,
		MonthlyLimitUSD: c.MonthlyLimitUSD,
		Enabled:         c.Enabled,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

type CreateCallerRequest struct {
	Name            string                   `json:"name"`
	Subscription    domain.SubscriptionLevel `json:"subscription"`
	BudgetUnits     int64                    `json:"budget_units"`
	MonthlyLimitUSD float64                  `json:"monthly_limit_usd"`
}

type UpdateCallerRequest struct {
	Name            string                    `json:"name,omitempty"`
	Subscription    *domain.SubscriptionLevel `json:"subscription,omitempty"`
	MonthlyLimitUSD *float64                  `json:"monthly_limit_usd,omitempty"`
	Enabled         *bool                     `json:"enabled,omitempty"`
}

type CreditRequest struct {
	Units int64 `json:"units"`
}

func (h *AdminHandler) listCallers(w http.ResponseWriter, r *http.Request) {
	callers, err := h.callers.List(r.Context())
	if err != nil {
		h.logger.Error("list callers failed", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list callers")
		return
	}

	views := make([]CallerView, 0, len(callers))
	for _, c := range callers {
		views = append(views, viewOf(c))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"callers": views,
		"count":   len(views),
	})
}

func (h *AdminHandler) createCaller(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Subscription == "" {
		req.Subscription = domain.SubscriptionFree
	}
	if !validSubscription(req.Subscription) {
		writeAdminError(w, http.StatusBadRequest, "unknown subscription level")
		return
	}

	apiKey := generateAPIKey()
	now := time.Now()
	caller := &domain.Caller{
		ID:              uuid.New().String(),
		Name:            req.Name,
		APIKeyHash:      repository.HashAPIKey(apiKey),
		Subscription:    req.Subscription,
		BudgetUnits:     req.BudgetUnits,
		MonthlyLimitUSD: req.MonthlyLimitUSD,
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.callers.Create(ctx, caller); err != nil {
		h.logger.Error("create caller failed", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create caller")
		return
	}

	h.logger.Info("caller created", "caller_id", caller.ID, "name", caller.Name, "subscription", string(caller.Subscription))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"caller":  viewOf(caller),
		"api_key": apiKey,
	})
}

func (h *AdminHandler) getCaller(w http.ResponseWriter, r *http.Request) {
	caller, err := h.callers.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "caller not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(viewOf(caller))
}

func (h *AdminHandler) updateCaller(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, err := h.callers.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "caller not found")
		return
	}

	var req UpdateCallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != "" {
		caller.Name = req.Name
	}
	if req.Subscription != nil {
		if !validSubscription(*req.Subscription) {
			writeAdminError(w, http.StatusBadRequest, "unknown subscription level")
			return
		}
		caller.Subscription = *req.Subscription
	}
	if req.MonthlyLimitUSD != nil {
		caller.MonthlyLimitUSD = *req.MonthlyLimitUSD
	}
	if req.Enabled != nil {
		caller.Enabled = *req.Enabled
	}

	if err := h.callers.Update(ctx, caller); err != nil {
		h.logger.Error("update caller failed", "caller_id", caller.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to update caller")
		return
	}

	h.logger.Info("caller updated", "caller_id", caller.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(viewOf(caller))
}

func (h *AdminHandler) deleteCaller(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.callers.Delete(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusNotFound, "caller not found")
		return
	}

	h.logger.Info("caller deleted", "caller_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, err := h.callers.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "caller not found")
		return
	}

	apiKey := generateAPIKey()
	caller.APIKeyHash = repository.HashAPIKey(apiKey)

	if err := h.callers.Update(ctx, caller); err != nil {
		h.logger.Error("rotate API key failed", "caller_id", caller.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to rotate API key")
		return
	}

	h.logger.Info("API key rotated", "caller_id", caller.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"api_key": apiKey,
	})
}

// creditCaller adds (or with a negative amount, removes) budget units.
func (h *AdminHandler) creditCaller(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Units == 0 {
		writeAdminError(w, http.StatusBadRequest, "units must be non-zero")
		return
	}

	remaining, err := h.callers.DebitUnits(ctx, id, -req.Units)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "caller not found")
		return
	}

	h.logger.Info("caller credited", "caller_id", id, "units", req.Units, "balance", remaining)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"caller_id":    id,
		"budget_units": remaining,
	})
}

func (h *AdminHandler) callerUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, err := h.callers.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "caller not found")
		return
	}
	if h.usage == nil {
		writeAdminError(w, http.StatusNotFound, "usage tracking is not enabled")
		return
	}

	since := startOfMonth(time.Now())

	total, err := h.usage.TotalCostSince(ctx, caller.ID, since)
	if err != nil {
		h.logger.Error("usage total query failed", "caller_id", caller.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	tiers, err := h.usage.SummarizeSince(ctx, caller.ID, since)
	if err != nil {
		h.logger.Error("usage summary query failed", "caller_id", caller.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(UsageResponse{
		CallerID:     caller.ID,
		MonthStart:   since,
		TotalCostUSD: total,
		BudgetUnits:  caller.BudgetUnits,
		Tiers:        tiers,
	})
}

func validSubscription(s domain.SubscriptionLevel) bool {
	switch s {
	case domain.SubscriptionFree, domain.SubscriptionPro, domain.SubscriptionPremium:
		return true
	default:
		return false
	}
}

func generateAPIKey() string {
	return "ae-" + uuid.New().String()
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
	})
}
