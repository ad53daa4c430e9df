package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/repository"
)

const devKey = "ae-dev-key"

type stubEngine struct {
	outcome *domain.Outcome
	err     error

	analyzeReq *domain.AnalyzeRequest
	chatReq    *domain.ChatRequest
	caller     *domain.Caller
}

func (s *stubEngine) Analyze(ctx context.Context, caller *domain.Caller, req *domain.AnalyzeRequest) (*domain.Outcome, error) {
	s.caller = caller
	s.analyzeReq = req
	return s.outcome, s.err
}

func (s *stubEngine) Chat(ctx context.Context, caller *domain.Caller, req *domain.ChatRequest) (*domain.Outcome, error) {
	s.caller = caller
	s.chatReq = req
	return s.outcome, s.err
}

func testOutcome() *domain.Outcome {
	return &domain.Outcome{
		RequestID:    "r1",
		Kind:         domain.KindAnalysis,
		Content:      "the SUM range skips row 10",
		TierUsed:     domain.Tier1,
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      0.0005,
		BudgetUnits:  1,
	}
}

func newTestHandler(t *testing.T, eng Engine) (*Handler, *repository.InMemoryUsageRepository) {
	t.Helper()
	usage := repository.NewInMemoryUsageRepository()
	h := NewHandler(HandlerConfig{
		Engine:  eng,
		Callers: repository.NewInMemoryCallerRepository(),
		Usage:   usage,
	})
	return h, usage
}

func doJSON(t *testing.T, h http.Handler, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErrorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Kind
}

func TestAnalyze_Success(t *testing.T) {
	eng := &stubEngine{outcome: testOutcome()}
	h, _ := newTestHandler(t, eng)

	rec := doJSON(t, h, http.MethodPost, "/v1/analyze", devKey, map[string]any{
		"content": "A1:C10",
		"issues":  []map[string]string{{"type": "broken_formula", "severity": "high"}},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}

	if eng.analyzeReq == nil {
		t.Fatal("engine never saw the request")
	}
	if eng.analyzeReq.Content != "A1:C10" {
		t.Errorf("content = %q", eng.analyzeReq.Content)
	}
	if len(eng.analyzeReq.Issues) != 1 || eng.analyzeReq.Issues[0].Type != "broken_formula" {
		t.Errorf("issues = %+v", eng.analyzeReq.Issues)
	}
	if eng.caller == nil || eng.caller.ID != "dev" {
		t.Errorf("caller = %+v, want dev", eng.caller)
	}

	var out domain.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if out.Content != "the SUM range skips row 10" {
		t.Errorf("content = %q", out.Content)
	}
	if out.TierUsed != domain.Tier1 {
		t.Errorf("tier_used = %q", out.TierUsed)
	}
}

func TestAnalyze_CacheHitHeader(t *testing.T) {
	out := testOutcome()
	out.CacheHit = true
	h, _ := newTestHandler(t, &stubEngine{outcome: out})

	rec := doJSON(t, h, http.MethodPost, "/v1/analyze", devKey, map[string]any{"content": "x"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("X-Cache = %q, want HIT", got)
	}
}

func TestAnalyze_MissingAPIKey(t *testing.T) {
	h, _ := newTestHandler(t, &stubEngine{outcome: testOutcome()})

	rec := doJSON(t, h, http.MethodPost, "/v1/analyze", "", map[string]any{"content": "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if kind := decodeErrorKind(t, rec); kind != "unauthorized" {
		t.Errorf("kind = %q", kind)
	}
}

func TestAnalyze_UnknownAPIKey(t *testing.T) {
	h, _ := newTestHandler(t, &stubEngine{outcome: testOutcome()})

	rec := doJSON(t, h, http.MethodPost, "/v1/analyze", "ae-no-such-key", map[string]any{"content": "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAnalyze_InvalidBody(t *testing.T) {
	h, _ := newTestHandler(t, &stubEngine{outcome: testOutcome()})

	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+devKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChat_Success(t *testing.T) {
	out := testOutcome()
	out.Kind = domain.KindChat
	eng := &stubEngine{outcome: out}
	h, _ := newTestHandler(t, eng)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat", devKey, map[string]any{
		"message": "why is B2 wrong?",
		"context": "B2 holds =SUM(A:A)",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if eng.chatReq == nil || eng.chatReq.Message != "why is B2 wrong?" {
		t.Errorf("chat request = %+v", eng.chatReq)
	}
}

func TestEngineErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{
			name:       "invalid request",
			err:        fmt.Errorf("%w: content required", domain.ErrInvalidRequest),
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "authorization",
			err:        &domain.AuthorizationError{CallerID: "dev", Requested: domain.Tier3, Entitled: domain.Tier1},
			wantStatus: http.StatusForbidden,
			wantKind:   "authorization_error",
		},
		{
			name:       "insufficient budget",
			err:        &domain.InsufficientBudgetError{CallerID: "dev", Tier: domain.Tier2, Required: 5, Available: 1},
			wantStatus: http.StatusPaymentRequired,
			wantKind:   "insufficient_budget",
		},
		{
			name:       "rate limited",
			err:        &domain.RateLimitedError{Provider: "openai", Wait: 20 * time.Second},
			wantStatus: http.StatusTooManyRequests,
			wantKind:   "rate_limited",
		},
		{
			name:       "all providers failed",
			err:        &domain.AllProvidersFailedError{Failures: []domain.ProviderFailure{{Provider: "openai", Reason: "timeout"}}},
			wantStatus: http.StatusBadGateway,
			wantKind:   "all_providers_failed",
		},
		{
			name:       "unexpected",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantKind:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, &stubEngine{err: tt.err})

			rec := doJSON(t, h, http.MethodPost, "/v1/analyze", devKey, map[string]any{"content": "x"})
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if kind := decodeErrorKind(t, rec); kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", kind, tt.wantKind)
			}
		})
	}
}

func TestEngineError_RateLimitedSetsRetryAfter(t *testing.T) {
	h, _ := newTestHandler(t, &stubEngine{err: &domain.RateLimitedError{Provider: "openai", Wait: 20 * time.Second}})

	rec := doJSON(t, h, http.MethodPost, "/v1/analyze", devKey, map[string]any{"content": "x"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "21" {
		t.Errorf("Retry-After = %q, want 21", got)
	}
}

func TestUsage(t *testing.T) {
	h, usage := newTestHandler(t, &stubEngine{})

	now := time.Now().UTC()
	records := []domain.UsageRecord{
		{ID: "u1", CallerID: "dev", Tier: domain.Tier1, InputTokens: 100, OutputTokens: 50, CostUSD: 0.001, BudgetUnits: 1, Timestamp: now},
		{ID: "u2", CallerID: "dev", Tier: domain.Tier2, InputTokens: 200, OutputTokens: 80, CostUSD: 0.004, BudgetUnits: 2, Timestamp: now},
		{ID: "u3", CallerID: "other", Tier: domain.Tier1, InputTokens: 999, OutputTokens: 999, CostUSD: 9.99, BudgetUnits: 99, Timestamp: now},
	}
	for _, rec := range records {
		if err := usage.Record(context.Background(), rec); err != nil {
			t.Fatalf("seed usage: %v", err)
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/usage", devKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp UsageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CallerID != "dev" {
		t.Errorf("caller_id = %q", resp.CallerID)
	}
	if want := 0.005; resp.TotalCostUSD != want {
		t.Errorf("total_cost_usd = %v, want %v", resp.TotalCostUSD, want)
	}
	if len(resp.Tiers) != 2 {
		t.Fatalf("tiers = %+v, want two entries", resp.Tiers)
	}
	if resp.Tiers[0].Tier != domain.Tier1 || resp.Tiers[1].Tier != domain.Tier2 {
		t.Errorf("tier order = %q, %q", resp.Tiers[0].Tier, resp.Tiers[1].Tier)
	}
}

func TestUsage_RequiresAuth(t *testing.T) {
	h, _ := newTestHandler(t, &stubEngine{})

	rec := doJSON(t, h, http.MethodGet, "/v1/usage", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t, &stubEngine{})

	rec := doJSON(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v", resp["status"])
	}
	if resp["version"] != version {
		t.Errorf("version = %v", resp["version"])
	}
}

func TestHealthLive(t *testing.T) {
	h, _ := newTestHandler(t, &stubEngine{})

	rec := doJSON(t, h, http.MethodGet, "/health/live", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

type fakeChecker struct {
	name string
	err  error
}

func (c fakeChecker) Name() string                { return c.name }
func (c fakeChecker) Check(context.Context) error { return c.err }

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []HealthChecker
		wantStatus int
		wantState  string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantState:  "ready",
		},
		{
			name:       "all healthy",
			checkers:   []HealthChecker{fakeChecker{name: "redis"}, fakeChecker{name: "postgres"}},
			wantStatus: http.StatusOK,
			wantState:  "ready",
		},
		{
			name:       "dependency down",
			checkers:   []HealthChecker{fakeChecker{name: "redis"}, fakeChecker{name: "postgres", err: errors.New("connection refused")}},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(HandlerConfig{
				Engine:   &stubEngine{},
				Callers:  repository.NewInMemoryCallerRepository(),
				Usage:    repository.NewInMemoryUsageRepository(),
				Checkers: tt.checkers,
			})

			rec := doJSON(t, h, http.MethodGet, "/health/ready", "", nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}

			var status HealthStatus
			if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if status.Status != tt.wantState {
				t.Errorf("status = %q, want %q", status.Status, tt.wantState)
			}
		})
	}
}
