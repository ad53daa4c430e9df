//go:build integration

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cellsage/ai-engine/internal/api"
	"github.com/cellsage/ai-engine/internal/budget"
	"github.com/cellsage/ai-engine/internal/cache"
	"github.com/cellsage/ai-engine/internal/cost"
	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/engine"
	"github.com/cellsage/ai-engine/internal/judge"
	"github.com/cellsage/ai-engine/internal/repository"
	"github.com/cellsage/ai-engine/internal/router"
)

// fakeExecutor stands in for the provider fallback chain. Every call
// succeeds with a fixed envelope at the requested tier.
type fakeExecutor struct {
	calls atomic.Int64
}

func (f *fakeExecutor) Execute(ctx context.Context, tier domain.Tier, req router.Request) (*router.Result, error) {
	f.calls.Add(1)
	return &router.Result{
		Envelope: &domain.ResponseEnvelope{
			Content:      "row 3 references a deleted column; replace =VLOOKUP(A3,B:C,3) with =VLOOKUP(A3,B:C,2)",
			Model:        "gpt-4o-mini",
			Provider:     "openai",
			Tier:         tier,
			InputTokens:  1000,
			OutputTokens: 500,
			FinishReason: "stop",
		},
	}, nil
}

type fixedScorer struct{}

func (fixedScorer) Score(ctx context.Context, prompt, response string) judge.Evaluation {
	return judge.Evaluation{
		Assessment: domain.QualityAssessment{
			Accuracy: 9, Completeness: 9, Clarity: 9, Relevance: 9, Practicality: 9,
			Overall: 9, Confidence: 0.9,
		},
		Source: judge.SourceJudge,
	}
}

func integrationTiers() []domain.TierConfig {
	return []domain.TierConfig{
		{Tier: domain.Tier1, InputPricePerM: 0.80, OutputPricePerM: 4.00, MaxOutputTokens: 1024, QualityThreshold: 7.5, MinBudgetUnits: 1, UnitMultiplier: 1.0},
		{Tier: domain.Tier2, InputPricePerM: 3.00, OutputPricePerM: 15.00, MaxOutputTokens: 2048, QualityThreshold: 8.5, MinBudgetUnits: 5, UnitMultiplier: 2.6},
		{Tier: domain.Tier3, InputPricePerM: 15.00, OutputPricePerM: 75.00, MaxOutputTokens: 4096, MinBudgetUnits: 20, UnitMultiplier: 10.0},
	}
}

func integrationDescriptors() []domain.ProviderDescriptor {
	return []domain.ProviderDescriptor{
		{
			Name:          "openai",
			HasCredential: true,
			Models: map[domain.Tier]string{
				domain.Tier1: "gpt-4o-mini",
				domain.Tier2: "gpt-4o",
				domain.Tier3: "gpt-4",
			},
			Multimodal: true,
		},
	}
}

// TestFullRequestFlow drives the whole stack the way main wires it: a
// caller minted through the admin API submits an analysis, gets billed,
// and hits the cache on the identical follow-up.
func TestFullRequestFlow(t *testing.T) {
	exec := &fakeExecutor{}
	tiers := integrationTiers()

	callers := repository.NewInMemoryCallerRepository()
	usage := repository.NewInMemoryUsageRepository()
	responseCache := cache.New(cache.NewInMemoryBackend(), time.Hour)
	calc := cost.NewCalculator(tiers)

	eng := engine.New(engine.Config{
		Router:     exec,
		Scorer:     fixedScorer{},
		Cache:      responseCache,
		Calculator: calc,
		Gate:       budget.NewGate(calc, callers),
		Usage:      usage,
		Tiers:      tiers,
		Providers:  integrationDescriptors(),
		Order:      []string{"openai"},
	})

	mux := http.NewServeMux()
	mux.Handle("/admin/", api.NewAdminHandler(callers, usage, nil, nil))
	mux.Handle("/", api.NewHandler(api.HandlerConfig{
		Engine:  eng,
		Callers: callers,
		Usage:   usage,
		Cache:   responseCache,
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// Mint an account.
	createBody, _ := json.Marshal(map[string]any{
		"name":              "acme",
		"subscription":      "pro",
		"budget_units":      1000,
		"monthly_limit_usd": 50,
	})
	resp, err := http.Post(srv.URL+"/admin/callers", "application/json", bytes.NewReader(createBody))
	if err != nil {
		t.Fatalf("create caller: %v", err)
	}
	var created struct {
		Caller struct {
			ID string `json:"id"`
		} `json:"caller"`
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.APIKey == "" {
		t.Fatalf("create caller: status %d, key %q", resp.StatusCode, created.APIKey)
	}

	analyze := func() (*http.Response, *domain.Outcome) {
		t.Helper()
		body, _ := json.Marshal(map[string]any{
			"content": "A1:C20 sales figures",
			"issues":  []map[string]string{{"type": "broken_formula", "severity": "high", "location": "C3"}},
		})
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/analyze", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+created.APIKey)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("analyze: %v", err)
		}
		defer resp.Body.Close()
		var out domain.Outcome
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode outcome: %v", err)
		}
		return resp, &out
	}

	resp1, out1 := analyze()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first analyze: status %d", resp1.StatusCode)
	}
	if resp1.Header.Get("X-Cache") != "MISS" {
		t.Errorf("first analyze X-Cache = %q, want MISS", resp1.Header.Get("X-Cache"))
	}
	if out1.TierUsed != domain.Tier1 || out1.Provider != "openai" {
		t.Errorf("outcome = tier %q provider %q", out1.TierUsed, out1.Provider)
	}
	// 1000 in at $0.80/M plus 500 out at $4.00/M.
	if want := 0.0028; out1.CostUSD < want-1e-9 || out1.CostUSD > want+1e-9 {
		t.Errorf("cost_usd = %v, want %v", out1.CostUSD, want)
	}
	if out1.BudgetUnits != 1 {
		t.Errorf("budget_units = %d, want 1", out1.BudgetUnits)
	}

	// The identical request is served from the cache without a provider call.
	resp2, out2 := analyze()
	if resp2.Header.Get("X-Cache") != "HIT" {
		t.Errorf("second analyze X-Cache = %q, want HIT", resp2.Header.Get("X-Cache"))
	}
	if !out2.CacheHit || out2.CostUSD != 0 {
		t.Errorf("cached outcome = %+v", out2)
	}
	if got := exec.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}

	// Billing stuck: the balance dropped and a usage record exists.
	caller, err := callers.GetByID(context.Background(), created.Caller.ID)
	if err != nil {
		t.Fatalf("get caller: %v", err)
	}
	if caller.BudgetUnits != 999 {
		t.Errorf("remaining budget = %d, want 999", caller.BudgetUnits)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer "+created.APIKey)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	defer resp.Body.Close()
	var usageResp api.UsageResponse
	if err := json.NewDecoder(resp.Body).Decode(&usageResp); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if usageResp.TotalCostUSD != out1.CostUSD {
		t.Errorf("usage total = %v, want %v", usageResp.TotalCostUSD, out1.CostUSD)
	}
	if len(usageResp.Tiers) != 1 || usageResp.Tiers[0].Requests != 1 {
		t.Errorf("usage tiers = %+v", usageResp.Tiers)
	}
}
