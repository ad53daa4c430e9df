package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cellsage/ai-engine/internal/circuitbreaker"
	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/metrics"
	"github.com/cellsage/ai-engine/internal/provider"
)

type fakeGenerator struct {
	name       string
	multimodal bool
	err        error
	calls      int
}

func (f *fakeGenerator) Name() string     { return f.name }
func (f *fakeGenerator) Multimodal() bool { return f.multimodal }

func (f *fakeGenerator) Generate(ctx context.Context, req provider.Request) (*domain.ResponseEnvelope, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ResponseEnvelope{
		Content:      "answer from " + f.name,
		Model:        req.Model,
		Provider:     f.name,
		InputTokens:  10,
		OutputTokens: 5,
		FinishReason: "stop",
	}, nil
}

func (f *fakeGenerator) HealthCheck(ctx context.Context) error { return nil }

func testDescriptors() map[string]domain.ProviderDescriptor {
	return map[string]domain.ProviderDescriptor{
		"openai": {
			Name: "openai",
			Models: map[domain.Tier]string{
				domain.Tier1: "gpt-4o-mini",
				domain.Tier2: "gpt-4o",
				domain.Tier3: "gpt-4",
			},
		},
		"anthropic": {
			Name: "anthropic",
			Models: map[domain.Tier]string{
				domain.Tier1: "claude-3-5-haiku-20241022",
				domain.Tier2: "claude-3-5-sonnet-20241022",
				domain.Tier3: "claude-3-opus-20240229",
			},
		},
		"ollama": {
			Name: "ollama",
			Models: map[domain.Tier]string{
				domain.Tier1: "llama3.1:8b",
			},
		},
	}
}

func testRouter(order []string, generators map[string]provider.Generator) (*Router, *circuitbreaker.Manager) {
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(order, generators, testDescriptors(), breakers, logger), breakers
}

func TestExecute_FirstProviderWins(t *testing.T) {
	openai := &fakeGenerator{name: "openai", multimodal: true}
	anthropic := &fakeGenerator{name: "anthropic", multimodal: true}
	r, _ := testRouter([]string{"openai", "anthropic"}, map[string]provider.Generator{
		"openai": openai, "anthropic": anthropic,
	})

	res, err := r.Execute(context.Background(), domain.Tier2, Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if res.Envelope.Provider != "openai" {
		t.Errorf("provider = %q, want openai", res.Envelope.Provider)
	}
	if res.Envelope.Model != "gpt-4o" {
		t.Errorf("model = %q, tier2 must map to gpt-4o", res.Envelope.Model)
	}
	if res.Envelope.Tier != domain.Tier2 {
		t.Errorf("tier = %q", res.Envelope.Tier)
	}
	if len(res.Trail) != 0 {
		t.Errorf("trail = %v, want empty", res.Trail)
	}
	if anthropic.calls != 0 {
		t.Errorf("anthropic called %d times, fallback must stop at first success", anthropic.calls)
	}
}

func TestExecute_FallsThroughToNextProvider(t *testing.T) {
	openai := &fakeGenerator{name: "openai", err: &domain.ProviderError{Provider: "openai", StatusCode: 503, Retryable: true}}
	anthropic := &fakeGenerator{name: "anthropic"}
	r, _ := testRouter([]string{"openai", "anthropic"}, map[string]provider.Generator{
		"openai": openai, "anthropic": anthropic,
	})

	res, err := r.Execute(context.Background(), domain.Tier1, Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if res.Envelope.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", res.Envelope.Provider)
	}
	if len(res.Trail) != 1 || res.Trail[0].Provider != "openai" {
		t.Errorf("trail = %v, want one openai failure", res.Trail)
	}
}

func TestExecute_SkipsProviderWithoutModelAtTier(t *testing.T) {
	ollama := &fakeGenerator{name: "ollama"}
	anthropic := &fakeGenerator{name: "anthropic"}
	r, _ := testRouter([]string{"ollama", "anthropic"}, map[string]provider.Generator{
		"ollama": ollama, "anthropic": anthropic,
	})

	res, err := r.Execute(context.Background(), domain.Tier3, Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if ollama.calls != 0 {
		t.Error("ollama has no tier3 model and must not be called")
	}
	if len(res.Trail) != 1 || res.Trail[0].Provider != "ollama" {
		t.Errorf("trail = %v", res.Trail)
	}
}

func TestExecute_SkipsTextOnlyProviderForImageRequests(t *testing.T) {
	ollama := &fakeGenerator{name: "ollama", multimodal: false}
	openai := &fakeGenerator{name: "openai", multimodal: true}
	r, _ := testRouter([]string{"ollama", "openai"}, map[string]provider.Generator{
		"ollama": ollama, "openai": openai,
	})

	req := Request{Prompt: "what is this", Images: []domain.ImageAttachment{{Data: "data:image/png;base64,aGk="}}}
	res, err := r.Execute(context.Background(), domain.Tier1, req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if ollama.calls != 0 {
		t.Error("text-only provider must be skipped when images are attached")
	}
	if res.Envelope.Provider != "openai" {
		t.Errorf("provider = %q, want openai", res.Envelope.Provider)
	}
}

func TestExecute_SkipsOpenCircuit(t *testing.T) {
	openai := &fakeGenerator{name: "openai"}
	anthropic := &fakeGenerator{name: "anthropic"}
	r, breakers := testRouter([]string{"openai", "anthropic"}, map[string]provider.Generator{
		"openai": openai, "anthropic": anthropic,
	})

	ctx := context.Background()
	b := breakers.Get("openai")
	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx)
	}

	res, err := r.Execute(ctx, domain.Tier1, Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if openai.calls != 0 {
		t.Error("open circuit must skip the provider without calling it")
	}
	if len(res.Trail) != 1 || res.Trail[0].Reason != "circuit open" {
		t.Errorf("trail = %v", res.Trail)
	}
}

func TestExecute_AllProvidersFailed(t *testing.T) {
	openai := &fakeGenerator{name: "openai", err: &domain.ProviderError{Provider: "openai", StatusCode: 500, Message: "boom", Retryable: true}}
	anthropic := &fakeGenerator{name: "anthropic", err: &domain.ValidationError{Provider: "anthropic", Message: "empty content"}}
	r, _ := testRouter([]string{"openai", "anthropic"}, map[string]provider.Generator{
		"openai": openai, "anthropic": anthropic,
	})

	_, err := r.Execute(context.Background(), domain.Tier1, Request{Prompt: "hello"})

	var all *domain.AllProvidersFailedError
	if !errors.As(err, &all) {
		t.Fatalf("error = %v, want AllProvidersFailedError", err)
	}
	if len(all.Failures) != 2 {
		t.Fatalf("failures = %v, want one entry per provider", all.Failures)
	}
	if all.Failures[0].Provider != "openai" || all.Failures[1].Provider != "anthropic" {
		t.Errorf("failure order = %v, must follow the configured order", all.Failures)
	}
}

func TestExecute_NoRegisteredProviders(t *testing.T) {
	r, _ := testRouter([]string{"openai"}, map[string]provider.Generator{})

	_, err := r.Execute(context.Background(), domain.Tier1, Request{Prompt: "hello"})
	if !errors.Is(err, domain.ErrNoProviders) {
		t.Errorf("error = %v, want ErrNoProviders", err)
	}
}

func TestExecute_UnregisteredNameInOrderIsIgnored(t *testing.T) {
	anthropic := &fakeGenerator{name: "anthropic"}
	r, _ := testRouter([]string{"bedrock", "anthropic"}, map[string]provider.Generator{
		"anthropic": anthropic,
	})

	res, err := r.Execute(context.Background(), domain.Tier1, Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.Trail) != 0 {
		t.Errorf("trail = %v, unregistered providers leave no trace", res.Trail)
	}
}

func TestExecute_RateLimitRefusalDoesNotTripBreaker(t *testing.T) {
	openai := &fakeGenerator{name: "openai", err: &domain.RateLimitedError{Provider: "openai", Wait: 10 * time.Second}}
	anthropic := &fakeGenerator{name: "anthropic"}

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		CooldownPeriod:   time.Minute,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New([]string{"openai", "anthropic"}, map[string]provider.Generator{
		"openai": openai, "anthropic": anthropic,
	}, testDescriptors(), breakers, logger)

	ctx := context.Background()
	if _, err := r.Execute(ctx, domain.Tier1, Request{Prompt: "hello"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if breakers.Get("openai").State(ctx) != circuitbreaker.StateClosed {
		t.Error("a local rate-limit refusal must not open the breaker")
	}
}

func TestProviders_FollowsOrder(t *testing.T) {
	r, _ := testRouter([]string{"anthropic", "openai"}, map[string]provider.Generator{
		"openai":    &fakeGenerator{name: "openai"},
		"anthropic": &fakeGenerator{name: "anthropic"},
	})

	got := r.Providers()
	if len(got) != 2 || got[0] != "anthropic" || got[1] != "openai" {
		t.Errorf("Providers() = %v", got)
	}
}

func TestExecute_FailureFeedsMetrics(t *testing.T) {
	metrics.ProviderErrors.Reset()
	metrics.CircuitBreakerState.Reset()

	openai := &fakeGenerator{name: "openai", err: &domain.ProviderError{Provider: "openai", StatusCode: 503, Retryable: true}}
	anthropic := &fakeGenerator{name: "anthropic"}
	r, _ := testRouter([]string{"openai", "anthropic"}, map[string]provider.Generator{
		"openai": openai, "anthropic": anthropic,
	})

	if _, err := r.Execute(context.Background(), domain.Tier1, Request{Prompt: "hello"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.ProviderErrors.WithLabelValues("openai", "http_503")); got != 1 {
		t.Errorf("provider errors = %v, want 1", got)
	}
	// One failure leaves both breakers closed.
	for _, name := range []string{"openai", "anthropic"} {
		if got := testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues(name)); got != 0 {
			t.Errorf("%s breaker gauge = %v, want closed (0)", name, got)
		}
	}
}

func TestExecute_OpenBreakerReflectedInGauge(t *testing.T) {
	metrics.CircuitBreakerState.Reset()

	openai := &fakeGenerator{name: "openai", err: &domain.ProviderError{Provider: "openai", StatusCode: 500, Retryable: true}}
	anthropic := &fakeGenerator{name: "anthropic"}
	r, breakers := testRouter([]string{"openai", "anthropic"}, map[string]provider.Generator{
		"openai": openai, "anthropic": anthropic,
	})

	b := breakers.Get("openai")
	for i := 0; i < circuitbreaker.DefaultConfig().FailureThreshold-1; i++ {
		b.RecordFailure(context.Background())
	}

	// The final failure trips the breaker and the gauge follows.
	if _, err := r.Execute(context.Background(), domain.Tier1, Request{Prompt: "hello"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("openai")); got != 2 {
		t.Errorf("breaker gauge = %v, want open (2)", got)
	}

	// While the breaker rejects calls, the gauge keeps reporting open.
	if _, err := r.Execute(context.Background(), domain.Tier1, Request{Prompt: "again"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("openai")); got != 2 {
		t.Errorf("breaker gauge after refusal = %v, want open (2)", got)
	}
}
