package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cellsage/ai-engine/internal/domain"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		CooldownPeriod:   30 * time.Second,
	}
}

func TestInMemoryBreaker_StartsClosed(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBreaker(testConfig())

	if b.State(ctx) != StateClosed {
		t.Errorf("state = %v, want closed", b.State(ctx))
	}
	if err := b.Allow(ctx); err != nil {
		t.Errorf("Allow() = %v, want nil", err)
	}
}

func TestInMemoryBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBreaker(testConfig())

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	if b.State(ctx) != StateClosed {
		t.Fatalf("state = %v before threshold, want closed", b.State(ctx))
	}

	b.RecordFailure(ctx)
	if b.State(ctx) != StateOpen {
		t.Fatalf("state = %v after threshold, want open", b.State(ctx))
	}
	if err := b.Allow(ctx); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestInMemoryBreaker_HalfOpenAfterCooldown(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBreaker(testConfig())

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}

	b.now = func() time.Time { return base.Add(31 * time.Second) }
	if err := b.Allow(ctx); err != nil {
		t.Fatalf("Allow() after cooldown = %v, want nil", err)
	}
	if b.State(ctx) != StateHalfOpen {
		t.Errorf("state = %v, want half-open", b.State(ctx))
	}
}

func TestInMemoryBreaker_ClosesAfterHalfOpenSuccesses(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBreaker(testConfig())

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}
	b.now = func() time.Time { return base.Add(time.Minute) }
	b.Allow(ctx)

	b.RecordSuccess(ctx)
	if b.State(ctx) != StateHalfOpen {
		t.Fatalf("state = %v after one success, want half-open", b.State(ctx))
	}
	b.RecordSuccess(ctx)
	if b.State(ctx) != StateClosed {
		t.Errorf("state = %v after two successes, want closed", b.State(ctx))
	}
}

func TestInMemoryBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBreaker(testConfig())

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}
	b.now = func() time.Time { return base.Add(time.Minute) }
	b.Allow(ctx)

	b.RecordFailure(ctx)
	if b.State(ctx) != StateOpen {
		t.Errorf("state = %v, want open again", b.State(ctx))
	}
}

func TestInMemoryBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBreaker(testConfig())

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	b.RecordSuccess(ctx)
	b.RecordFailure(ctx)
	b.RecordFailure(ctx)

	if b.State(ctx) != StateClosed {
		t.Errorf("state = %v, success must reset the failure streak", b.State(ctx))
	}
}

func TestManager_ReturnsSameBreakerPerProvider(t *testing.T) {
	m := NewManager(testConfig())

	a := m.Get("openai")
	b := m.Get("openai")
	c := m.Get("anthropic")

	if a != b {
		t.Error("same provider must share one breaker")
	}
	if a == c {
		t.Error("different providers must not share a breaker")
	}
}

func TestManager_StatesSnapshot(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{FailureThreshold: 1, SuccessThreshold: 1, CooldownPeriod: time.Minute})

	m.Get("openai").RecordFailure(ctx)
	m.Get("anthropic")

	states := m.States(ctx)
	if states["openai"] != "open" {
		t.Errorf("openai state = %q, want open", states["openai"])
	}
	if states["anthropic"] != "closed" {
		t.Errorf("anthropic state = %q, want closed", states["anthropic"])
	}
}

func TestStateGaugeValue(t *testing.T) {
	tests := []struct {
		state State
		want  int
	}{
		{StateClosed, 0},
		{StateHalfOpen, 1},
		{StateOpen, 2},
	}
	for _, tt := range tests {
		if got := tt.state.GaugeValue(); got != tt.want {
			t.Errorf("%s.GaugeValue() = %d, want %d", tt.state, got, tt.want)
		}
	}
}
