// Package circuitbreaker keeps failing providers out of the fallback
// rotation. A breaker opens after consecutive failures, rejects calls while
// open, and probes recovery through a half-open window.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cellsage/ai-engine/internal/domain"
)

// Breaker gates calls to a single provider.
type Breaker interface {
	// Allow reports whether a call may proceed. It returns
	// domain.ErrCircuitOpen while the breaker is open.
	Allow(ctx context.Context) error

	// RecordSuccess counts a successful call. Enough successes in the
	// half-open window close the breaker.
	RecordSuccess(ctx context.Context)

	// RecordFailure counts a failed call. Enough failures open the breaker;
	// any failure while half-open reopens it.
	RecordFailure(ctx context.Context)

	// State returns the current state.
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GaugeValue maps the state onto the metric scale: 0 closed, 1 half-open,
// 2 open.
func (s State) GaugeValue() int {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Config tunes when a breaker trips and how it recovers.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	CooldownPeriod   time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CooldownPeriod:   30 * time.Second,
	}
}

// InMemoryBreaker is a single-process breaker guarded by a mutex.
type InMemoryBreaker struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	successes   int
	lastFailure time.Time

	now func() time.Time
}

func NewInMemoryBreaker(cfg Config) *InMemoryBreaker {
	return &InMemoryBreaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

func (b *InMemoryBreaker) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.lastFailure) < b.cfg.CooldownPeriod {
			return domain.ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
	}
	return nil
}

func (b *InMemoryBreaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *InMemoryBreaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
	}
}

func (b *InMemoryBreaker) State(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manager hands out one breaker per provider, creating them on first use.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]Breaker
	cfg      Config
	factory  func(provider string) Breaker
}

type ManagerOption func(*Manager)

// WithRedisClient makes the manager create Redis-backed breakers that share
// the given client, so every engine replica sees the same breaker state.
func WithRedisClient(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.factory = func(provider string) Breaker {
			return NewRedisBreaker(client, provider, m.cfg)
		}
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]Breaker),
		cfg:      cfg,
		factory: func(provider string) Breaker {
			return NewInMemoryBreaker(cfg)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Get(provider string) Breaker {
	m.mu.RLock()
	b, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[provider]; ok {
		return b
	}
	b = m.factory(provider)
	m.breakers[provider] = b
	return b
}

// States reports each known provider's breaker state, for the health surface.
func (m *Manager) States(ctx context.Context) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for provider, b := range m.breakers {
		states[provider] = b.State(ctx).String()
	}
	return states
}
