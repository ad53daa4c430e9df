// Package router walks the configured provider order until one call
// succeeds. Providers that cannot serve the request (no model at the tier,
// text-only when images are attached, open breaker) are skipped, and every
// skip or failure is kept so callers can report what was tried.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cellsage/ai-engine/internal/circuitbreaker"
	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/metrics"
	"github.com/cellsage/ai-engine/internal/provider"
)

// Request is a provider call before a model has been chosen. The router
// resolves the model per provider from the tier.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Images      []domain.ImageAttachment
}

// Result carries the winning response plus the trail of providers that were
// skipped or failed before it.
type Result struct {
	Envelope *domain.ResponseEnvelope
	Trail    []domain.ProviderFailure
}

type Router struct {
	order       []string
	generators  map[string]provider.Generator
	descriptors map[string]domain.ProviderDescriptor
	breakers    *circuitbreaker.Manager
	logger      *slog.Logger
}

func New(order []string, generators map[string]provider.Generator, descriptors map[string]domain.ProviderDescriptor, breakers *circuitbreaker.Manager, logger *slog.Logger) *Router {
	return &Router{
		order:       order,
		generators:  generators,
		descriptors: descriptors,
		breakers:    breakers,
		logger:      logger,
	}
}

// Execute tries each provider in order at the given tier and returns the
// first success. Providers are attempted strictly one at a time; a failure
// moves on to the next, and exhaustion returns AllProvidersFailedError with
// the reason recorded per provider.
func (r *Router) Execute(ctx context.Context, tier domain.Tier, req Request) (*Result, error) {
	if len(r.generators) == 0 {
		return nil, domain.ErrNoProviders
	}

	needsVision := len(req.Images) > 0
	trail := make([]domain.ProviderFailure, 0, len(r.order))

	for _, name := range r.order {
		gen, ok := r.generators[name]
		if !ok {
			// Not registered, usually a missing credential.
			continue
		}

		model, ok := r.descriptors[name].ModelFor(tier)
		if !ok {
			trail = append(trail, domain.ProviderFailure{Provider: name, Reason: "no model at " + tier.String()})
			continue
		}
		if needsVision && !gen.Multimodal() {
			trail = append(trail, domain.ProviderFailure{Provider: name, Reason: "text only, request has images"})
			continue
		}

		breaker := r.breakers.Get(name)
		if err := breaker.Allow(ctx); err != nil {
			metrics.SetCircuitBreakerState(name, circuitbreaker.StateOpen.GaugeValue())
			trail = append(trail, domain.ProviderFailure{Provider: name, Reason: "circuit open"})
			continue
		}

		env, err := gen.Generate(ctx, provider.Request{
			Model:       model,
			System:      req.System,
			Prompt:      req.Prompt,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Images:      req.Images,
		})
		if err != nil {
			recordOutcome(ctx, breaker, err)
			metrics.RecordProviderError(name, errorClass(err))
			metrics.SetCircuitBreakerState(name, breaker.State(ctx).GaugeValue())
			r.logger.Warn("provider attempt failed",
				"provider", name,
				"model", model,
				"tier", tier.String(),
				"error", err,
			)
			trail = append(trail, domain.ProviderFailure{Provider: name, Reason: err.Error()})

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		breaker.RecordSuccess(ctx)
		metrics.SetCircuitBreakerState(name, breaker.State(ctx).GaugeValue())
		env.Tier = tier
		return &Result{Envelope: env, Trail: trail}, nil
	}

	return nil, &domain.AllProvidersFailedError{Failures: trail}
}

// recordOutcome feeds the breaker. A rate-limit refusal happens before any
// call is made, so it says nothing about the provider's health.
func recordOutcome(ctx context.Context, breaker circuitbreaker.Breaker, err error) {
	var rl *domain.RateLimitedError
	if errors.As(err, &rl) {
		return
	}
	breaker.RecordFailure(ctx)
}

// errorClass buckets a provider failure for the error counter.
func errorClass(err error) string {
	var rl *domain.RateLimitedError
	if errors.As(err, &rl) {
		return "rate_limited"
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return "malformed_response"
	}
	var pe *domain.ProviderError
	if errors.As(err, &pe) && pe.StatusCode > 0 {
		return fmt.Sprintf("http_%d", pe.StatusCode)
	}
	return "transport"
}

// Providers lists the registered providers in fallback order.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.generators))
	for _, name := range r.order {
		if _, ok := r.generators[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Health runs each registered provider's health check.
func (r *Router) Health(ctx context.Context) map[string]error {
	results := make(map[string]error, len(r.generators))
	for _, name := range r.Providers() {
		results[name] = r.generators[name].HealthCheck(ctx)
	}
	return results
}
