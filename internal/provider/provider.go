// Package provider defines the uniform completion contract the engine speaks
// to every upstream vendor, plus the retry and rate-limit policy shared by
// the adapters in the subpackages.
package provider

import (
	"context"
	"strings"

	"github.com/cellsage/ai-engine/internal/domain"
)

// Request is one completion call, already resolved to a concrete model.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Images      []domain.ImageAttachment
}

// Generator is the adapter contract. Generate blocks until the call
// completes, fails terminally, or times out; adapters run their own bounded
// retries internally.
type Generator interface {
	Name() string
	Multimodal() bool
	Generate(ctx context.Context, req Request) (*domain.ResponseEnvelope, error)
	HealthCheck(ctx context.Context) error
}

// ValidateEnvelope rejects malformed provider payloads: empty content or
// absent usage counts. These are terminal for the provider, never retried.
func ValidateEnvelope(provider string, env *domain.ResponseEnvelope) error {
	if env == nil || strings.TrimSpace(env.Content) == "" {
		return &domain.ValidationError{Provider: provider, Message: "empty content"}
	}
	if env.InputTokens <= 0 || env.OutputTokens <= 0 {
		return &domain.ValidationError{Provider: provider, Message: "missing usage token counts"}
	}
	return nil
}

// EstimateTokens is the pre-flight guess used against the token quota:
// roughly four characters per prompt token plus the full output allowance.
func EstimateTokens(prompt string, maxOutput int) int {
	return len(prompt)/4 + maxOutput
}
