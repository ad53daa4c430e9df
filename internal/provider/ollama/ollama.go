package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/httputil"
	"github.com/cellsage/ai-engine/internal/provider"
	"github.com/cellsage/ai-engine/internal/ratelimit"
)

// Provider talks to a local Ollama daemon. Text only; there is no credential.
type Provider struct {
	baseURL string
	client  *http.Client
	limiter ratelimit.Limiter
}

func New(baseURL string, limiter ratelimit.Limiter) *Provider {
	return &Provider{
		baseURL: baseURL,
		client:  httputil.DefaultClient(),
		limiter: limiter,
	}
}

func (p *Provider) Name() string {
	return "ollama"
}

func (p *Provider) Multimodal() bool {
	return false
}

func (p *Provider) Generate(ctx context.Context, req provider.Request) (*domain.ResponseEnvelope, error) {
	estimate := provider.EstimateTokens(req.Prompt, req.MaxTokens)
	return provider.WithRetry(ctx, p.Name(), p.limiter, estimate, func(ctx context.Context) (*domain.ResponseEnvelope, error) {
		return p.generate(ctx, req)
	})
}

func (p *Provider) generate(ctx context.Context, req provider.Request) (*domain.ResponseEnvelope, error) {
	body, err := json.Marshal(toOllamaRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, provider.ClassifyStatus(p.Name(), resp.StatusCode, string(bodyBytes))
	}

	var ollamaResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, &domain.ValidationError{Provider: p.Name(), Message: "undecodable body: " + err.Error()}
	}

	env := &domain.ResponseEnvelope{
		Content:      ollamaResp.Message.Content,
		Model:        req.Model,
		Provider:     p.Name(),
		InputTokens:  ollamaResp.PromptEvalCount,
		OutputTokens: ollamaResp.EvalCount,
		FinishReason: "stop",
		LatencyMs:    time.Since(start).Milliseconds(),
	}

	if err := provider.ValidateEnvelope(p.Name(), env); err != nil {
		return nil, err
	}
	return env, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama unhealthy: status=%d", resp.StatusCode)
	}

	return nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func toOllamaRequest(req provider.Request) ollamaChatRequest {
	messages := make([]ollamaMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Prompt})

	return ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   false,
		Options: &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
}
