package openai

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

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter ratelimit.Limiter
}

func New(apiKey, baseURL string, limiter ratelimit.Limiter) *Provider {
	return &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  httputil.DefaultClient(),
		limiter: limiter,
	}
}

func (p *Provider) Name() string {
	return "openai"
}

func (p *Provider) Multimodal() bool {
	return true
}

func (p *Provider) Generate(ctx context.Context, req provider.Request) (*domain.ResponseEnvelope, error) {
	estimate := provider.EstimateTokens(req.Prompt, req.MaxTokens)
	return provider.WithRetry(ctx, p.Name(), p.limiter, estimate, func(ctx context.Context) (*domain.ResponseEnvelope, error) {
		return p.generate(ctx, req)
	})
}

func (p *Provider) generate(ctx context.Context, req provider.Request) (*domain.ResponseEnvelope, error) {
	body, err := json.Marshal(toChatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &domain.ValidationError{Provider: p.Name(), Message: "undecodable body: " + err.Error()}
	}
	if len(chatResp.Choices) == 0 {
		return nil, &domain.ValidationError{Provider: p.Name(), Message: "no choices"}
	}

	env := &domain.ResponseEnvelope{
		Content:      chatResp.Choices[0].Message.Content,
		Model:        req.Model,
		Provider:     p.Name(),
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
		FinishReason: chatResp.Choices[0].FinishReason,
		LatencyMs:    time.Since(start).Milliseconds(),
	}

	if err := provider.ValidateEnvelope(p.Name(), env); err != nil {
		return nil, err
	}
	return env, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai unhealthy: status=%d", resp.StatusCode)
	}

	return nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
}

type choice struct {
	Index        int     `json:"index"`
	Message      message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toChatRequest(req provider.Request) chatRequest {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}

	if len(req.Images) == 0 {
		messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	} else {
		parts := make([]contentPart, 0, len(req.Images)+1)
		parts = append(parts, contentPart{Type: "text", Text: req.Prompt})
		for _, img := range req.Images {
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: img.Data},
			})
		}
		messages = append(messages, chatMessage{Role: "user", Content: parts})
	}

	return chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}
