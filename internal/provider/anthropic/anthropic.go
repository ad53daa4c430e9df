package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/httputil"
	"github.com/cellsage/ai-engine/internal/provider"
	"github.com/cellsage/ai-engine/internal/ratelimit"
)

const anthropicVersion = "2023-06-01"

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
	return "anthropic"
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
	body, err := json.Marshal(toMessagesRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, &domain.ValidationError{Provider: p.Name(), Message: "undecodable body: " + err.Error()}
	}

	var content strings.Builder
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	env := &domain.ResponseEnvelope{
		Content:      content.String(),
		Model:        req.Model,
		Provider:     p.Name(),
		InputTokens:  msgResp.Usage.InputTokens,
		OutputTokens: msgResp.Usage.OutputTokens,
		FinishReason: mapStopReason(msgResp.StopReason),
		LatencyMs:    time.Since(start).Milliseconds(),
	}

	if err := provider.ValidateEnvelope(p.Name(), env); err != nil {
		return nil, err
	}
	return env, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}

type messagesRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      string        `json:"system,omitempty"`
}

type chatMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      messagesUsage  `json:"usage"`
}

type messagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func toMessagesRequest(req provider.Request) messagesRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	blocks := make([]contentBlock, 0, len(req.Images)+1)
	blocks = append(blocks, contentBlock{Type: "text", Text: req.Prompt})
	for _, img := range req.Images {
		blocks = append(blocks, contentBlock{Type: "image", Source: toImageSource(img)})
	}

	return messagesRequest{
		Model:       req.Model,
		Messages:    []chatMessage{{Role: "user", Content: blocks}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      req.System,
	}
}

// toImageSource accepts either a base64 data URI or a plain URL.
func toImageSource(img domain.ImageAttachment) *imageSource {
	if data, ok := strings.CutPrefix(img.Data, "data:"); ok {
		mediaType, b64, found := strings.Cut(data, ";base64,")
		if found {
			if img.MediaType != "" {
				mediaType = img.MediaType
			}
			return &imageSource{Type: "base64", MediaType: mediaType, Data: b64}
		}
	}
	return &imageSource{Type: "url", URL: img.Data}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "stop_sequence":
		return "stop"
	default:
		return reason
	}
}
