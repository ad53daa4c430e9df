package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/provider"
	"github.com/cellsage/ai-engine/internal/ratelimit"
)

type Provider struct {
	client  *bedrockruntime.Client
	region  string
	limiter ratelimit.Limiter
}

func New(ctx context.Context, region string, limiter ratelimit.Limiter) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Provider{
		client:  bedrockruntime.NewFromConfig(cfg),
		region:  region,
		limiter: limiter,
	}, nil
}

func NewWithConfig(cfg aws.Config, limiter ratelimit.Limiter) *Provider {
	return &Provider{
		client:  bedrockruntime.NewFromConfig(cfg),
		region:  cfg.Region,
		limiter: limiter,
	}
}

func (p *Provider) Name() string {
	return "bedrock"
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
	body, err := json.Marshal(toInvokeRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	}

	start := time.Now()
	output, err := p.client.InvokeModel(ctx, input)
	if err != nil {
		return nil, classifyInvokeError(err)
	}

	var invokeResp invokeResponse
	if err := json.Unmarshal(output.Body, &invokeResp); err != nil {
		return nil, &domain.ValidationError{Provider: p.Name(), Message: "undecodable body: " + err.Error()}
	}

	var content strings.Builder
	for _, block := range invokeResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	env := &domain.ResponseEnvelope{
		Content:      content.String(),
		Model:        req.Model,
		Provider:     p.Name(),
		InputTokens:  invokeResp.Usage.InputTokens,
		OutputTokens: invokeResp.Usage.OutputTokens,
		FinishReason: mapStopReason(invokeResp.StopReason),
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

// classifyInvokeError keys retryability off the AWS error name since the
// SDK wraps throttling and availability failures in typed service errors.
func classifyInvokeError(err error) error {
	msg := err.Error()
	for _, transient := range []string{"Throttling", "ServiceUnavailable", "ModelTimeout", "InternalServer", "ModelNotReady"} {
		if strings.Contains(msg, transient) {
			return &domain.ProviderError{Provider: "bedrock", Message: msg, Retryable: true}
		}
	}
	return provider.WrapTransport("bedrock", err)
}

type invokeRequest struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	Messages         []chatMessage `json:"messages"`
	System           string        `json:"system,omitempty"`
	Temperature      float64       `json:"temperature"`
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
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type invokeResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      invokeUsage    `json:"usage"`
}

type invokeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func toInvokeRequest(req provider.Request) invokeRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	blocks := make([]contentBlock, 0, len(req.Images)+1)
	blocks = append(blocks, contentBlock{Type: "text", Text: req.Prompt})
	for _, img := range req.Images {
		// Bedrock accepts inline base64 only; URL attachments are dropped.
		if data, ok := strings.CutPrefix(img.Data, "data:"); ok {
			if mediaType, b64, found := strings.Cut(data, ";base64,"); found {
				if img.MediaType != "" {
					mediaType = img.MediaType
				}
				blocks = append(blocks, contentBlock{
					Type:   "image",
					Source: &imageSource{Type: "base64", MediaType: mediaType, Data: b64},
				})
			}
		}
	}

	return invokeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         []chatMessage{{Role: "user", Content: blocks}},
		System:           req.System,
		Temperature:      req.Temperature,
	}
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
