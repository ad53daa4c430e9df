// Package judge scores candidate responses. The primary path asks the
// highest configured tier to grade the answer against the request with a
// structured instruction; when that call or its parse fails, a shallow
// text heuristic stands in with a fixed low confidence so downstream
// consumers can tell judged from estimated quality.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/router"
)

// Source marks where an assessment came from.
type Source string

const (
	SourceJudge     Source = "judge"
	SourceHeuristic Source = "fallback_heuristic"
)

// HeuristicConfidence is the fixed confidence of estimated assessments.
const HeuristicConfidence = 0.3

const (
	judgeTemperature = 0.05
	judgeMaxTokens   = 1024
	excerptLimit     = 4000
)

const scoringInstruction = `You are a strict reviewer of spreadsheet analysis answers.
Grade the assistant response against the user request.
Reply with ONLY a JSON object, no prose, in this exact shape:
{"accuracy": 0-10, "completeness": 0-10, "clarity": 0-10, "relevance": 0-10, "practicality": 0-10, "overall_score": 0-10, "confidence": 0-1, "strengths": ["short phrase"], "weaknesses": ["short phrase"]}`

// executor is the slice of the router the judge needs.
type executor interface {
	Execute(ctx context.Context, tier domain.Tier, req router.Request) (*router.Result, error)
}

// Evaluation is a scored response plus provenance. Usage carries the judge
// call's envelope for accounting and is nil on the heuristic path.
type Evaluation struct {
	Assessment     domain.QualityAssessment
	Source         Source
	JudgeTier      domain.Tier
	JudgeProvider  string
	FallbackReason string
	Usage          *domain.ResponseEnvelope
}

type Judge struct {
	exec   executor
	tier   domain.Tier
	logger *slog.Logger
}

// New builds a judge that grades at the given tier, normally the highest
// configured one.
func New(exec executor, tier domain.Tier, logger *slog.Logger) *Judge {
	return &Judge{exec: exec, tier: tier, logger: logger}
}

// Score grades a response. It never fails: any problem with the judge call
// degrades to the heuristic path.
func (j *Judge) Score(ctx context.Context, prompt, response string) Evaluation {
	req := router.Request{
		System:      scoringInstruction,
		Prompt:      judgePrompt(prompt, response),
		MaxTokens:   judgeMaxTokens,
		Temperature: judgeTemperature,
	}

	res, err := j.exec.Execute(ctx, j.tier, req)
	if err != nil {
		j.logger.Warn("judge call failed, falling back to heuristic", "error", err)
		return j.fallback(response, fmt.Sprintf("judge call failed: %v", err))
	}

	assessment, err := parseAssessment(res.Envelope.Content)
	if err != nil {
		j.logger.Warn("judge response unparseable, falling back to heuristic", "error", err)
		return j.fallback(response, fmt.Sprintf("judge response unparseable: %v", err))
	}

	return Evaluation{
		Assessment:    assessment,
		Source:        SourceJudge,
		JudgeTier:     j.tier,
		JudgeProvider: res.Envelope.Provider,
		Usage:         res.Envelope,
	}
}

func (j *Judge) fallback(response, reason string) Evaluation {
	return Evaluation{
		Assessment:     Heuristic(response),
		Source:         SourceHeuristic,
		FallbackReason: reason,
	}
}

func judgePrompt(prompt, response string) string {
	return fmt.Sprintf("User request:\n%s\n\nAssistant response:\n%s\n\nGrade the response.",
		excerpt(prompt), excerpt(response))
}

func excerpt(s string) string {
	if len(s) <= excerptLimit {
		return s
	}
	return s[:excerptLimit] + " [truncated]"
}

// parseAssessment pulls the first JSON object out of the judge's reply.
// Models occasionally wrap the object in fences or a sentence of prose, so
// everything outside the outermost braces is ignored. A decoded payload with
// scores outside their ranges is rejected rather than clamped: a judge that
// cannot keep to the scale cannot be trusted at its stated confidence.
func parseAssessment(content string) (domain.QualityAssessment, error) {
	var q domain.QualityAssessment

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return q, fmt.Errorf("no JSON object in judge reply")
	}

	if err := json.Unmarshal([]byte(content[start:end+1]), &q); err != nil {
		return q, fmt.Errorf("decode judge reply: %w", err)
	}
	if err := q.Validate(); err != nil {
		return q, fmt.Errorf("judge reply out of range: %w", err)
	}

	q.Clamp()
	return q, nil
}

var (
	formulaToken  = regexp.MustCompile(`=[A-Z]{2,}\(`)
	numberedSteps = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)
)

// Heuristic estimates quality from shallow signals: answer length, presence
// of formula tokens, numbered steps, and worked examples. Every dimension
// gets the same estimated score.
func Heuristic(response string) domain.QualityAssessment {
	score := 5.0

	switch n := len(response); {
	case n < 50:
		score -= 2
	case n > 1500:
		score += 1.5
	case n > 600:
		score += 1.0
	case n > 200:
		score += 0.5
	}

	if formulaToken.MatchString(response) {
		score += 1.0
	}
	if len(numberedSteps.FindAllString(response, 2)) >= 2 {
		score += 0.75
	}

	lower := strings.ToLower(response)
	if strings.Contains(lower, "for example") || strings.Contains(lower, "e.g.") || strings.Contains(lower, "example:") {
		score += 0.5
	}

	if score > 10 {
		score = 10
	}
	if score < 0 {
		score = 0
	}

	return domain.QualityAssessment{
		Accuracy:     score,
		Completeness: score,
		Clarity:      score,
		Relevance:    score,
		Practicality: score,
		Overall:      score,
		Confidence:   HeuristicConfidence,
	}
}
