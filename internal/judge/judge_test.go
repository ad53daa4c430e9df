package judge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/router"
)

type fakeExecutor struct {
	content string
	err     error
	gotTier domain.Tier
	gotReq  router.Request
}

func (f *fakeExecutor) Execute(ctx context.Context, tier domain.Tier, req router.Request) (*router.Result, error) {
	f.gotTier = tier
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &router.Result{
		Envelope: &domain.ResponseEnvelope{
			Content:      f.content,
			Model:        "gpt-4",
			Provider:     "openai",
			Tier:         tier,
			InputTokens:  200,
			OutputTokens: 80,
			FinishReason: "stop",
		},
	}, nil
}

func testJudge(exec executor) *Judge {
	return New(exec, domain.Tier3, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestScore_ParsesJudgeReply(t *testing.T) {
	exec := &fakeExecutor{content: "Here is my grade:\n```json\n" +
		`{"accuracy": 8, "completeness": 7.5, "clarity": 9, "relevance": 8, "practicality": 7,
		  "overall_score": 7.9, "confidence": 0.85,
		  "strengths": ["correct formula"], "weaknesses": ["no edge cases"]}` +
		"\n```"}

	ev := testJudge(exec).Score(context.Background(), "fix my formula", "use =SUMIF(...)")

	if ev.Source != SourceJudge {
		t.Fatalf("source = %q, want judge", ev.Source)
	}
	if ev.Assessment.Overall != 7.9 {
		t.Errorf("overall = %v", ev.Assessment.Overall)
	}
	if ev.Assessment.Confidence != 0.85 {
		t.Errorf("confidence = %v", ev.Assessment.Confidence)
	}
	if len(ev.Assessment.Strengths) != 1 || len(ev.Assessment.Weaknesses) != 1 {
		t.Errorf("strengths/weaknesses = %v / %v", ev.Assessment.Strengths, ev.Assessment.Weaknesses)
	}
	if ev.JudgeTier != domain.Tier3 || ev.JudgeProvider != "openai" {
		t.Errorf("provenance = %q/%q", ev.JudgeTier, ev.JudgeProvider)
	}
	if ev.Usage == nil || ev.Usage.OutputTokens != 80 {
		t.Errorf("usage = %+v, judge call tokens must be reported", ev.Usage)
	}
}

func TestScore_RunsAtConfiguredTierWithColdTemperature(t *testing.T) {
	exec := &fakeExecutor{content: `{"accuracy": 5, "completeness": 5, "clarity": 5, "relevance": 5, "practicality": 5, "overall_score": 5, "confidence": 0.5}`}

	testJudge(exec).Score(context.Background(), "q", "a")

	if exec.gotTier != domain.Tier3 {
		t.Errorf("tier = %q, want tier3", exec.gotTier)
	}
	if exec.gotReq.Temperature > 0.1 {
		t.Errorf("temperature = %v, judge must run near zero", exec.gotReq.Temperature)
	}
	if !strings.Contains(exec.gotReq.Prompt, "User request:") {
		t.Errorf("prompt = %q", exec.gotReq.Prompt)
	}
}

func TestScore_CallFailureFallsBackToHeuristic(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("all providers failed")}

	ev := testJudge(exec).Score(context.Background(), "q", "a numbered answer with =SUM(A1:A9)")

	if ev.Source != SourceHeuristic {
		t.Fatalf("source = %q, want fallback_heuristic", ev.Source)
	}
	if ev.Assessment.Confidence != HeuristicConfidence {
		t.Errorf("confidence = %v, want %v", ev.Assessment.Confidence, HeuristicConfidence)
	}
	if ev.FallbackReason == "" {
		t.Error("fallback reason must be recorded")
	}
	if ev.Usage != nil {
		t.Error("heuristic path has no judge usage")
	}
}

func TestScore_UnparseableReplyFallsBack(t *testing.T) {
	exec := &fakeExecutor{content: "I would give this a solid 8 out of 10."}

	ev := testJudge(exec).Score(context.Background(), "q", "a")

	if ev.Source != SourceHeuristic {
		t.Fatalf("source = %q, want fallback_heuristic", ev.Source)
	}
	if !strings.Contains(ev.FallbackReason, "unparseable") {
		t.Errorf("reason = %q", ev.FallbackReason)
	}
}

func TestScore_OutOfRangeReplyFallsBack(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"score above scale", `{"accuracy": 15, "completeness": 8, "clarity": 8, "relevance": 8, "practicality": 8, "overall_score": 8, "confidence": 0.9}`},
		{"negative score", `{"accuracy": 8, "completeness": -3, "clarity": 8, "relevance": 8, "practicality": 8, "overall_score": 8, "confidence": 0.9}`},
		{"confidence above one", `{"accuracy": 8, "completeness": 8, "clarity": 8, "relevance": 8, "practicality": 8, "overall_score": 8, "confidence": 5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := testJudge(&fakeExecutor{content: tt.content}).Score(context.Background(), "q", "a")

			if ev.Source != SourceHeuristic {
				t.Fatalf("source = %q, want fallback_heuristic", ev.Source)
			}
			if !strings.Contains(ev.FallbackReason, "out of range") {
				t.Errorf("reason = %q", ev.FallbackReason)
			}
			if ev.Assessment.Confidence != HeuristicConfidence {
				t.Errorf("confidence = %v, want the heuristic's %v", ev.Assessment.Confidence, HeuristicConfidence)
			}
		})
	}
}

func TestScore_MissingOverallFilledFromDimensions(t *testing.T) {
	exec := &fakeExecutor{content: `{"accuracy": 8, "completeness": 7, "clarity": 9, "relevance": 8, "practicality": 8, "confidence": 0.8}`}

	ev := testJudge(exec).Score(context.Background(), "q", "a")

	if ev.Source != SourceJudge {
		t.Fatalf("source = %q", ev.Source)
	}
	if want := (8.0 + 7 + 9 + 8 + 8) / 5; ev.Assessment.Overall != want {
		t.Errorf("overall = %v, want the dimension mean %v", ev.Assessment.Overall, want)
	}
}

func TestHeuristic(t *testing.T) {
	thin := Heuristic("no")
	rich := Heuristic(strings.Repeat("The fix is explained here. ", 60) +
		"\n1. Replace the range with =SUMIF(A:A, \">0\")\n2. Copy it down the column.\n" +
		"For example, row 7 becomes =SUMIF(A7:A9, \">0\").")

	if rich.Overall <= thin.Overall {
		t.Errorf("rich answer scored %v, thin %v; signals must raise the estimate", rich.Overall, thin.Overall)
	}
	if thin.Confidence != HeuristicConfidence || rich.Confidence != HeuristicConfidence {
		t.Error("heuristic confidence is fixed")
	}
	if rich.Overall > 10 || thin.Overall < 0 {
		t.Errorf("scores out of range: %v / %v", rich.Overall, thin.Overall)
	}
	if rich.Accuracy != rich.Overall {
		t.Error("heuristic applies one estimate to every dimension")
	}
}
