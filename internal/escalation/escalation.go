// Package escalation decides whether a scored response should be retried
// one tier up. Three signals feed the decision: the tier's quality
// threshold, complexity cues in the request text, and the recent record of
// similar requests. Moves are always exactly one tier and never past the
// caller's ceiling.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cellsage/ai-engine/internal/classifier"
	"github.com/cellsage/ai-engine/internal/domain"
)

// complexityTrigger is the text-complexity score at which escalation fires
// even when quality clears the threshold.
const complexityTrigger = 0.5

// Proactive escalation needs this many recorded outcomes at the target tier
// and this success rate among them.
const (
	historyMinSamples  = 3
	historySuccessRate = 0.8
	historyDepth       = 10
)

type Controller struct {
	history    HistoryStore
	thresholds map[domain.Tier]float64
	logger     *slog.Logger
}

// New builds a controller. Thresholds carry each tier's minimum acceptable
// overall score; a zero or missing threshold means the tier never escalates
// on quality.
func New(history HistoryStore, thresholds map[domain.Tier]float64, logger *slog.Logger) *Controller {
	return &Controller{history: history, thresholds: thresholds, logger: logger}
}

// Decide weighs the assessment, the request text, and history against the
// current tier. The returned decision either names the next tier up or
// explains why the response stands, including the blocked case where a
// wanted escalation ran into the ceiling.
func (c *Controller) Decide(ctx context.Context, current domain.Tier, q domain.QualityAssessment, prompt string, ceiling domain.Tier) domain.EscalationDecision {
	next, ok := current.Next()
	if !ok {
		return domain.EscalationDecision{Score: q.Overall}
	}

	var reasons []string

	if threshold := c.thresholds[current]; threshold > 0 && q.Overall < threshold {
		reasons = append(reasons, fmt.Sprintf("quality %.1f below threshold %.1f", q.Overall, threshold))
	}

	if score, signals := classifier.TextComplexity(prompt); score >= complexityTrigger {
		reasons = append(reasons, "complex request: "+strings.Join(signals, ", "))
	}

	if c.historySupports(ctx, prompt, next) {
		reasons = append(reasons, "similar requests consistently improved at "+next.String())
	}

	if len(reasons) == 0 {
		return domain.EscalationDecision{Score: q.Overall}
	}

	if next.Order() > ceiling.Order() {
		return domain.EscalationDecision{
			Target:  next,
			Blocked: true,
			Reasons: reasons,
			Score:   q.Overall,
		}
	}

	return domain.EscalationDecision{
		Escalate: true,
		Target:   next,
		Reasons:  reasons,
		Score:    q.Overall,
	}
}

func (c *Controller) historySupports(ctx context.Context, prompt string, target domain.Tier) bool {
	if c.history == nil {
		return false
	}

	recent, err := c.history.Recent(ctx, FeatureKey(prompt), historyDepth)
	if err != nil {
		c.logger.Warn("escalation history unavailable", "error", err)
		return false
	}

	var total, successes int
	for _, rec := range recent {
		if rec.ToTier != target {
			continue
		}
		total++
		if rec.Success {
			successes++
		}
	}

	return total >= historyMinSamples && float64(successes)/float64(total) >= historySuccessRate
}

// Record stores how an escalation went so later requests with the same
// features can skip the failed tier.
func (c *Controller) Record(ctx context.Context, prompt string, from, to domain.Tier, success bool) {
	if c.history == nil {
		return
	}
	rec := OutcomeRecord{FromTier: from, ToTier: to, Success: success}
	if err := c.history.Append(ctx, FeatureKey(prompt), rec); err != nil {
		c.logger.Warn("record escalation outcome", "error", err)
	}
}

// functionFamilies groups formula tokens into the coarse families used for
// history bucketing.
var functionFamilies = map[string][]string{
	"aggregation": {"sum", "count", "average", "subtotal"},
	"lookup":      {"vlookup", "xlookup", "hlookup", "index", "match"},
	"logic":       {"if(", "ifs(", "switch(", "iferror"},
	"financial":   {"npv", "irr", "pmt", "fv(", "amortiz"},
	"statistical": {"stdev", "percentile", "forecast", "trend", "regression"},
	"pivot":       {"pivot"},
}

// FeatureKey buckets a request by coarse features: length band, detected
// function families, and whether complexity keywords are present. Requests
// sharing a key share escalation history.
func FeatureKey(prompt string) string {
	lower := strings.ToLower(prompt)

	var band string
	switch words := len(strings.Fields(prompt)); {
	case words > 150:
		band = "xl"
	case words > 60:
		band = "l"
	case words > 25:
		band = "m"
	default:
		band = "s"
	}

	var families []string
	for family, tokens := range functionFamilies {
		for _, tok := range tokens {
			if strings.Contains(lower, tok) {
				families = append(families, family)
				break
			}
		}
	}
	sort.Strings(families)

	kw := "0"
	if score, _ := classifier.TextComplexity(prompt); score >= 0.4 {
		kw = "1"
	}

	return "len:" + band + "|fam:" + strings.Join(families, ",") + "|kw:" + kw
}

// Merged combines a lower-tier run with its escalated retry. The higher
// tier's content and assessment are authoritative; both tiers' costs stay
// visible for audit.
type Merged struct {
	Envelope        *domain.ResponseEnvelope
	Assessment      domain.QualityAssessment
	TierCosts       map[domain.Tier]float64
	InputTokens     int
	OutputTokens    int
	ConfidenceDelta float64
}

// TierRun is one completed generation with its score and cost.
type TierRun struct {
	Envelope   *domain.ResponseEnvelope
	Assessment domain.QualityAssessment
	CostUSD    float64
}

func Merge(lower, higher TierRun) Merged {
	return Merged{
		Envelope:   higher.Envelope,
		Assessment: higher.Assessment,
		TierCosts: map[domain.Tier]float64{
			lower.Envelope.Tier:  lower.CostUSD,
			higher.Envelope.Tier: higher.CostUSD,
		},
		InputTokens:     lower.Envelope.InputTokens + higher.Envelope.InputTokens,
		OutputTokens:    lower.Envelope.OutputTokens + higher.Envelope.OutputTokens,
		ConfidenceDelta: higher.Assessment.Confidence - lower.Assessment.Confidence,
	}
}
