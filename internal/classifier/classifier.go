// Package classifier picks the starting tier for a request. It blends what
// the issue scan found, how heavy the workbook is, whether images are
// attached, and the caller's subscription into one complexity score, then
// maps that score to the cheapest tier that can plausibly handle the work.
package classifier

import (
	"fmt"
	"strings"

	"github.com/cellsage/ai-engine/internal/domain"
)

// Weighted terms of the complexity score. They sum to 1 so the score stays
// in [0,1].
const (
	issueWeight       = 0.40
	structureWeight   = 0.30
	multimodalWeight  = 0.20
	entitlementWeight = 0.10
)

// Tier cut points. At or above the high mark the request wants tier3, at or
// above the mid mark tier2, otherwise tier1.
const (
	tier3Threshold = 0.8
	tier2Threshold = 0.5
)

// Saturation points for the structure sub-terms. A workbook at or past these
// marks contributes the full sub-term.
const (
	sizeFullScale    = 5 << 20
	sheetFullScale   = 10
	rowFullScale     = 50000
	formulaFullScale = 500
)

// issueTypeScores ranks issue families by how much reasoning a fix needs.
// Unknown types land on defaultIssueScore.
var issueTypeScores = map[string]float64{
	"circular_reference":   0.95,
	"broken_formula":       0.80,
	"formula_error":        0.80,
	"inconsistent_formula": 0.65,
	"volatile_function":    0.55,
	"data_quality":         0.45,
	"missing_data":         0.40,
	"duplicate_data":       0.35,
	"formatting":           0.15,
}

const defaultIssueScore = 0.50

var severityFactors = map[string]float64{
	"critical": 1.00,
	"high":     0.85,
	"medium":   0.60,
	"low":      0.35,
}

const defaultSeverityFactor = 0.60

// advancedKeywords flag operations that routinely defeat the small models.
var advancedKeywords = []string{
	"pivot",
	"vlookup",
	"xlookup",
	"index match",
	"array formula",
	"macro",
	"power query",
	"solver",
	"regression",
	"forecast",
	"monte carlo",
	"scenario analysis",
	"what-if",
	"optimization",
}

var conjunctions = []string{" and ", " then ", " also ", " as well as ", " plus "}

// Contributions breaks the score down by term, after weighting.
type Contributions struct {
	Issues      float64 `json:"issues"`
	Structure   float64 `json:"structure"`
	Multimodal  float64 `json:"multimodal"`
	Entitlement float64 `json:"entitlement"`
}

// Decision is the classifier's output: the score, the tier it maps to, bound
// by the caller's ceiling, and the reasons that moved the needle.
type Decision struct {
	Score         float64
	Tier          domain.Tier
	Ceiling       domain.Tier
	Downgraded    bool
	Contributions Contributions
	Reasons       []string
}

// Classify scores an analysis request. The ceiling is the highest tier the
// caller is entitled to and can afford; a computed tier above it is silently
// lowered to the ceiling.
func Classify(req *domain.AnalyzeRequest, sub domain.SubscriptionLevel, ceiling domain.Tier) Decision {
	var reasons []string

	issueTerm, issueReasons := scoreIssues(req.Issues)
	reasons = append(reasons, issueReasons...)

	structureTerm := scoreStructure(req.Meta)
	if structureTerm >= 0.5 {
		reasons = append(reasons, "heavy workbook structure")
	}

	var multimodalTerm float64
	if len(req.Images) > 0 {
		multimodalTerm = 1
		reasons = append(reasons, fmt.Sprintf("%d image attachment(s)", len(req.Images)))
	}

	entitlementTerm := entitlementBoost(sub)

	c := Contributions{
		Issues:      issueWeight * issueTerm,
		Structure:   structureWeight * structureTerm,
		Multimodal:  multimodalWeight * multimodalTerm,
		Entitlement: entitlementWeight * entitlementTerm,
	}
	score := c.Issues + c.Structure + c.Multimodal + c.Entitlement

	return decide(score, req.RequestedTier, ceiling, c, reasons)
}

// ClassifyChat scores a conversational request, where there is no issue scan
// or workbook metadata to lean on. Text signals stand in for the issue and
// structure terms.
func ClassifyChat(req *domain.ChatRequest, sub domain.SubscriptionLevel, ceiling domain.Tier) Decision {
	textTerm, reasons := TextComplexity(req.Message)
	entitlementTerm := entitlementBoost(sub)

	c := Contributions{
		Issues:      (issueWeight + structureWeight + multimodalWeight) * textTerm,
		Entitlement: entitlementWeight * entitlementTerm,
	}
	score := c.Issues + c.Entitlement

	return decide(score, "", ceiling, c, reasons)
}

// TextComplexity inspects raw text for complexity signals: advanced
// operation keywords, length, and stacked conjunctions. Returned score is in
// [0,1]. Shared with the escalation heuristic.
func TextComplexity(text string) (float64, []string) {
	lower := strings.ToLower(text)
	var score float64
	var signals []string

	for _, kw := range advancedKeywords {
		if strings.Contains(lower, kw) {
			score += 0.4
			signals = append(signals, "advanced operation: "+kw)
			break
		}
	}

	switch words := len(strings.Fields(text)); {
	case words > 150:
		score += 0.3
		signals = append(signals, "very long request")
	case words > 60:
		score += 0.2
		signals = append(signals, "long request")
	case words > 25:
		score += 0.1
	}

	var conjCount int
	for _, c := range conjunctions {
		conjCount += strings.Count(lower, c)
	}
	switch {
	case conjCount >= 3:
		score += 0.2
		signals = append(signals, "multi-part request")
	case conjCount == 2:
		score += 0.1
	}

	if score > 1 {
		score = 1
	}
	return score, signals
}

func decide(score float64, requested domain.Tier, ceiling domain.Tier, c Contributions, reasons []string) Decision {
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}

	want := tierForScore(score)
	if requested.Valid() {
		want = requested
		reasons = append(reasons, "tier requested by client")
	}

	tier := want
	downgraded := false
	if want.Order() > ceiling.Order() {
		tier = ceiling
		downgraded = true
	}

	return Decision{
		Score:         score,
		Tier:          tier,
		Ceiling:       ceiling,
		Downgraded:    downgraded,
		Contributions: c,
		Reasons:       reasons,
	}
}

func tierForScore(score float64) domain.Tier {
	switch {
	case score >= tier3Threshold:
		return domain.Tier3
	case score >= tier2Threshold:
		return domain.Tier2
	default:
		return domain.Tier1
	}
}

// scoreIssues is dominated by the single worst issue, with a small bonus per
// additional finding so issue volume still registers.
func scoreIssues(issues []domain.Issue) (float64, []string) {
	if len(issues) == 0 {
		return 0, nil
	}

	var worst float64
	var worstType string
	for _, issue := range issues {
		typeScore, ok := issueTypeScores[issue.Type]
		if !ok {
			typeScore = defaultIssueScore
		}
		factor, ok := severityFactors[strings.ToLower(issue.Severity)]
		if !ok {
			factor = defaultSeverityFactor
		}
		if s := typeScore * factor; s > worst {
			worst = s
			worstType = issue.Type
		}
	}

	volumeBonus := 0.05 * float64(len(issues)-1)
	if volumeBonus > 0.25 {
		volumeBonus = 0.25
	}

	term := worst + volumeBonus
	if term > 1 {
		term = 1
	}

	reasons := []string{fmt.Sprintf("dominant issue: %s", worstType)}
	if len(issues) > 1 {
		reasons = append(reasons, fmt.Sprintf("%d issues detected", len(issues)))
	}
	return term, reasons
}

func scoreStructure(meta domain.ContentMeta) float64 {
	size := capped(float64(meta.SizeBytes), sizeFullScale)
	sheets := capped(float64(meta.SheetCount), sheetFullScale)
	rows := capped(float64(meta.RowCount), rowFullScale)
	formulas := capped(float64(meta.FormulaCount), formulaFullScale)
	return (size + sheets + rows + formulas) / 4
}

func capped(v, fullScale float64) float64 {
	if v <= 0 {
		return 0
	}
	if v >= fullScale {
		return 1
	}
	return v / fullScale
}

func entitlementBoost(sub domain.SubscriptionLevel) float64 {
	switch sub {
	case domain.SubscriptionPremium:
		return 1.0
	case domain.SubscriptionPro:
		return 0.5
	default:
		return 0
	}
}
