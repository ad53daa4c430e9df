package domain

// QualityAssessment scores a candidate response across five dimensions.
// Dimension scores live in [0,10]; Confidence in [0,1].
type QualityAssessment struct {
	Accuracy     float64  `json:"accuracy" validate:"min=0,max=10"`
	Completeness float64  `json:"completeness" validate:"min=0,max=10"`
	Clarity      float64  `json:"clarity" validate:"min=0,max=10"`
	Relevance    float64  `json:"relevance" validate:"min=0,max=10"`
	Practicality float64  `json:"practicality" validate:"min=0,max=10"`
	Overall      float64  `json:"overall_score" validate:"min=0,max=10"`
	Confidence   float64  `json:"confidence" validate:"min=0,max=1"`
	Strengths    []string `json:"strengths,omitempty"`
	Weaknesses   []string `json:"weaknesses,omitempty"`
}

// Clamp forces every score into its valid range and fills a missing overall
// score with the dimension mean.
func (q *QualityAssessment) Clamp() {
	q.Accuracy = clampScore(q.Accuracy)
	q.Completeness = clampScore(q.Completeness)
	q.Clarity = clampScore(q.Clarity)
	q.Relevance = clampScore(q.Relevance)
	q.Practicality = clampScore(q.Practicality)
	q.Overall = clampScore(q.Overall)
	if q.Overall == 0 {
		q.Overall = q.DimensionMean()
	}
	if q.Confidence < 0 {
		q.Confidence = 0
	}
	if q.Confidence > 1 {
		q.Confidence = 1
	}
}

// DimensionMean is the unweighted average of the five dimension scores.
func (q *QualityAssessment) DimensionMean() float64 {
	return (q.Accuracy + q.Completeness + q.Clarity + q.Relevance + q.Practicality) / 5
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// EscalationDecision is the controller's verdict for one assessed response.
// Target is exactly one tier above current when Escalate is true. Blocked
// marks a decision clamped below its computed target by entitlement or budget.
type EscalationDecision struct {
	Escalate bool     `json:"escalate"`
	Target   Tier     `json:"target,omitempty"`
	Blocked  bool     `json:"blocked,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
	Score    float64  `json:"score"`
}
