package domain

import "time"

// Caller is an account allowed to submit requests to the engine.
// BudgetUnits is the internal currency debited per request; MonthlyLimitUSD
// bounds the rolling monthly spend for alerting. Disabled callers keep
// their data but fail API key lookup.
type Caller struct {
	ID              string
	Name            string
	APIKeyHash      string
	Subscription    SubscriptionLevel
	BudgetUnits     int64
	MonthlyLimitUSD float64
	Enabled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RequestKind distinguishes the two caller-facing operations.
type RequestKind string

const (
	KindAnalysis RequestKind = "analysis"
	KindChat     RequestKind = "chat"
)

// Issue is one detected problem in the caller's content, produced by the
// upstream rule-based detectors.
type Issue struct {
	Type     string `json:"type" validate:"required"`
	Severity string `json:"severity"`
	Location string `json:"location,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ContentMeta describes the size and structure of the content under analysis.
type ContentMeta struct {
	SizeBytes    int64 `json:"size_bytes"`
	SheetCount   int   `json:"sheet_count"`
	RowCount     int   `json:"row_count"`
	FormulaCount int   `json:"formula_count"`
}

// ImageAttachment is an inline image supplied with a request. Data is either
// a URL or a base64 data URI.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data" validate:"required"`
}

// AnalyzeRequest asks the engine to explain and correct detected issues.
type AnalyzeRequest struct {
	Content       string            `json:"content" validate:"required"`
	Issues        []Issue           `json:"issues" validate:"dive"`
	Meta          ContentMeta       `json:"metadata"`
	Images        []ImageAttachment `json:"images,omitempty" validate:"dive"`
	RequestedTier Tier              `json:"requested_tier,omitempty"`
}

// ChatRequest is a free-form follow-up question about the caller's content.
type ChatRequest struct {
	Message string `json:"message" validate:"required"`
	Context string `json:"context,omitempty"`
}

// ResponseEnvelope is one provider completion, normalized across vendors.
type ResponseEnvelope struct {
	Content      string  `json:"content"`
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	Tier         Tier    `json:"tier"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	FinishReason string  `json:"finish_reason,omitempty"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    int64   `json:"latency_ms"`
}

func (e *ResponseEnvelope) TotalTokens() int {
	return e.InputTokens + e.OutputTokens
}

// ProviderFailure records why one provider in the fallback list was skipped
// or failed, for diagnostics on the final outcome.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// EscalationAnnotations carry the escalation state attached to an outcome.
// Considered/Blocked mark a decision clamped by entitlement or budget;
// Attempted/Failed mark an escalation that ran and did not improve the call.
type EscalationAnnotations struct {
	Considered      bool     `json:"escalation_considered,omitempty"`
	Blocked         bool     `json:"escalation_blocked,omitempty"`
	Attempted       bool     `json:"escalation_attempted,omitempty"`
	Failed          bool     `json:"escalation_failed,omitempty"`
	FromTier        Tier     `json:"escalated_from,omitempty"`
	Reasons         []string `json:"escalation_reasons,omitempty"`
	ConfidenceDelta float64  `json:"confidence_delta,omitempty"`
}

// Outcome is the engine's reply to Analyze or Chat.
// TierCosts holds the USD cost per tier attempted; their sum equals CostUSD.
type Outcome struct {
	RequestID     string                `json:"request_id"`
	Kind          RequestKind           `json:"kind"`
	Content       string                `json:"content"`
	TierUsed      Tier                  `json:"tier_used"`
	Provider      string                `json:"provider"`
	Model         string                `json:"model"`
	InputTokens   int                   `json:"input_tokens"`
	OutputTokens  int                   `json:"output_tokens"`
	CostUSD       float64               `json:"cost_usd"`
	TierCosts     map[Tier]float64      `json:"tier_costs,omitempty"`
	BudgetUnits   int64                 `json:"budget_units"`
	Quality       *QualityAssessment    `json:"quality,omitempty"`
	QualitySource string                `json:"quality_source,omitempty"`
	Escalation    EscalationAnnotations `json:"escalation"`
	CacheHit      bool                  `json:"cache_hit"`
	Diagnostics   []ProviderFailure     `json:"diagnostics,omitempty"`
	LatencyMs     int64                 `json:"latency_ms"`
}

// UsageRecord is the durable account of one tier attempt.
type UsageRecord struct {
	ID           string      `json:"id"`
	CallerID     string      `json:"caller_id"`
	Kind         RequestKind `json:"kind"`
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	Tier         Tier        `json:"tier"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
	CostUSD      float64     `json:"cost_usd"`
	BudgetUnits  int64       `json:"budget_units"`
	Timestamp    time.Time   `json:"timestamp"`
}
