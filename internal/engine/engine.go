// Package engine runs the full life of one request: classify the tier,
// check the money, consult the cache, generate with provider fallback,
// judge the candidate, escalate at most one tier when warranted, bill the
// caller, and cache what is worth keeping. Analyze and Chat differ only in
// classification signals and prompt construction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/cellsage/ai-engine/internal/budget"
	"github.com/cellsage/ai-engine/internal/cache"
	"github.com/cellsage/ai-engine/internal/classifier"
	"github.com/cellsage/ai-engine/internal/cost"
	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/escalation"
	"github.com/cellsage/ai-engine/internal/judge"
	"github.com/cellsage/ai-engine/internal/metrics"
	"github.com/cellsage/ai-engine/internal/notifications"
	"github.com/cellsage/ai-engine/internal/queue"
	"github.com/cellsage/ai-engine/internal/repository"
	"github.com/cellsage/ai-engine/internal/router"
	"github.com/cellsage/ai-engine/internal/telemetry"
)

const (
	generationTemperature = 0.2
	defaultMaxTokens      = 1024
)

const analysisSystem = `You are a spreadsheet analysis assistant. You receive sheet content, detected issues, and workbook metadata. Explain the issues in plain language, rank them by impact, and give concrete fixes the user can apply directly, including corrected formulas. Be precise about cell references.`

const chatSystem = `You are a spreadsheet assistant answering follow-up questions about a user's workbook. Answer directly and concretely, and include formulas where they help.`

// Executor is the slice of the router the engine drives.
type Executor interface {
	Execute(ctx context.Context, tier domain.Tier, req router.Request) (*router.Result, error)
}

// Scorer grades a candidate response. *judge.Judge satisfies it.
type Scorer interface {
	Score(ctx context.Context, prompt, response string) judge.Evaluation
}

// Config wires the engine's collaborators. Router, Calculator, and Gate are
// required; everything else degrades to off when nil.
type Config struct {
	Router     Executor
	Scorer     Scorer                 // nil scores with the heuristic only
	Escalator  *escalation.Controller // nil never escalates
	Cache      *cache.Cache           // nil disables caching
	Coalescer  *cache.Coalescer       // nil leaves identical concurrent misses independent
	Calculator *cost.Calculator
	Gate       *budget.Gate
	Monitor    *budget.Monitor            // nil skips monthly-limit checks
	Usage      repository.UsageRepository // nil skips durable usage records
	Exporter   queue.Exporter             // nil skips billing export
	Notifier   notifications.Notifier     // nil skips outage alerts
	Tiers      []domain.TierConfig
	Providers  []domain.ProviderDescriptor
	Order      []string
	Logger     *slog.Logger
}

type Engine struct {
	router      Executor
	scorer      Scorer
	escalator   *escalation.Controller
	cache       *cache.Cache
	coalescer   *cache.Coalescer
	calc        *cost.Calculator
	gate        *budget.Gate
	monitor     *budget.Monitor
	usage       repository.UsageRepository
	exporter    queue.Exporter
	notifier    notifications.Notifier
	tiers       map[domain.Tier]domain.TierConfig
	descriptors map[string]domain.ProviderDescriptor
	order       []string
	logger      *slog.Logger
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tiers := make(map[domain.Tier]domain.TierConfig, len(cfg.Tiers))
	for _, tc := range cfg.Tiers {
		tiers[tc.Tier] = tc
	}
	descriptors := make(map[string]domain.ProviderDescriptor, len(cfg.Providers))
	for _, d := range cfg.Providers {
		descriptors[d.Name] = d
	}

	return &Engine{
		router:      cfg.Router,
		scorer:      cfg.Scorer,
		escalator:   cfg.Escalator,
		cache:       cfg.Cache,
		coalescer:   cfg.Coalescer,
		calc:        cfg.Calculator,
		gate:        cfg.Gate,
		monitor:     cfg.Monitor,
		usage:       cfg.Usage,
		exporter:    cfg.Exporter,
		notifier:    cfg.Notifier,
		tiers:       tiers,
		descriptors: descriptors,
		order:       cfg.Order,
		logger:      logger,
	}
}

// Analyze explains and corrects the issues detected in the caller's content.
// An explicit requested tier above the caller's subscription is refused; a
// computed tier above the ceiling is silently downgraded.
func (e *Engine) Analyze(ctx context.Context, caller *domain.Caller, req *domain.AnalyzeRequest) (*domain.Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if entitled := caller.Subscription.MaxTier(); req.RequestedTier != "" && req.RequestedTier.Above(entitled) {
		return nil, &domain.AuthorizationError{CallerID: caller.ID, Requested: req.RequestedTier, Entitled: entitled}
	}

	decision := classifier.Classify(req, caller.Subscription, e.ceiling(caller))
	return e.run(ctx, caller, domain.KindAnalysis, decision, promptSpec{
		system: analysisSystem,
		prompt: analysisPrompt(req),
		images: req.Images,
	})
}

// Chat answers a free-form follow-up question about the caller's content.
func (e *Engine) Chat(ctx context.Context, caller *domain.Caller, req *domain.ChatRequest) (*domain.Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	decision := classifier.ClassifyChat(req, caller.Subscription, e.ceiling(caller))
	return e.run(ctx, caller, domain.KindChat, decision, promptSpec{
		system: chatSystem,
		prompt: chatPrompt(req),
	})
}

// promptSpec is a request rendered for the providers, before a tier has
// fixed the output budget.
type promptSpec struct {
	system string
	prompt string
	images []domain.ImageAttachment
}

func (e *Engine) run(ctx context.Context, caller *domain.Caller, kind domain.RequestKind, decision classifier.Decision, p promptSpec) (*domain.Outcome, error) {
	start := time.Now()
	requestID := uuid.New().String()

	ctx, span := telemetry.StartSpan(ctx, "engine."+string(kind))
	defer span.End()
	telemetry.AddRequestAttributes(span, caller.ID, kind, requestID)

	if decision.Downgraded {
		e.logger.Info("tier downgraded to ceiling",
			"request_id", requestID,
			"caller_id", caller.ID,
			"score", decision.Score,
			"tier", decision.Tier.String(),
			"ceiling", decision.Ceiling.String(),
		)
	}

	if err := e.gate.CheckAffordable(caller, decision.Tier); err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(caller.ID, string(kind), decision.Tier.String(), "none", "rejected", time.Since(start).Seconds())
		return nil, err
	}

	key := e.cacheKey(p, kind, decision.Tier)

	if e.cache != nil && key != "" {
		if out, ok := e.lookup(ctx, span, caller, kind, key, requestID, start); ok {
			return out, nil
		}
		metrics.RecordCacheMiss(caller.ID)
	}

	if e.coalescer != nil && key != "" {
		var out *domain.Outcome
		var genErr error
		followed, err := e.coalescer.Do(ctx, key, func() {
			out, genErr = e.generate(ctx, span, caller, kind, decision, p, requestID, key, start)
		})
		if err != nil {
			return nil, err
		}
		if !followed {
			return out, genErr
		}
		// The leader finished while we waited; its response is ours if
		// the write gate let it through.
		if out, ok := e.lookup(ctx, span, caller, kind, key, requestID, start); ok {
			return out, nil
		}
	}

	return e.generate(ctx, span, caller, kind, decision, p, requestID, key, start)
}

// generate is the paid path: provider fallback, judging, at most one
// escalation, billing, and the gated cache write.
func (e *Engine) generate(ctx context.Context, span trace.Span, caller *domain.Caller, kind domain.RequestKind, decision classifier.Decision, p promptSpec, requestID, key string, start time.Time) (*domain.Outcome, error) {
	tier := decision.Tier

	result, err := e.router.Execute(ctx, tier, e.routerRequest(tier, p))
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(caller.ID, string(kind), tier.String(), "none", "error", time.Since(start).Seconds())
		e.reportOutage(ctx, caller, kind, err)
		e.logger.Error("generation failed",
			"request_id", requestID,
			"caller_id", caller.ID,
			"tier", tier.String(),
			"error", err,
		)
		return nil, err
	}

	env := result.Envelope
	e.calc.Price(env)
	trail := result.Trail

	eval := e.score(ctx, p.prompt, env)
	metrics.ObserveQuality(env.Tier.String(), string(eval.Source), eval.Assessment.Overall)

	generations := []*domain.ResponseEnvelope{env}
	judgeCalls := make([]*domain.ResponseEnvelope, 0, 2)
	if eval.Usage != nil {
		judgeCalls = append(judgeCalls, eval.Usage)
	}

	finalEnv := env
	finalEval := eval
	tierCosts := map[domain.Tier]float64{tier: env.CostUSD}
	totalIn, totalOut := env.InputTokens, env.OutputTokens

	var ann domain.EscalationAnnotations
	if e.escalator != nil {
		dec := e.escalator.Decide(ctx, tier, eval.Assessment, p.prompt, decision.Ceiling)
		if dec.Escalate || dec.Blocked {
			ann.Considered = true
			ann.Reasons = dec.Reasons
		}

		if dec.Escalate {
			if !e.affordsEscalation(caller, dec.Target, e.calc.Units(tier, env.CostUSD)) {
				ann.Blocked = true
				ann.Reasons = append(ann.Reasons, "insufficient budget for "+dec.Target.String())
				metrics.RecordEscalationBlocked("budget")
			} else {
				ann.Attempted = true
				ann.FromTier = tier
				trigger := escalationTrigger(dec.Reasons)
				metrics.RecordEscalation(tier.String(), dec.Target.String(), trigger)
				telemetry.AddEscalationAttributes(span, tier, dec.Target, trigger)

				escResult, escErr := e.router.Execute(ctx, dec.Target, e.routerRequest(dec.Target, p))
				if escErr != nil {
					ann.Failed = true
					e.escalator.Record(ctx, p.prompt, tier, dec.Target, false)
					trail = appendFailures(trail, escErr)
					e.logger.Warn("escalation failed, keeping lower tier result",
						"request_id", requestID,
						"from", tier.String(),
						"to", dec.Target.String(),
						"error", escErr,
					)
				} else {
					escEnv := escResult.Envelope
					e.calc.Price(escEnv)
					trail = append(trail, escResult.Trail...)

					escEval := e.score(ctx, p.prompt, escEnv)
					metrics.ObserveQuality(escEnv.Tier.String(), string(escEval.Source), escEval.Assessment.Overall)
					if escEval.Usage != nil {
						judgeCalls = append(judgeCalls, escEval.Usage)
					}

					improved := escEval.Assessment.Overall > eval.Assessment.Overall
					e.escalator.Record(ctx, p.prompt, tier, dec.Target, improved)

					merged := escalation.Merge(
						escalation.TierRun{Envelope: env, Assessment: eval.Assessment, CostUSD: env.CostUSD},
						escalation.TierRun{Envelope: escEnv, Assessment: escEval.Assessment, CostUSD: escEnv.CostUSD},
					)
					finalEnv = merged.Envelope
					finalEval = escEval
					tierCosts = merged.TierCosts
					totalIn, totalOut = merged.InputTokens, merged.OutputTokens
					ann.ConfidenceDelta = merged.ConfidenceDelta
					generations = append(generations, escEnv)
				}
			}
		} else if dec.Blocked {
			ann.Blocked = true
			metrics.RecordEscalationBlocked("tier_ceiling")
		}
	}

	var totalCost float64
	for _, c := range tierCosts {
		totalCost += c
	}

	var totalUnits int64
	for _, genv := range generations {
		units, _, derr := e.gate.Debit(ctx, caller.ID, genv.Tier, genv.CostUSD)
		if derr != nil {
			e.logger.Error("budget debit failed",
				"request_id", requestID,
				"caller_id", caller.ID,
				"tier", genv.Tier.String(),
				"error", derr,
			)
		}
		totalUnits += units
		e.recordUsage(ctx, caller, kind, genv, units)
		metrics.RecordTokens(caller.ID, genv.Tier.String(), genv.Provider, genv.InputTokens, genv.OutputTokens)
		metrics.RecordCost(caller.ID, genv.Tier.String(), genv.Provider, genv.CostUSD)
	}
	// Judge calls are platform overhead: recorded for visibility, never
	// debited to the caller.
	for _, jenv := range judgeCalls {
		e.recordUsage(ctx, caller, kind, jenv, 0)
		metrics.RecordTokens(caller.ID, jenv.Tier.String(), jenv.Provider, jenv.InputTokens, jenv.OutputTokens)
		metrics.RecordCost(caller.ID, jenv.Tier.String(), jenv.Provider, jenv.CostUSD)
	}

	if e.monitor != nil {
		if _, merr := e.monitor.Check(ctx, caller); merr != nil {
			e.logger.Warn("budget monitor check failed", "caller_id", caller.ID, "error", merr)
		}
	}

	e.writeCache(ctx, key, finalEnv, finalEval)

	latency := time.Since(start)
	telemetry.AddTierAttributes(span, finalEnv.Tier, finalEnv.Provider, finalEnv.Model)
	telemetry.AddTokenAttributes(span, totalIn, totalOut)
	telemetry.AddCostAttribute(span, totalCost)
	telemetry.AddQualityAttributes(span, finalEval.Assessment.Overall, string(finalEval.Source))
	telemetry.AddCacheAttribute(span, false)
	metrics.RecordRequest(caller.ID, string(kind), finalEnv.Tier.String(), finalEnv.Provider, "success", latency.Seconds())

	e.logger.Info("request completed",
		"request_id", requestID,
		"caller_id", caller.ID,
		"kind", string(kind),
		"tier", finalEnv.Tier.String(),
		"provider", finalEnv.Provider,
		"cost_usd", totalCost,
		"quality", finalEval.Assessment.Overall,
		"quality_source", string(finalEval.Source),
		"latency_ms", latency.Milliseconds(),
	)

	assessment := finalEval.Assessment
	return &domain.Outcome{
		RequestID:     requestID,
		Kind:          kind,
		Content:       finalEnv.Content,
		TierUsed:      finalEnv.Tier,
		Provider:      finalEnv.Provider,
		Model:         finalEnv.Model,
		InputTokens:   totalIn,
		OutputTokens:  totalOut,
		CostUSD:       totalCost,
		TierCosts:     tierCosts,
		BudgetUnits:   totalUnits,
		Quality:       &assessment,
		QualitySource: string(finalEval.Source),
		Escalation:    ann,
		Diagnostics:   trail,
		LatencyMs:     latency.Milliseconds(),
	}, nil
}

// lookup serves a request from the cache. Cached responses cost nothing and
// carry no quality assessment of their own.
func (e *Engine) lookup(ctx context.Context, span trace.Span, caller *domain.Caller, kind domain.RequestKind, key, requestID string, start time.Time) (*domain.Outcome, bool) {
	entry, ok := e.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}

	env := entry.Envelope
	latency := time.Since(start)
	metrics.RecordCacheHit(caller.ID)
	metrics.RecordRequest(caller.ID, string(kind), env.Tier.String(), "cache", "cache_hit", latency.Seconds())
	telemetry.AddCacheAttribute(span, true)

	e.logger.Info("cache hit",
		"request_id", requestID,
		"caller_id", caller.ID,
		"tier", env.Tier.String(),
		"provider", env.Provider,
	)

	return &domain.Outcome{
		RequestID:    requestID,
		Kind:         kind,
		Content:      env.Content,
		TierUsed:     env.Tier,
		Provider:     env.Provider,
		Model:        env.Model,
		InputTokens:  env.InputTokens,
		OutputTokens: env.OutputTokens,
		CacheHit:     true,
		LatencyMs:    latency.Milliseconds(),
	}, true
}

// ceiling is the highest tier the caller is entitled to and can afford the
// minimum debit for. The pre-flight check re-validates the final tier.
func (e *Engine) ceiling(caller *domain.Caller) domain.Tier {
	max := caller.Subscription.MaxTier()
	t := domain.Tier1
	for {
		next, ok := t.Next()
		if !ok || next.Above(max) {
			return t
		}
		if tc, ok := e.tiers[next]; ok && caller.BudgetUnits < tc.MinBudgetUnits {
			return t
		}
		t = next
	}
}

// affordsEscalation re-checks the balance before the second call, counting
// the units already owed for the first one.
func (e *Engine) affordsEscalation(caller *domain.Caller, target domain.Tier, pendingUnits int64) bool {
	tc, ok := e.tiers[target]
	if !ok {
		return true
	}
	return caller.BudgetUnits-pendingUnits >= tc.MinBudgetUnits
}

// cacheKey pins the key to the first credentialed provider serving the
// tier, so breaker flaps do not fragment the cache. Requests with images
// are never cached: attachments are not part of the key.
func (e *Engine) cacheKey(p promptSpec, kind domain.RequestKind, tier domain.Tier) string {
	if e.cache == nil || len(p.images) > 0 {
		return ""
	}
	for _, name := range e.order {
		d, ok := e.descriptors[name]
		if !ok || !d.HasCredential {
			continue
		}
		if model, ok := d.ModelFor(tier); ok {
			return cache.Key(p.prompt, kind, name, tier, model)
		}
	}
	return ""
}

func (e *Engine) routerRequest(tier domain.Tier, p promptSpec) router.Request {
	maxTokens := defaultMaxTokens
	if tc, ok := e.tiers[tier]; ok && tc.MaxOutputTokens > 0 {
		maxTokens = tc.MaxOutputTokens
	}
	return router.Request{
		System:      p.system,
		Prompt:      p.prompt,
		MaxTokens:   maxTokens,
		Temperature: generationTemperature,
		Images:      p.images,
	}
}

func (e *Engine) score(ctx context.Context, prompt string, env *domain.ResponseEnvelope) judge.Evaluation {
	if e.scorer == nil {
		return judge.Evaluation{
			Assessment:     judge.Heuristic(env.Content),
			Source:         judge.SourceHeuristic,
			FallbackReason: "judge disabled",
		}
	}

	eval := e.scorer.Score(ctx, prompt, env.Content)
	if eval.Source == judge.SourceHeuristic {
		metrics.RecordJudgeFallback(fallbackClass(eval.FallbackReason))
	}
	if eval.Usage != nil {
		e.calc.Price(eval.Usage)
	}
	return eval
}

func (e *Engine) writeCache(ctx context.Context, key string, env *domain.ResponseEnvelope, eval judge.Evaluation) {
	if e.cache == nil || key == "" {
		return
	}

	confidence := eval.Assessment.Confidence
	stored, err := e.cache.Store(ctx, key, env, confidence)
	if err != nil {
		e.logger.Error("cache write failed", "error", err)
		return
	}
	if !stored {
		e.logger.Warn("cache write refused", "confidence", confidence, "source", string(eval.Source))
	}
}

func (e *Engine) recordUsage(ctx context.Context, caller *domain.Caller, kind domain.RequestKind, env *domain.ResponseEnvelope, units int64) {
	rec := domain.UsageRecord{
		ID:           uuid.New().String(),
		CallerID:     caller.ID,
		Kind:         kind,
		Provider:     env.Provider,
		Model:        env.Model,
		Tier:         env.Tier,
		InputTokens:  env.InputTokens,
		OutputTokens: env.OutputTokens,
		CostUSD:      env.CostUSD,
		BudgetUnits:  units,
		Timestamp:    time.Now().UTC(),
	}

	if e.usage != nil {
		if err := e.usage.Record(ctx, rec); err != nil {
			e.logger.Error("record usage", "caller_id", caller.ID, "error", err)
		}
	}
	if e.exporter != nil {
		if err := e.exporter.Export(ctx, rec); err != nil {
			e.logger.Warn("export usage record", "caller_id", caller.ID, "error", err)
		}
	}
}

// reportOutage publishes a total provider outage. Alert failures are logged
// and never affect the request's own error.
func (e *Engine) reportOutage(ctx context.Context, caller *domain.Caller, kind domain.RequestKind, err error) {
	var all *domain.AllProvidersFailedError
	if e.notifier == nil || !errors.As(err, &all) {
		return
	}

	providers := make([]string, 0, len(all.Failures))
	for _, f := range all.Failures {
		providers = append(providers, f.Provider)
	}

	n := notifications.Notification{
		Type:     notifications.TypeAllProvidersFailed,
		CallerID: caller.ID,
		Message:  "all providers failed",
		Data: map[string]any{
			"kind":      string(kind),
			"providers": providers,
		},
	}
	if serr := e.notifier.Send(ctx, n); serr != nil {
		e.logger.Error("outage notification failed", "error", serr)
	}
}

func escalationTrigger(reasons []string) string {
	for _, r := range reasons {
		switch {
		case strings.HasPrefix(r, "quality"):
			return "quality"
		case strings.HasPrefix(r, "complex request"):
			return "complexity"
		}
	}
	return "history"
}

func fallbackClass(reason string) string {
	switch {
	case strings.HasPrefix(reason, "judge call failed"):
		return "judge_error"
	case strings.HasPrefix(reason, "judge response unparseable"):
		return "parse_error"
	case reason == "judge disabled":
		return "disabled"
	default:
		return "other"
	}
}

func appendFailures(trail []domain.ProviderFailure, err error) []domain.ProviderFailure {
	var all *domain.AllProvidersFailedError
	if errors.As(err, &all) {
		return append(trail, all.Failures...)
	}
	return trail
}

func analysisPrompt(req *domain.AnalyzeRequest) string {
	var b strings.Builder
	b.WriteString("Content:\n")
	b.WriteString(req.Content)

	if m := req.Meta; m.SizeBytes > 0 || m.SheetCount > 0 || m.RowCount > 0 || m.FormulaCount > 0 {
		fmt.Fprintf(&b, "\n\nWorkbook: %d sheet(s), %d rows, %d formulas, %d bytes",
			m.SheetCount, m.RowCount, m.FormulaCount, m.SizeBytes)
	}

	if len(req.Issues) > 0 {
		b.WriteString("\n\nDetected issues:")
		for i, issue := range req.Issues {
			fmt.Fprintf(&b, "\n%d. %s", i+1, issue.Type)
			if issue.Severity != "" {
				fmt.Fprintf(&b, " (%s)", issue.Severity)
			}
			if issue.Location != "" {
				fmt.Fprintf(&b, " at %s", issue.Location)
			}
			if issue.Detail != "" {
				fmt.Fprintf(&b, ": %s", issue.Detail)
			}
		}
	}

	b.WriteString("\n\nExplain each issue and how to fix it.")
	return b.String()
}

func chatPrompt(req *domain.ChatRequest) string {
	if req.Context == "" {
		return req.Message
	}
	return "Context:\n" + req.Context + "\n\nQuestion: " + req.Message
}
