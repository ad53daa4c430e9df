package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cellsage/ai-engine/internal/api"
	"github.com/cellsage/ai-engine/internal/auth"
	"github.com/cellsage/ai-engine/internal/budget"
	"github.com/cellsage/ai-engine/internal/cache"
	"github.com/cellsage/ai-engine/internal/circuitbreaker"
	"github.com/cellsage/ai-engine/internal/config"
	"github.com/cellsage/ai-engine/internal/cost"
	"github.com/cellsage/ai-engine/internal/crypto"
	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/engine"
	"github.com/cellsage/ai-engine/internal/escalation"
	"github.com/cellsage/ai-engine/internal/judge"
	"github.com/cellsage/ai-engine/internal/metrics"
	"github.com/cellsage/ai-engine/internal/notifications"
	"github.com/cellsage/ai-engine/internal/provider"
	"github.com/cellsage/ai-engine/internal/provider/anthropic"
	"github.com/cellsage/ai-engine/internal/provider/bedrock"
	"github.com/cellsage/ai-engine/internal/provider/ollama"
	"github.com/cellsage/ai-engine/internal/provider/openai"
	"github.com/cellsage/ai-engine/internal/queue"
	"github.com/cellsage/ai-engine/internal/ratelimit"
	"github.com/cellsage/ai-engine/internal/repository"
	"github.com/cellsage/ai-engine/internal/router"
	"github.com/cellsage/ai-engine/internal/secrets"
	"github.com/cellsage/ai-engine/internal/telemetry"
)

const version = "0.5.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	logger := slog.Default()

	slog.Info("starting ai-engine", "addr", cfg.Addr, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, "ai-engine", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	metrics.InitInstanceMetrics(hostname, os.Getenv("POD_NAMESPACE"), version)

	// Provider credentials from Secrets Manager take precedence over env.
	if cfg.SecretsPrefix != "" && cfg.AWSRegion != "" {
		store, err := secrets.NewAWSStore(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to initialize secrets store", "error", err)
			os.Exit(1)
		}
		keys, err := secrets.LoadProviderKeys(ctx, store, cfg.SecretsPrefix)
		if err != nil {
			slog.Error("failed to load provider keys", "error", err)
			os.Exit(1)
		}
		if keys.OpenAI != "" {
			cfg.OpenAIAPIKey = keys.OpenAI
		}
		if keys.Anthropic != "" {
			cfg.AnthropicAPIKey = keys.Anthropic
		}
		slog.Info("provider keys loaded from secrets manager", "prefix", cfg.SecretsPrefix)
	}

	descriptors := cfg.Providers()
	quotas := make(map[string]ratelimit.Quota, len(descriptors))
	descMap := make(map[string]domain.ProviderDescriptor, len(descriptors))
	for _, d := range descriptors {
		quotas[d.Name] = ratelimit.Quota{
			RequestsPerMinute: d.RequestsPerMinute,
			TokensPerMinute:   d.TokensPerMinute,
		}
		descMap[d.Name] = d
	}

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		limiter, err = ratelimit.NewRedisLimiter(cfg.RedisURL, quotas)
		if err != nil {
			slog.Error("failed to connect to redis for rate limiting", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter")
	} else {
		limiter = ratelimit.NewInMemoryLimiter(quotas)
		slog.Info("using in-memory rate limiter")
	}
	limiter = ratelimit.NewSmoothed(limiter, quotas)

	generators := make(map[string]provider.Generator)
	if cfg.OpenAIAPIKey != "" {
		generators["openai"] = openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, limiter)
		slog.Info("registered provider", "provider", "openai")
	}
	if cfg.AnthropicAPIKey != "" {
		generators["anthropic"] = anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, limiter)
		slog.Info("registered provider", "provider", "anthropic")
	}
	if cfg.BedrockEnabled && cfg.AWSRegion != "" {
		gen, err := bedrock.New(ctx, cfg.AWSRegion, limiter)
		if err != nil {
			slog.Error("failed to initialize bedrock", "error", err)
			os.Exit(1)
		}
		generators["bedrock"] = gen
		slog.Info("registered provider", "provider", "bedrock", "region", cfg.AWSRegion)
	}
	if cfg.OllamaBaseURL != "" {
		generators["ollama"] = ollama.New(cfg.OllamaBaseURL, limiter)
		slog.Info("registered provider", "provider", "ollama", "url", cfg.OllamaBaseURL)
	}
	if len(generators) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	var breakerOpts []circuitbreaker.ManagerOption
	if cfg.UseDistributedCircuitBreaker && cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedisClient(redis.NewClient(opts)))
		slog.Info("using distributed circuit breakers")
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)

	rtr := router.New(cfg.ProviderOrder, generators, descMap, breakers, logger)

	var scorer engine.Scorer
	if cfg.JudgeEnabled {
		tier := judgeTier(cfg.ProviderOrder, descMap, generators)
		scorer = judge.New(rtr, tier, logger)
		slog.Info("quality judge enabled", "tier", tier.String())
	} else {
		slog.Info("quality judge disabled, using heuristic scoring")
	}

	var history escalation.HistoryStore
	if cfg.RedisURL != "" {
		history, err = escalation.NewRedisHistory(cfg.RedisURL, cfg.HistoryPerKey)
		if err != nil {
			slog.Error("failed to connect to redis for escalation history", "error", err)
			os.Exit(1)
		}
	} else {
		history = escalation.NewInMemoryHistory(cfg.HistoryPerKey, cfg.HistoryMaxKeys)
	}

	tiers := cfg.Tiers()
	thresholds := make(map[domain.Tier]float64, len(tiers))
	for _, tc := range tiers {
		if tc.QualityThreshold > 0 {
			thresholds[tc.Tier] = tc.QualityThreshold
		}
	}
	escalator := escalation.New(history, thresholds, logger)

	var backend cache.Backend
	if cfg.RedisURL != "" {
		backend, err = cache.NewRedisBackend(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis for cache", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis response cache")
	} else {
		backend = cache.NewInMemoryBackend()
		slog.Info("using in-memory response cache")
	}
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid encryption key", "error", err)
			os.Exit(1)
		}
		backend = cache.NewEncryptedBackend(backend, enc)
		slog.Info("cache encryption enabled")
	}
	responseCache := cache.New(backend, cfg.CacheTTL)

	var coalescer *cache.Coalescer
	if cfg.CacheCoalesce {
		coalescer = cache.NewCoalescer()
		slog.Info("cache request coalescing enabled")
	}

	var db *sql.DB
	var callerRepo repository.CallerRepository
	var usageRepo repository.UsageRepository
	if cfg.DatabaseURL != "" {
		db, err = repository.Open(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		callerRepo = repository.NewPostgresCallerRepository(db)
		usageRepo = repository.NewPostgresUsageRepository(db)
		slog.Info("using postgres repositories")
	} else {
		callerRepo = repository.NewInMemoryCallerRepository()
		usageRepo = repository.NewInMemoryUsageRepository()
		slog.Info("using in-memory repositories")
	}

	calc := cost.NewCalculator(tiers)
	gate := budget.NewGate(calc, callerRepo)

	var dedup budget.AlertDeduplicator
	if cfg.RedisURL != "" {
		dedup, err = budget.NewRedisDeduplicator(cfg.RedisURL, time.Hour)
		if err != nil {
			slog.Error("failed to connect to redis for alert deduplication", "error", err)
			os.Exit(1)
		}
	}
	monitor := budget.NewMonitor(usageRepo, dedup, budget.Thresholds{
		Warning:  cfg.BudgetWarnRatio,
		Exceeded: cfg.BudgetCriticalRatio,
	})
	monitor.OnAlert(budget.LogAlertHandler)
	monitor.OnAlert(func(a budget.Alert) {
		metrics.RecordBudgetAlert(string(a.Level))
		metrics.SetBudgetUsage(a.CallerID, a.Percentage/100)
	})

	var notifier notifications.Notifier
	if cfg.SNSTopicARN != "" && cfg.AWSRegion != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Error("failed to initialize sns notifier", "error", err)
			os.Exit(1)
		}
		monitor.OnAlert(notifications.NewBudgetAlertHandler(notifier))
		slog.Info("sns notifications enabled", "topic", cfg.SNSTopicARN)
	}

	var exporter queue.Exporter
	if cfg.SQSQueueURL != "" && cfg.AWSRegion != "" {
		sqsExporter, err := queue.NewSQSExporter(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
		if err != nil {
			slog.Error("failed to initialize sqs exporter", "error", err)
			os.Exit(1)
		}
		asyncExporter := queue.NewAsyncExporter(sqsExporter, 256)
		defer asyncExporter.Close()
		exporter = asyncExporter
		slog.Info("usage export enabled", "queue", cfg.SQSQueueURL)
	}

	eng := engine.New(engine.Config{
		Router:     rtr,
		Scorer:     scorer,
		Escalator:  escalator,
		Cache:      responseCache,
		Coalescer:  coalescer,
		Calculator: calc,
		Gate:       gate,
		Monitor:    monitor,
		Usage:      usageRepo,
		Exporter:   exporter,
		Notifier:   notifier,
		Tiers:      tiers,
		Providers:  descriptors,
		Order:      cfg.ProviderOrder,
		Logger:     logger,
	})

	var rbac *auth.RBACMiddleware
	if cfg.AdminAuthEnabled {
		var adminRepo auth.AdminUserRepository
		if db != nil {
			adminRepo = auth.NewPostgresAdminUserRepository(db)
		} else {
			adminRepo = auth.NewInMemoryAdminUserRepository()
		}
		rbac = auth.NewRBACMiddleware(auth.NewAuthenticator(adminRepo))
		slog.Info("admin authentication enabled")
	} else {
		slog.Warn("admin authentication disabled")
	}

	var checkers []api.HealthChecker
	if cfg.RedisURL != "" {
		redisChecker, err := api.NewRedisHealthChecker(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		checkers = append(checkers, redisChecker)
	}
	if db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}

	mux := http.NewServeMux()
	mux.Handle("/admin/", api.NewAdminHandler(callerRepo, usageRepo, rbac, logger))
	mux.Handle("/", api.NewHandler(api.HandlerConfig{
		Engine:   eng,
		Callers:  callerRepo,
		Usage:    usageRepo,
		Cache:    responseCache,
		Breakers: breakers,
		Checkers: checkers,
		Logger:   logger,
	}))

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("shutting down", "drain", cfg.DrainTimeout.String())

	// Give the load balancer time to stop routing here before closing.
	time.Sleep(cfg.DrainTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("tracing shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

// judgeTier is the highest tier any registered provider can serve. The judge
// always grades with the best model available.
func judgeTier(order []string, descriptors map[string]domain.ProviderDescriptor, generators map[string]provider.Generator) domain.Tier {
	for _, tier := range []domain.Tier{domain.Tier3, domain.Tier2, domain.Tier1} {
		for _, name := range order {
			if _, ok := generators[name]; !ok {
				continue
			}
			if _, ok := descriptors[name].ModelFor(tier); ok {
				return tier
			}
		}
	}
	return domain.Tier1
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
