package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/api"
	"github.com/felipepmaragno/llm-gateway/internal/auth"
	"github.com/felipepmaragno/llm-gateway/internal/budget"
	"github.com/felipepmaragno/llm-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-gateway/internal/config"
	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/dispatch"
	"github.com/felipepmaragno/llm-gateway/internal/ledger"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/notifications"
	"github.com/felipepmaragno/llm-gateway/internal/payloads"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/provider/anthropic"
	"github.com/felipepmaragno/llm-gateway/internal/provider/bedrock"
	"github.com/felipepmaragno/llm-gateway/internal/provider/openai"
	"github.com/felipepmaragno/llm-gateway/internal/queue"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
	"github.com/felipepmaragno/llm-gateway/internal/registry"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
	"github.com/felipepmaragno/llm-gateway/internal/router"
	"github.com/felipepmaragno/llm-gateway/internal/secrets"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

const (
	version         = "1.0.0"
	janitorInterval = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting LLM Gateway", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	metrics.InitInstanceMetrics(os.Getenv("HOSTNAME"), os.Getenv("POD_NAMESPACE"), version)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "llm-gateway",
		Version:     version,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTracing(context.Background())

	reg, err := loadRegistry(cfg.CatalogPath)
	if err != nil {
		return err
	}

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	providerRouter := router.New(reg, providers, cfg.DefaultRegion)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		slog.Info("connected to redis")
	}

	var (
		db       *sql.DB
		orgRepo  repository.OrganizationRepository
		tracker  cost.Tracker
		journal  ledger.Journal = ledger.NewMemoryJournal()
		users    auth.AdminUserRepository
		checkers []api.HealthChecker
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}

		pgJournal := ledger.NewPostgresJournal(sqlx.NewDb(db, "postgres"))
		if err := pgJournal.Migrate(ctx); err != nil {
			return err
		}
		pgUsers := auth.NewPostgresAdminUserRepository(db)
		if err := pgUsers.Migrate(ctx); err != nil {
			return err
		}

		orgRepo = repository.NewPostgresOrganizationRepository(db)
		tracker = repository.NewPostgresUsageRepository(db)
		journal = pgJournal
		users = pgUsers
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres storage")
	} else {
		orgRepo = repository.NewInMemoryOrganizationRepository(repository.DefaultOrganization())
		tracker = cost.NewInMemoryTracker()
		users = auth.NewInMemoryAdminUserRepository()
		slog.Info("using in-memory storage", "default_api_key", repository.DefaultAPIKey)
	}

	var rateLimiter ratelimit.RateLimiter
	if redisClient != nil {
		rateLimiter = ratelimit.NewRedisRateLimiter(redisClient)
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
		slog.Info("using redis rate limiter")
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.AlertTopicARN != "" {
		snsNotifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			return err
		}
		notifier = notifications.Fanout{notifications.LogNotifier{}, snsNotifier}
		slog.Info("sending alerts to sns", "topic", cfg.AlertTopicARN)
	}

	var dedupOpt budget.Option
	if redisClient != nil {
		dedupOpt = budget.WithDeduplicator(budget.NewRedisDeduplicator(redisClient, time.Hour))
	} else {
		dedupOpt = budget.WithDeduplicator(budget.NewInMemoryDeduplicatorWindow(time.Hour))
	}
	monitor := budget.NewMonitor(budget.DefaultThresholds(cfg.LowBalanceUSD), dedupOpt)
	monitor.OnAlert(budget.LogAlertHandler)
	monitor.OnAlert(budget.NotifyHandler(notifier))

	opening := ledger.FromUSD(cfg.OpeningCreditsUSD)
	var store ledger.Store = ledger.NewMemoryStore(opening)
	if redisClient != nil {
		store = ledger.NewRedisStore(redisClient, opening)
		slog.Info("using redis credit ledger")
	}
	credits := ledger.New(store, ledger.WithJournal(journal), ledger.WithObserver(monitor.Observe))
	go credits.RunJanitor(ctx, janitorInterval, cfg.EscrowTTL)

	breakerOpts := []circuitbreaker.ManagerOption{circuitbreaker.WithStateChangeHook(breakerAlerts(notifier))}
	if cfg.UseDistributedCircuitBreaker && redisClient != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedisClient(redisClient))
		slog.Info("using distributed circuit breakers")
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)

	var secretStore secrets.SecretStore = secrets.NewInMemorySecretStore()
	if cfg.AWSRegion != "" {
		secretStore, err = secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return err
		}
	}

	usageSinks := cost.MultiSink{}
	if cfg.UsageQueueURL != "" {
		sqsSink, err := queue.NewSQSUsageSink(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			return err
		}
		usageSinks = append(usageSinks, sqsSink)
		go queue.Drain(ctx, sqsSink, tracker)
		slog.Info("publishing usage to sqs", "queue", cfg.UsageQueueURL)
	} else {
		usageSinks = append(usageSinks, tracker)
	}

	execOpts := []dispatch.Option{
		dispatch.WithLedger(credits),
		dispatch.WithBreakers(breakers),
		dispatch.WithKeys(secrets.NewProviderKeys(secretStore)),
		dispatch.WithUsageSink(usageSinks),
		dispatch.WithConfig(dispatch.Config{
			AttemptTimeout:        cfg.AttemptTimeout,
			FallbackOnClientError: cfg.FallbackOnClientError,
		}),
	}
	if cfg.PayloadBucket != "" {
		var encryptor *crypto.Encryptor
		if cfg.EncryptionKey != "" {
			encryptor, err = crypto.NewEncryptor(cfg.EncryptionKey)
			if err != nil {
				return fmt.Errorf("init encryptor: %w", err)
			}
		}
		sink, err := payloads.NewS3Sink(ctx, cfg.AWSRegion, cfg.PayloadBucket, encryptor)
		if err != nil {
			return err
		}
		execOpts = append(execOpts, dispatch.WithPayloadSink(sink))
		slog.Info("archiving payloads to s3", "bucket", cfg.PayloadBucket, "encrypted", encryptor != nil)
	}
	executor := dispatch.New(providerRouter, reg, execOpts...)

	adminCfg := api.AdminConfig{
		Orgs:        orgRepo,
		Ledger:      credits,
		Usage:       tracker,
		BYOKCapable: providerRouter.BYOKCapable,
	}
	if cfg.AdminAuthEnabled {
		if cfg.AdminPassword != "" {
			if err := auth.EnsureAdmin(ctx, users, "admin", cfg.AdminPassword); err != nil {
				return fmt.Errorf("bootstrap admin user: %w", err)
			}
		}
		adminCfg.RBAC = auth.NewRBACMiddleware(auth.NewAuthenticator(users))
		adminCfg.Users = users
		slog.Info("admin api enabled with rbac")
	} else {
		slog.Warn("admin api enabled without authentication")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Orgs:        orgRepo,
		RateLimiter: rateLimiter,
		Router:      providerRouter,
		Executor:    executor,
		Ledger:      credits,
		Breakers:    breakers,
		Checkers:    checkers,
		Admin:       api.NewAdminHandler(adminCfg),
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		executor.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.DrainTimeout):
		slog.Warn("background writes did not finish before drain timeout")
	}

	slog.Info("server stopped")
	return nil
}

func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		reg, err := registry.Default()
		if err != nil {
			return nil, fmt.Errorf("load embedded catalog: %w", err)
		}
		return reg, nil
	}
	reg, err := registry.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	slog.Info("loaded catalog", "path", path, "models", len(reg.AllModelIDs()))
	return reg, nil
}

func buildProviders(ctx context.Context, cfg *config.Config) (map[string]provider.Provider, error) {
	providers := make(map[string]provider.Provider)

	if cfg.OpenAIAPIKey != "" {
		providers["openai"] = openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		slog.Info("registered provider", "provider", "openai")
	}

	if cfg.OllamaBaseURL != "" {
		providers["ollama"] = openai.NewOllama(cfg.OllamaBaseURL)
		slog.Info("registered provider", "provider", "ollama", "url", cfg.OllamaBaseURL)
	}

	if cfg.AnthropicAPIKey != "" {
		providers["anthropic"] = anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL)
		slog.Info("registered provider", "provider", "anthropic")
	}

	if cfg.BedrockEnabled {
		p, err := bedrock.New(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("init bedrock: %w", err)
		}
		providers["bedrock"] = p
		slog.Info("registered provider", "provider", "bedrock", "region", cfg.AWSRegion)
	}

	return providers, nil
}

// breakerAlerts publishes provider_down when an endpoint's breaker opens
// and provider_up when it closes again.
func breakerAlerts(n notifications.Notifier) circuitbreaker.StateChangeHook {
	return func(key string, from, to circuitbreaker.State) {
		var typ notifications.NotificationType
		switch to {
		case circuitbreaker.StateOpen:
			typ = notifications.NotificationProviderDown
		case circuitbreaker.StateClosed:
			typ = notifications.NotificationProviderUp
		default:
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := n.Send(ctx, notifications.Notification{
				Type:    typ,
				Message: fmt.Sprintf("endpoint %s is %s", key, to),
				Data:    map[string]interface{}{"endpoint": key, "from": from.String()},
			})
			if err != nil {
				slog.Error("failed to send breaker alert", "endpoint", key, "error", err)
			}
		}()
	}
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
