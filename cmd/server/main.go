package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/adapters/database"
	"github.com/kevin07696/recurring-billing/internal/adapters/eventbus"
	"github.com/kevin07696/recurring-billing/internal/adapters/gateway"
	"github.com/kevin07696/recurring-billing/internal/adapters/postgres"
	"github.com/kevin07696/recurring-billing/internal/adapters/scheduler"
	"github.com/kevin07696/recurring-billing/internal/adapters/secrets"
	"github.com/kevin07696/recurring-billing/internal/config"
	"github.com/kevin07696/recurring-billing/internal/domain"
	cronHandler "github.com/kevin07696/recurring-billing/internal/handlers/cron"
	"github.com/kevin07696/recurring-billing/internal/services/billing"
	"github.com/kevin07696/recurring-billing/internal/services/retry"
	"github.com/kevin07696/recurring-billing/internal/services/switching"
	"github.com/kevin07696/recurring-billing/internal/services/webhook"
	httpclient "github.com/kevin07696/recurring-billing/pkg/http"
	"github.com/kevin07696/recurring-billing/pkg/logging"
	"github.com/kevin07696/recurring-billing/pkg/middleware"
	"github.com/kevin07696/recurring-billing/pkg/observability"
	"github.com/kevin07696/recurring-billing/pkg/resilience"
	"github.com/kevin07696/recurring-billing/pkg/shutdown"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
)

const version = "0.1.0"

func main() {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}

	logger, err := logging.New(cfg.Logger.Level, cfg.Logger.Development)
	if err != nil {
		panic(fmt.Sprintf("init logger: %v", err))
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting recurring billing service",
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
	)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Service exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	reader, err := secrets.NewReader(ctx, &cfg.Secrets, logger)
	if err != nil {
		return fmt.Errorf("init secrets backend: %w", err)
	}
	if err := secrets.ResolveConfig(ctx, reader, cfg, logger); err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	timeouts := resilience.DefaultTimeoutConfig()
	clock := timeutil.SystemClock{}
	shutdownMgr := shutdown.NewManager(logger, 30*time.Second)

	// Database
	dbCfg := database.DefaultPostgreSQLConfig(databaseURL(&cfg.Database))
	dbCfg.MaxConns = cfg.Database.MaxConns
	dbCfg.MinConns = cfg.Database.MinConns

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	dbAdapter, err := database.NewPostgreSQLAdapter(connectCtx, dbCfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	shutdownMgr.RegisterNoErr("database", dbAdapter.Close)

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	dbAdapter.StartPoolMonitoring(monitorCtx, time.Minute)
	shutdownMgr.RegisterNoErr("pool-monitor", stopMonitor)

	pool := dbAdapter.Pool()
	db := postgres.NewDBExecutor(pool).WithLockTimeout(cfg.Database.LockTimeout)
	store := postgres.NewOrderStore(pool, clock)
	catalog := postgres.NewProductCatalog(pool)
	retryRepo := postgres.NewRetryRepository(pool, clock)

	// Billing rules fall back to "no retries, no proration" rather than refusing to start
	rules, err := config.LoadBillingRules(cfg.Billing.RulesPath)
	if err != nil {
		logger.Error("Failed to load billing rules, using fallback",
			zap.String("path", cfg.Billing.RulesPath),
			zap.Error(err),
		)
		rules = config.FallbackBillingRules()
	}

	// Gateways
	gateways := gateway.NewRegistry(gateway.DefaultCircuitBreakerConfig(), timeouts, clock, logger)
	gateways.Register(gateway.NewManualGateway())
	if cfg.Server.Environment != "production" {
		gateways.Register(gateway.NewSandboxGateway())
	}
	logger.Info("Payment gateways registered", zap.Strings("gateways", gateways.IDs()))

	// Event bus
	bus := eventbus.NewBus(eventbus.DefaultConfig(), logger)
	shutdownMgr.RegisterCloser("event-bus", bus)

	if cfg.Webhook.Enabled() {
		deliveries := newWebhookDelivery(bus, &cfg.Webhook, logger)
		webhookCtx, stopWebhooks := context.WithCancel(ctx)
		if err := deliveries.Start(webhookCtx); err != nil {
			stopWebhooks()
			return fmt.Errorf("start webhook delivery: %w", err)
		}
		shutdownMgr.RegisterNoErr("webhooks", func() {
			stopWebhooks()
			deliveries.Wait()
		})
	}

	// Scheduler
	schedCfg := scheduler.DefaultConfig()
	schedCfg.Clock = clock
	sched, err := scheduler.NewScheduler(schedCfg, logger)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	// Engine
	serviceLogger := logging.NewZapLogger(logger)
	retries := retry.NewManager(rules.Retries, retryRepo, sched, gateways, clock, serviceLogger)
	switcher := switching.NewCalculator(rules.Proration, cfg.Billing.Precision)
	engine := billing.NewEngine(db, store, catalog, gateways, bus, retries, switcher, clock, serviceLogger, billing.Config{
		BatchSize:             cfg.Billing.BatchSize,
		Concurrency:           cfg.Billing.Concurrency,
		TerminalFailureStatus: rules.TerminalFailureStatus,
	})
	sched.Bind(engine)

	if cfg.Cron.EnableSweeps {
		if err := registerSweeps(sched, engine, &cfg.Cron); err != nil {
			return err
		}
	}
	sched.Start()

	// HTTP server for cron endpoints and scheduler callbacks
	inflight := shutdown.NewInFlightTracker("cron", logger)
	billingHdlr := cronHandler.NewBillingHandler(engine, timeouts, logger, cfg.Cron.Secret)
	billingHdlr.TrackInFlight(inflight)

	httpMux := http.NewServeMux()
	billingHdlr.RegisterRoutes(httpMux)

	rateLimiter := middleware.NewRateLimiter(cfg.Cron.RateLimit, cfg.Cron.RateBurst, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           middleware.Chain(httpMux, rateLimiter.Middleware, middleware.Timeout(timeouts.HTTPHandler, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// Metrics and health
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("database", dbAdapter.HealthCheck)
	healthChecker.AddCheck("gateways", func(context.Context) error {
		for _, id := range gateways.IDs() {
			if state, ok := gateways.Circuit(id); ok && state == gateway.StateOpen {
				return fmt.Errorf("gateway %s circuit open", id)
			}
		}
		return nil
	})
	metricsServer := observability.StartMetricsServer(strconv.Itoa(cfg.Server.MetricsPort), healthChecker, logger)
	healthChecker.SetReady(true)

	// Registered last so they stop first: no new hooks, then no new requests
	shutdownMgr.Register("metrics-server", func(ctx context.Context) error {
		return observability.ShutdownMetricsServer(ctx, metricsServer)
	})
	shutdownMgr.RegisterNoErr("rate-limiter", rateLimiter.Shutdown)
	shutdownMgr.RegisterHTTPServer("http-server", httpServer)
	shutdownMgr.Register("cron-inflight", inflight.Shutdown)
	shutdownMgr.Register("scheduler", func(context.Context) error {
		healthChecker.SetReady(false)
		return sched.Shutdown()
	})

	if errs := shutdownMgr.WaitForShutdown(ctx); len(errs) > 0 {
		return fmt.Errorf("%d components failed to shut down", len(errs))
	}
	return nil
}

// registerSweeps runs the due sweeps in-process. They also pick up retries and
// renewals whose one-time jobs were lost when the process restarted.
func registerSweeps(sched *scheduler.Scheduler, engine *billing.Engine, cfg *config.CronConfig) error {
	sweeps := []struct {
		name  string
		every time.Duration
		fn    func(context.Context) (*billing.BatchResult, error)
	}{
		{billing.SweepRenewals, cfg.RenewalInterval, engine.ProcessDueRenewals},
		{billing.SweepEnds, cfg.RenewalInterval, engine.ProcessDueEnds},
		{billing.SweepRetries, cfg.RetryInterval, engine.ProcessDueRetries},
	}
	for _, sw := range sweeps {
		fn := sw.fn
		err := sched.AddSweep(sw.name, sw.every, func(ctx context.Context) error {
			_, err := fn(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("register %s sweep: %w", sw.name, err)
		}
	}
	return nil
}

func newWebhookDelivery(bus *eventbus.Bus, cfg *config.WebhookConfig, logger *zap.Logger) *webhook.DeliveryService {
	events := make([]domain.EventType, len(cfg.Events))
	for i, e := range cfg.Events {
		events[i] = domain.EventType(e)
	}

	whCfg := webhook.DefaultConfig()
	whCfg.MaxAttempts = cfg.MaxAttempts
	for _, u := range cfg.URLs {
		whCfg.Endpoints = append(whCfg.Endpoints, webhook.Endpoint{URL: u, Secret: cfg.Secret, EventTypes: events})
	}

	client := httpclient.NewClient(httpclient.WebhookClientConfig())
	return webhook.NewDeliveryService(bus, client, whCfg, logger)
}

func databaseURL(c *config.DatabaseConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
