// Command api serves the warranty quote and checkout funnel.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/warrantyfunnel/api/internal/handlers"
	"github.com/warrantyfunnel/api/internal/platform/config"
	"github.com/warrantyfunnel/api/internal/platform/idempotency"
	"github.com/warrantyfunnel/api/internal/platform/observability"
	"github.com/warrantyfunnel/api/internal/platform/secrets"
)

const (
	meterName       = "github.com/warrantyfunnel/api"
	shutdownTimeout = 10 * time.Second
)

func main() {
	base, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = base.Sync() }()

	logger := base.Named("api")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(observability.WithLogger(ctx, logger), logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

// run wires the funnel and serves until ctx is cancelled. Resources opened along the way are
// released in reverse order on return.
func run(ctx context.Context, logger *zap.Logger) error {
	startedAt := time.Now().UTC()
	var cleanup closers
	defer cleanup.closeAll(logger)

	env, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	meter := otel.GetMeterProvider().Meter(meterName)
	fetcher, err := secrets.NewFetcher(ctx, append(secrets.EnvOptions(env),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithMeter(meter),
	)...)
	if err != nil {
		return fmt.Errorf("secret fetcher: %w", err)
	}
	cleanup.add("secret fetcher", func(context.Context) error { return fetcher.Close() })
	logger.Info("secret fetcher ready", zap.String("mode", fetcher.Mode()))

	required := []string{"Stripe.APIKey"}
	if env["API_FINANCE_BASE_URL"] != "" {
		required = append(required, "Finance.APIKey")
	}
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(required...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load config: %w", err)
	}

	app, err := wire(ctx, cfg, fetcher, meter, logger, &cleanup)
	if err != nil {
		return err
	}
	app.build = buildInfo(env, cfg, startedAt)

	var workers sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	janitor := idempotency.NewJanitor(app.idempotency, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	workers.Add(1)
	go func() {
		defer workers.Done()
		janitor.Run(workerCtx)
	}()
	defer func() {
		stopWorkers()
		workers.Wait()
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      app.router(cfg, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("warranty funnel api listening", zap.String("addr", server.Addr), zap.String("version", app.build.Version))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received; draining requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

func (a *app) router(cfg config.Config, logger *zap.Logger) http.Handler {
	projectID := cfg.Project.ID
	if projectID == "" {
		projectID = cfg.Firestore.ProjectID
	}
	httpLogger := logger.Named("http")

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(a.build)}
	if system, err := a.systemService(); err != nil {
		logger.Warn("health: dependency checks disabled", zap.Error(err))
	} else {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(system))
	}

	quotes := handlers.NewQuoteHandlers(a.quotes, a.discountCodes)
	sessions := handlers.NewQuoteSessionHandlers(a.sessions)
	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithQuoteRoutes(quotes.Routes),
		handlers.WithDiscountCodeRoutes(quotes.DiscountCodeRoutes),
		handlers.WithQuoteSessionRoutes(sessions.Routes),
		handlers.WithQuoteSnapshotRoutes(sessions.SnapshotRoutes),
		handlers.WithCheckoutMiddlewares(idempotency.Middleware(
			a.idempotency,
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
			idempotency.WithMethods(http.MethodPost),
			idempotency.WithLogger(logger.Named("idempotency")),
		)),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(a.checkout).Routes),
		handlers.WithSettlementRoutes(handlers.NewSettlementHandlers(a.settlements).Routes),
	)
}

type closer struct {
	name  string
	close func(context.Context) error
}

// closers releases resources last-opened first.
type closers []closer

func (c *closers) add(name string, fn func(context.Context) error) {
	*c = append(*c, closer{name: name, close: fn})
}

func (c closers) closeAll(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].close(ctx); err != nil {
			logger.Warn("close failed", zap.String("resource", c[i].name), zap.Error(err))
		}
	}
}
