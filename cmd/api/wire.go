package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	domain "github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/payments"
	"github.com/warrantyfunnel/api/internal/platform/config"
	pfirestore "github.com/warrantyfunnel/api/internal/platform/firestore"
	"github.com/warrantyfunnel/api/internal/platform/idempotency"
	"github.com/warrantyfunnel/api/internal/platform/jobs"
	"github.com/warrantyfunnel/api/internal/platform/observability"
	"github.com/warrantyfunnel/api/internal/platform/secrets"
	platformstorage "github.com/warrantyfunnel/api/internal/platform/storage"
	"github.com/warrantyfunnel/api/internal/repositories"
	firestoreRepo "github.com/warrantyfunnel/api/internal/repositories/firestore"
	storageRepo "github.com/warrantyfunnel/api/internal/repositories/storage"
	"github.com/warrantyfunnel/api/internal/services"
)

// app holds the wired services and the clients the readiness checks call.
type app struct {
	build services.BuildInfo

	firestore     *firestore.Client
	fetcher       *secrets.Fetcher
	matrixBucket  *cloudstorage.BucketHandle
	abandonedCart *pubsub.Topic

	idempotency   idempotency.Store
	quotes        services.QuoteService
	discountCodes services.DiscountCodeService
	sessions      services.QuoteSessionService
	checkout      services.CheckoutService
	settlements   services.SettlementService
}

func wire(ctx context.Context, cfg config.Config, fetcher *secrets.Fetcher, meter metric.Meter, logger *zap.Logger, cleanup *closers) (*app, error) {
	a := &app{fetcher: fetcher}
	svcLog := func(name, component string) func(context.Context, string, map[string]any) {
		return observability.ServiceLogger(logger.Named(name), component)
	}

	provider := pfirestore.NewProvider(cfg.Firestore)
	client, err := provider.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore: %w", err)
	}
	cleanup.add("firestore", provider.Close)
	a.firestore = client

	snapshots, err := firestoreRepo.NewQuoteSnapshotRepository(provider)
	if err != nil {
		return nil, err
	}
	policies, err := firestoreRepo.NewPolicyRepository(provider)
	if err != nil {
		return nil, err
	}
	codes, err := firestoreRepo.NewDiscountCodeRepository(provider)
	if err != nil {
		return nil, err
	}
	flags, err := firestoreRepo.NewAutoDiscountFlagRepository(provider)
	if err != nil {
		return nil, err
	}

	matrices, err := a.rateMatrices(ctx, cfg, svcLog("pricing", "rate_matrix"), cleanup)
	if err != nil {
		return nil, err
	}
	if matrices == nil {
		logger.Warn("rate matrix bucket not configured; pricing from the built-in table only")
	}

	publisher, err := a.abandonedCartPublisher(ctx, cfg.PubSub, cleanup)
	if err != nil {
		return nil, err
	}
	manager, err := paymentManager(cfg, logger.Named("payments"))
	if err != nil {
		return nil, err
	}

	table, err := services.LoadStaticRateTable()
	if err != nil {
		return nil, err
	}
	resolver, err := services.NewRateResolver(table)
	if err != nil {
		return nil, err
	}
	if a.discountCodes, err = services.NewDiscountCodeService(services.DiscountCodeServiceDeps{
		Codes:  codes,
		Clock:  time.Now,
		Logger: svcLog("pricing", "discount_code"),
	}); err != nil {
		return nil, err
	}
	if a.quotes, err = services.NewQuoteService(services.QuoteServiceDeps{
		Resolver: resolver,
		Matrices: matrices,
		Codes:    a.discountCodes,
		Currency: cfg.Funnel.Currency,
		Logger:   svcLog("pricing", "quote"),
	}); err != nil {
		return nil, err
	}
	if a.sessions, err = services.NewQuoteSessionService(services.QuoteSessionServiceDeps{
		Snapshots:   snapshots,
		Flags:       flags,
		Publisher:   publisher,
		SnapshotTTL: cfg.Funnel.QuoteSnapshotTTL,
		Clock:       time.Now,
		Logger:      svcLog("session", "quote_session"),
	}); err != nil {
		return nil, err
	}

	dispatcher, err := services.NewDispatcher(services.DispatcherDeps{
		Payments:      manager,
		PublicBaseURL: cfg.Funnel.PublicBaseURL,
		Locale:        cfg.Stripe.Locale,
		Meter:         meter,
		Logger:        svcLog("checkout", "dispatcher"),
	})
	if err != nil {
		return nil, err
	}
	if a.checkout, err = services.NewCheckoutService(services.CheckoutServiceDeps{
		Quotes:     a.quotes,
		Dispatcher: dispatcher,
		Flags:      flags,
		Logger:     svcLog("checkout", "checkout"),
	}); err != nil {
		return nil, err
	}

	a.idempotency = idempotency.NewFirestoreStore(client)
	if a.settlements, err = services.NewSettlementReconciler(services.SettlementReconcilerDeps{
		Payments:    manager,
		Policies:    policies,
		Flags:       flags,
		Idempotency: a.idempotency,
		Clock:       time.Now,
		Meter:       meter,
		Logger:      svcLog("settlement", "reconciler"),
	}); err != nil {
		return nil, err
	}
	return a, nil
}

// rateMatrices returns nil when no bucket is configured.
func (a *app) rateMatrices(ctx context.Context, cfg config.Config, log func(context.Context, string, map[string]any), cleanup *closers) (repositories.RateMatrixRepository, error) {
	bucket := strings.TrimSpace(cfg.Storage.RateMatrixBucket)
	if bucket == "" {
		return nil, nil
	}
	client, err := cloudstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	cleanup.add("storage", func(context.Context) error { return client.Close() })
	a.matrixBucket = client.Bucket(bucket)

	reader, err := platformstorage.NewReader(client, bucket)
	if err != nil {
		return nil, err
	}
	return storageRepo.NewRateMatrixRepository(reader, storageRepo.RateMatrixRepositoryOptions{
		Prefix:   cfg.Storage.RateMatrixPrefix,
		CacheTTL: cfg.Funnel.MatrixCacheTTL,
		Logger:   log,
	})
}

func (a *app) abandonedCartPublisher(ctx context.Context, cfg config.PubSubConfig, cleanup *closers) (*jobs.PubSubAbandonedCartPublisher, error) {
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" && os.Getenv("PUBSUB_EMULATOR_HOST") == "" {
		_ = os.Setenv("PUBSUB_EMULATOR_HOST", host)
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub: %w", err)
	}
	topic := client.Topic(cfg.AbandonedCartTopic)
	cleanup.add("pubsub", func(context.Context) error {
		topic.Stop()
		return client.Close()
	})
	a.abandonedCart = topic
	return jobs.NewPubSubAbandonedCartPublisher(topic)
}

// paymentManager registers Stripe for card checkouts and, when a base URL is configured, the
// finance provider.
func paymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	if strings.TrimSpace(cfg.Stripe.APIKey) == "" {
		return nil, errors.New("stripe api key is required")
	}
	log := payments.Logger(observability.ServiceLogger(logger, "provider"))
	card, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.Stripe.APIKey,
		Logger: log,
		Clock:  time.Now,
	})
	if err != nil {
		return nil, err
	}
	providers := map[domain.ProviderKind]payments.Provider{domain.ProviderCard: card}

	if strings.TrimSpace(cfg.Finance.BaseURL) == "" {
		logger.Warn("finance provider not configured; finance checkouts will be reported unavailable")
		return payments.NewManager(providers)
	}
	finance, err := payments.NewFinanceProvider(payments.FinanceProviderConfig{
		BaseURL:    cfg.Finance.BaseURL,
		APIKey:     cfg.Finance.APIKey,
		MerchantID: cfg.Finance.MerchantID,
		Timeout:    cfg.Finance.Timeout,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	providers[domain.ProviderFinance] = finance
	return payments.NewManager(providers)
}

func buildInfo(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	or := func(value, fallback string) string {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
		return fallback
	}
	return services.BuildInfo{
		Version:     or(env["API_BUILD_VERSION"], "dev"),
		CommitSHA:   or(env["API_BUILD_COMMIT_SHA"], "unknown"),
		Environment: or(cfg.Project.Environment, "local"),
		StartedAt:   started,
	}
}
