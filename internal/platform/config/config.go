package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultEnvironment          = "local"
	defaultRateMatrixPrefix     = "rate-matrices"
	defaultAbandonedCartTopic   = "abandoned-carts"
	defaultFinanceTimeout       = 10 * time.Second
	defaultCurrency             = "GBP"
	defaultStripeLocale         = "en-GB"
	defaultQuoteSnapshotTTL     = 7 * 24 * time.Hour
	defaultMatrixCacheTTL       = 5 * time.Minute
	defaultSecretCacheTTL       = 15 * time.Minute
	defaultSecretsFallbackFile  = ".secrets.local"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config is the funnel API's runtime configuration, grouped by concern.
type Config struct {
	Server      ServerConfig
	Project     ProjectConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	PubSub      PubSubConfig
	Stripe      StripeConfig
	Finance     FinanceConfig
	Funnel      FunnelConfig
	Secrets     SecretsConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ProjectConfig identifies the Google Cloud project and deployment environment.
type ProjectConfig struct {
	ID          string
	Environment string
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig locates published rate matrix documents. An empty bucket disables dynamic matrices.
type StorageConfig struct {
	RateMatrixBucket string
	RateMatrixPrefix string
}

// PubSubConfig names the topics the funnel publishes to.
type PubSubConfig struct {
	ProjectID          string
	AbandonedCartTopic string
	EmulatorHost       string
}

// StripeConfig configures the card checkout provider.
type StripeConfig struct {
	APIKey string
	Locale string
}

// FinanceConfig configures the installment finance provider. An empty BaseURL leaves finance
// unregistered.
type FinanceConfig struct {
	BaseURL    string
	APIKey     string
	MerchantID string
	Timeout    time.Duration
}

// FunnelConfig carries quote and checkout behaviour shared by the wizard endpoints.
type FunnelConfig struct {
	PublicBaseURL    string
	Currency         string
	QuoteSnapshotTTL time.Duration
	MatrixCacheTTL   time.Duration
}

type SecretsConfig struct {
	FallbackFile string
	CacheTTL     time.Duration
}

// IdempotencyConfig controls the checkout idempotency middleware and its janitor.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ValidationError lists the config fields that are missing or malformed, in declaration order.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithEnvFile overrides the dotenv path. An empty path skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values in credential fields.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets names credential fields ("Stripe.APIKey", "Finance.APIKey") that must
// resolve to a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic instead of returning MissingSecretsError.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// EnvironmentValues returns the merged environment Load would read, so the secret fetcher can be
// built from the same inputs before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	env, err := newEnvironment(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Load builds Config from defaults, the dotenv file, the environment and resolved secrets.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	env, err := newEnvironment(o)
	if err != nil {
		return Config{}, err
	}

	cfg := fromEnvironment(env)
	resolved, err := cfg.resolveSecrets(ctx, o.secret)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if missing := missingSecrets(o.requiredSecrets, resolved); missing != nil {
		return Config{}, reportMissingSecrets(missing, o.panicOnMissingSecrets)
	}
	return cfg, nil
}

func fromEnvironment(env environment) Config {
	projectID := env.str("API_PROJECT_ID", "")
	return Config{
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Project: ProjectConfig{
			ID:          projectID,
			Environment: strings.ToLower(env.str("API_ENVIRONMENT", defaultEnvironment)),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", projectID),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			RateMatrixBucket: env.str("API_STORAGE_RATE_MATRIX_BUCKET", ""),
			RateMatrixPrefix: env.str("API_STORAGE_RATE_MATRIX_PREFIX", defaultRateMatrixPrefix),
		},
		PubSub: PubSubConfig{
			ProjectID:          env.str("API_PUBSUB_PROJECT_ID", projectID),
			AbandonedCartTopic: env.str("API_PUBSUB_ABANDONED_CART_TOPIC", defaultAbandonedCartTopic),
			EmulatorHost:       env.str("API_PUBSUB_EMULATOR_HOST", ""),
		},
		Stripe: StripeConfig{
			APIKey: env.str("API_STRIPE_API_KEY", ""),
			Locale: env.str("API_STRIPE_LOCALE", defaultStripeLocale),
		},
		Finance: FinanceConfig{
			BaseURL:    env.str("API_FINANCE_BASE_URL", ""),
			APIKey:     env.str("API_FINANCE_API_KEY", ""),
			MerchantID: env.str("API_FINANCE_MERCHANT_ID", ""),
			Timeout:    env.duration("API_FINANCE_TIMEOUT", defaultFinanceTimeout),
		},
		Funnel: FunnelConfig{
			PublicBaseURL:    env.str("API_FUNNEL_PUBLIC_BASE_URL", ""),
			Currency:         strings.ToUpper(env.str("API_FUNNEL_CURRENCY", defaultCurrency)),
			QuoteSnapshotTTL: env.duration("API_FUNNEL_QUOTE_SNAPSHOT_TTL", defaultQuoteSnapshotTTL),
			MatrixCacheTTL:   env.duration("API_FUNNEL_MATRIX_CACHE_TTL", defaultMatrixCacheTTL),
		},
		Secrets: SecretsConfig{
			FallbackFile: env.str("API_SECRETS_FALLBACK_FILE", defaultSecretsFallbackFile),
			CacheTTL:     env.duration("API_SECRETS_CACHE_TTL", defaultSecretCacheTTL),
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}
}

func (c Config) validate() error {
	var fields []string
	require := func(ok bool, field string) {
		if !ok {
			fields = append(fields, field)
		}
	}

	require(c.Server.Port != "", "Server.Port")
	require(c.Firestore.ProjectID != "", "Firestore.ProjectID")
	require(isHTTPURL(c.Funnel.PublicBaseURL), "Funnel.PublicBaseURL")
	require(len(c.Funnel.Currency) == 3, "Funnel.Currency")
	require(c.Funnel.QuoteSnapshotTTL > 0, "Funnel.QuoteSnapshotTTL")
	require(c.Funnel.MatrixCacheTTL >= 0, "Funnel.MatrixCacheTTL")
	require(c.Finance.BaseURL == "" || isHTTPURL(c.Finance.BaseURL), "Finance.BaseURL")
	require(c.Finance.Timeout > 0, "Finance.Timeout")
	require(c.PubSub.AbandonedCartTopic != "", "PubSub.AbandonedCartTopic")
	require(c.Idempotency.Header != "", "Idempotency.Header")
	require(c.Idempotency.TTL > 0, "Idempotency.TTL")
	require(c.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	require(c.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}

func isHTTPURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (parsed.Scheme == "https" || parsed.Scheme == "http") && parsed.Host != ""
}
