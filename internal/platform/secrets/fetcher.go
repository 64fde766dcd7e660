package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 15 * time.Minute
	meterName           = "github.com/warrantyfunnel/api/internal/platform/secrets"

	sourceCache    = "cache"
	sourceRemote   = "remote"
	sourceFallback = "fallback"
	sourceError    = "error"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type settings struct {
	logger      *zap.Logger
	env         string
	project     string
	projectMap  map[string]string
	versionPins map[string]string
	fallback    string
	cacheTTL    time.Duration
	clock       func() time.Time
	meter       metric.Meter
	client      secretManagerClient
	clientOpts  []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*settings)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithEnvironment selects the key used for per-environment projects and version pins.
func WithEnvironment(env string) Option {
	return func(s *settings) { s.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject is used when the environment has no project mapping.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment names to Secret Manager projects.
func WithProjectMap(m map[string]string) Option {
	return func(s *settings) { s.projectMap = cloneMap(m) }
}

// WithVersionPins pins secret versions by canonical reference, optionally prefixed by "env:".
func WithVersionPins(pins map[string]string) Option {
	return func(s *settings) { s.versionPins = cloneMap(pins) }
}

// WithFallbackFile overrides the local fallback file path. An empty path disables the fallback.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallback = strings.TrimSpace(path) }
}

// WithCacheTTL bounds how long a resolved provider key is reused, so rotations apply without a
// restart. Zero keeps values for the process lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl >= 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithClock overrides the cache clock.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

// WithMeter injects the OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithSecretManagerClient injects a client; used by tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(s *settings) { s.client = client }
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
}

// Fetcher resolves secret:// references for provider credentials. Values come from Secret Manager
// and are cached; when Secret Manager is unreachable the local fallback file is used instead.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env         string
	project     string
	versionPins map[string]string
	fallback    *fallbackFile

	mu       sync.RWMutex
	cache    map[string]cachedSecret
	cacheTTL time.Duration
	now      func() time.Time

	metrics fetchMetrics
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not an error: the fetcher then
// serves only the fallback file, which is the normal local development mode.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{
		env:      defaultEnvironment,
		fallback: defaultFallbackPath,
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(meterName)
	}

	project := s.project
	if mapped := strings.TrimSpace(s.projectMap[s.env]); mapped != "" {
		project = mapped
	}

	f := &Fetcher{
		logger:      s.logger,
		env:         s.env,
		project:     project,
		versionPins: s.versionPins,
		fallback:    &fallbackFile{path: s.fallback},
		cache:       make(map[string]cachedSecret),
		cacheTTL:    s.cacheTTL,
		now:         s.clock,
		metrics:     newFetchMetrics(s.meter, s.logger),
	}

	switch {
	case s.client != nil:
		f.client = s.client
	default:
		client, err := secretManagerClientFactory(ctx, s.clientOpts...)
		if err != nil {
			s.logger.Warn("secrets: secret manager unavailable, serving fallback file only", zap.Error(err))
			break
		}
		f.client = client
		f.ownsClient = true
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Mode reports "remote" when Secret Manager is in use and "fallback" otherwise.
func (f *Fetcher) Mode() string {
	if f == nil || f.client == nil {
		return sourceFallback
	}
	return sourceRemote
}

// Resolve returns the secret value for ref. NotFound from Secret Manager is returned as is; only
// reachability failures (permission, auth, unavailable, deadline) fall through to the local file.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := f.now()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}
	version := f.version(ref)
	key := versionedKey(ref.canonical, version)

	if value, ok := f.cached(key); ok {
		f.metrics.hit(ctx, ref)
		f.metrics.observe(ctx, f.now().Sub(start), sourceCache)
		return value, nil
	}

	project := ref.project
	if project == "" {
		project = f.project
	}
	if f.client != nil && project != "" {
		value, err := f.access(ctx, ref.resource(project, version))
		if err == nil {
			f.store(key, value)
			f.metrics.observe(ctx, f.now().Sub(start), sourceRemote)
			return value, nil
		}
		if !unreachable(err) {
			f.metrics.observe(ctx, f.now().Sub(start), sourceError)
			return "", fmt.Errorf("secrets: fetch %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secrets: secret manager unreachable, using fallback file",
			zap.String("secret", maskReference(ref.canonical)),
			zap.Error(err),
		)
	}

	value, err := f.fallback.lookup(ref, version)
	if err != nil {
		f.metrics.observe(ctx, f.now().Sub(start), sourceError)
		return "", err
	}
	f.store(key, value)
	f.metrics.observe(ctx, f.now().Sub(start), sourceFallback)
	return value, nil
}

func (f *Fetcher) access(ctx context.Context, resource string) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

// version picks the explicit ?version, then an environment pin, then a global pin, then latest.
func (f *Fetcher) version(ref reference) string {
	if ref.version != "" {
		return ref.version
	}
	for _, key := range []string{f.env + ":" + ref.canonical, ref.canonical} {
		if pin := strings.TrimSpace(f.versionPins[key]); pin != "" {
			return pin
		}
	}
	return latestVersion
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if f.cacheTTL > 0 && f.now().Sub(entry.fetchedAt) >= f.cacheTTL {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = cachedSecret{value: value, fetchedAt: f.now()}
	f.mu.Unlock()
}

type fetchMetrics struct {
	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

func newFetchMetrics(meter metric.Meter, logger *zap.Logger) fetchMetrics {
	var m fetchMetrics
	latency, err := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source"),
	)
	if err != nil {
		logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	} else {
		m.latency = latency
	}
	hits, err := meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions served from memory"),
	)
	if err != nil {
		logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
	} else {
		m.cacheHits = hits
	}
	return m
}

func (m fetchMetrics) observe(ctx context.Context, d time.Duration, source string) {
	if m.latency == nil {
		return
	}
	m.latency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attribute.String("source", source)))
}

func (m fetchMetrics) hit(ctx context.Context, ref reference) {
	if m.cacheHits == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskReference(ref.canonical))))
}

func unreachable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func maskReference(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:8])
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}
