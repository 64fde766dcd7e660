package storage

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	domain "github.com/warrantyfunnel/api/internal/domain"
	pstorage "github.com/warrantyfunnel/api/internal/platform/storage"
	"github.com/warrantyfunnel/api/internal/repositories"
)

const (
	rateMatrixSchemaURL    = "https://warrantyfunnel.schemas.local/rate-matrix.schema.json"
	defaultMatrixCacheTTL  = 5 * time.Minute
	defaultMatrixErrorTTL  = 30 * time.Second
	rateMatrixRepositoryOp = "rate_matrices.fetch"
)

//go:embed schema/rate_matrix.schema.json
var rateMatrixSchema []byte

// RateMatrixRepositoryOptions configures the repository.
type RateMatrixRepositoryOptions struct {
	Prefix   string
	CacheTTL time.Duration
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type matrixCacheEntry struct {
	matrix    *domain.RateMatrix
	err       error
	expiresAt time.Time
}

// RateMatrixRepository loads published rate matrices from Cloud Storage, validates them against
// the rate matrix JSON Schema and caches the decoded result.
type RateMatrixRepository struct {
	source   pstorage.ObjectSource
	schema   *jsonschema.Schema
	prefix   string
	cacheTTL time.Duration
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)

	mu    sync.Mutex
	cache map[string]matrixCacheEntry
}

var _ repositories.RateMatrixRepository = (*RateMatrixRepository)(nil)

// NewRateMatrixRepository compiles the embedded schema and binds the repository to source.
func NewRateMatrixRepository(source pstorage.ObjectSource, opts RateMatrixRepositoryOptions) (*RateMatrixRepository, error) {
	if source == nil {
		return nil, errors.New("rate matrix repository: object source is required")
	}
	schema, err := compileRateMatrixSchema()
	if err != nil {
		return nil, err
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultMatrixCacheTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RateMatrixRepository{
		source:   source,
		schema:   schema,
		prefix:   strings.TrimSpace(opts.Prefix),
		cacheTTL: ttl,
		now:      clock,
		logger:   logger,
		cache:    make(map[string]matrixCacheEntry),
	}, nil
}

func compileRateMatrixSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(rateMatrixSchemaURL, bytes.NewReader(rateMatrixSchema)); err != nil {
		return nil, fmt.Errorf("rate matrix schema load failed: %w", err)
	}
	schema, err := c.Compile(rateMatrixSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("rate matrix schema compile failed: %w", err)
	}
	return schema, nil
}

// FetchMatrix returns the matrix published for the plan and category.
func (r *RateMatrixRepository) FetchMatrix(ctx context.Context, planID string, category domain.VehicleCategory) (*domain.RateMatrix, error) {
	if r == nil {
		return nil, errors.New("rate matrix repository not initialised")
	}
	if category == "" {
		category = domain.VehicleCategoryCar
	}
	path, err := pstorage.BuildObjectPath(pstorage.PurposeRateMatrix, pstorage.PathParams{
		Prefix:   r.prefix,
		Category: string(category),
		PlanID:   planID,
	})
	if err != nil {
		return nil, &Error{op: rateMatrixRepositoryOp, err: err, notFound: true}
	}

	now := r.now()
	r.mu.Lock()
	entry, ok := r.cache[path]
	r.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.matrix, entry.err
	}

	matrix, err := r.load(ctx, path)
	if err != nil {
		var repoErr *Error
		if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
			return nil, err
		}
	}

	ttl := r.cacheTTL
	if err != nil && ttl > defaultMatrixErrorTTL {
		ttl = defaultMatrixErrorTTL
	}
	r.mu.Lock()
	r.cache[path] = matrixCacheEntry{matrix: matrix, err: err, expiresAt: now.Add(ttl)}
	r.mu.Unlock()
	return matrix, err
}

// Invalidate drops every cached matrix.
func (r *RateMatrixRepository) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]matrixCacheEntry)
}

func (r *RateMatrixRepository) load(ctx context.Context, path string) (*domain.RateMatrix, error) {
	object, err := r.source.ReadObject(ctx, path)
	if err != nil {
		if errors.Is(err, pstorage.ErrObjectNotFound) {
			return nil, &Error{op: rateMatrixRepositoryOp, err: err, notFound: true}
		}
		if errors.Is(err, pstorage.ErrObjectTooLarge) {
			return nil, &Error{op: rateMatrixRepositoryOp, err: err}
		}
		return nil, &Error{op: rateMatrixRepositoryOp, err: err, unavailable: true}
	}

	var raw any
	if err := json.Unmarshal(object.Data, &raw); err != nil {
		return nil, &Error{op: rateMatrixRepositoryOp, err: fmt.Errorf("decode %s: %w", path, err)}
	}
	if err := r.schema.Validate(raw); err != nil {
		return nil, &Error{op: rateMatrixRepositoryOp, err: fmt.Errorf("validate %s: %w", path, err)}
	}

	var doc domain.RateMatrixDocument
	if err := json.Unmarshal(object.Data, &doc); err != nil {
		return nil, &Error{op: rateMatrixRepositoryOp, err: fmt.Errorf("decode %s: %w", path, err)}
	}
	matrix, warnings := doc.Matrix()
	if len(warnings) > 0 {
		r.logger(ctx, "pricing.matrix_cells_skipped", map[string]any{
			"object":     path,
			"generation": object.Generation,
			"warnings":   warnings,
		})
	}
	if matrix.Version == "" && object.Generation != 0 {
		matrix.Version = fmt.Sprintf("gen-%d", object.Generation)
	}
	return matrix, nil
}
