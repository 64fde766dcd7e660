package repositories

import (
	"context"
	"time"

	domain "github.com/warrantyfunnel/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// RateMatrixRepository loads published rate matrices.
type RateMatrixRepository interface {
	// FetchMatrix returns the matrix published for the plan, or a RepositoryError with IsNotFound
	// when none is published.
	FetchMatrix(ctx context.Context, planID string, category domain.VehicleCategory) (*domain.RateMatrix, error)
}

// DiscountCodeRepository reads admin-managed manual discount codes.
type DiscountCodeRepository interface {
	FindByCode(ctx context.Context, code string) (domain.DiscountCode, error)
}

// QuoteSnapshotRepository stores the snapshots behind emailed resume links.
type QuoteSnapshotRepository interface {
	Create(ctx context.Context, snapshot domain.QuoteSnapshot) (domain.QuoteSnapshot, error)
	Get(ctx context.Context, id string) (domain.QuoteSnapshot, error)
}

// PolicyRepository persists issued policies, one per settlement key.
type PolicyRepository interface {
	// CreateIfAbsent stores the policy unless one already exists for its settlement key. It returns the
	// stored policy and whether this call created it.
	CreateIfAbsent(ctx context.Context, policy domain.Policy) (domain.Policy, bool, error)
	FindBySettlementKey(ctx context.Context, key string) (domain.Policy, error)
}

// AutoDiscountFlagRepository stores the durable multi-warranty discount flag per customer.
type AutoDiscountFlagRepository interface {
	Get(ctx context.Context, customerKey string) (domain.AutoDiscountFlag, error)
	Grant(ctx context.Context, customerKey string, policyRef string, at time.Time) error
	Consume(ctx context.Context, customerKey string, policyRef string, at time.Time) error
}
