package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/warrantyfunnel/api/internal/domain"
	pfirestore "github.com/warrantyfunnel/api/internal/platform/firestore"
	"github.com/warrantyfunnel/api/internal/repositories"
)

const quoteSnapshotsCollection = "quoteSnapshots"

// expiresAt doubles as the collection's Firestore TTL field.
type quoteSnapshotDocument struct {
	Email     string          `firestore:"email"`
	Vehicle   vehicleDocument `firestore:"vehicle"`
	Plan      *planDocument   `firestore:"plan,omitempty"`
	CreatedAt time.Time       `firestore:"createdAt"`
	ExpiresAt time.Time       `firestore:"expiresAt"`
}

// QuoteSnapshotRepository stores the snapshots behind emailed resume links.
type QuoteSnapshotRepository struct {
	base *pfirestore.BaseRepository[quoteSnapshotDocument]
	now  func() time.Time
}

var _ repositories.QuoteSnapshotRepository = (*QuoteSnapshotRepository)(nil)

// NewQuoteSnapshotRepository constructs a Firestore-backed snapshot repository.
func NewQuoteSnapshotRepository(provider *pfirestore.Provider) (*QuoteSnapshotRepository, error) {
	if provider == nil {
		return nil, errors.New("quote snapshot repository requires firestore provider")
	}
	return &QuoteSnapshotRepository{
		base: pfirestore.NewBaseRepository[quoteSnapshotDocument](provider, quoteSnapshotsCollection),
		now:  time.Now,
	}, nil
}

// Create stores a new snapshot; ids are never reused.
func (r *QuoteSnapshotRepository) Create(ctx context.Context, snapshot domain.QuoteSnapshot) (domain.QuoteSnapshot, error) {
	if r == nil || r.base == nil {
		return domain.QuoteSnapshot{}, errors.New("quote snapshot repository not initialised")
	}
	id := strings.TrimSpace(snapshot.ID)
	doc := quoteSnapshotDocument{
		Email:     strings.ToLower(strings.TrimSpace(snapshot.Email)),
		Vehicle:   encodeVehicle(snapshot.Vehicle),
		Plan:      encodePlan(snapshot.Plan),
		CreatedAt: snapshot.CreatedAt.UTC(),
		ExpiresAt: snapshot.ExpiresAt.UTC(),
	}
	if err := r.base.Create(ctx, id, doc); err != nil {
		return domain.QuoteSnapshot{}, err
	}
	snapshot.ID = id
	snapshot.Email = doc.Email
	return snapshot, nil
}

// Get returns the snapshot, treating expired documents as missing until the TTL sweep removes them.
func (r *QuoteSnapshotRepository) Get(ctx context.Context, id string) (domain.QuoteSnapshot, error) {
	if r == nil || r.base == nil {
		return domain.QuoteSnapshot{}, errors.New("quote snapshot repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.QuoteSnapshot{}, err
	}
	snapshot := domain.QuoteSnapshot{
		ID:        doc.ID,
		Email:     doc.Data.Email,
		Vehicle:   doc.Data.Vehicle.toDomain(),
		Plan:      doc.Data.Plan.toDomain(),
		CreatedAt: doc.Data.CreatedAt.UTC(),
		ExpiresAt: doc.Data.ExpiresAt.UTC(),
	}
	if snapshot.Expired(r.now().UTC()) {
		return domain.QuoteSnapshot{}, pfirestore.NotFoundError("quoteSnapshots.get", doc.ID)
	}
	return snapshot, nil
}
