package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/warrantyfunnel/api/internal/domain"
	pfirestore "github.com/warrantyfunnel/api/internal/platform/firestore"
	"github.com/warrantyfunnel/api/internal/repositories"
)

const autoDiscountFlagsCollection = "autoDiscountFlags"

type autoDiscountFlagDocument struct {
	Active           bool       `firestore:"active"`
	GrantedByPolicy  string     `firestore:"grantedByPolicy"`
	GrantedAt        time.Time  `firestore:"grantedAt"`
	ConsumedByPolicy string     `firestore:"consumedByPolicy,omitempty"`
	ConsumedAt       *time.Time `firestore:"consumedAt,omitempty"`
	UpdatedAt        time.Time  `firestore:"updatedAt"`
}

// AutoDiscountFlagRepository stores the multi-warranty discount flag per customer. Documents are
// keyed by a hash of the normalised email.
type AutoDiscountFlagRepository struct {
	provider *pfirestore.Provider
	flags    *pfirestore.BaseRepository[autoDiscountFlagDocument]
}

var _ repositories.AutoDiscountFlagRepository = (*AutoDiscountFlagRepository)(nil)

// NewAutoDiscountFlagRepository constructs a Firestore-backed flag repository.
func NewAutoDiscountFlagRepository(provider *pfirestore.Provider) (*AutoDiscountFlagRepository, error) {
	if provider == nil {
		return nil, errors.New("auto discount flag repository requires firestore provider")
	}
	return &AutoDiscountFlagRepository{
		provider: provider,
		flags:    pfirestore.NewBaseRepository[autoDiscountFlagDocument](provider, autoDiscountFlagsCollection),
	}, nil
}

// Get returns the customer's flag.
func (r *AutoDiscountFlagRepository) Get(ctx context.Context, customerKey string) (domain.AutoDiscountFlag, error) {
	if r == nil || r.flags == nil {
		return domain.AutoDiscountFlag{}, errors.New("auto discount flag repository not initialised")
	}
	key := customerFlagKey(customerKey)
	doc, err := r.flags.Get(ctx, hashedID(key))
	if err != nil {
		return domain.AutoDiscountFlag{}, err
	}
	return doc.Data.toDomain(key), nil
}

// Grant activates the flag; a later grant replaces an earlier consumption.
func (r *AutoDiscountFlagRepository) Grant(ctx context.Context, customerKey, policyRef string, at time.Time) error {
	if r == nil || r.flags == nil {
		return errors.New("auto discount flag repository not initialised")
	}
	key := customerFlagKey(customerKey)
	if key == "" {
		return errors.New("auto discount flag repository: customer key is required")
	}
	doc := autoDiscountFlagDocument{
		Active:          true,
		GrantedByPolicy: strings.TrimSpace(policyRef),
		GrantedAt:       at.UTC(),
		UpdatedAt:       at.UTC(),
	}
	return r.flags.Set(ctx, hashedID(key), doc)
}

// Consume deactivates an active flag. Consuming an inactive flag is a no-op; a missing flag is
// reported as not found.
func (r *AutoDiscountFlagRepository) Consume(ctx context.Context, customerKey, policyRef string, at time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("auto discount flag repository not initialised")
	}
	key := customerFlagKey(customerKey)
	id := hashedID(key)

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.flags.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := r.flags.Decode(snapshot)
		if err != nil {
			return err
		}
		doc := current.Data
		if !doc.Active {
			return nil
		}

		consumedAt := at.UTC()
		doc.Active = false
		doc.ConsumedByPolicy = strings.TrimSpace(policyRef)
		doc.ConsumedAt = &consumedAt
		doc.UpdatedAt = consumedAt
		return tx.Set(ref, doc)
	})
	if err != nil {
		return pfirestore.WrapError("autoDiscountFlags.consume", err)
	}
	return nil
}

func (d autoDiscountFlagDocument) toDomain(key string) domain.AutoDiscountFlag {
	return domain.AutoDiscountFlag{
		CustomerKey:      key,
		Active:           d.Active,
		GrantedByPolicy:  d.GrantedByPolicy,
		GrantedAt:        d.GrantedAt.UTC(),
		ConsumedByPolicy: d.ConsumedByPolicy,
		ConsumedAt:       utcPtr(d.ConsumedAt),
	}
}

func customerFlagKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
