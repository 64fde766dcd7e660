package firestore

import (
	"context"
	"errors"
	"time"

	domain "github.com/warrantyfunnel/api/internal/domain"
	pfirestore "github.com/warrantyfunnel/api/internal/platform/firestore"
	"github.com/warrantyfunnel/api/internal/platform/textutil"
	"github.com/warrantyfunnel/api/internal/repositories"
)

const discountCodesCollection = "discountCodes"

// Codes are keyed by their normalised form and managed from the admin console.
type discountCodeDocument struct {
	Kind        string     `firestore:"kind"`
	Amount      string     `firestore:"amount,omitempty"`
	Percent     string     `firestore:"percent,omitempty"`
	Active      bool       `firestore:"active"`
	MinimumBase string     `firestore:"minimumBase,omitempty"`
	StartsAt    *time.Time `firestore:"startsAt,omitempty"`
	EndsAt      *time.Time `firestore:"endsAt,omitempty"`
	Description string     `firestore:"description,omitempty"`
}

// DiscountCodeRepository reads manual discount codes.
type DiscountCodeRepository struct {
	codes *pfirestore.BaseRepository[discountCodeDocument]
}

var _ repositories.DiscountCodeRepository = (*DiscountCodeRepository)(nil)

// NewDiscountCodeRepository constructs a Firestore-backed discount code repository.
func NewDiscountCodeRepository(provider *pfirestore.Provider) (*DiscountCodeRepository, error) {
	if provider == nil {
		return nil, errors.New("discount code repository requires firestore provider")
	}
	return &DiscountCodeRepository{
		codes: pfirestore.NewBaseRepository[discountCodeDocument](provider, discountCodesCollection),
	}, nil
}

// FindByCode looks up the code after normalisation.
func (r *DiscountCodeRepository) FindByCode(ctx context.Context, code string) (domain.DiscountCode, error) {
	if r == nil || r.codes == nil {
		return domain.DiscountCode{}, errors.New("discount code repository not initialised")
	}
	normalized := textutil.NormalizeCode(code)
	if normalized == "" {
		return domain.DiscountCode{}, pfirestore.NotFoundError("discountCodes.get", "")
	}
	doc, err := r.codes.Get(ctx, normalized)
	if err != nil {
		return domain.DiscountCode{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (d discountCodeDocument) toDomain(code string) domain.DiscountCode {
	return domain.DiscountCode{
		Code:        code,
		Kind:        domain.DiscountCodeKind(d.Kind),
		Amount:      parseAmount(d.Amount),
		Percent:     parseAmount(d.Percent),
		Active:      d.Active,
		MinimumBase: parseAmount(d.MinimumBase),
		StartsAt:    utcPtr(d.StartsAt),
		EndsAt:      utcPtr(d.EndsAt),
		Description: d.Description,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := t.UTC()
	return &value
}
