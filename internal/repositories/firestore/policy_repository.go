package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/warrantyfunnel/api/internal/domain"
	pfirestore "github.com/warrantyfunnel/api/internal/platform/firestore"
	"github.com/warrantyfunnel/api/internal/repositories"
)

const (
	policiesCollection = "policies"

	// Settlement runs inside a provider webhook or return redirect, so issuance stays short.
	policyTxAttempts = 3
	policyTxTimeout  = 5 * time.Second
)

type policyDocument struct {
	Ref              string    `firestore:"ref"`
	SettlementKey    string    `firestore:"settlementKey"`
	Provider         string    `firestore:"provider"`
	ProviderRef      string    `firestore:"providerRef"`
	FinanceRef       string    `firestore:"financeRef,omitempty"`
	PlanID           string    `firestore:"planId"`
	PlanName         string    `firestore:"planName,omitempty"`
	Period           int       `firestore:"period"`
	Excess           int       `firestore:"excess"`
	Amount           string    `firestore:"amount"`
	Currency         string    `firestore:"currency"`
	CustomerEmail    string    `firestore:"customerEmail"`
	CustomerName     string    `firestore:"customerName,omitempty"`
	Registration     string    `firestore:"registration,omitempty"`
	AutoDiscountUsed bool      `firestore:"autoDiscountUsed"`
	IssuedAt         time.Time `firestore:"issuedAt"`
}

func encodePolicy(p domain.Policy) policyDocument {
	return policyDocument{
		Ref:              p.Ref,
		SettlementKey:    p.SettlementKey,
		Provider:         string(p.Provider),
		ProviderRef:      p.ProviderRef,
		FinanceRef:       p.FinanceRef,
		PlanID:           p.PlanID,
		PlanName:         p.PlanName,
		Period:           int(p.Period),
		Excess:           int(p.Excess),
		Amount:           p.Amount.String(),
		Currency:         p.Currency,
		CustomerEmail:    p.CustomerEmail,
		CustomerName:     p.CustomerName,
		Registration:     p.Registration,
		AutoDiscountUsed: p.AutoDiscountUsed,
		IssuedAt:         p.IssuedAt.UTC(),
	}
}

func (d policyDocument) toDomain() domain.Policy {
	return domain.Policy{
		Ref:              d.Ref,
		SettlementKey:    d.SettlementKey,
		Provider:         domain.ProviderKind(d.Provider),
		ProviderRef:      d.ProviderRef,
		FinanceRef:       d.FinanceRef,
		PlanID:           d.PlanID,
		PlanName:         d.PlanName,
		Period:           domain.PaymentPeriod(d.Period),
		Excess:           domain.Excess(d.Excess),
		Amount:           parseAmount(d.Amount),
		Currency:         d.Currency,
		CustomerEmail:    d.CustomerEmail,
		CustomerName:     d.CustomerName,
		Registration:     d.Registration,
		AutoDiscountUsed: d.AutoDiscountUsed,
		IssuedAt:         d.IssuedAt.UTC(),
	}
}

// PolicyRepository persists issued policies keyed by a hash of their settlement key, so a
// settlement can only ever produce one document.
type PolicyRepository struct {
	provider *pfirestore.Provider
	policies *pfirestore.BaseRepository[policyDocument]
}

var _ repositories.PolicyRepository = (*PolicyRepository)(nil)

// NewPolicyRepository constructs a Firestore-backed policy repository.
func NewPolicyRepository(provider *pfirestore.Provider) (*PolicyRepository, error) {
	if provider == nil {
		return nil, errors.New("policy repository requires firestore provider")
	}
	return &PolicyRepository{
		provider: provider,
		policies: pfirestore.NewBaseRepository[policyDocument](provider, policiesCollection),
	}, nil
}

// CreateIfAbsent stores policy unless its settlement key was already issued.
func (r *PolicyRepository) CreateIfAbsent(ctx context.Context, policy domain.Policy) (domain.Policy, bool, error) {
	if r == nil || r.provider == nil {
		return domain.Policy{}, false, errors.New("policy repository not initialised")
	}
	key := strings.TrimSpace(policy.SettlementKey)
	if key == "" || strings.TrimSpace(policy.Ref) == "" {
		return domain.Policy{}, false, errors.New("policy repository: settlement key and ref are required")
	}
	id := hashedID(key)

	var (
		stored  domain.Policy
		created bool
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.policies.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		snapshot, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			doc := encodePolicy(policy)
			if err := tx.Create(ref, doc); err != nil {
				return err
			}
			stored = doc.toDomain()
			created = true
			return nil
		case codes.OK:
			// already issued
		default:
			return err
		}

		existing, err := r.policies.Decode(snapshot)
		if err != nil {
			return err
		}
		stored = existing.Data.toDomain()
		created = false
		return nil
	}, pfirestore.WithTxAttempts(policyTxAttempts), pfirestore.WithTxTimeout(policyTxTimeout))
	if err != nil {
		return domain.Policy{}, false, pfirestore.WrapError("policies.createIfAbsent", err)
	}
	return stored, created, nil
}

// FindBySettlementKey returns the policy issued for the settlement key.
func (r *PolicyRepository) FindBySettlementKey(ctx context.Context, key string) (domain.Policy, error) {
	if r == nil || r.policies == nil {
		return domain.Policy{}, errors.New("policy repository not initialised")
	}
	doc, err := r.policies.Get(ctx, hashedID(key))
	if err != nil {
		return domain.Policy{}, err
	}
	return doc.Data.toDomain(), nil
}
