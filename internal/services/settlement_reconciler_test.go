package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/payments"
	"github.com/warrantyfunnel/api/internal/platform/idempotency"
)

type stubSettlementPayments struct {
	lookups  []string
	lookupFn func(kind domain.ProviderKind, ref string) (payments.PaymentDetails, error)
}

func (s *stubSettlementPayments) LookupPayment(_ context.Context, kind domain.ProviderKind, req payments.LookupRequest) (payments.PaymentDetails, error) {
	s.lookups = append(s.lookups, string(kind)+":"+req.Reference)
	if s.lookupFn == nil {
		return payments.PaymentDetails{Provider: kind, Reference: req.Reference, Status: payments.StatusSucceeded, Amount: 34900, Currency: "GBP"}, nil
	}
	return s.lookupFn(kind, req.Reference)
}

type stubPolicyRepository struct {
	policies  map[string]domain.Policy
	createErr error
	creates   int
}

func (s *stubPolicyRepository) CreateIfAbsent(_ context.Context, policy domain.Policy) (domain.Policy, bool, error) {
	if s.createErr != nil {
		return domain.Policy{}, false, s.createErr
	}
	if s.policies == nil {
		s.policies = map[string]domain.Policy{}
	}
	if existing, ok := s.policies[policy.SettlementKey]; ok {
		return existing, false, nil
	}
	s.creates++
	s.policies[policy.SettlementKey] = policy
	return policy, true, nil
}

func (s *stubPolicyRepository) FindBySettlementKey(_ context.Context, key string) (domain.Policy, error) {
	policy, ok := s.policies[key]
	if !ok {
		return domain.Policy{}, stubRepoError{notFound: true}
	}
	return policy, nil
}

type settlementFixture struct {
	payments *stubSettlementPayments
	policies *stubPolicyRepository
	flags    *stubAutoDiscountFlagRepository
	records  *idempotency.MemoryStore
	recorder *eventRecorder
	svc      SettlementService
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()
	f := &settlementFixture{
		payments: &stubSettlementPayments{},
		policies: &stubPolicyRepository{},
		flags:    &stubAutoDiscountFlagRepository{},
		records:  idempotency.NewMemoryStore(),
		recorder: &eventRecorder{},
	}
	ids := 0
	svc, err := NewSettlementReconciler(SettlementReconcilerDeps{
		Payments:    f.payments,
		Policies:    f.policies,
		Flags:       f.flags,
		Idempotency: f.records,
		Clock: func() time.Time {
			return time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
		},
		IDGenerator: func() string {
			ids++
			return "ID" + string(rune('0'+ids))
		},
		Logger: f.recorder.log,
	})
	if err != nil {
		t.Fatalf("new settlement reconciler: %v", err)
	}
	f.svc = svc
	return f
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newSettlementFixture(t)
	params := SettlementParams{"session_id": "cs_123", "plan": "gold", "period": "12", "email": "jane@example.com"}

	first, err := f.svc.Reconcile(context.Background(), params)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	second, err := f.svc.Reconcile(context.Background(), params)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	if first.PolicyRef == "" || first.PolicyRef != second.PolicyRef {
		t.Fatalf("expected the same policy ref, got %q and %q", first.PolicyRef, second.PolicyRef)
	}
	if first.Replayed || !second.Replayed {
		t.Fatalf("expected only the second call to be a replay: first=%v second=%v", first.Replayed, second.Replayed)
	}
	if f.policies.creates != 1 {
		t.Fatalf("expected exactly one policy, got %d", f.policies.creates)
	}
	if len(f.payments.lookups) != 1 {
		t.Fatalf("replay must not re-verify with the provider, got %d lookups", len(f.payments.lookups))
	}
	if first.Provider != domain.ProviderCard || first.ProviderRef != "cs_123" {
		t.Fatalf("unexpected outcome %+v", first)
	}
}

func TestReconcileRecoversPolicyWhenRecordIsMissing(t *testing.T) {
	f := newSettlementFixture(t)
	f.policies.policies = map[string]domain.Policy{
		"card:cs_9": {Ref: "WP-EXISTING", SettlementKey: "card:cs_9", Provider: domain.ProviderCard, ProviderRef: "cs_9"},
	}

	outcome, err := f.svc.Reconcile(context.Background(), SettlementParams{"session_id": "cs_9"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.PolicyRef != "WP-EXISTING" || !outcome.Replayed {
		t.Fatalf("expected existing policy to be returned, got %+v", outcome)
	}
	if f.policies.creates != 0 {
		t.Fatalf("expected no new policy")
	}
}

func TestReconcileFinanceAndFallbackPaths(t *testing.T) {
	cases := []struct {
		name     string
		params   SettlementParams
		provider domain.ProviderKind
		ref      string
		fallback bool
	}{
		{"finance", SettlementParams{"source": "finance", "application_id": "app_1"}, domain.ProviderFinance, "app_1", false},
		{"finance ref alias", SettlementParams{"source": "finance", "ref": "app_2"}, domain.ProviderFinance, "app_2", false},
		{"finance fallback to card", SettlementParams{"source": "finance", "fallback": "card", "session_id": "cs_7", "finance_ref": "app_3"}, domain.ProviderCard, "cs_7", true},
		{"card", SettlementParams{"session_id": "cs_8"}, domain.ProviderCard, "cs_8", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := ParseSettlement(tc.params)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if result.Provider != tc.provider || result.Reference != tc.ref || result.Fallback != tc.fallback {
				t.Fatalf("unexpected result %+v", result)
			}

			f := newSettlementFixture(t)
			if _, err := f.svc.Reconcile(context.Background(), tc.params); err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if want := string(tc.provider) + ":" + tc.ref; f.payments.lookups[0] != want {
				t.Fatalf("expected lookup %s, got %s", want, f.payments.lookups[0])
			}
		})
	}
}

func TestReconcileRejectsMissingReference(t *testing.T) {
	f := newSettlementFixture(t)
	if _, err := f.svc.Reconcile(context.Background(), SettlementParams{"source": "finance"}); !errors.Is(err, ErrSettlementInvalidParams) {
		t.Fatalf("expected ErrSettlementInvalidParams, got %v", err)
	}
	if _, err := f.svc.Reconcile(context.Background(), SettlementParams{"source": "finance", "fallback": "card"}); !errors.Is(err, ErrSettlementInvalidParams) {
		t.Fatalf("expected ErrSettlementInvalidParams for fallback without session, got %v", err)
	}
}

func TestReconcileNotPaidReleasesReservation(t *testing.T) {
	f := newSettlementFixture(t)
	status := payments.StatusPending
	f.payments.lookupFn = func(kind domain.ProviderKind, ref string) (payments.PaymentDetails, error) {
		return payments.PaymentDetails{Reference: ref, Status: status, Amount: 100}, nil
	}
	params := SettlementParams{"source": "finance", "application_id": "app_1"}

	if _, err := f.svc.Reconcile(context.Background(), params); !errors.Is(err, ErrSettlementNotPaid) {
		t.Fatalf("expected ErrSettlementNotPaid, got %v", err)
	}
	if f.policies.creates != 0 {
		t.Fatalf("unpaid settlement must not issue a policy")
	}

	status = payments.StatusSucceeded
	outcome, err := f.svc.Reconcile(context.Background(), params)
	if err != nil {
		t.Fatalf("retry after approval: %v", err)
	}
	if outcome.PolicyRef == "" || outcome.Replayed {
		t.Fatalf("expected fresh issuance on retry, got %+v", outcome)
	}
}

func TestReconcileIssuanceFailureIsRetryable(t *testing.T) {
	f := newSettlementFixture(t)
	f.policies.createErr = stubRepoError{unavailable: true}
	params := SettlementParams{"session_id": "cs_1", "addAnotherWarranty": "true", "email": "jane@example.com"}

	if _, err := f.svc.Reconcile(context.Background(), params); !errors.Is(err, ErrSettlementIssuanceFailed) {
		t.Fatalf("expected ErrSettlementIssuanceFailed, got %v", err)
	}
	if len(f.flags.granted) != 0 {
		t.Fatalf("failed issuance must not grant the flag")
	}

	f.policies.createErr = nil
	outcome, err := f.svc.Reconcile(context.Background(), params)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if outcome.PolicyRef == "" {
		t.Fatalf("expected policy after retry")
	}
}

func TestReconcileUpsellGrantsFlagAndRoutesToStepOne(t *testing.T) {
	f := newSettlementFixture(t)
	outcome, err := f.svc.Reconcile(context.Background(), SettlementParams{
		"session_id":         "cs_1",
		"email":              "Jane@Example.com",
		"addAnotherWarranty": "true",
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !outcome.AutoDiscountGranted || outcome.NextStep != domain.StepLanding {
		t.Fatalf("expected flag grant and step 1, got %+v", outcome)
	}
	if len(f.flags.granted) != 1 || f.flags.granted[0] != "jane@example.com|"+outcome.PolicyRef {
		t.Fatalf("unexpected grants %v", f.flags.granted)
	}
}

func TestReconcileConsumesUsedAutoDiscount(t *testing.T) {
	f := newSettlementFixture(t)
	f.payments.lookupFn = func(kind domain.ProviderKind, ref string) (payments.PaymentDetails, error) {
		return payments.PaymentDetails{
			Reference: ref,
			Status:    payments.StatusSucceeded,
			Amount:    34900,
			Metadata:  map[string]string{"autoDiscount": "true", "customerEmail": "jane@example.com", "upsell": "false"},
		}, nil
	}

	outcome, err := f.svc.Reconcile(context.Background(), SettlementParams{"session_id": "cs_2", "addAnotherWarranty": "true"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !outcome.AutoDiscountUsed || outcome.AutoDiscountGranted {
		t.Fatalf("expected consumption without a new grant, got %+v", outcome)
	}
	if len(f.flags.consumed) != 1 || f.flags.consumed[0] != "jane@example.com|"+outcome.PolicyRef {
		t.Fatalf("unexpected consumes %v", f.flags.consumed)
	}
	policy := f.policies.policies["card:cs_2"]
	if !policy.Amount.Equal(domain.FromMinorUnits(34900)) {
		t.Fatalf("expected amount from provider, got %s", policy.Amount)
	}
}

func TestReconcileVerificationOutageIsUnavailable(t *testing.T) {
	f := newSettlementFixture(t)
	f.payments.lookupFn = func(domain.ProviderKind, string) (payments.PaymentDetails, error) {
		return payments.PaymentDetails{}, payments.ErrProviderUnavailable
	}
	if _, err := f.svc.Reconcile(context.Background(), SettlementParams{"session_id": "cs_1"}); !errors.Is(err, ErrSettlementUnavailable) {
		t.Fatalf("expected ErrSettlementUnavailable, got %v", err)
	}
}

func TestReconcileInProgress(t *testing.T) {
	f := newSettlementFixture(t)
	key := idempotency.ScopedKey("settlement", "card:cs_busy")
	if _, err := f.records.Reserve(context.Background(), key, idempotency.Fingerprint([]byte("card:cs_busy")), time.Date(2026, 4, 2, 9, 59, 0, 0, time.UTC), time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	if _, err := f.svc.Reconcile(context.Background(), SettlementParams{"session_id": "cs_busy"}); !errors.Is(err, ErrSettlementInProgress) {
		t.Fatalf("expected ErrSettlementInProgress, got %v", err)
	}
}
