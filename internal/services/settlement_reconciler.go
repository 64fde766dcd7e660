package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/payments"
	"github.com/warrantyfunnel/api/internal/platform/idempotency"
	"github.com/warrantyfunnel/api/internal/platform/textutil"
	"github.com/warrantyfunnel/api/internal/repositories"
)

const (
	settlementMeterName        = "github.com/warrantyfunnel/api/internal/services/settlement"
	settlementIdempotencyScope = "settlement"
	policyRefPrefix            = "WP-"
	defaultSettlementRecordTTL = 30 * 24 * time.Hour
)

var (
	// ErrSettlementInvalidParams indicates the callback does not identify a provider reference.
	ErrSettlementInvalidParams = errors.New("settlement: invalid callback parameters")
	// ErrSettlementNotPaid indicates the provider has not confirmed payment yet.
	ErrSettlementNotPaid = errors.New("settlement: payment not confirmed")
	// ErrSettlementInProgress indicates another request is reconciling the same callback.
	ErrSettlementInProgress = errors.New("settlement: reconciliation in progress")
	// ErrSettlementIssuanceFailed indicates the policy could not be issued; reloading retries it.
	ErrSettlementIssuanceFailed = errors.New("settlement: policy issuance failed")
	// ErrSettlementUnavailable indicates verification or the idempotency store is unreachable.
	ErrSettlementUnavailable = errors.New("settlement: unavailable")
)

// settlementPayments abstracts payments.Manager for easier testing.
type settlementPayments interface {
	LookupPayment(ctx context.Context, kind domain.ProviderKind, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// SettlementReconcilerDeps wires the settlement reconciler.
type SettlementReconcilerDeps struct {
	Payments    settlementPayments
	Policies    repositories.PolicyRepository
	Flags       repositories.AutoDiscountFlagRepository
	Idempotency idempotency.Store
	RecordTTL   time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Meter       metric.Meter
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type settlementReconciler struct {
	payments  settlementPayments
	policies  repositories.PolicyRepository
	flags     repositories.AutoDiscountFlagRepository
	records   idempotency.Store
	recordTTL time.Duration
	now       func() time.Time
	newID     func() string
	outcomes  metric.Int64Counter
	logger    func(ctx context.Context, event string, fields map[string]any)
}

var _ SettlementService = (*settlementReconciler)(nil)

// NewSettlementReconciler constructs the SettlementService.
func NewSettlementReconciler(deps SettlementReconcilerDeps) (SettlementService, error) {
	if deps.Payments == nil {
		return nil, errors.New("settlement reconciler: payments are required")
	}
	if deps.Policies == nil {
		return nil, errors.New("settlement reconciler: policy repository is required")
	}
	if deps.Idempotency == nil {
		return nil, errors.New("settlement reconciler: idempotency store is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.RecordTTL
	if ttl <= 0 {
		ttl = defaultSettlementRecordTTL
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(settlementMeterName)
	}
	outcomes, err := meter.Int64Counter(
		"funnel.settlement.reconcile",
		metric.WithDescription("Settlement reconciliations by provider and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("settlement reconciler: register counter: %w", err)
	}

	return &settlementReconciler{
		payments:  deps.Payments,
		policies:  deps.Policies,
		flags:     deps.Flags,
		records:   deps.Idempotency,
		recordTTL: ttl,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		outcomes: outcomes,
		logger:   logger,
	}, nil
}

// ParseSettlement maps provider return parameters onto a SettlementResult. source=finance selects
// the finance path; with fallback=card the card session reference is used instead.
func ParseSettlement(params SettlementParams) (domain.SettlementResult, error) {
	get := func(key string) string {
		return strings.TrimSpace(params[key])
	}

	result := domain.SettlementResult{
		PlanID:   get(ParamPlan),
		PlanName: textutil.SanitizeText(get(ParamPlanName)),
		Upsell:   isTrue(get(ParamAddAnotherWarranty)),
		Customer: domain.ContactDetails{
			FirstName: textutil.SanitizeText(get(ParamFirstName)),
			LastName:  textutil.SanitizeText(get(ParamLastName)),
			Email:     textutil.NormalizeEmail(get(ParamEmail)),
		},
		Vehicle:          domain.VehicleProfile{Registration: textutil.NormalizeRegistration(get(ParamRegistration))},
		AutoDiscountUsed: isTrue(get(ParamAutoDiscount)),
	}
	if period, err := strconv.Atoi(get(ParamPeriod)); err == nil && domain.PaymentPeriod(period).Valid() {
		result.Period = domain.PaymentPeriod(period)
	}
	if excess, err := strconv.Atoi(get(ParamExcess)); err == nil && domain.Excess(excess).Valid() {
		result.Excess = domain.Excess(excess)
	}

	switch {
	case strings.EqualFold(get(ParamSource), string(domain.ProviderFinance)) && strings.EqualFold(get(ParamFallback), string(domain.ProviderCard)):
		result.Provider = domain.ProviderCard
		result.Reference = get(ParamSessionID)
		result.FinanceReference = get(ParamFinanceRef)
		result.Fallback = true
	case strings.EqualFold(get(ParamSource), string(domain.ProviderFinance)):
		result.Provider = domain.ProviderFinance
		result.Reference = firstNonEmpty(get(ParamApplicationID), get(ParamReference))
	default:
		result.Provider = domain.ProviderCard
		result.Reference = get(ParamSessionID)
	}

	if result.Reference == "" {
		return domain.SettlementResult{}, ErrSettlementInvalidParams
	}
	return result, nil
}

// Reconcile verifies the payment with its provider and issues exactly one policy per provider
// reference. Repeated callbacks replay the first outcome.
func (s *settlementReconciler) Reconcile(ctx context.Context, params SettlementParams) (PolicyOutcome, error) {
	if s == nil {
		return PolicyOutcome{}, ErrSettlementUnavailable
	}
	result, err := ParseSettlement(params)
	if err != nil {
		return PolicyOutcome{}, err
	}

	key := idempotency.ScopedKey(settlementIdempotencyScope, result.Key())
	fingerprint := idempotency.Fingerprint([]byte(result.Key()))
	now := s.now()

	reservation, err := s.records.Reserve(ctx, key, fingerprint, now, s.recordTTL)
	if err != nil {
		s.logger(ctx, "settlement.reserve_failed", map[string]any{
			"settlementKey": result.Key(),
			"error":         err.Error(),
		})
		return PolicyOutcome{}, errors.Join(ErrSettlementUnavailable, err)
	}
	switch reservation.State {
	case idempotency.ReservationStateCompleted:
		return s.replay(ctx, result, reservation.Record)
	case idempotency.ReservationStatePending:
		return PolicyOutcome{}, ErrSettlementInProgress
	}

	outcome, err := s.issue(ctx, result, now)
	if err != nil {
		if releaseErr := s.records.Release(ctx, key, fingerprint); releaseErr != nil {
			s.logger(ctx, "settlement.release_failed", map[string]any{
				"settlementKey": result.Key(),
				"error":         releaseErr.Error(),
			})
		}
		return PolicyOutcome{}, err
	}

	body, err := json.Marshal(outcome)
	if err == nil {
		err = s.records.SaveResponse(ctx, key, fingerprint, idempotency.Response{
			Status: http.StatusOK,
			Body:   body,
		}, s.now(), s.recordTTL)
	}
	if err != nil {
		// The policy document already guards against a second issuance.
		s.logger(ctx, "settlement.record_failed", map[string]any{
			"settlementKey": result.Key(),
			"error":         err.Error(),
		})
		_ = s.records.Release(ctx, key, fingerprint)
	}
	return outcome, nil
}

func (s *settlementReconciler) issue(ctx context.Context, result domain.SettlementResult, now time.Time) (PolicyOutcome, error) {
	details, err := s.payments.LookupPayment(ctx, result.Provider, payments.LookupRequest{Reference: result.Reference})
	if err != nil {
		s.record(ctx, result.Provider, "verify_failed")
		s.logger(ctx, "settlement.verify_failed", map[string]any{
			"provider":  string(result.Provider),
			"reference": result.Reference,
			"error":     err.Error(),
		})
		if errors.Is(err, payments.ErrPaymentNotFound) {
			return PolicyOutcome{}, errors.Join(ErrSettlementInvalidParams, err)
		}
		return PolicyOutcome{}, errors.Join(ErrSettlementUnavailable, err)
	}
	if !details.Paid() {
		s.record(ctx, result.Provider, "not_paid")
		s.logger(ctx, "settlement.not_paid", map[string]any{
			"provider":  string(result.Provider),
			"reference": result.Reference,
			"status":    string(details.Status),
		})
		return PolicyOutcome{}, ErrSettlementNotPaid
	}
	result = mergeSettlementMetadata(result, details.Metadata)

	policy := domain.Policy{
		Ref:              policyRefPrefix + s.newID(),
		SettlementKey:    result.Key(),
		Provider:         result.Provider,
		ProviderRef:      result.Reference,
		FinanceRef:       result.FinanceReference,
		PlanID:           result.PlanID,
		PlanName:         result.PlanName,
		Period:           result.Period,
		Excess:           result.Excess,
		Amount:           domain.FromMinorUnits(details.Amount),
		Currency:         details.Currency,
		CustomerEmail:    result.Customer.Email,
		CustomerName:     result.Customer.FullName(),
		Registration:     result.Vehicle.Registration,
		AutoDiscountUsed: result.AutoDiscountUsed,
		IssuedAt:         now,
	}

	stored, created, err := s.policies.CreateIfAbsent(ctx, policy)
	if err != nil {
		s.record(ctx, result.Provider, "issuance_failed")
		s.logger(ctx, "settlement.issuance_failed", map[string]any{
			"settlementKey": result.Key(),
			"error":         err.Error(),
		})
		return PolicyOutcome{}, errors.Join(ErrSettlementIssuanceFailed, err)
	}

	outcome := PolicyOutcome{
		PolicyRef:        stored.Ref,
		Provider:         stored.Provider,
		ProviderRef:      stored.ProviderRef,
		PlanID:           stored.PlanID,
		Period:           stored.Period,
		IssuedAt:         stored.IssuedAt,
		Replayed:         !created,
		AutoDiscountUsed: result.AutoDiscountUsed,
	}

	if err := s.applyDiscountFlag(ctx, result, stored.Ref, now, &outcome); err != nil {
		s.record(ctx, result.Provider, "issuance_failed")
		return PolicyOutcome{}, errors.Join(ErrSettlementIssuanceFailed, err)
	}

	event := "settlement.policy_issued"
	if !created {
		event = "settlement.policy_recovered"
	}
	s.logger(ctx, event, map[string]any{
		"policyRef":  stored.Ref,
		"provider":   string(stored.Provider),
		"reference":  stored.ProviderRef,
		"fallback":   result.Fallback,
		"financeRef": result.FinanceReference,
		"upsell":     result.Upsell,
		"email":      stored.CustomerEmail,
	})
	if created {
		s.record(ctx, result.Provider, "issued")
	} else {
		s.record(ctx, result.Provider, "recovered")
	}
	return outcome, nil
}

// applyDiscountFlag consumes the automatic discount the purchase used, then grants a fresh one
// when the customer asked to add another warranty.
func (s *settlementReconciler) applyDiscountFlag(ctx context.Context, result domain.SettlementResult, policyRef string, now time.Time, outcome *PolicyOutcome) error {
	email := result.Customer.Email
	if s.flags == nil || email == "" {
		if result.Upsell {
			outcome.NextStep = domain.StepLanding
		}
		return nil
	}

	if result.AutoDiscountUsed {
		if err := s.flags.Consume(ctx, email, policyRef, now); err != nil {
			var repoErr repositories.RepositoryError
			if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
				s.logger(ctx, "settlement.flag_consume_failed", map[string]any{
					"policyRef": policyRef,
					"email":     email,
					"error":     err.Error(),
				})
			}
		}
	}

	if result.Upsell {
		if err := s.flags.Grant(ctx, email, policyRef, now); err != nil {
			s.logger(ctx, "settlement.flag_grant_failed", map[string]any{
				"policyRef": policyRef,
				"email":     email,
				"error":     err.Error(),
			})
			return err
		}
		outcome.AutoDiscountGranted = true
		outcome.NextStep = domain.StepLanding
	}
	return nil
}

func (s *settlementReconciler) replay(ctx context.Context, result domain.SettlementResult, record idempotency.Record) (PolicyOutcome, error) {
	var outcome PolicyOutcome
	if err := json.Unmarshal(record.ResponseBody, &outcome); err != nil || outcome.PolicyRef == "" {
		policy, findErr := s.policies.FindBySettlementKey(ctx, result.Key())
		if findErr != nil {
			return PolicyOutcome{}, errors.Join(ErrSettlementUnavailable, findErr)
		}
		outcome = PolicyOutcome{
			PolicyRef:        policy.Ref,
			Provider:         policy.Provider,
			ProviderRef:      policy.ProviderRef,
			PlanID:           policy.PlanID,
			Period:           policy.Period,
			IssuedAt:         policy.IssuedAt,
			AutoDiscountUsed: policy.AutoDiscountUsed,
		}
	}
	outcome.Replayed = true
	s.record(ctx, result.Provider, "replayed")
	s.logger(ctx, "settlement.replayed", map[string]any{
		"policyRef": outcome.PolicyRef,
		"provider":  string(result.Provider),
		"reference": result.Reference,
	})
	return outcome, nil
}

func (s *settlementReconciler) record(ctx context.Context, provider domain.ProviderKind, outcome string) {
	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("outcome", outcome),
	))
}

// mergeSettlementMetadata prefers the metadata written at checkout over return URL parameters,
// which the customer can edit.
func mergeSettlementMetadata(result domain.SettlementResult, metadata map[string]string) domain.SettlementResult {
	if len(metadata) == 0 {
		return result
	}
	if planID := strings.TrimSpace(metadata["planId"]); planID != "" {
		result.PlanID = planID
	}
	if period, err := strconv.Atoi(metadata["period"]); err == nil && domain.PaymentPeriod(period).Valid() {
		result.Period = domain.PaymentPeriod(period)
	}
	if excess, err := strconv.Atoi(metadata["excess"]); err == nil && domain.Excess(excess).Valid() {
		result.Excess = domain.Excess(excess)
	}
	if email := textutil.NormalizeEmail(metadata["customerEmail"]); email != "" {
		result.Customer.Email = email
	}
	if reg := textutil.NormalizeRegistration(metadata["registration"]); reg != "" {
		result.Vehicle.Registration = reg
	}
	if raw, ok := metadata["upsell"]; ok {
		result.Upsell = isTrue(raw)
	}
	if raw, ok := metadata["autoDiscount"]; ok {
		result.AutoDiscountUsed = isTrue(raw)
	}
	return result
}

func isTrue(raw string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
