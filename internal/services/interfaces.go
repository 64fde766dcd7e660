package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/warrantyfunnel/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	VehicleProfile     = domain.VehicleProfile
	PlanQuote          = domain.PlanQuote
	WizardSession      = domain.WizardSession
	QuoteSnapshot      = domain.QuoteSnapshot
	CheckoutIntent     = domain.CheckoutIntent
	CheckoutResult     = domain.CheckoutResult
	PolicyOutcome      = domain.PolicyOutcome
	SystemHealthReport = domain.SystemHealthReport
)

// QuoteService prices plan permutations and stacks discounts over them.
type QuoteService interface {
	PriceQuote(ctx context.Context, cmd PriceQuoteCommand) (QuotePrice, error)
}

// DiscountCodeService validates manually entered discount codes.
type DiscountCodeService interface {
	ValidateCode(ctx context.Context, cmd ValidateDiscountCodeCommand) (domain.ManualCodeResult, error)
}

// QuoteSessionService owns wizard state resolution, transitions and resume snapshots.
type QuoteSessionService interface {
	Resolve(ctx context.Context, cmd ResolveSessionCommand) (InitialState, error)
	Transition(ctx context.Context, cmd TransitionCommand) (TransitionOutcome, error)
	CreateSnapshot(ctx context.Context, cmd CreateSnapshotCommand) (QuoteSnapshot, error)
}

// CheckoutService prices a confirmed selection and dispatches it to a payment provider.
type CheckoutService interface {
	Submit(ctx context.Context, cmd SubmitCheckoutCommand) (CheckoutSubmission, error)
}

// SettlementService reconciles provider callbacks into issued policies.
type SettlementService interface {
	Reconcile(ctx context.Context, params SettlementParams) (PolicyOutcome, error)
}

// SystemService exposes health reports and build metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	Build() BuildInfo
}

// AbandonedCartPublisher delivers abandoned-cart signals to the messaging backend.
type AbandonedCartPublisher interface {
	PublishAbandonedCart(ctx context.Context, signal AbandonedCartSignal) (string, error)
}

// PriceQuoteCommand selects a plan permutation and the discounts to consider.
type PriceQuoteCommand struct {
	PlanID       string
	Period       domain.PaymentPeriod
	Excess       domain.Excess
	AddOns       []string
	Category     domain.VehicleCategory
	AutoDiscount bool
	DiscountCode string
}

// QuotePrice is the priced permutation with both settlement options.
type QuotePrice struct {
	Plan        domain.PlanQuote
	Source      RateSource
	Warnings    []string
	Manual      *domain.ManualCodeResult
	Finance     DiscountBreakdown
	PayInFull   DiscountBreakdown
	Installment decimal.Decimal
	Currency    string
}

// AmountFor returns the whole-unit amount charged through the provider.
func (p QuotePrice) AmountFor(provider domain.ProviderKind) DiscountBreakdown {
	if provider == domain.ProviderCard {
		return p.PayInFull
	}
	return p.Finance
}

// ValidateDiscountCodeCommand carries a code and the base it would discount.
type ValidateDiscountCodeCommand struct {
	Code      string
	BasePrice decimal.Decimal
}

// ResolveSessionCommand carries the three state sources available at load time.
type ResolveSessionCommand struct {
	URL          URLState
	StoredRecord []byte
	// StoredAutoDiscount is the durable flag held outside the session record.
	StoredAutoDiscount bool
}

// TransitionCommand applies one wizard event to a session.
type TransitionCommand struct {
	Session domain.WizardSession
	Input   TransitionInput
}

// CreateSnapshotCommand creates a cross-device resume snapshot.
type CreateSnapshotCommand struct {
	Email   string
	Vehicle domain.VehicleProfile
	Plan    *domain.PlanQuote
}

// SubmitCheckoutCommand is one checkout submission from step 3.
type SubmitCheckoutCommand struct {
	Selection      PriceQuoteCommand
	Vehicle        domain.VehicleProfile
	Customer       domain.ContactDetails
	Provider       domain.ProviderKind
	Upsell         bool
	QuoteID        string
	IdempotencyKey string
}

// CheckoutSubmission is returned to the wizard after dispatch.
type CheckoutSubmission struct {
	RedirectURL string
	Result      domain.CheckoutResult
	Amount      decimal.Decimal
	Currency    string
}

// SettlementParams are the raw callback parameters from the provider redirect.
type SettlementParams map[string]string

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}
