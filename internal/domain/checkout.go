package domain

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownProvider is returned when a provider selector cannot be parsed.
var ErrUnknownProvider = errors.New("checkout: unknown provider")

// ProviderKind selects the payment provider.
type ProviderKind string

const (
	ProviderFinance ProviderKind = "finance"
	ProviderCard    ProviderKind = "card"
)

// ParseProviderKind resolves the provider selector sent by the wizard.
func ParseProviderKind(raw string) (ProviderKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "finance", "monthly", "installments":
		return ProviderFinance, nil
	case "card", "stripe", "pay_in_full", "payinfull":
		return ProviderCard, nil
	default:
		return "", ErrUnknownProvider
	}
}

// Valid reports whether k is a known provider.
func (k ProviderKind) Valid() bool {
	return k == ProviderFinance || k == ProviderCard
}

// CheckoutIntent is the request built for one checkout submission.
type CheckoutIntent struct {
	Plan        PlanQuote
	Vehicle     VehicleProfile
	Customer    ContactDetails
	Provider    ProviderKind
	BaseAmount  decimal.Decimal
	FinalAmount decimal.Decimal
	Currency    string
	Discount    AppliedDiscount
	Upsell      bool
	QuoteID     string
	// IdempotencyKey is forwarded to the provider so a retried submission creates one session.
	IdempotencyKey string
}

// CheckoutOutcomeKind distinguishes direct sessions from fallbacks.
type CheckoutOutcomeKind string

const (
	CheckoutDirect     CheckoutOutcomeKind = "direct"
	CheckoutFallbackTo CheckoutOutcomeKind = "fallback"
)

// CheckoutResult is Direct(url) or FallbackTo(provider, url).
type CheckoutResult struct {
	Kind           CheckoutOutcomeKind
	Provider       ProviderKind
	RedirectURL    string
	SessionRef     string
	FailedProvider ProviderKind
	FailedRef      string
	Reason         string
}

// DirectCheckout builds the result of a session created on the requested provider.
func DirectCheckout(provider ProviderKind, url, ref string) CheckoutResult {
	return CheckoutResult{Kind: CheckoutDirect, Provider: provider, RedirectURL: url, SessionRef: ref}
}

// FallbackCheckout builds the result of a session created after the requested provider declined.
func FallbackCheckout(provider ProviderKind, url, ref string, failed ProviderKind, failedRef, reason string) CheckoutResult {
	return CheckoutResult{
		Kind:           CheckoutFallbackTo,
		Provider:       provider,
		RedirectURL:    url,
		SessionRef:     ref,
		FailedProvider: failed,
		FailedRef:      failedRef,
		Reason:         reason,
	}
}
