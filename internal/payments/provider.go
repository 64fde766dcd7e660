package payments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/warrantyfunnel/api/internal/domain"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or a provider decision.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the provider reports the payment as paid or the finance agreement as approved.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the provider reports a failure and no further action is possible.
	StatusFailed Status = "failed"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrCreditDeclined is returned by the finance provider when its credit check rejects the customer.
	ErrCreditDeclined = errors.New("payments: credit check declined")
	// ErrProviderUnavailable marks transport or server-side provider failures.
	ErrProviderUnavailable = errors.New("payments: provider unavailable")
	// ErrPaymentNotFound is returned when a provider has no record of a reference.
	ErrPaymentNotFound = errors.New("payments: payment not found")
)

// Customer is the contact and address block sent to providers.
type Customer struct {
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	AddressLine1 string
	AddressLine2 string
	Town         string
	Postcode     string
}

// CheckoutSessionRequest captures the payload required to create a hosted checkout session.
type CheckoutSessionRequest struct {
	Reference      string
	Amount         int64
	Currency       string
	Installments   int
	Description    string
	Customer       Customer
	SuccessURL     string
	CancelURL      string
	Locale         string
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutSession represents the provider session the customer is redirected to.
type CheckoutSession struct {
	ID          string
	Provider    domain.ProviderKind
	RedirectURL string
	ExpiresAt   time.Time
	Raw         map[string]any
}

// LookupRequest identifies a provider session or application for verification.
type LookupRequest struct {
	Reference string
}

// PaymentDetails normalises provider specific settlement fields.
type PaymentDetails struct {
	Provider  domain.ProviderKind
	Reference string
	Status    Status
	Amount    int64
	Currency  string
	Metadata  map[string]string
	Raw       map[string]any
}

// Paid reports whether the provider considers the payment settled.
func (d PaymentDetails) Paid() bool {
	return d.Status == StatusSucceeded
}

// Provider defines the contract for checkout provider adapters.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager routes calls to the adapter registered for a ProviderKind.
type Manager struct {
	providers map[domain.ProviderKind]Provider
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[domain.ProviderKind]Provider) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[domain.ProviderKind]Provider, len(providers))
	for kind, provider := range providers {
		if !kind.Valid() || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", kind)
		}
		copyMap[kind] = provider
	}
	return &Manager{providers: copyMap}, nil
}

// Supports reports whether a provider is registered for kind.
func (m *Manager) Supports(kind domain.ProviderKind) bool {
	_, err := m.resolveProvider(kind)
	return err == nil
}

func (m *Manager) resolveProvider(kind domain.ProviderKind) (Provider, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	if provider, ok := m.providers[kind]; ok {
		return provider, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, kind)
}

// CreateCheckoutSession delegates to the provider registered for kind. On error the returned session
// still carries any reference the provider assigned, such as a declined application id.
func (m *Manager) CreateCheckoutSession(ctx context.Context, kind domain.ProviderKind, req CheckoutSessionRequest) (CheckoutSession, error) {
	provider, err := m.resolveProvider(kind)
	if err != nil {
		return CheckoutSession{}, err
	}
	session, err := provider.CreateCheckoutSession(ctx, req)
	session.Provider = kind
	return session, err
}

// LookupPayment delegates to the provider registered for kind.
func (m *Manager) LookupPayment(ctx context.Context, kind domain.ProviderKind, req LookupRequest) (PaymentDetails, error) {
	provider, err := m.resolveProvider(kind)
	if err != nil {
		return PaymentDetails{}, err
	}
	details, err := provider.LookupPayment(ctx, req)
	if err != nil {
		return PaymentDetails{}, err
	}
	details.Provider = kind
	return details, nil
}

// UsableRedirect reports whether raw is an absolute http(s) URL a browser can follow.
func UsableRedirect(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (parsed.Scheme == "https" || parsed.Scheme == "http") && parsed.Host != ""
}

func copyMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
