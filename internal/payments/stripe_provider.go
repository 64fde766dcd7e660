package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"golang.org/x/text/language"
)

const (
	stripeSessionPlaceholder = "{CHECKOUT_SESSION_ID}"
	defaultStripeSessionTTL  = 30 * time.Minute
)

// Logger defines the logging contract for provider operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// checkoutSessions is the slice of the Stripe client the provider calls.
type checkoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeProviderConfig configures card checkout. Sessions replaces the live client in tests.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    Logger
	Clock     func() time.Time
	Sessions  checkoutSessions
}

// StripeProvider creates hosted Stripe Checkout sessions for pay-in-full purchases.
type StripeProvider struct {
	sessions  checkoutSessions
	accountID string
	now       func() time.Time
	log       Logger
}

func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	p := &StripeProvider{
		sessions:  cfg.Sessions,
		accountID: strings.TrimSpace(cfg.AccountID),
		now:       cfg.Clock,
		log:       cfg.Logger,
	}
	if p.sessions == nil {
		key := strings.TrimSpace(cfg.APIKey)
		if key == "" {
			return nil, errors.New("stripe: api key is required")
		}
		p.sessions = client.New(key, cfg.Backends).CheckoutSessions
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.log == nil {
		p.log = func(context.Context, string, map[string]any) {}
	}
	return p, nil
}

// CreateCheckoutSession opens a one-line Checkout session for the final warranty price.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if req.Amount <= 0 {
		return CheckoutSession{}, errors.New("stripe: amount must be positive")
	}
	session, err := p.sessions.New(p.sessionParams(ctx, req))
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: stripe: create checkout session: %v", ErrProviderUnavailable, err)
	}
	p.log(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"currency":  session.Currency,
		"amount":    session.AmountTotal,
	})

	expiresAt := p.now().UTC().Add(defaultStripeSessionTTL)
	if session.ExpiresAt > 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return CheckoutSession{
		ID:          session.ID,
		RedirectURL: session.URL,
		ExpiresAt:   expiresAt,
		Raw:         rawJSON(session),
	}, nil
}

func (p *StripeProvider) sessionParams(ctx context.Context, req CheckoutSessionRequest) *stripe.CheckoutSessionParams {
	product := strings.TrimSpace(req.Description)
	if product == "" {
		product = "Vehicle warranty"
	}
	params := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: ctx},
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(withSessionPlaceholder(req.SuccessURL)),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(strings.ToLower(req.Currency)),
				UnitAmount:  stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(product)},
			},
		}},
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.accountID != "" {
		params.SetStripeAccount(p.accountID)
	}
	if ref := strings.TrimSpace(req.Reference); ref != "" {
		params.ClientReferenceID = stripe.String(ref)
	}
	if email := strings.TrimSpace(req.Customer.Email); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if locale := checkoutLocale(req.Locale); locale != "" {
		params.Locale = stripe.String(locale)
	}
	if metadata := copyMetadata(req.Metadata); metadata != nil {
		params.Metadata = metadata
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: copyMetadata(req.Metadata)}
	}
	return params
}

// LookupPayment retrieves a Checkout session and maps its payment status.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	ref := strings.TrimSpace(req.Reference)
	if ref == "" {
		return PaymentDetails{}, errors.New("stripe: session id is required")
	}

	params := &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}}
	if p.accountID != "" {
		params.SetStripeAccount(p.accountID)
	}
	session, err := p.sessions.Get(ref, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return PaymentDetails{}, fmt.Errorf("%w: stripe session %s", ErrPaymentNotFound, ref)
		}
		return PaymentDetails{}, fmt.Errorf("%w: stripe: lookup checkout session: %v", ErrProviderUnavailable, err)
	}
	return stripePaymentDetails(session), nil
}

func stripePaymentDetails(session *stripe.CheckoutSession) PaymentDetails {
	if session == nil {
		return PaymentDetails{}
	}
	details := PaymentDetails{
		Reference: session.ID,
		Status:    StatusPending,
		Amount:    session.AmountTotal,
		Currency:  strings.ToUpper(string(session.Currency)),
		Metadata:  copyMetadata(session.Metadata),
		Raw:       rawJSON(session),
	}
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		session.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		details.Status = StatusSucceeded
	case session.Status == stripe.CheckoutSessionStatusExpired:
		details.Status = StatusFailed
	}
	return details
}

// withSessionPlaceholder makes Stripe substitute the session id into the return URL.
func withSessionPlaceholder(successURL string) string {
	if successURL == "" || strings.Contains(successURL, stripeSessionPlaceholder) {
		return successURL
	}
	sep := "?"
	if strings.Contains(successURL, "?") {
		sep = "&"
	}
	return successURL + sep + "session_id=" + stripeSessionPlaceholder
}

// rawJSON keeps the provider's view of the session for audit records.
func rawJSON(value any) map[string]any {
	out := make(map[string]any)
	if data, err := json.Marshal(value); err == nil {
		_ = json.Unmarshal(data, &out)
	}
	return out
}

// checkoutLocale canonicalises a BCP 47 tag ("en_gb" -> "en-GB"); unparseable values are dropped
// so Stripe falls back to the browser locale.
func checkoutLocale(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	tag, err := language.Parse(strings.ReplaceAll(raw, "_", "-"))
	if err != nil {
		return ""
	}
	return tag.String()
}
