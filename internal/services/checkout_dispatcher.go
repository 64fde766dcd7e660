package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/payments"
	"github.com/warrantyfunnel/api/internal/platform/textutil"
)

const (
	checkoutMeterName         = "github.com/warrantyfunnel/api/internal/services/checkout"
	defaultCheckoutReturn     = "/thank-you"
	defaultCheckoutCancel     = "/quote"
	fallbackIdempotencySuffix = ":fallback"
)

// Settlement return URL parameters shared by the dispatcher and the reconciler.
const (
	ParamSource             = "source"
	ParamFallback           = "fallback"
	ParamFinanceRef         = "finance_ref"
	ParamSessionID          = "session_id"
	ParamApplicationID      = "application_id"
	ParamReference          = "ref"
	ParamPlan               = "plan"
	ParamPlanName           = "plan_name"
	ParamPeriod             = "period"
	ParamExcess             = "excess"
	ParamEmail              = "email"
	ParamFirstName          = "first_name"
	ParamLastName           = "last_name"
	ParamRegistration       = "reg"
	ParamQuote              = "quote"
	ParamAutoDiscount       = "auto"
	ParamAddAnotherWarranty = "addAnotherWarranty"
)

// checkoutProviders abstracts payments.Manager for easier testing.
type checkoutProviders interface {
	CreateCheckoutSession(ctx context.Context, kind domain.ProviderKind, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// DispatcherDeps wires the checkout dispatcher.
type DispatcherDeps struct {
	Payments      checkoutProviders
	PublicBaseURL string
	ReturnPath    string
	CancelPath    string
	Locale        string
	Meter         metric.Meter
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// Dispatcher turns a CheckoutIntent into exactly one usable provider session, falling back from
// finance to card when the credit check declines.
type Dispatcher struct {
	payments   checkoutProviders
	baseURL    *url.URL
	returnPath string
	cancelPath string
	locale     string
	dispatched metric.Int64Counter
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewDispatcher validates dependencies and registers the dispatch counter.
func NewDispatcher(deps DispatcherDeps) (*Dispatcher, error) {
	if deps.Payments == nil {
		return nil, errors.New("checkout dispatcher: payments are required")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(deps.PublicBaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.New("checkout dispatcher: public base url must be absolute")
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(checkoutMeterName)
	}
	dispatched, err := meter.Int64Counter(
		"funnel.checkout.dispatch",
		metric.WithDescription("Checkout submissions by provider and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("checkout dispatcher: register counter: %w", err)
	}

	return &Dispatcher{
		payments:   deps.Payments,
		baseURL:    base,
		returnPath: pathOrDefault(deps.ReturnPath, defaultCheckoutReturn),
		cancelPath: pathOrDefault(deps.CancelPath, defaultCheckoutCancel),
		locale:     strings.TrimSpace(deps.Locale),
		dispatched: dispatched,
		logger:     logger,
	}, nil
}

// Submit creates the provider session for the intent. Only a credit decline or an unusable
// finance redirect triggers the card fallback; anything else is ErrCheckoutUnavailable.
func (d *Dispatcher) Submit(ctx context.Context, intent CheckoutIntent) (CheckoutResult, error) {
	if d == nil {
		return CheckoutResult{}, ErrCheckoutUnavailable
	}
	if !intent.Provider.Valid() || !intent.FinalAmount.IsPositive() {
		return CheckoutResult{}, ErrCheckoutInvalidInput
	}

	if intent.Provider == domain.ProviderCard {
		session, err := d.create(ctx, domain.ProviderCard, intent, d.returnURL(intent, domain.ProviderCard, ""), intent.IdempotencyKey)
		if err != nil {
			return d.unavailable(ctx, intent, domain.ProviderCard, err)
		}
		result := domain.DirectCheckout(domain.ProviderCard, d.withUpsell(session.RedirectURL, intent.Upsell), session.ID)
		d.record(ctx, result)
		return result, nil
	}

	session, err := d.create(ctx, domain.ProviderFinance, intent, d.returnURL(intent, domain.ProviderFinance, ""), intent.IdempotencyKey)
	reason := ""
	switch {
	case err == nil:
		result := domain.DirectCheckout(domain.ProviderFinance, d.withUpsell(session.RedirectURL, intent.Upsell), session.ID)
		d.record(ctx, result)
		return result, nil
	case errors.Is(err, payments.ErrCreditDeclined):
		reason = "credit_declined"
	case errors.Is(err, errUnusableRedirect):
		reason = "unusable_redirect"
	default:
		return d.unavailable(ctx, intent, domain.ProviderFinance, err)
	}

	fallbackKey := ""
	if intent.IdempotencyKey != "" {
		fallbackKey = intent.IdempotencyKey + fallbackIdempotencySuffix
	}
	card, cardErr := d.create(ctx, domain.ProviderCard, intent, d.returnURL(intent, domain.ProviderCard, session.ID), fallbackKey)
	if cardErr != nil {
		return d.unavailable(ctx, intent, domain.ProviderCard, cardErr)
	}

	result := domain.FallbackCheckout(domain.ProviderCard, d.withUpsell(card.RedirectURL, intent.Upsell), card.ID, domain.ProviderFinance, session.ID, reason)
	d.logger(ctx, "checkout.fallback_created", map[string]any{
		"quoteID":    intent.QuoteID,
		"planID":     intent.Plan.PlanID,
		"failedRef":  session.ID,
		"sessionRef": card.ID,
		"reason":     reason,
	})
	d.record(ctx, result)
	return result, nil
}

var errUnusableRedirect = errors.New("checkout: provider returned an unusable redirect")

func (d *Dispatcher) create(ctx context.Context, kind domain.ProviderKind, intent CheckoutIntent, successURL, idempotencyKey string) (payments.CheckoutSession, error) {
	req := payments.CheckoutSessionRequest{
		Reference:      intent.QuoteID,
		Amount:         domain.MinorUnits(intent.FinalAmount),
		Currency:       intent.Currency,
		Description:    checkoutDescription(intent),
		Customer:       checkoutCustomer(intent.Customer),
		SuccessURL:     successURL,
		CancelURL:      d.cancelURL(intent),
		Locale:         d.locale,
		Metadata:       checkoutMetadata(intent),
		IdempotencyKey: idempotencyKey,
	}
	if kind == domain.ProviderFinance {
		req.Installments = domain.FinanceInstallments
	}

	session, err := d.payments.CreateCheckoutSession(ctx, kind, req)
	if err != nil {
		return session, err
	}
	if !payments.UsableRedirect(session.RedirectURL) {
		return session, fmt.Errorf("%w: %s session %s", errUnusableRedirect, kind, session.ID)
	}
	d.logger(ctx, "checkout.session_created", map[string]any{
		"provider":   string(kind),
		"sessionRef": session.ID,
		"quoteID":    intent.QuoteID,
		"amount":     req.Amount,
	})
	return session, nil
}

func (d *Dispatcher) unavailable(ctx context.Context, intent CheckoutIntent, kind domain.ProviderKind, err error) (CheckoutResult, error) {
	d.logger(ctx, "checkout.provider_unavailable", map[string]any{
		"provider": string(kind),
		"quoteID":  intent.QuoteID,
		"planID":   intent.Plan.PlanID,
		"error":    err.Error(),
	})
	d.dispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(intent.Provider)),
		attribute.String("outcome", "unavailable"),
	))
	return CheckoutResult{}, errors.Join(ErrCheckoutUnavailable, err)
}

func (d *Dispatcher) record(ctx context.Context, result CheckoutResult) {
	d.dispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(result.Provider)),
		attribute.String("outcome", string(result.Kind)),
	))
}

// returnURL builds the provider success URL. Finance sessions and card fallbacks carry source=finance;
// a fallback also names the declined application.
func (d *Dispatcher) returnURL(intent CheckoutIntent, kind domain.ProviderKind, failedFinanceRef string) string {
	values := url.Values{}
	if kind == domain.ProviderFinance || failedFinanceRef != "" {
		values.Set(ParamSource, string(domain.ProviderFinance))
	}
	if failedFinanceRef != "" {
		values.Set(ParamFallback, string(domain.ProviderCard))
		values.Set(ParamFinanceRef, failedFinanceRef)
	}
	values.Set(ParamPlan, intent.Plan.PlanID)
	if name := strings.TrimSpace(intent.Plan.PlanName); name != "" {
		values.Set(ParamPlanName, name)
	}
	values.Set(ParamPeriod, strconv.Itoa(int(intent.Plan.Period)))
	values.Set(ParamExcess, strconv.Itoa(int(intent.Plan.Excess)))
	if email := textutil.NormalizeEmail(intent.Customer.Email); email != "" {
		values.Set(ParamEmail, email)
	}
	if first := textutil.SanitizeText(intent.Customer.FirstName); first != "" {
		values.Set(ParamFirstName, first)
	}
	if last := textutil.SanitizeText(intent.Customer.LastName); last != "" {
		values.Set(ParamLastName, last)
	}
	if reg := textutil.NormalizeRegistration(intent.Vehicle.Registration); reg != "" {
		values.Set(ParamRegistration, reg)
	}
	if intent.QuoteID != "" {
		values.Set(ParamQuote, intent.QuoteID)
	}
	if intent.Discount.AutoApplied {
		values.Set(ParamAutoDiscount, "true")
	}
	if intent.Upsell {
		values.Set(ParamAddAnotherWarranty, "true")
	}
	target := d.baseURL.JoinPath(d.returnPath)
	target.RawQuery = values.Encode()
	return target.String()
}

func (d *Dispatcher) cancelURL(intent CheckoutIntent) string {
	target := d.baseURL.JoinPath(d.cancelPath)
	values := url.Values{"step": []string{string(domain.StepCheckout)}}
	if intent.QuoteID != "" {
		values.Set(ParamQuote, intent.QuoteID)
	}
	target.RawQuery = values.Encode()
	return target.String()
}

// withUpsell appends addAnotherWarranty=true to a provider redirect when the upsell was requested.
func (d *Dispatcher) withUpsell(raw string, upsell bool) string {
	if !upsell {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	query := parsed.Query()
	query.Set(ParamAddAnotherWarranty, "true")
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func checkoutDescription(intent CheckoutIntent) string {
	name := textutil.SanitizeText(intent.Plan.PlanName)
	if name == "" {
		name = textutil.SanitizeText(intent.Plan.PlanID)
	}
	description := strings.TrimSpace(name + " vehicle warranty")
	if reg := textutil.NormalizeRegistration(intent.Vehicle.Registration); reg != "" {
		description += " (" + reg + ")"
	}
	return description
}

func checkoutCustomer(contact domain.ContactDetails) payments.Customer {
	return payments.Customer{
		FirstName:    textutil.SanitizeText(contact.FirstName),
		LastName:     textutil.SanitizeText(contact.LastName),
		Email:        textutil.NormalizeEmail(contact.Email),
		Phone:        strings.TrimSpace(contact.Phone),
		AddressLine1: textutil.SanitizeText(contact.AddressLine1),
		AddressLine2: textutil.SanitizeText(contact.AddressLine2),
		Town:         textutil.SanitizeText(contact.Town),
		Postcode:     strings.ToUpper(textutil.SanitizeText(contact.Postcode)),
	}
}

func checkoutMetadata(intent CheckoutIntent) map[string]string {
	return textutil.NormalizeStringMap(map[string]string{
		"quoteId":        intent.QuoteID,
		"planId":         intent.Plan.PlanID,
		"period":         strconv.Itoa(int(intent.Plan.Period)),
		"excess":         strconv.Itoa(int(intent.Plan.Excess)),
		"addOns":         strings.Join(intent.Plan.AddOns, ","),
		"registration":   textutil.NormalizeRegistration(intent.Vehicle.Registration),
		"customerEmail":  textutil.NormalizeEmail(intent.Customer.Email),
		"discountSource": string(intent.Discount.Source),
		"discountCode":   intent.Discount.Code,
		"autoDiscount":   strconv.FormatBool(intent.Discount.AutoApplied),
		"payInFull":      strconv.FormatBool(intent.Discount.PayInFull),
		"baseAmount":     intent.BaseAmount.StringFixed(2),
		"upsell":         strconv.FormatBool(intent.Upsell),
	})
}

func pathOrDefault(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return fallback
	}
	return path
}
