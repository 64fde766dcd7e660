package services

import (
	"context"
	"errors"
	"strings"

	"github.com/warrantyfunnel/api/internal/platform/requestctx"
	"github.com/warrantyfunnel/api/internal/platform/textutil"
	"github.com/warrantyfunnel/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates no provider produced a usable session; the caller may retry.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
)

// checkoutDispatcher abstracts Dispatcher for easier testing.
type checkoutDispatcher interface {
	Submit(ctx context.Context, intent CheckoutIntent) (CheckoutResult, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Quotes     QuoteService
	Dispatcher checkoutDispatcher
	Flags      repositories.AutoDiscountFlagRepository
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	quotes     QuoteService
	dispatcher checkoutDispatcher
	flags      repositories.AutoDiscountFlagRepository
	logger     func(ctx context.Context, event string, fields map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Quotes == nil {
		return nil, errors.New("checkout service: quote service is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("checkout service: dispatcher is required")
	}
	if deps.Flags == nil {
		return nil, errors.New("checkout service: auto discount flag repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &checkoutService{
		quotes:     deps.Quotes,
		dispatcher: deps.Dispatcher,
		flags:      deps.Flags,
		logger:     logger,
	}, nil
}

// Submit re-prices the selection server side so the charged amount never comes from the client,
// then dispatches the intent to the requested provider. The automatic discount applies only when
// the customer's durable flag is active.
func (s *checkoutService) Submit(ctx context.Context, cmd SubmitCheckoutCommand) (CheckoutSubmission, error) {
	if s == nil || s.quotes == nil || s.dispatcher == nil {
		return CheckoutSubmission{}, ErrCheckoutUnavailable
	}
	if err := validateCheckoutCommand(cmd); err != nil {
		return CheckoutSubmission{}, err
	}

	selection := cmd.Selection
	if selection.Category == "" {
		selection.Category = cmd.Vehicle.Category
	}
	selection.AutoDiscount = s.autoDiscountActive(ctx, cmd.Customer.Email)
	price, err := s.quotes.PriceQuote(ctx, selection)
	if err != nil {
		if errors.Is(err, ErrQuoteInvalidInput) {
			return CheckoutSubmission{}, ErrCheckoutInvalidInput
		}
		s.logger(ctx, "checkout.pricing_failed", map[string]any{
			"planID": selection.PlanID,
			"error":  err.Error(),
		})
		return CheckoutSubmission{}, errors.Join(ErrCheckoutUnavailable, err)
	}

	breakdown := price.AmountFor(cmd.Provider)
	if !breakdown.Final.IsPositive() {
		return CheckoutSubmission{}, ErrCheckoutInvalidInput
	}

	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		key = requestctx.IdempotencyKey(ctx)
	}

	intent := CheckoutIntent{
		Plan:           price.Plan,
		Vehicle:        cmd.Vehicle,
		Customer:       cmd.Customer,
		Provider:       cmd.Provider,
		BaseAmount:     breakdown.Base,
		FinalAmount:    breakdown.Final,
		Currency:       price.Currency,
		Discount:       breakdown.Applied,
		Upsell:         cmd.Upsell,
		QuoteID:        strings.TrimSpace(cmd.QuoteID),
		IdempotencyKey: key,
	}

	result, err := s.dispatcher.Submit(ctx, intent)
	if err != nil {
		return CheckoutSubmission{}, err
	}

	s.logger(ctx, "checkout.submitted", map[string]any{
		"planID":     price.Plan.PlanID,
		"provider":   string(result.Provider),
		"outcome":    string(result.Kind),
		"sessionRef": result.SessionRef,
		"amount":     breakdown.Final.String(),
		"email":      cmd.Customer.Email,
	})

	return CheckoutSubmission{
		RedirectURL: result.RedirectURL,
		Result:      result,
		Amount:      breakdown.Final,
		Currency:    price.Currency,
	}, nil
}

// autoDiscountActive reads the durable flag for the customer. Lookup failures charge the
// undiscounted price, like a discount code that could not be validated.
func (s *checkoutService) autoDiscountActive(ctx context.Context, email string) bool {
	key := textutil.NormalizeEmail(email)
	if s.flags == nil || key == "" {
		return false
	}
	flag, err := s.flags.Get(ctx, key)
	if err != nil {
		if !isRepoNotFound(err) {
			s.logger(ctx, "checkout.auto_discount_lookup_failed", map[string]any{
				"error": err.Error(),
			})
		}
		return false
	}
	return flag.Active
}

func validateCheckoutCommand(cmd SubmitCheckoutCommand) error {
	if !cmd.Provider.Valid() {
		return ErrCheckoutInvalidInput
	}
	if strings.TrimSpace(cmd.Selection.PlanID) == "" {
		return ErrCheckoutInvalidInput
	}
	if cmd.Vehicle.IsZero() {
		return ErrCheckoutInvalidInput
	}
	if textutil.NormalizeEmail(cmd.Customer.Email) == "" {
		return ErrCheckoutInvalidInput
	}
	if strings.TrimSpace(cmd.Customer.FirstName) == "" || strings.TrimSpace(cmd.Customer.LastName) == "" {
		return ErrCheckoutInvalidInput
	}
	return nil
}

