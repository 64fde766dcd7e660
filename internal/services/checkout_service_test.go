package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	domain "github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/platform/requestctx"
)

type stubQuoteService struct {
	priceFn func(ctx context.Context, cmd PriceQuoteCommand) (QuotePrice, error)
}

func (s *stubQuoteService) PriceQuote(ctx context.Context, cmd PriceQuoteCommand) (QuotePrice, error) {
	if s.priceFn == nil {
		return QuotePrice{}, errors.New("not implemented")
	}
	return s.priceFn(ctx, cmd)
}

type stubCheckoutDispatcher struct {
	intents  []CheckoutIntent
	submitFn func(ctx context.Context, intent CheckoutIntent) (CheckoutResult, error)
}

func (s *stubCheckoutDispatcher) Submit(ctx context.Context, intent CheckoutIntent) (CheckoutResult, error) {
	s.intents = append(s.intents, intent)
	if s.submitFn == nil {
		return domain.DirectCheckout(intent.Provider, "https://pay.example.com/1", "ref_1"), nil
	}
	return s.submitFn(ctx, intent)
}

func pricedGold(autoDiscount bool) QuotePrice {
	base := decimal.NewFromInt(408)
	finance := ApplyDiscounts(base, domain.DiscountState{AutoFlag: autoDiscount})
	payInFull := ApplyDiscounts(base, domain.DiscountState{AutoFlag: autoDiscount, PayInFull: true})
	return QuotePrice{
		Plan:      domain.PlanQuote{PlanID: "gold", PlanName: "Gold", Period: domain.PaymentPeriod12, TotalPrice: base},
		Finance:   finance,
		PayInFull: payInFull,
		Currency:  "GBP",
	}
}

func validSubmitCommand(provider domain.ProviderKind) SubmitCheckoutCommand {
	return SubmitCheckoutCommand{
		Selection: PriceQuoteCommand{PlanID: "gold", Period: domain.PaymentPeriod12, AutoDiscount: true},
		Vehicle:   domain.VehicleProfile{Registration: "AB12CDE", Category: domain.VehicleCategoryEV},
		Customer:  domain.ContactDetails{FirstName: "Jane", LastName: "Doe", Email: "jane@example.com"},
		Provider:  provider,
		QuoteID:   "quote_1",
	}
}

// returningCustomer holds an active automatic discount flag for the customer in validSubmitCommand.
func returningCustomer() *stubAutoDiscountFlagRepository {
	return &stubAutoDiscountFlagRepository{flags: map[string]domain.AutoDiscountFlag{
		"jane@example.com": {CustomerKey: "jane@example.com", Active: true},
	}}
}

func TestCheckoutServiceSubmitUsesServerSidePrice(t *testing.T) {
	var priced PriceQuoteCommand
	quotes := &stubQuoteService{priceFn: func(_ context.Context, cmd PriceQuoteCommand) (QuotePrice, error) {
		priced = cmd
		return pricedGold(cmd.AutoDiscount), nil
	}}
	dispatcher := &stubCheckoutDispatcher{}
	svc, err := NewCheckoutService(CheckoutServiceDeps{Quotes: quotes, Dispatcher: dispatcher, Flags: returningCustomer()})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}

	ctx := requestctx.WithIdempotencyKey(context.Background(), "idem-ctx")
	submission, err := svc.Submit(ctx, validSubmitCommand(domain.ProviderCard))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if priced.Category != domain.VehicleCategoryEV {
		t.Fatalf("expected category to default from the vehicle, got %q", priced.Category)
	}
	// 408 * 0.9 * 0.95 = 348.84 -> 349
	if !submission.Amount.Equal(decimal.NewFromInt(349)) {
		t.Fatalf("expected card amount 349, got %s", submission.Amount)
	}
	if len(dispatcher.intents) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(dispatcher.intents))
	}
	intent := dispatcher.intents[0]
	if intent.IdempotencyKey != "idem-ctx" {
		t.Fatalf("expected request idempotency key, got %q", intent.IdempotencyKey)
	}
	if !intent.Discount.PayInFull || !intent.Discount.AutoApplied {
		t.Fatalf("unexpected discount metadata %+v", intent.Discount)
	}
	if submission.RedirectURL != "https://pay.example.com/1" {
		t.Fatalf("unexpected redirect %q", submission.RedirectURL)
	}
}

func TestCheckoutServiceFinanceAmountHasNoPayInFull(t *testing.T) {
	quotes := &stubQuoteService{priceFn: func(_ context.Context, cmd PriceQuoteCommand) (QuotePrice, error) {
		return pricedGold(cmd.AutoDiscount), nil
	}}
	dispatcher := &stubCheckoutDispatcher{}
	svc, err := NewCheckoutService(CheckoutServiceDeps{Quotes: quotes, Dispatcher: dispatcher, Flags: returningCustomer()})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}

	submission, err := svc.Submit(context.Background(), validSubmitCommand(domain.ProviderFinance))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// 408 * 0.9 = 367.2 -> 367
	if !submission.Amount.Equal(decimal.NewFromInt(367)) {
		t.Fatalf("expected finance amount 367, got %s", submission.Amount)
	}
	if dispatcher.intents[0].Discount.PayInFull {
		t.Fatalf("finance intent must not carry pay-in-full")
	}
}

func TestCheckoutServiceValidatesInput(t *testing.T) {
	quotes := &stubQuoteService{priceFn: func(_ context.Context, cmd PriceQuoteCommand) (QuotePrice, error) {
		return pricedGold(cmd.AutoDiscount), nil
	}}
	svc, err := NewCheckoutService(CheckoutServiceDeps{Quotes: quotes, Dispatcher: &stubCheckoutDispatcher{}, Flags: returningCustomer()})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}

	cases := map[string]func(*SubmitCheckoutCommand){
		"unknown provider": func(cmd *SubmitCheckoutCommand) { cmd.Provider = "paypal" },
		"missing plan":     func(cmd *SubmitCheckoutCommand) { cmd.Selection.PlanID = "" },
		"missing vehicle":  func(cmd *SubmitCheckoutCommand) { cmd.Vehicle = domain.VehicleProfile{} },
		"missing email":    func(cmd *SubmitCheckoutCommand) { cmd.Customer.Email = " " },
		"missing name":     func(cmd *SubmitCheckoutCommand) { cmd.Customer.LastName = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cmd := validSubmitCommand(domain.ProviderCard)
			mutate(&cmd)
			if _, err := svc.Submit(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
				t.Fatalf("expected ErrCheckoutInvalidInput, got %v", err)
			}
		})
	}
}

func TestCheckoutServicePropagatesUnavailable(t *testing.T) {
	quotes := &stubQuoteService{priceFn: func(_ context.Context, cmd PriceQuoteCommand) (QuotePrice, error) {
		return pricedGold(cmd.AutoDiscount), nil
	}}
	dispatcher := &stubCheckoutDispatcher{submitFn: func(context.Context, CheckoutIntent) (CheckoutResult, error) {
		return CheckoutResult{}, ErrCheckoutUnavailable
	}}
	svc, err := NewCheckoutService(CheckoutServiceDeps{Quotes: quotes, Dispatcher: dispatcher, Flags: returningCustomer()})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}

	if _, err := svc.Submit(context.Background(), validSubmitCommand(domain.ProviderFinance)); !errors.Is(err, ErrCheckoutUnavailable) {
		t.Fatalf("expected ErrCheckoutUnavailable, got %v", err)
	}
}

func TestNewCheckoutServiceRequiresDependencies(t *testing.T) {
	flags := &stubAutoDiscountFlagRepository{}
	if _, err := NewCheckoutService(CheckoutServiceDeps{Dispatcher: &stubCheckoutDispatcher{}, Flags: flags}); err == nil {
		t.Fatalf("expected error without quote service")
	}
	if _, err := NewCheckoutService(CheckoutServiceDeps{Quotes: &stubQuoteService{}, Flags: flags}); err == nil {
		t.Fatalf("expected error without dispatcher")
	}
	if _, err := NewCheckoutService(CheckoutServiceDeps{Quotes: &stubQuoteService{}, Dispatcher: &stubCheckoutDispatcher{}}); err == nil {
		t.Fatalf("expected error without flag repository")
	}
}

func TestCheckoutServiceAutoDiscountComesFromDurableFlag(t *testing.T) {
	tests := []struct {
		name       string
		flags      *stubAutoDiscountFlagRepository
		provider   domain.ProviderKind
		wantAmount int64
		wantAuto   bool
		wantLog    bool
	}{
		{
			name:       "never bought before pays the undiscounted card price",
			flags:      &stubAutoDiscountFlagRepository{},
			provider:   domain.ProviderCard,
			wantAmount: 388, // 408 * 0.95 = 387.6 -> 388
		},
		{
			name:       "never bought before pays the undiscounted finance price",
			flags:      &stubAutoDiscountFlagRepository{},
			provider:   domain.ProviderFinance,
			wantAmount: 408,
		},
		{
			name: "consumed flag no longer discounts",
			flags: &stubAutoDiscountFlagRepository{flags: map[string]domain.AutoDiscountFlag{
				"jane@example.com": {CustomerKey: "jane@example.com", Active: false, ConsumedByPolicy: "pol_1"},
			}},
			provider:   domain.ProviderCard,
			wantAmount: 388,
		},
		{
			name:       "flag lookup failure charges full price",
			flags:      &stubAutoDiscountFlagRepository{getErr: errors.New("firestore unavailable")},
			provider:   domain.ProviderCard,
			wantAmount: 388,
			wantLog:    true,
		},
		{
			name:       "active flag matched on the normalised email",
			flags:      returningCustomer(),
			provider:   domain.ProviderCard,
			wantAmount: 349,
			wantAuto:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			quotes := &stubQuoteService{priceFn: func(_ context.Context, cmd PriceQuoteCommand) (QuotePrice, error) {
				return pricedGold(cmd.AutoDiscount), nil
			}}
			dispatcher := &stubCheckoutDispatcher{}
			recorder := &eventRecorder{}
			svc, err := NewCheckoutService(CheckoutServiceDeps{Quotes: quotes, Dispatcher: dispatcher, Flags: tc.flags, Logger: recorder.log})
			if err != nil {
				t.Fatalf("new checkout service: %v", err)
			}

			cmd := validSubmitCommand(tc.provider)
			cmd.Customer.Email = " Jane@Example.com "
			submission, err := svc.Submit(context.Background(), cmd)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if !submission.Amount.Equal(decimal.NewFromInt(tc.wantAmount)) {
				t.Fatalf("amount = %s, want %d", submission.Amount, tc.wantAmount)
			}
			if got := dispatcher.intents[0].Discount.AutoApplied; got != tc.wantAuto {
				t.Fatalf("auto applied = %v, want %v", got, tc.wantAuto)
			}
			if got := recorder.has("checkout.auto_discount_lookup_failed"); got != tc.wantLog {
				t.Fatalf("lookup failure logged = %v, want %v", got, tc.wantLog)
			}
		})
	}
}
