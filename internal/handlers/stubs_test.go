package handlers

import (
	"context"

	domain "github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
	build  services.BuildInfo
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

func (s *stubSystemService) Build() services.BuildInfo {
	return s.build
}

type stubQuoteService struct {
	priceFunc func(ctx context.Context, cmd services.PriceQuoteCommand) (services.QuotePrice, error)
}

func (s *stubQuoteService) PriceQuote(ctx context.Context, cmd services.PriceQuoteCommand) (services.QuotePrice, error) {
	if s.priceFunc == nil {
		return services.QuotePrice{}, nil
	}
	return s.priceFunc(ctx, cmd)
}

type stubDiscountCodeService struct {
	validateFunc func(ctx context.Context, cmd services.ValidateDiscountCodeCommand) (domain.ManualCodeResult, error)
}

func (s *stubDiscountCodeService) ValidateCode(ctx context.Context, cmd services.ValidateDiscountCodeCommand) (domain.ManualCodeResult, error) {
	if s.validateFunc == nil {
		return domain.ManualCodeResult{}, nil
	}
	return s.validateFunc(ctx, cmd)
}

type stubQuoteSessionService struct {
	resolveFunc    func(ctx context.Context, cmd services.ResolveSessionCommand) (services.InitialState, error)
	transitionFunc func(ctx context.Context, cmd services.TransitionCommand) (services.TransitionOutcome, error)
	snapshotFunc   func(ctx context.Context, cmd services.CreateSnapshotCommand) (services.QuoteSnapshot, error)
}

func (s *stubQuoteSessionService) Resolve(ctx context.Context, cmd services.ResolveSessionCommand) (services.InitialState, error) {
	if s.resolveFunc == nil {
		return services.InitialState{}, nil
	}
	return s.resolveFunc(ctx, cmd)
}

func (s *stubQuoteSessionService) Transition(ctx context.Context, cmd services.TransitionCommand) (services.TransitionOutcome, error) {
	if s.transitionFunc == nil {
		return services.TransitionOutcome{}, nil
	}
	return s.transitionFunc(ctx, cmd)
}

func (s *stubQuoteSessionService) CreateSnapshot(ctx context.Context, cmd services.CreateSnapshotCommand) (services.QuoteSnapshot, error) {
	if s.snapshotFunc == nil {
		return services.QuoteSnapshot{}, nil
	}
	return s.snapshotFunc(ctx, cmd)
}

type stubCheckoutService struct {
	submitFunc func(ctx context.Context, cmd services.SubmitCheckoutCommand) (services.CheckoutSubmission, error)
}

func (s *stubCheckoutService) Submit(ctx context.Context, cmd services.SubmitCheckoutCommand) (services.CheckoutSubmission, error) {
	if s.submitFunc == nil {
		return services.CheckoutSubmission{}, nil
	}
	return s.submitFunc(ctx, cmd)
}

type stubSettlementService struct {
	reconcileFunc func(ctx context.Context, params services.SettlementParams) (services.PolicyOutcome, error)
}

func (s *stubSettlementService) Reconcile(ctx context.Context, params services.SettlementParams) (services.PolicyOutcome, error) {
	if s.reconcileFunc == nil {
		return services.PolicyOutcome{}, nil
	}
	return s.reconcileFunc(ctx, params)
}

var (
	_ services.SystemService       = (*stubSystemService)(nil)
	_ services.QuoteService        = (*stubQuoteService)(nil)
	_ services.DiscountCodeService = (*stubDiscountCodeService)(nil)
	_ services.QuoteSessionService = (*stubQuoteSessionService)(nil)
	_ services.CheckoutService     = (*stubCheckoutService)(nil)
	_ services.SettlementService   = (*stubSettlementService)(nil)
)
