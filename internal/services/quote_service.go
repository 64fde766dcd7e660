package services

import (
	"context"
	"errors"
	"strings"

	domain "github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/repositories"
)

// ErrQuoteInvalidInput indicates the pricing request is missing its plan.
var ErrQuoteInvalidInput = errors.New("quote: invalid input")

// QuoteServiceDeps wires the quote pricing pipeline.
type QuoteServiceDeps struct {
	Resolver *RateResolver
	// Matrices is optional; without it every price comes from the built-in table.
	Matrices repositories.RateMatrixRepository
	// Codes is optional; without it manual codes are ignored.
	Codes    DiscountCodeService
	Currency string
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type quoteService struct {
	resolver *RateResolver
	matrices repositories.RateMatrixRepository
	codes    DiscountCodeService
	currency string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ QuoteService = (*quoteService)(nil)

// NewQuoteService constructs the QuoteService.
func NewQuoteService(deps QuoteServiceDeps) (QuoteService, error) {
	if deps.Resolver == nil {
		return nil, errors.New("quote service: rate resolver is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = deps.Resolver.static.Currency()
	}
	return &quoteService{
		resolver: deps.Resolver,
		matrices: deps.Matrices,
		codes:    deps.Codes,
		currency: currency,
		logger:   logger,
	}, nil
}

// PriceQuote resolves the base price then stacks discounts for both settlement options.
// Missing pricing data and discount validation failures degrade; they never fail the call.
func (s *quoteService) PriceQuote(ctx context.Context, cmd PriceQuoteCommand) (QuotePrice, error) {
	if strings.TrimSpace(cmd.PlanID) == "" {
		return QuotePrice{}, ErrQuoteInvalidInput
	}

	query := RateQuery{
		PlanID:   cmd.PlanID,
		Period:   cmd.Period,
		Excess:   cmd.Excess,
		Category: cmd.Category,
		AddOns:   cmd.AddOns,
	}
	quote := s.resolver.Price(query, s.loadMatrix(ctx, cmd.PlanID, cmd.Category))
	if len(quote.Warnings) > 0 {
		s.logger(ctx, "pricing.fallback", map[string]any{
			"planID":   cmd.PlanID,
			"period":   int(cmd.Period),
			"excess":   int(cmd.Excess),
			"category": string(cmd.Category),
			"source":   string(quote.Source),
			"warnings": quote.Warnings,
		})
	}

	manual := s.validateCode(ctx, cmd.DiscountCode, quote)
	state := domain.DiscountState{AutoFlag: cmd.AutoDiscount, Manual: manual}
	finance := ApplyDiscounts(quote.Total, state)
	state.PayInFull = true
	payInFull := ApplyDiscounts(quote.Total, state)

	return QuotePrice{
		Plan:        quote.PlanQuote(),
		Source:      quote.Source,
		Warnings:    quote.Warnings,
		Manual:      manual,
		Finance:     finance,
		PayInFull:   payInFull,
		Installment: finance.Discounted.Div(domain.Installments()).Round(2),
		Currency:    s.currency,
	}, nil
}

func (s *quoteService) loadMatrix(ctx context.Context, planID string, category domain.VehicleCategory) *domain.RateMatrix {
	if s.matrices == nil {
		return nil
	}
	matrix, err := s.matrices.FetchMatrix(ctx, planID, category)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		s.logger(ctx, "pricing.matrix_unavailable", map[string]any{
			"planID": planID,
			"error":  err.Error(),
		})
		return nil
	}
	return matrix
}

func (s *quoteService) validateCode(ctx context.Context, code string, quote RateQuote) *domain.ManualCodeResult {
	if strings.TrimSpace(code) == "" || s.codes == nil {
		return nil
	}
	result, err := s.codes.ValidateCode(ctx, ValidateDiscountCodeCommand{Code: code, BasePrice: quote.Total})
	if err != nil {
		s.logger(ctx, "pricing.discount_code_failed", map[string]any{
			"planID": quote.PlanID,
			"error":  err.Error(),
		})
		return nil
	}
	return &result
}
