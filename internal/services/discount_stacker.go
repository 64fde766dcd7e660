package services

import (
	"github.com/shopspring/decimal"

	domain "github.com/warrantyfunnel/api/internal/domain"
)

var (
	autoDiscountMultiplier = decimal.New(90, -2)
	payInFullMultiplier    = decimal.New(95, -2)
)

// DiscountBreakdown exposes every stage of the stacked discount computation.
// Discounted is unrounded; Final is rounded to whole currency units.
type DiscountBreakdown struct {
	Base       decimal.Decimal
	Discounted decimal.Decimal
	Final      decimal.Decimal
	Applied    domain.AppliedDiscount
}

// ApplyDiscounts stacks discounts over base. A valid manual code replaces the
// automatic discount; pay-in-full applies to whichever amount is active.
func ApplyDiscounts(base decimal.Decimal, state domain.DiscountState) DiscountBreakdown {
	breakdown := DiscountBreakdown{
		Base: base,
		Applied: domain.AppliedDiscount{
			Source:    domain.DiscountSourceNone,
			PayInFull: state.PayInFull,
		},
	}

	discounted := base
	switch {
	case state.Manual != nil && state.Manual.Valid:
		discounted = state.Manual.FinalAmount
		breakdown.Applied.Source = domain.DiscountSourceManual
		breakdown.Applied.Code = state.Manual.Code
	case state.AutoFlag:
		discounted = base.Mul(autoDiscountMultiplier)
		breakdown.Applied.Source = domain.DiscountSourceAutomatic
		breakdown.Applied.AutoApplied = true
	}

	if state.PayInFull {
		discounted = discounted.Mul(payInFullMultiplier)
	}
	breakdown.Discounted = discounted
	breakdown.Final = domain.RoundCurrency(discounted)
	return breakdown
}
