package domain

import "github.com/shopspring/decimal"

// FinanceInstallments is the installment count collected by the finance provider for every cover period.
const FinanceInstallments = 12

var (
	installmentsDecimal = decimal.NewFromInt(FinanceInstallments)
	hundred             = decimal.NewFromInt(100)
)

// RoundCurrency rounds an amount to whole currency units, half away from zero.
func RoundCurrency(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(0)
}

// MinorUnits converts a whole-unit amount into the provider's minor unit representation.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts a provider minor unit amount back into currency units.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// Installments returns the number of installments as a decimal for price arithmetic.
func Installments() decimal.Decimal {
	return installmentsDecimal
}
