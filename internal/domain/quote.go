package domain

import (
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// PaymentPeriod is the cover period in months.
type PaymentPeriod int

const (
	PaymentPeriod12 PaymentPeriod = 12
	PaymentPeriod24 PaymentPeriod = 24
	PaymentPeriod36 PaymentPeriod = 36
)

// DefaultPaymentPeriod is used when a requested period is not offered.
const DefaultPaymentPeriod = PaymentPeriod12

// Valid reports whether the period is offered.
func (p PaymentPeriod) Valid() bool {
	switch p {
	case PaymentPeriod12, PaymentPeriod24, PaymentPeriod36:
		return true
	default:
		return false
	}
}

// MatrixKey returns the key the period is stored under in rate matrix documents.
func (p PaymentPeriod) MatrixKey() string {
	if p == PaymentPeriod12 {
		return "monthly"
	}
	return strconv.Itoa(int(p))
}

// ParsePaymentPeriodKey maps a rate matrix period key back onto a period.
func ParsePaymentPeriodKey(key string) (PaymentPeriod, bool) {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "monthly", "12":
		return PaymentPeriod12, true
	case "24":
		return PaymentPeriod24, true
	case "36":
		return PaymentPeriod36, true
	default:
		return 0, false
	}
}

// Excess is the voluntary excess in whole currency units.
type Excess int

// ExcessTiers lists the voluntary excess values offered, ascending.
var ExcessTiers = []Excess{0, 50, 100, 150, 200}

// Valid reports whether the excess is one of the offered tiers.
func (e Excess) Valid() bool {
	return slices.Contains(ExcessTiers, e)
}

// PlanQuote is the priced plan selection carried through the wizard.
type PlanQuote struct {
	PlanID       string          `json:"planId"`
	PlanName     string          `json:"planName"`
	Period       PaymentPeriod   `json:"period"`
	Excess       Excess          `json:"excess"`
	AddOns       []string        `json:"addOns,omitempty"`
	MonthlyPrice decimal.Decimal `json:"monthlyPrice"`
	TotalPrice   decimal.Decimal `json:"totalPrice"`
	Savings      decimal.Decimal `json:"savings"`
}

// IsZero reports whether no plan has been selected.
func (q PlanQuote) IsZero() bool {
	return strings.TrimSpace(q.PlanID) == "" && strings.TrimSpace(q.PlanName) == ""
}

// CellUnit states what the value of a rate cell measures.
type CellUnit string

const (
	CellUnitMonthly CellUnit = "monthly"
	CellUnitTotal   CellUnit = "total"
)

// RateCell is one period/excess entry of a rate matrix.
type RateCell struct {
	Unit  CellUnit
	Value decimal.Decimal
	Save  decimal.Decimal
}

// RateMatrix is the per-plan price table keyed by period then excess.
type RateMatrix struct {
	PlanID   string
	Category VehicleCategory
	Version  string
	Cells    map[PaymentPeriod]map[Excess]RateCell
}

// Cell returns the exact cell for the period and excess.
func (m *RateMatrix) Cell(period PaymentPeriod, excess Excess) (RateCell, bool) {
	if m == nil || m.Cells == nil {
		return RateCell{}, false
	}
	row, ok := m.Cells[period]
	if !ok {
		return RateCell{}, false
	}
	cell, ok := row[excess]
	return cell, ok
}

// Excesses returns the excess tiers defined for the period, ascending.
func (m *RateMatrix) Excesses(period PaymentPeriod) []Excess {
	if m == nil || m.Cells == nil {
		return nil
	}
	row := m.Cells[period]
	out := make([]Excess, 0, len(row))
	for excess := range row {
		out = append(out, excess)
	}
	slices.Sort(out)
	return out
}
