package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DiscountSource names which discount produced the pre pay-in-full amount.
type DiscountSource string

const (
	DiscountSourceNone      DiscountSource = "none"
	DiscountSourceAutomatic DiscountSource = "automatic"
	DiscountSourceManual    DiscountSource = "manual"
)

// ManualCodeResult is the server-side verdict on an entered discount code.
type ManualCodeResult struct {
	Code           string          `json:"code"`
	Valid          bool            `json:"valid"`
	Message        string          `json:"message,omitempty"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	FinalAmount    decimal.Decimal `json:"finalAmount"`
}

// DiscountState gathers the inputs of the discount stacker.
type DiscountState struct {
	AutoFlag  bool
	Manual    *ManualCodeResult
	PayInFull bool
}

// AppliedDiscount records how a final amount was reached.
type AppliedDiscount struct {
	Source      DiscountSource `json:"source"`
	Code        string         `json:"code,omitempty"`
	AutoApplied bool           `json:"autoApplied"`
	PayInFull   bool           `json:"payInFull"`
}

// DiscountCodeKind selects how a discount code reduces the base price.
type DiscountCodeKind string

const (
	DiscountCodeAmountOff  DiscountCodeKind = "amount_off"
	DiscountCodePercentOff DiscountCodeKind = "percent_off"
)

// DiscountCode is an admin-managed manual discount code.
type DiscountCode struct {
	Code        string
	Kind        DiscountCodeKind
	Amount      decimal.Decimal
	Percent     decimal.Decimal
	Active      bool
	MinimumBase decimal.Decimal
	StartsAt    *time.Time
	EndsAt      *time.Time
	Description string
}

// AutoDiscountFlag is the durable multi-warranty discount marker for one customer.
type AutoDiscountFlag struct {
	CustomerKey      string
	Active           bool
	GrantedByPolicy  string
	GrantedAt        time.Time
	ConsumedByPolicy string
	ConsumedAt       *time.Time
}
