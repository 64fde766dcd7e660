package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementResult is the parsed provider callback.
type SettlementResult struct {
	Provider         ProviderKind
	Reference        string
	FinanceReference string
	Fallback         bool
	PlanID           string
	PlanName         string
	Period           PaymentPeriod
	Excess           Excess
	Upsell           bool
	AutoDiscountUsed bool
	Customer         ContactDetails
	Vehicle          VehicleProfile
}

// Key identifies the settlement for deduplication.
func (r SettlementResult) Key() string {
	return string(r.Provider) + ":" + r.Reference
}

// Policy is an issued warranty policy.
type Policy struct {
	Ref              string
	SettlementKey    string
	Provider         ProviderKind
	ProviderRef      string
	FinanceRef       string
	PlanID           string
	PlanName         string
	Period           PaymentPeriod
	Excess           Excess
	Amount           decimal.Decimal
	Currency         string
	CustomerEmail    string
	CustomerName     string
	Registration     string
	AutoDiscountUsed bool
	IssuedAt         time.Time
}

// PolicyOutcome is what the caller renders after reconciliation.
type PolicyOutcome struct {
	PolicyRef           string        `json:"policyRef"`
	Provider            ProviderKind  `json:"provider"`
	ProviderRef         string        `json:"providerRef"`
	PlanID              string        `json:"planId,omitempty"`
	Period              PaymentPeriod `json:"period,omitempty"`
	IssuedAt            time.Time     `json:"issuedAt"`
	Replayed            bool          `json:"replayed"`
	AutoDiscountGranted bool          `json:"autoDiscountGranted"`
	AutoDiscountUsed    bool          `json:"autoDiscountUsed"`
	NextStep            Step          `json:"nextStep,omitempty"`
}
