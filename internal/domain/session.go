package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// LocalSessionKey is the single browser storage key the session record is written under.
const LocalSessionKey = "warranty.quoteSession"

// ErrInvalidStep is returned when a step value is not addressable.
var ErrInvalidStep = errors.New("session: invalid step")

// Step is an addressable wizard position. 2.5 is a distinct sub-step.
type Step string

const (
	StepLanding  Step = "1"
	StepVehicle  Step = "2"
	StepPricing  Step = "2.5"
	StepCheckout Step = "3"
)

// ParseStep parses a URL or stored step value. The retired 1.5 value maps to step 1.
func ParseStep(raw string) (Step, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidStep
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return "", ErrInvalidStep
	}
	switch value {
	case 1, 1.5:
		return StepLanding, nil
	case 2:
		return StepVehicle, nil
	case 2.5:
		return StepPricing, nil
	case 3:
		return StepCheckout, nil
	default:
		return "", ErrInvalidStep
	}
}

// Rank orders steps for forward/backward comparisons.
func (s Step) Rank() int {
	switch s {
	case StepLanding:
		return 10
	case StepVehicle:
		return 20
	case StepPricing:
		return 25
	case StepCheckout:
		return 30
	default:
		return 0
	}
}

// Valid reports whether the step is addressable.
func (s Step) Valid() bool {
	return s.Rank() > 0
}

// MarshalJSON writes the step as a JSON number.
func (s Step) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return []byte("1"), nil
	}
	return []byte(s), nil
}

// UnmarshalJSON accepts numbers or strings and applies the legacy alias.
func (s *Step) UnmarshalJSON(data []byte) error {
	raw := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	if raw == "" || raw == "null" {
		*s = ""
		return nil
	}
	step, err := ParseStep(raw)
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// SessionPhase is the wizard state machine position.
type SessionPhase string

const (
	PhaseLanding         SessionPhase = "landing"
	PhaseVehicleCaptured SessionPhase = "vehicle_captured"
	PhaseQuoteDelivery   SessionPhase = "quote_delivery"
	PhasePricingReview   SessionPhase = "pricing_review"
	PhaseCheckoutDetails SessionPhase = "checkout_details"
	PhaseDispatched      SessionPhase = "dispatched"
)

// Step returns the URL step a phase renders at.
func (p SessionPhase) Step() Step {
	switch p {
	case PhaseVehicleCaptured, PhaseQuoteDelivery:
		return StepVehicle
	case PhasePricingReview:
		return StepPricing
	case PhaseCheckoutDetails, PhaseDispatched:
		return StepCheckout
	default:
		return StepLanding
	}
}

// Order ranks phases along the forward path.
func (p SessionPhase) Order() int {
	switch p {
	case PhaseLanding:
		return 0
	case PhaseVehicleCaptured:
		return 1
	case PhaseQuoteDelivery:
		return 2
	case PhasePricingReview:
		return 3
	case PhaseCheckoutDetails:
		return 4
	case PhaseDispatched:
		return 5
	default:
		return -1
	}
}

// ContactDetails holds the contact and address form data.
type ContactDetails struct {
	FirstName    string `json:"firstName,omitempty"`
	LastName     string `json:"lastName,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	AddressLine1 string `json:"addressLine1,omitempty"`
	AddressLine2 string `json:"addressLine2,omitempty"`
	Town         string `json:"town,omitempty"`
	Postcode     string `json:"postcode,omitempty"`
}

// HasContact reports whether the contact gate has been passed.
func (c ContactDetails) HasContact() bool {
	return strings.TrimSpace(c.Email) != ""
}

// FullName joins first and last names.
func (c ContactDetails) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// WizardSession is the accumulated wizard state.
type WizardSession struct {
	Phase              SessionPhase    `json:"phase"`
	Step               Step            `json:"step"`
	Vehicle            *VehicleProfile `json:"vehicle,omitempty"`
	Plan               *PlanQuote      `json:"plan,omitempty"`
	Form               ContactDetails  `json:"formData"`
	QuoteID            string          `json:"quoteId,omitempty"`
	AutoDiscount       bool            `json:"autoDiscount"`
	AddAnotherWarranty bool            `json:"addAnotherWarranty,omitempty"`
	CheckoutRef        string          `json:"checkoutRef,omitempty"`
}

// HasVehicle reports whether a vehicle has been captured.
func (s WizardSession) HasVehicle() bool {
	return s.Vehicle != nil && !s.Vehicle.IsZero()
}

// HasPlan reports whether a priced plan has been selected.
func (s WizardSession) HasPlan() bool {
	return s.Plan != nil && !s.Plan.IsZero()
}

// LocalSessionRecord is the browser-persisted session payload.
type LocalSessionRecord struct {
	Step         Step            `json:"step"`
	VehicleData  *VehicleProfile `json:"vehicleData,omitempty"`
	SelectedPlan *PlanQuote      `json:"selectedPlan,omitempty"`
	FormData     ContactDetails  `json:"formData"`
	QuoteID      string          `json:"quoteId,omitempty"`
	AutoDiscount bool            `json:"autoDiscount,omitempty"`
}

// Record projects the session onto its persisted shape.
func (s WizardSession) Record() LocalSessionRecord {
	return LocalSessionRecord{
		Step:         s.Step,
		VehicleData:  s.Vehicle,
		SelectedPlan: s.Plan,
		FormData:     s.Form,
		QuoteID:      s.QuoteID,
		AutoDiscount: s.AutoDiscount,
	}
}

// Encode serialises the record for storage.
func (r LocalSessionRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// QuoteSnapshot is the server-held state behind an emailed resume link.
type QuoteSnapshot struct {
	ID        string
	Email     string
	Vehicle   VehicleProfile
	Plan      *PlanQuote
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the snapshot is no longer valid at now.
func (s QuoteSnapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
