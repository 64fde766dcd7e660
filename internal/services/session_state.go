package services

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	domain "github.com/warrantyfunnel/api/internal/domain"
)

var (
	// ErrSessionTransitionInvalid indicates the event is not allowed from the current phase.
	ErrSessionTransitionInvalid = errors.New("session: transition not allowed")
	// ErrSessionMissingData indicates the data a forward transition requires is absent.
	ErrSessionMissingData = errors.New("session: missing prerequisite data")
	// ErrSessionRecordMalformed indicates a stored or restore payload could not be decoded.
	ErrSessionRecordMalformed = errors.New("session: malformed record")
)

// StateSource names which store supplied the session payload.
type StateSource string

const (
	StateSourceFresh    StateSource = "fresh"
	StateSourceStorage  StateSource = "storage"
	StateSourceSnapshot StateSource = "snapshot"
	StateSourceRestore  StateSource = "restore"
)

// URLState is the wizard's query string.
type URLState struct {
	Step               string
	QuoteID            string
	Email              string
	Restore            string
	AddAnotherWarranty bool
}

// InitialStateInputs gathers every source consulted at load time.
type InitialStateInputs struct {
	URL URLState
	// Stored is the decoded local record; nil when absent or unreadable.
	Stored             *domain.LocalSessionRecord
	StoredAutoDiscount bool
	// AutoDiscountVerified makes StoredAutoDiscount the only source of the flag; copies carried
	// in the stored record or a restore payload are ignored.
	AutoDiscountVerified bool
	// Snapshot is the server snapshot fetched for URL.QuoteID; nil when none was found.
	Snapshot *domain.QuoteSnapshot
	Now      time.Time
}

// InitialState is the resolved session plus what the caller must do with local storage.
type InitialState struct {
	Session       domain.WizardSession
	RequestedStep domain.Step
	// Recovery means the requested step lacks its prerequisite data; only "start over" is offered.
	Recovery      bool
	DiscardStored bool
	Source        StateSource
	Warnings      []string
}

// ResolveInitialState decides the session at load time. The URL decides the step, storage,
// snapshot or restore payload decide the data, and step 1 always resets.
func ResolveInitialState(in InitialStateInputs) InitialState {
	state := InitialState{Source: StateSourceFresh}
	autoDiscount := in.StoredAutoDiscount
	if !in.AutoDiscountVerified && in.Stored != nil && in.Stored.AutoDiscount {
		autoDiscount = true
	}

	step := domain.Step("")
	if strings.TrimSpace(in.URL.Step) != "" {
		parsed, err := domain.ParseStep(in.URL.Step)
		if err != nil {
			state.Warnings = append(state.Warnings, "unrecognised step "+strings.TrimSpace(in.URL.Step)+"; starting over")
			parsed = domain.StepLanding
		}
		step = parsed
	}

	landing := func() InitialState {
		state.Session = freshSession(autoDiscount, in.URL.AddAnotherWarranty)
		state.RequestedStep = domain.StepLanding
		state.DiscardStored = in.Stored != nil || state.DiscardStored
		return state
	}

	if strings.TrimSpace(in.URL.QuoteID) != "" || strings.TrimSpace(in.URL.Email) != "" {
		// A resume link always replaces whatever this device stored.
		state.DiscardStored = true
		snapshot, ok := usableSnapshot(in.Snapshot, in.URL, in.Now)
		if !ok {
			state.Warnings = append(state.Warnings, "resume link could not be used; starting over")
			return landing()
		}
		vehicle := snapshot.Vehicle
		state.Session = domain.WizardSession{
			Phase:              domain.PhaseVehicleCaptured,
			Step:               domain.StepVehicle,
			Vehicle:            &vehicle,
			Form:               domain.ContactDetails{Email: strings.TrimSpace(in.URL.Email)},
			QuoteID:            snapshot.ID,
			AutoDiscount:       autoDiscount,
			AddAnotherWarranty: in.URL.AddAnotherWarranty,
		}
		state.Session.Phase = phaseForStep(domain.StepVehicle, state.Session)
		state.RequestedStep = domain.StepVehicle
		state.Source = StateSourceSnapshot
		return state
	}

	if strings.TrimSpace(in.URL.Restore) != "" {
		record, err := DecodeRestorePayload(in.URL.Restore)
		if err != nil {
			state.Warnings = append(state.Warnings, "restore payload could not be decoded; starting over")
			state.DiscardStored = true
			return landing()
		}
		if step == "" {
			step = record.Step
		}
		if !step.Valid() || step == domain.StepLanding {
			state.DiscardStored = true
			return landing()
		}
		state.Source = StateSourceRestore
		state.DiscardStored = true
		return rehydrate(state, step, record, autoDiscount || (record.AutoDiscount && !in.AutoDiscountVerified), in.URL.AddAnotherWarranty)
	}

	if step == "" || step == domain.StepLanding {
		return landing()
	}

	if in.Stored == nil {
		state.Session = freshSession(autoDiscount, in.URL.AddAnotherWarranty)
		state.RequestedStep = step
		state.Recovery = true
		return state
	}
	state.Source = StateSourceStorage
	return rehydrate(state, step, *in.Stored, autoDiscount, in.URL.AddAnotherWarranty)
}

func rehydrate(state InitialState, step domain.Step, record domain.LocalSessionRecord, autoDiscount, addAnother bool) InitialState {
	session := domain.WizardSession{
		Step:               step,
		Vehicle:            record.VehicleData,
		Plan:               record.SelectedPlan,
		Form:               record.FormData,
		QuoteID:            record.QuoteID,
		AutoDiscount:       autoDiscount,
		AddAnotherWarranty: addAnother,
	}
	state.RequestedStep = step
	if !prerequisitesMet(step, session) {
		state.Session = freshSession(autoDiscount, addAnother)
		state.Recovery = true
		return state
	}
	session.Phase = phaseForStep(step, session)
	state.Session = session
	return state
}

func prerequisitesMet(step domain.Step, session domain.WizardSession) bool {
	switch step {
	case domain.StepVehicle:
		return session.HasVehicle()
	case domain.StepPricing:
		return session.HasVehicle() && session.Form.HasContact()
	case domain.StepCheckout:
		return session.HasVehicle() && session.HasPlan()
	default:
		return true
	}
}

func phaseForStep(step domain.Step, session domain.WizardSession) domain.SessionPhase {
	switch step {
	case domain.StepVehicle:
		if session.Form.HasContact() {
			return domain.PhaseQuoteDelivery
		}
		return domain.PhaseVehicleCaptured
	case domain.StepPricing:
		return domain.PhasePricingReview
	case domain.StepCheckout:
		return domain.PhaseCheckoutDetails
	default:
		return domain.PhaseLanding
	}
}

func freshSession(autoDiscount, addAnother bool) domain.WizardSession {
	return domain.WizardSession{
		Phase:              domain.PhaseLanding,
		Step:               domain.StepLanding,
		AutoDiscount:       autoDiscount,
		AddAnotherWarranty: addAnother,
	}
}

func usableSnapshot(snapshot *domain.QuoteSnapshot, url URLState, now time.Time) (domain.QuoteSnapshot, bool) {
	if snapshot == nil {
		return domain.QuoteSnapshot{}, false
	}
	id := strings.TrimSpace(url.QuoteID)
	email := strings.TrimSpace(url.Email)
	if id == "" || email == "" || snapshot.ID != id {
		return domain.QuoteSnapshot{}, false
	}
	if !strings.EqualFold(strings.TrimSpace(snapshot.Email), email) {
		return domain.QuoteSnapshot{}, false
	}
	if snapshot.Expired(now) || snapshot.Vehicle.IsZero() {
		return domain.QuoteSnapshot{}, false
	}
	return *snapshot, true
}

// DecodeLocalRecord parses the browser-stored session record.
func DecodeLocalRecord(raw []byte) (domain.LocalSessionRecord, error) {
	var record domain.LocalSessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.LocalSessionRecord{}, errors.Join(ErrSessionRecordMalformed, err)
	}
	return record, nil
}

// DecodeRestorePayload parses a base64 JSON record in either the standard or URL alphabet.
func DecodeRestorePayload(raw string) (domain.LocalSessionRecord, error) {
	trimmed := strings.TrimSpace(raw)
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	for _, encoding := range encodings {
		decoded, err := encoding.DecodeString(trimmed)
		if err != nil {
			continue
		}
		return DecodeLocalRecord(decoded)
	}
	return domain.LocalSessionRecord{}, ErrSessionRecordMalformed
}

// EncodeRestorePayload produces the URL-safe restore parameter for a record.
func EncodeRestorePayload(record domain.LocalSessionRecord) (string, error) {
	data, err := record.Encode()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// SessionEvent is a wizard action.
type SessionEvent string

const (
	EventCaptureVehicle SessionEvent = "capture_vehicle"
	EventSubmitContact  SessionEvent = "submit_contact"
	EventSelectPlan     SessionEvent = "select_plan"
	EventConfirmPlan    SessionEvent = "confirm_plan"
	EventDispatch       SessionEvent = "dispatch"
	EventBack           SessionEvent = "back"
	EventStartOver      SessionEvent = "start_over"
)

// TransitionInput carries the event and the data it produces.
type TransitionInput struct {
	Event       SessionEvent
	Vehicle     *domain.VehicleProfile
	Contact     *domain.ContactDetails
	Plan        *domain.PlanQuote
	Target      domain.Step
	CheckoutRef string
}

// AbandonmentTrigger names the wizard point an abandoned-cart signal was raised at.
type AbandonmentTrigger string

const (
	AbandonmentContactGate  AbandonmentTrigger = "contact_gate"
	AbandonmentPlanSelected AbandonmentTrigger = "plan_selected"
)

// AbandonedCartSignal carries whatever is known about the customer at the trigger point.
type AbandonedCartSignal struct {
	Trigger    AbandonmentTrigger
	Contact    domain.ContactDetails
	Vehicle    *domain.VehicleProfile
	Plan       *domain.PlanQuote
	QuoteID    string
	OccurredAt time.Time
}

// TransitionOutcome is the new session, its persisted record and any signal to emit.
type TransitionOutcome struct {
	Session domain.WizardSession
	Record  domain.LocalSessionRecord
	Signal  *AbandonedCartSignal
}

// ApplyTransition moves the session through the state machine. Forward events require
// their data and never fabricate it; backward moves are always allowed.
func ApplyTransition(session domain.WizardSession, input TransitionInput, now time.Time) (TransitionOutcome, error) {
	if session.Phase == "" {
		session.Phase = phaseForStep(session.Step, session)
	}
	next := session
	var signal *AbandonedCartSignal

	switch input.Event {
	case EventCaptureVehicle:
		if session.Phase != domain.PhaseLanding {
			return TransitionOutcome{}, ErrSessionTransitionInvalid
		}
		if input.Vehicle == nil || input.Vehicle.IsZero() {
			return TransitionOutcome{}, ErrSessionMissingData
		}
		vehicle := *input.Vehicle
		next = freshSession(session.AutoDiscount, session.AddAnotherWarranty)
		next.Vehicle = &vehicle
		next.Phase = domain.PhaseVehicleCaptured

	case EventSubmitContact:
		if session.Phase != domain.PhaseVehicleCaptured && session.Phase != domain.PhaseQuoteDelivery {
			return TransitionOutcome{}, ErrSessionTransitionInvalid
		}
		if !session.HasVehicle() || input.Contact == nil || !input.Contact.HasContact() {
			return TransitionOutcome{}, ErrSessionMissingData
		}
		next.Form = mergeContact(session.Form, *input.Contact)
		next.Phase = domain.PhaseQuoteDelivery
		signal = abandonmentSignal(AbandonmentContactGate, next, now)

	case EventSelectPlan:
		if session.Phase != domain.PhaseQuoteDelivery && session.Phase != domain.PhasePricingReview {
			return TransitionOutcome{}, ErrSessionTransitionInvalid
		}
		if !session.HasVehicle() || !session.Form.HasContact() || input.Plan == nil || input.Plan.IsZero() {
			return TransitionOutcome{}, ErrSessionMissingData
		}
		plan := *input.Plan
		next.Plan = &plan
		next.Phase = domain.PhasePricingReview

	case EventConfirmPlan:
		if session.Phase != domain.PhasePricingReview {
			return TransitionOutcome{}, ErrSessionTransitionInvalid
		}
		if !session.HasVehicle() || !session.HasPlan() {
			return TransitionOutcome{}, ErrSessionMissingData
		}
		next.Phase = domain.PhaseCheckoutDetails
		signal = abandonmentSignal(AbandonmentPlanSelected, next, now)

	case EventDispatch:
		if session.Phase != domain.PhaseCheckoutDetails {
			return TransitionOutcome{}, ErrSessionTransitionInvalid
		}
		if !session.HasVehicle() || !session.HasPlan() || strings.TrimSpace(input.CheckoutRef) == "" {
			return TransitionOutcome{}, ErrSessionMissingData
		}
		if input.Contact != nil {
			next.Form = mergeContact(session.Form, *input.Contact)
		}
		next.CheckoutRef = strings.TrimSpace(input.CheckoutRef)
		next.Phase = domain.PhaseDispatched

	case EventStartOver:
		next = freshSession(session.AutoDiscount, session.AddAnotherWarranty)

	case EventBack:
		target := input.Target
		if !target.Valid() || target.Rank() >= session.Phase.Step().Rank() {
			return TransitionOutcome{}, ErrSessionTransitionInvalid
		}
		if target == domain.StepLanding {
			next = freshSession(session.AutoDiscount, session.AddAnotherWarranty)
			break
		}
		next.CheckoutRef = ""
		next.Phase = phaseForStep(target, next)

	default:
		return TransitionOutcome{}, ErrSessionTransitionInvalid
	}

	next.Step = next.Phase.Step()
	return TransitionOutcome{Session: next, Record: next.Record(), Signal: signal}, nil
}

func mergeContact(current, update domain.ContactDetails) domain.ContactDetails {
	pick := func(updated, existing string) string {
		if trimmed := strings.TrimSpace(updated); trimmed != "" {
			return trimmed
		}
		return existing
	}
	return domain.ContactDetails{
		FirstName:    pick(update.FirstName, current.FirstName),
		LastName:     pick(update.LastName, current.LastName),
		Email:        pick(update.Email, current.Email),
		Phone:        pick(update.Phone, current.Phone),
		AddressLine1: pick(update.AddressLine1, current.AddressLine1),
		AddressLine2: pick(update.AddressLine2, current.AddressLine2),
		Town:         pick(update.Town, current.Town),
		Postcode:     pick(update.Postcode, current.Postcode),
	}
}

func abandonmentSignal(trigger AbandonmentTrigger, session domain.WizardSession, now time.Time) *AbandonedCartSignal {
	return &AbandonedCartSignal{
		Trigger:    trigger,
		Contact:    session.Form,
		Vehicle:    session.Vehicle,
		Plan:       session.Plan,
		QuoteID:    session.QuoteID,
		OccurredAt: now,
	}
}
