package services

import (
	"encoding/base64"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/warrantyfunnel/api/internal/domain"
)

var sessionTestNow = time.Date(2025, 5, 20, 10, 0, 0, 0, time.UTC)

func sampleVehicle() *domain.VehicleProfile {
	return &domain.VehicleProfile{Registration: "AB12CDE", Mileage: 42000, Category: domain.VehicleCategoryCar, Make: "Ford"}
}

func samplePlan() *domain.PlanQuote {
	return &domain.PlanQuote{
		PlanID:       "gold",
		PlanName:     "Gold",
		Period:       12,
		Excess:       100,
		MonthlyPrice: decimal.NewFromInt(34),
		TotalPrice:   decimal.NewFromInt(408),
	}
}

func fullRecord(step domain.Step) *domain.LocalSessionRecord {
	return &domain.LocalSessionRecord{
		Step:         step,
		VehicleData:  sampleVehicle(),
		SelectedPlan: samplePlan(),
		FormData:     domain.ContactDetails{FirstName: "Jane", Email: "jane@example.com"},
	}
}

func TestResolveInitialState_StepThreeWithoutDataRecovers(t *testing.T) {
	state := ResolveInitialState(InitialStateInputs{URL: URLState{Step: "3"}, Now: sessionTestNow})
	if !state.Recovery {
		t.Fatalf("expected recovery prompt, got %+v", state)
	}
	if state.RequestedStep != domain.StepCheckout {
		t.Fatalf("expected requested step 3, got %s", state.RequestedStep)
	}
	if state.Session.HasVehicle() || state.Session.HasPlan() {
		t.Fatalf("expected no fabricated data, got %+v", state.Session)
	}

	partial := &domain.LocalSessionRecord{Step: domain.StepCheckout, VehicleData: sampleVehicle()}
	state = ResolveInitialState(InitialStateInputs{URL: URLState{Step: "3"}, Stored: partial, Now: sessionTestNow})
	if !state.Recovery {
		t.Fatalf("expected recovery when plan is missing")
	}
}

func TestResolveInitialState_LegacyStepAlias(t *testing.T) {
	stored := fullRecord(domain.StepCheckout)
	legacy := ResolveInitialState(InitialStateInputs{URL: URLState{Step: "1.5"}, Stored: stored, StoredAutoDiscount: true, Now: sessionTestNow})
	landing := ResolveInitialState(InitialStateInputs{URL: URLState{Step: "1"}, Stored: stored, StoredAutoDiscount: true, Now: sessionTestNow})
	if !reflect.DeepEqual(legacy, landing) {
		t.Fatalf("expected step 1.5 to equal step 1:\n%+v\n%+v", legacy, landing)
	}
	if !landing.DiscardStored {
		t.Fatalf("expected step 1 to discard stored payload")
	}
	if !landing.Session.AutoDiscount {
		t.Fatalf("expected durable auto discount flag to survive the reset")
	}
	if landing.Session.Step != domain.StepLanding || landing.Session.HasVehicle() {
		t.Fatalf("expected empty landing session, got %+v", landing.Session)
	}
}

func TestResolveInitialState_RehydratesFromStorage(t *testing.T) {
	stored := fullRecord(domain.StepPricing)
	state := ResolveInitialState(InitialStateInputs{URL: URLState{Step: "2.5"}, Stored: stored, Now: sessionTestNow})
	if state.Recovery {
		t.Fatalf("unexpected recovery")
	}
	if state.Source != StateSourceStorage {
		t.Fatalf("expected storage source, got %s", state.Source)
	}
	if state.Session.Step != domain.StepPricing || state.Session.Phase != domain.PhasePricingReview {
		t.Fatalf("expected step 2.5 pricing review, got %s/%s", state.Session.Step, state.Session.Phase)
	}

	// URL decides the step even when storage recorded a later one.
	state = ResolveInitialState(InitialStateInputs{URL: URLState{Step: "2"}, Stored: fullRecord(domain.StepCheckout), Now: sessionTestNow})
	if state.Session.Step != domain.StepVehicle || state.Session.Phase != domain.PhaseQuoteDelivery {
		t.Fatalf("expected step 2 quote delivery, got %s/%s", state.Session.Step, state.Session.Phase)
	}
	if !state.Session.HasPlan() {
		t.Fatalf("expected stored plan to be kept as data")
	}
}

func TestResolveInitialState_SnapshotResume(t *testing.T) {
	snapshot := &domain.QuoteSnapshot{
		ID:        "01HZX",
		Email:     "jane@example.com",
		Vehicle:   *sampleVehicle(),
		ExpiresAt: sessionTestNow.Add(time.Hour),
	}
	state := ResolveInitialState(InitialStateInputs{
		URL:      URLState{QuoteID: "01HZX", Email: "Jane@Example.com"},
		Stored:   fullRecord(domain.StepCheckout),
		Snapshot: snapshot,
		Now:      sessionTestNow,
	})
	if state.Source != StateSourceSnapshot {
		t.Fatalf("expected snapshot source, got %s", state.Source)
	}
	if state.Session.Step != domain.StepVehicle || state.Session.QuoteID != "01HZX" {
		t.Fatalf("expected step 2 with quote id, got %+v", state.Session)
	}
	if state.Session.Vehicle == nil || state.Session.Vehicle.Registration != "AB12CDE" {
		t.Fatalf("expected restored vehicle, got %+v", state.Session.Vehicle)
	}
	if !state.DiscardStored {
		t.Fatalf("expected stored payload to be replaced")
	}
}

func TestResolveInitialState_SnapshotFallbacks(t *testing.T) {
	valid := domain.QuoteSnapshot{ID: "Q1", Email: "jane@example.com", Vehicle: *sampleVehicle(), ExpiresAt: sessionTestNow.Add(time.Hour)}
	expired := valid
	expired.ExpiresAt = sessionTestNow.Add(-time.Minute)

	cases := map[string]InitialStateInputs{
		"unknown":  {URL: URLState{QuoteID: "Q1", Email: "jane@example.com"}},
		"expired":  {URL: URLState{QuoteID: "Q1", Email: "jane@example.com"}, Snapshot: &expired},
		"mismatch": {URL: URLState{QuoteID: "Q1", Email: "john@example.com"}, Snapshot: &valid},
		"wrong id": {URL: URLState{QuoteID: "Q2", Email: "jane@example.com"}, Snapshot: &valid},
		"no email": {URL: URLState{QuoteID: "Q1"}, Snapshot: &valid},
	}
	for name, in := range cases {
		in.Now = sessionTestNow
		state := ResolveInitialState(in)
		if state.Session.Step != domain.StepLanding || state.Recovery {
			t.Fatalf("%s: expected silent fallback to step 1, got %+v", name, state)
		}
		if len(state.Warnings) == 0 {
			t.Fatalf("%s: expected warning", name)
		}
	}
}

func TestResolveInitialState_RestorePayload(t *testing.T) {
	record := fullRecord(domain.StepCheckout)
	encoded, err := EncodeRestorePayload(*record)
	if err != nil {
		t.Fatalf("EncodeRestorePayload: %v", err)
	}
	state := ResolveInitialState(InitialStateInputs{URL: URLState{Restore: encoded}, Now: sessionTestNow})
	if state.Source != StateSourceRestore || state.Session.Step != domain.StepCheckout {
		t.Fatalf("expected restored step 3, got %+v", state)
	}

	raw, _ := record.Encode()
	std := base64.StdEncoding.EncodeToString(raw)
	state = ResolveInitialState(InitialStateInputs{URL: URLState{Step: "2.5", Restore: std}, Now: sessionTestNow})
	if state.Session.Step != domain.StepPricing {
		t.Fatalf("expected URL step 2.5 with std alphabet payload, got %s", state.Session.Step)
	}

	state = ResolveInitialState(InitialStateInputs{URL: URLState{Step: "3", Restore: "%%%not-base64"}, Now: sessionTestNow})
	if state.Session.Step != domain.StepLanding || state.Recovery {
		t.Fatalf("expected malformed payload to fall back to step 1, got %+v", state)
	}

	notJSON := base64.RawURLEncoding.EncodeToString([]byte("{broken"))
	state = ResolveInitialState(InitialStateInputs{URL: URLState{Restore: notJSON}, Now: sessionTestNow})
	if state.Session.Step != domain.StepLanding {
		t.Fatalf("expected malformed JSON to fall back to step 1")
	}
}

func TestResolveInitialState_VerifiedFlagOverridesClientCopies(t *testing.T) {
	record := fullRecord(domain.StepCheckout)
	record.AutoDiscount = true
	encoded, err := EncodeRestorePayload(*record)
	if err != nil {
		t.Fatalf("EncodeRestorePayload: %v", err)
	}

	restored := ResolveInitialState(InitialStateInputs{URL: URLState{Restore: encoded}, AutoDiscountVerified: true, Now: sessionTestNow})
	if restored.Session.AutoDiscount {
		t.Fatalf("restore payload flag must be ignored once verified")
	}
	stored := ResolveInitialState(InitialStateInputs{URL: URLState{Step: "3"}, Stored: record, AutoDiscountVerified: true, Now: sessionTestNow})
	if stored.Session.AutoDiscount {
		t.Fatalf("stored record flag must be ignored once verified")
	}
	granted := ResolveInitialState(InitialStateInputs{URL: URLState{Step: "3"}, Stored: record, StoredAutoDiscount: true, AutoDiscountVerified: true, Now: sessionTestNow})
	if !granted.Session.AutoDiscount {
		t.Fatalf("verified flag should enable the automatic discount")
	}
	unverified := ResolveInitialState(InitialStateInputs{URL: URLState{Restore: encoded}, Now: sessionTestNow})
	if !unverified.Session.AutoDiscount {
		t.Fatalf("without a flag store the record flag still applies")
	}
}

func TestDecodeLocalRecord_LegacyStepValue(t *testing.T) {
	record, err := DecodeLocalRecord([]byte(`{"step":1.5,"formData":{}}`))
	if err != nil {
		t.Fatalf("DecodeLocalRecord: %v", err)
	}
	if record.Step != domain.StepLanding {
		t.Fatalf("expected legacy 1.5 to decode as step 1, got %s", record.Step)
	}
	record, err = DecodeLocalRecord([]byte(`{"step":"2.5","formData":{}}`))
	if err != nil || record.Step != domain.StepPricing {
		t.Fatalf("expected string step 2.5, got %s (%v)", record.Step, err)
	}
	if _, err := DecodeLocalRecord([]byte(`{"step":4}`)); !errors.Is(err, ErrSessionRecordMalformed) {
		t.Fatalf("expected malformed error for unknown step, got %v", err)
	}
}

func TestApplyTransition_HappyPath(t *testing.T) {
	session := freshSession(true, false)

	out, err := ApplyTransition(session, TransitionInput{Event: EventCaptureVehicle, Vehicle: sampleVehicle()}, sessionTestNow)
	if err != nil {
		t.Fatalf("capture vehicle: %v", err)
	}
	if out.Session.Step != domain.StepVehicle || out.Signal != nil {
		t.Fatalf("unexpected capture outcome %+v", out)
	}
	if !out.Record.AutoDiscount {
		t.Fatalf("expected record to carry auto discount flag")
	}

	out, err = ApplyTransition(out.Session, TransitionInput{Event: EventSubmitContact, Contact: &domain.ContactDetails{Email: "jane@example.com"}}, sessionTestNow)
	if err != nil {
		t.Fatalf("submit contact: %v", err)
	}
	if out.Signal == nil || out.Signal.Trigger != AbandonmentContactGate {
		t.Fatalf("expected contact gate signal, got %+v", out.Signal)
	}
	if out.Session.Phase != domain.PhaseQuoteDelivery {
		t.Fatalf("expected quote delivery, got %s", out.Session.Phase)
	}

	out, err = ApplyTransition(out.Session, TransitionInput{Event: EventSelectPlan, Plan: samplePlan()}, sessionTestNow)
	if err != nil {
		t.Fatalf("select plan: %v", err)
	}
	if out.Session.Step != domain.StepPricing {
		t.Fatalf("expected step 2.5, got %s", out.Session.Step)
	}

	out, err = ApplyTransition(out.Session, TransitionInput{Event: EventConfirmPlan}, sessionTestNow)
	if err != nil {
		t.Fatalf("confirm plan: %v", err)
	}
	if out.Signal == nil || out.Signal.Trigger != AbandonmentPlanSelected || out.Signal.Plan == nil {
		t.Fatalf("expected plan selected signal with plan, got %+v", out.Signal)
	}
	if out.Session.Step != domain.StepCheckout {
		t.Fatalf("expected step 3, got %s", out.Session.Step)
	}

	out, err = ApplyTransition(out.Session, TransitionInput{Event: EventDispatch, CheckoutRef: "cs_123", Contact: &domain.ContactDetails{Postcode: "SW1A 1AA"}}, sessionTestNow)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Session.Phase != domain.PhaseDispatched || out.Session.Form.Email != "jane@example.com" || out.Session.Form.Postcode != "SW1A 1AA" {
		t.Fatalf("unexpected dispatched session %+v", out.Session)
	}
}

func TestApplyTransition_ForwardRequiresData(t *testing.T) {
	if _, err := ApplyTransition(freshSession(false, false), TransitionInput{Event: EventCaptureVehicle}, sessionTestNow); !errors.Is(err, ErrSessionMissingData) {
		t.Fatalf("expected missing data, got %v", err)
	}

	captured := domain.WizardSession{Phase: domain.PhaseVehicleCaptured, Step: domain.StepVehicle, Vehicle: sampleVehicle()}
	if _, err := ApplyTransition(captured, TransitionInput{Event: EventSubmitContact, Contact: &domain.ContactDetails{FirstName: "Jane"}}, sessionTestNow); !errors.Is(err, ErrSessionMissingData) {
		t.Fatalf("expected contact email to be required, got %v", err)
	}
	if _, err := ApplyTransition(captured, TransitionInput{Event: EventConfirmPlan}, sessionTestNow); !errors.Is(err, ErrSessionTransitionInvalid) {
		t.Fatalf("expected skipping ahead to be rejected, got %v", err)
	}

	review := domain.WizardSession{Phase: domain.PhasePricingReview, Step: domain.StepPricing, Vehicle: sampleVehicle(), Form: domain.ContactDetails{Email: "a@b.c"}}
	if _, err := ApplyTransition(review, TransitionInput{Event: EventConfirmPlan}, sessionTestNow); !errors.Is(err, ErrSessionMissingData) {
		t.Fatalf("expected plan to be required to leave 2.5, got %v", err)
	}

	details := domain.WizardSession{Phase: domain.PhaseCheckoutDetails, Step: domain.StepCheckout, Vehicle: sampleVehicle(), Plan: samplePlan()}
	if _, err := ApplyTransition(details, TransitionInput{Event: EventDispatch}, sessionTestNow); !errors.Is(err, ErrSessionMissingData) {
		t.Fatalf("expected checkout reference to be required, got %v", err)
	}
}

func TestApplyTransition_BackMoves(t *testing.T) {
	details := domain.WizardSession{
		Phase:        domain.PhaseCheckoutDetails,
		Step:         domain.StepCheckout,
		Vehicle:      sampleVehicle(),
		Plan:         samplePlan(),
		Form:         domain.ContactDetails{Email: "jane@example.com"},
		AutoDiscount: true,
	}

	out, err := ApplyTransition(details, TransitionInput{Event: EventBack, Target: domain.StepPricing}, sessionTestNow)
	if err != nil {
		t.Fatalf("back to 2.5: %v", err)
	}
	if out.Session.Step != domain.StepPricing || !out.Session.HasPlan() {
		t.Fatalf("expected step 2.5 with plan kept, got %+v", out.Session)
	}

	out, err = ApplyTransition(details, TransitionInput{Event: EventBack, Target: domain.StepLanding}, sessionTestNow)
	if err != nil {
		t.Fatalf("back to 1: %v", err)
	}
	if out.Session.HasVehicle() || out.Session.HasPlan() || out.Session.Form.HasContact() {
		t.Fatalf("expected reset payload, got %+v", out.Session)
	}
	if !out.Session.AutoDiscount {
		t.Fatalf("expected auto discount flag to survive reset")
	}

	if _, err := ApplyTransition(details, TransitionInput{Event: EventBack, Target: domain.StepCheckout}, sessionTestNow); !errors.Is(err, ErrSessionTransitionInvalid) {
		t.Fatalf("expected forward back move to be rejected, got %v", err)
	}
}
