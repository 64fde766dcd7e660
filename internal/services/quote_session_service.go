package services

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/platform/textutil"
	"github.com/warrantyfunnel/api/internal/repositories"
)

const defaultQuoteSnapshotTTL = 7 * 24 * time.Hour

var (
	// ErrSessionInvalidInput indicates a snapshot or transition request is malformed.
	ErrSessionInvalidInput = errors.New("session: invalid input")
	// ErrSessionUnavailable indicates snapshot storage is not reachable.
	ErrSessionUnavailable = errors.New("session: unavailable")
)

// QuoteSessionServiceDeps wires the quote session service.
type QuoteSessionServiceDeps struct {
	Snapshots repositories.QuoteSnapshotRepository
	// Flags is optional; when set the durable auto-discount flag is read for known emails.
	Flags repositories.AutoDiscountFlagRepository
	// Publisher is optional; abandoned-cart signals are dropped without it.
	Publisher   AbandonedCartPublisher
	SnapshotTTL time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type quoteSessionService struct {
	snapshots   repositories.QuoteSnapshotRepository
	flags       repositories.AutoDiscountFlagRepository
	publisher   AbandonedCartPublisher
	snapshotTTL time.Duration
	now         func() time.Time
	newID       func() string
	logger      func(ctx context.Context, event string, fields map[string]any)
}

var _ QuoteSessionService = (*quoteSessionService)(nil)

// NewQuoteSessionService constructs the QuoteSessionService.
func NewQuoteSessionService(deps QuoteSessionServiceDeps) (QuoteSessionService, error) {
	if deps.Snapshots == nil {
		return nil, errors.New("quote session service: snapshot repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.SnapshotTTL
	if ttl <= 0 {
		ttl = defaultQuoteSnapshotTTL
	}
	return &quoteSessionService{
		snapshots:   deps.Snapshots,
		flags:       deps.Flags,
		publisher:   deps.Publisher,
		snapshotTTL: ttl,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Resolve gathers the snapshot and durable flag for the request then runs ResolveInitialState.
// Lookup failures never surface; they resolve to step 1 like any unusable source.
func (s *quoteSessionService) Resolve(ctx context.Context, cmd ResolveSessionCommand) (InitialState, error) {
	in := InitialStateInputs{
		URL:                cmd.URL,
		StoredAutoDiscount: cmd.StoredAutoDiscount,
		Now:                s.now(),
	}

	var storedWarning string
	if len(cmd.StoredRecord) > 0 {
		record, err := DecodeLocalRecord(cmd.StoredRecord)
		if err != nil {
			storedWarning = "stored session could not be decoded"
			s.logger(ctx, "session.stored_record_invalid", map[string]any{"error": err.Error()})
		} else {
			in.Stored = &record
		}
	}

	quoteID := strings.TrimSpace(cmd.URL.QuoteID)
	if quoteID != "" && strings.TrimSpace(cmd.URL.Email) != "" {
		snapshot, err := s.snapshots.Get(ctx, quoteID)
		switch {
		case err == nil:
			in.Snapshot = &snapshot
		case isRepoNotFound(err):
		default:
			s.logger(ctx, "session.snapshot_lookup_failed", map[string]any{
				"quoteID": quoteID,
				"error":   err.Error(),
			})
		}
	}

	if s.flags != nil {
		// With a flag store configured the client's copies of the flag are hints only.
		in.StoredAutoDiscount = s.durableFlag(ctx, resolveEmail(cmd.URL, in.Snapshot, in.Stored))
		in.AutoDiscountVerified = true
	}

	state := ResolveInitialState(in)
	if storedWarning != "" {
		state.Warnings = append(state.Warnings, storedWarning)
		state.DiscardStored = true
	}
	if state.Recovery || len(state.Warnings) > 0 {
		s.logger(ctx, "session.resolved_with_fallback", map[string]any{
			"requestedStep": string(state.RequestedStep),
			"recovery":      state.Recovery,
			"warnings":      state.Warnings,
		})
	}
	return state, nil
}

// Transition applies the event and emits any abandoned-cart signal on a best-effort basis.
func (s *quoteSessionService) Transition(ctx context.Context, cmd TransitionCommand) (TransitionOutcome, error) {
	input := cmd.Input
	if input.Vehicle != nil {
		vehicle := sanitizeVehicle(*input.Vehicle)
		input.Vehicle = &vehicle
	}
	if input.Contact != nil {
		contact := sanitizeContact(*input.Contact)
		input.Contact = &contact
	}

	outcome, err := ApplyTransition(cmd.Session, input, s.now())
	if err != nil {
		return TransitionOutcome{}, err
	}
	if outcome.Signal != nil {
		s.publishAbandonment(ctx, *outcome.Signal)
	}
	return outcome, nil
}

// CreateSnapshot stores a resume snapshot for an emailed link.
func (s *quoteSessionService) CreateSnapshot(ctx context.Context, cmd CreateSnapshotCommand) (QuoteSnapshot, error) {
	email := textutil.NormalizeEmail(cmd.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return QuoteSnapshot{}, ErrSessionInvalidInput
	}
	vehicle := sanitizeVehicle(cmd.Vehicle)
	if vehicle.IsZero() {
		return QuoteSnapshot{}, ErrSessionInvalidInput
	}

	now := s.now()
	snapshot := domain.QuoteSnapshot{
		ID:        s.newID(),
		Email:     email,
		Vehicle:   vehicle,
		CreatedAt: now,
		ExpiresAt: now.Add(s.snapshotTTL),
	}
	if cmd.Plan != nil && !cmd.Plan.IsZero() {
		plan := *cmd.Plan
		snapshot.Plan = &plan
	}

	saved, err := s.snapshots.Create(ctx, snapshot)
	if err != nil {
		s.logger(ctx, "session.snapshot_create_failed", map[string]any{
			"quoteID": snapshot.ID,
			"error":   err.Error(),
		})
		return QuoteSnapshot{}, errors.Join(ErrSessionUnavailable, err)
	}
	return saved, nil
}

func (s *quoteSessionService) durableFlag(ctx context.Context, email string) bool {
	if s.flags == nil || email == "" {
		return false
	}
	flag, err := s.flags.Get(ctx, email)
	if err != nil {
		if !isRepoNotFound(err) {
			s.logger(ctx, "session.auto_discount_lookup_failed", map[string]any{"error": err.Error()})
		}
		return false
	}
	return flag.Active
}

func (s *quoteSessionService) publishAbandonment(ctx context.Context, signal AbandonedCartSignal) {
	if s.publisher == nil {
		return
	}
	messageID, err := s.publisher.PublishAbandonedCart(ctx, signal)
	if err != nil {
		s.logger(ctx, "session.abandoned_cart_failed", map[string]any{
			"trigger": string(signal.Trigger),
			"error":   err.Error(),
		})
		return
	}
	s.logger(ctx, "session.abandoned_cart_published", map[string]any{
		"trigger":   string(signal.Trigger),
		"messageID": messageID,
	})
}

// resolveEmail picks the customer whose durable flag applies. A URL email counts only when a
// stored snapshot was issued to it.
func resolveEmail(url URLState, snapshot *domain.QuoteSnapshot, stored *domain.LocalSessionRecord) string {
	if snapshot != nil {
		if email := textutil.NormalizeEmail(url.Email); email != "" && email == textutil.NormalizeEmail(snapshot.Email) {
			return email
		}
	}
	if stored != nil {
		return textutil.NormalizeEmail(stored.FormData.Email)
	}
	return ""
}

func sanitizeVehicle(v domain.VehicleProfile) domain.VehicleProfile {
	v.Registration = textutil.NormalizeRegistration(v.Registration)
	v.Make = textutil.SanitizeText(v.Make)
	v.Model = textutil.SanitizeText(v.Model)
	v.FuelType = textutil.SanitizeText(v.FuelType)
	v.Transmission = textutil.SanitizeText(v.Transmission)
	if !v.Category.Valid() {
		v.Category, _ = domain.ParseVehicleCategory(v.FuelType)
	}
	if v.Mileage < 0 {
		v.Mileage = 0
	}
	return v
}

func sanitizeContact(c domain.ContactDetails) domain.ContactDetails {
	return domain.ContactDetails{
		FirstName:    textutil.SanitizeText(c.FirstName),
		LastName:     textutil.SanitizeText(c.LastName),
		Email:        textutil.NormalizeEmail(c.Email),
		Phone:        textutil.SanitizeText(c.Phone),
		AddressLine1: textutil.SanitizeText(c.AddressLine1),
		AddressLine2: textutil.SanitizeText(c.AddressLine2),
		Town:         textutil.SanitizeText(c.Town),
		Postcode:     strings.ToUpper(textutil.SanitizeText(c.Postcode)),
	}
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
