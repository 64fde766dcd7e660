package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/platform/httpx"
	"github.com/warrantyfunnel/api/internal/services"
)

const (
	maxSessionRequestBody = 32 * 1024
	resumePath            = "/quote"
)

// QuoteSessionHandlers exposes wizard state resolution, transitions and resume snapshots.
type QuoteSessionHandlers struct {
	sessions services.QuoteSessionService
}

// NewQuoteSessionHandlers constructs wizard session handlers.
func NewQuoteSessionHandlers(sessions services.QuoteSessionService) *QuoteSessionHandlers {
	return &QuoteSessionHandlers{sessions: sessions}
}

// Routes registers the session resolution and transition endpoints.
func (h *QuoteSessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/quote-sessions:resolve", h.resolve)
	r.Post("/quote-sessions:transition", h.transition)
}

// SnapshotRoutes registers the resume snapshot endpoint.
func (h *QuoteSessionHandlers) SnapshotRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/quote-snapshots", h.createSnapshot)
}

// queryValue accepts JSON strings and numbers so step=2.5 may be sent either way.
type queryValue string

func (v *queryValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = queryValue(s)
		return nil
	}
	*v = queryValue(trimmed)
	return nil
}

type urlStatePayload struct {
	Step               queryValue `json:"step"`
	Quote              string     `json:"quote"`
	Email              string     `json:"email"`
	Restore            string     `json:"restore"`
	AddAnotherWarranty queryValue `json:"addAnotherWarranty"`
}

type resolveSessionRequest struct {
	// Query is the raw wizard query string; it takes precedence over URL when present.
	Query              string          `json:"query"`
	URL                urlStatePayload `json:"url"`
	Stored             json.RawMessage `json:"stored"`
	StoredAutoDiscount bool            `json:"storedAutoDiscount"`
}

func (req resolveSessionRequest) urlState() services.URLState {
	if query := strings.TrimPrefix(strings.TrimSpace(req.Query), "?"); query != "" {
		if values, err := url.ParseQuery(query); err == nil {
			return services.URLState{
				Step:               values.Get("step"),
				QuoteID:            values.Get("quote"),
				Email:              values.Get("email"),
				Restore:            values.Get("restore"),
				AddAnotherWarranty: isTruthy(values.Get("addAnotherWarranty")),
			}
		}
	}
	return services.URLState{
		Step:               string(req.URL.Step),
		QuoteID:            req.URL.Quote,
		Email:              req.URL.Email,
		Restore:            req.URL.Restore,
		AddAnotherWarranty: isTruthy(string(req.URL.AddAnotherWarranty)),
	}
}

type sessionStateResponse struct {
	Session       domain.WizardSession      `json:"session"`
	Record        domain.LocalSessionRecord `json:"record"`
	StorageKey    string                    `json:"storageKey"`
	RequestedStep domain.Step               `json:"requestedStep,omitempty"`
	Recovery      bool                      `json:"recovery"`
	DiscardStored bool                      `json:"discardStored"`
	Source        string                    `json:"source,omitempty"`
	Warnings      []string                  `json:"warnings,omitempty"`
	Restore       string                    `json:"restore,omitempty"`
	Abandonment   string                    `json:"abandonment,omitempty"`
}

type transitionRequest struct {
	Session     domain.WizardSession   `json:"session"`
	Event       string                 `json:"event"`
	Vehicle     *domain.VehicleProfile `json:"vehicle"`
	Contact     *domain.ContactDetails `json:"contact"`
	Plan        *domain.PlanQuote      `json:"plan"`
	Target      domain.Step            `json:"target"`
	CheckoutRef string                 `json:"checkoutRef"`
}

type createSnapshotRequest struct {
	Email   string                `json:"email"`
	Vehicle domain.VehicleProfile `json:"vehicle"`
	Plan    *domain.PlanQuote     `json:"plan"`
}

type snapshotResponse struct {
	QuoteID    string `json:"quoteId"`
	Email      string `json:"email"`
	CreatedAt  string `json:"createdAt"`
	ExpiresAt  string `json:"expiresAt"`
	ResumePath string `json:"resumePath"`
}

func (h *QuoteSessionHandlers) resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		writeServiceUnavailable(ctx, w, "session_unavailable", "session service unavailable")
		return
	}

	var req resolveSessionRequest
	if !decodeJSONBody(ctx, w, r, maxSessionRequestBody, &req) {
		return
	}

	cmd := services.ResolveSessionCommand{
		URL:                req.urlState(),
		StoredAutoDiscount: req.StoredAutoDiscount,
	}
	if stored := bytes.TrimSpace(req.Stored); len(stored) > 0 && !bytes.Equal(stored, []byte("null")) {
		cmd.StoredRecord = storedRecordBytes(stored)
	}

	state, err := h.sessions.Resolve(ctx, cmd)
	if err != nil {
		writeSessionError(ctx, w, err, nil)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionStateResponse{
		Session:       state.Session,
		Record:        state.Session.Record(),
		StorageKey:    domain.LocalSessionKey,
		RequestedStep: state.RequestedStep,
		Recovery:      state.Recovery,
		DiscardStored: state.DiscardStored,
		Source:        string(state.Source),
		Warnings:      state.Warnings,
	})
}

func (h *QuoteSessionHandlers) transition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		writeServiceUnavailable(ctx, w, "session_unavailable", "session service unavailable")
		return
	}

	var req transitionRequest
	if !decodeJSONBody(ctx, w, r, maxSessionRequestBody, &req) {
		return
	}
	event := services.SessionEvent(strings.ToLower(strings.TrimSpace(req.Event)))
	if event == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "event is required", http.StatusBadRequest))
		return
	}

	outcome, err := h.sessions.Transition(ctx, services.TransitionCommand{
		Session: req.Session,
		Input: services.TransitionInput{
			Event:       event,
			Vehicle:     req.Vehicle,
			Contact:     req.Contact,
			Plan:        req.Plan,
			Target:      req.Target,
			CheckoutRef: req.CheckoutRef,
		},
	})
	if err != nil {
		writeSessionError(ctx, w, err, map[string]any{"event": string(event)})
		return
	}

	resp := sessionStateResponse{
		Session:    outcome.Session,
		Record:     outcome.Record,
		StorageKey: domain.LocalSessionKey,
	}
	if restore, err := services.EncodeRestorePayload(outcome.Record); err == nil {
		resp.Restore = restore
	}
	if outcome.Signal != nil {
		resp.Abandonment = string(outcome.Signal.Trigger)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *QuoteSessionHandlers) createSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		writeServiceUnavailable(ctx, w, "session_unavailable", "session service unavailable")
		return
	}

	var req createSnapshotRequest
	if !decodeJSONBody(ctx, w, r, maxSessionRequestBody, &req) {
		return
	}

	snapshot, err := h.sessions.CreateSnapshot(ctx, services.CreateSnapshotCommand{
		Email:   req.Email,
		Vehicle: req.Vehicle,
		Plan:    req.Plan,
	})
	if err != nil {
		writeSessionError(ctx, w, err, nil)
		return
	}

	query := url.Values{}
	query.Set("quote", snapshot.ID)
	query.Set("email", snapshot.Email)
	writeJSONResponse(w, http.StatusCreated, snapshotResponse{
		QuoteID:    snapshot.ID,
		Email:      snapshot.Email,
		CreatedAt:  snapshot.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:  snapshot.ExpiresAt.UTC().Format(time.RFC3339),
		ResumePath: resumePath + "?" + query.Encode(),
	})
}

// storedRecordBytes accepts the record either as a JSON object or as the string browsers store it as.
func storedRecordBytes(raw json.RawMessage) []byte {
	if raw[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	return []byte(s)
}

func isTruthy(raw string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && value
}

func writeSessionError(ctx context.Context, w http.ResponseWriter, err error, details map[string]any) {
	switch {
	case errors.Is(err, services.ErrSessionTransitionInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("transition_not_allowed", "transition is not allowed from the current step", http.StatusConflict).WithDetails(details))
	case errors.Is(err, services.ErrSessionMissingData):
		httpx.WriteError(ctx, w, httpx.NewError("missing_prerequisite_data", "the step requires data that has not been captured", http.StatusUnprocessableEntity).WithDetails(details))
	case errors.Is(err, services.ErrSessionInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "a valid email and vehicle registration are required", http.StatusBadRequest))
	default:
		writeServiceUnavailable(ctx, w, "session_unavailable", "session could not be processed")
	}
}
