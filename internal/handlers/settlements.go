package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warrantyfunnel/api/internal/platform/httpx"
	"github.com/warrantyfunnel/api/internal/services"
)

const maxSettlementRequestBody = 8 * 1024

// SettlementHandlers exposes the provider return reconciliation endpoint.
type SettlementHandlers struct {
	settlements services.SettlementService
}

// NewSettlementHandlers constructs settlement handlers.
func NewSettlementHandlers(settlements services.SettlementService) *SettlementHandlers {
	return &SettlementHandlers{settlements: settlements}
}

// Routes registers settlement endpoints under the provided router.
func (h *SettlementHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/settlements:reconcile", h.reconcile)
}

func (h *SettlementHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlements == nil {
		writeServiceUnavailable(ctx, w, "settlement_unavailable", "settlement service unavailable")
		return
	}

	params, err := settlementParams(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	outcome, err := h.settlements.Reconcile(ctx, params)
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, outcome)
}

// settlementParams merges the return URL query with an optional JSON object body; body values win.
func settlementParams(r *http.Request) (services.SettlementParams, error) {
	params := services.SettlementParams{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	body, err := readLimitedBody(r, maxSettlementRequestBody)
	switch {
	case errors.Is(err, errEmptyBody):
		return params, nil
	case err != nil:
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}
	for key, value := range payload {
		switch v := value.(type) {
		case nil:
		case string:
			params[key] = v
		case bool, float64:
			params[key] = fmt.Sprint(v)
		}
	}
	return params, nil
}

func writeSettlementError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrSettlementInvalidParams):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_settlement", "callback parameters do not identify a payment", http.StatusBadRequest))
	case errors.Is(err, services.ErrSettlementNotPaid):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_confirmed", "payment has not been confirmed yet", http.StatusConflict).AsRetryable())
	case errors.Is(err, services.ErrSettlementInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("settlement_in_progress", "settlement is already being processed", http.StatusConflict).AsRetryable())
	case errors.Is(err, services.ErrSettlementIssuanceFailed):
		writeServiceUnavailable(ctx, w, "policy_issuance_failed", "policy could not be issued, reload to retry")
	default:
		writeServiceUnavailable(ctx, w, "settlement_unavailable", "settlement is temporarily unavailable")
	}
}
