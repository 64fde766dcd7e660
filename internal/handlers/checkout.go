package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/platform/httpx"
	"github.com/warrantyfunnel/api/internal/services"
)

const maxCheckoutRequestBody = 16 * 1024

// CheckoutHandlers exposes the checkout submission endpoint.
type CheckoutHandlers struct {
	checkout services.CheckoutService
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{checkout: checkout}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout", h.submit)
}

type checkoutRequest struct {
	Provider           string                 `json:"provider"`
	PlanID             string                 `json:"planId"`
	Period             domain.PaymentPeriod   `json:"period"`
	Excess             domain.Excess          `json:"excess"`
	AddOns             []string               `json:"addOns"`
	DiscountCode       string                 `json:"discountCode"`
	Vehicle            domain.VehicleProfile  `json:"vehicle"`
	Customer           domain.ContactDetails  `json:"customer"`
	QuoteID            string                 `json:"quoteId"`
	AddAnotherWarranty bool                   `json:"addAnotherWarranty"`
	Category           domain.VehicleCategory `json:"category"`
}

type checkoutResponse struct {
	RedirectURL    string          `json:"redirectUrl"`
	Provider       string          `json:"provider"`
	Outcome        string          `json:"outcome"`
	SessionRef     string          `json:"sessionRef,omitempty"`
	FallbackReason string          `json:"fallbackReason,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeServiceUnavailable(ctx, w, "checkout_unavailable", "checkout service unavailable")
		return
	}

	var req checkoutRequest
	if !decodeJSONBody(ctx, w, r, maxCheckoutRequestBody, &req) {
		return
	}

	provider, err := domain.ParseProviderKind(req.Provider)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "provider must be finance or card", http.StatusBadRequest).
			WithDetails(map[string]any{"allowed": []string{string(domain.ProviderFinance), string(domain.ProviderCard)}}))
		return
	}

	// The automatic discount is read from the customer's durable flag by the service, so any
	// autoDiscount sent by the client is ignored here.
	selection := priceQuoteRequest{
		PlanID:       req.PlanID,
		Period:       req.Period,
		Excess:       req.Excess,
		AddOns:       req.AddOns,
		Category:     req.Category,
		DiscountCode: req.DiscountCode,
	}.command()
	// An empty category lets the service price from the captured vehicle.
	selection.Category = req.Category

	submission, err := h.checkout.Submit(ctx, services.SubmitCheckoutCommand{
		Selection: selection,
		Vehicle:   req.Vehicle,
		Customer:  req.Customer,
		Provider:  provider,
		Upsell:    req.AddAnotherWarranty,
		QuoteID:   strings.TrimSpace(req.QuoteID),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, checkoutResponse{
		RedirectURL:    submission.RedirectURL,
		Provider:       string(submission.Result.Provider),
		Outcome:        string(submission.Result.Kind),
		SessionRef:     submission.Result.SessionRef,
		FallbackReason: submission.Result.Reason,
		Amount:         submission.Amount,
		Currency:       submission.Currency,
	})
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "checkout request is incomplete", http.StatusBadRequest))
	default:
		writeServiceUnavailable(ctx, w, "checkout_unavailable", "checkout is temporarily unavailable, please try again")
	}
}
