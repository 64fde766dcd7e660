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

const maxQuoteRequestBody = 8 * 1024

// QuoteHandlers exposes pricing and discount code endpoints to the wizard.
type QuoteHandlers struct {
	quotes services.QuoteService
	codes  services.DiscountCodeService
}

// NewQuoteHandlers constructs pricing handlers.
func NewQuoteHandlers(quotes services.QuoteService, codes services.DiscountCodeService) *QuoteHandlers {
	return &QuoteHandlers{
		quotes: quotes,
		codes:  codes,
	}
}

// Routes registers the pricing endpoint.
func (h *QuoteHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/quotes:price", h.priceQuote)
}

// DiscountCodeRoutes registers the manual discount code endpoint.
func (h *QuoteHandlers) DiscountCodeRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/discount-codes:validate", h.validateCode)
}

type priceQuoteRequest struct {
	PlanID       string                 `json:"planId"`
	Period       domain.PaymentPeriod   `json:"period"`
	Excess       domain.Excess          `json:"excess"`
	AddOns       []string               `json:"addOns"`
	Category     domain.VehicleCategory `json:"category"`
	AutoDiscount bool                   `json:"autoDiscount"`
	DiscountCode string                 `json:"discountCode"`
}

func (req priceQuoteRequest) command() services.PriceQuoteCommand {
	period := req.Period
	if period == 0 {
		period = domain.DefaultPaymentPeriod
	}
	category := req.Category
	if category == "" {
		category = domain.VehicleCategoryCar
	}
	addOns := make([]string, 0, len(req.AddOns))
	for _, addOn := range req.AddOns {
		if trimmed := strings.TrimSpace(addOn); trimmed != "" {
			addOns = append(addOns, trimmed)
		}
	}
	return services.PriceQuoteCommand{
		PlanID:       strings.TrimSpace(req.PlanID),
		Period:       period,
		Excess:       req.Excess,
		AddOns:       addOns,
		Category:     category,
		AutoDiscount: req.AutoDiscount,
		DiscountCode: strings.TrimSpace(req.DiscountCode),
	}
}

type priceBreakdownPayload struct {
	Base       decimal.Decimal        `json:"base"`
	Discounted decimal.Decimal        `json:"discounted"`
	Final      decimal.Decimal        `json:"final"`
	Discount   domain.AppliedDiscount `json:"discount"`
}

type priceQuoteResponse struct {
	Plan         domain.PlanQuote         `json:"plan"`
	Source       string                   `json:"source"`
	Warnings     []string                 `json:"warnings,omitempty"`
	DiscountCode *domain.ManualCodeResult `json:"discountCode,omitempty"`
	Finance      priceBreakdownPayload    `json:"finance"`
	PayInFull    priceBreakdownPayload    `json:"payInFull"`
	Installment  decimal.Decimal          `json:"installment"`
	Installments int                      `json:"installments"`
	Currency     string                   `json:"currency"`
}

type validateCodeRequest struct {
	Code      string          `json:"code"`
	BasePrice decimal.Decimal `json:"basePrice"`
}

func (h *QuoteHandlers) priceQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quotes == nil {
		writeServiceUnavailable(ctx, w, "pricing_unavailable", "pricing service unavailable")
		return
	}

	var req priceQuoteRequest
	if !decodeJSONBody(ctx, w, r, maxQuoteRequestBody, &req) {
		return
	}

	price, err := h.quotes.PriceQuote(ctx, req.command())
	if err != nil {
		writeQuoteError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, priceQuoteResponse{
		Plan:         price.Plan,
		Source:       string(price.Source),
		Warnings:     price.Warnings,
		DiscountCode: price.Manual,
		Finance:      breakdownPayload(price.Finance),
		PayInFull:    breakdownPayload(price.PayInFull),
		Installment:  price.Installment,
		Installments: domain.FinanceInstallments,
		Currency:     price.Currency,
	})
}

func (h *QuoteHandlers) validateCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.codes == nil {
		writeServiceUnavailable(ctx, w, "discount_code_unavailable", "discount code service unavailable")
		return
	}

	var req validateCodeRequest
	if !decodeJSONBody(ctx, w, r, maxQuoteRequestBody, &req) {
		return
	}

	result, err := h.codes.ValidateCode(ctx, services.ValidateDiscountCodeCommand{
		Code:      req.Code,
		BasePrice: req.BasePrice,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrDiscountCodeInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code and a positive basePrice are required", http.StatusBadRequest))
		default:
			writeServiceUnavailable(ctx, w, "discount_code_unavailable", "discount code could not be validated")
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func breakdownPayload(b services.DiscountBreakdown) priceBreakdownPayload {
	return priceBreakdownPayload{
		Base:       b.Base,
		Discounted: b.Discounted,
		Final:      b.Final,
		Discount:   b.Applied,
	}
}

func writeQuoteError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrQuoteInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "planId is required", http.StatusBadRequest))
	default:
		writeServiceUnavailable(ctx, w, "pricing_unavailable", "quote could not be priced")
	}
}
