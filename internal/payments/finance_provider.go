package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFinanceTimeout  = 10 * time.Second
	financeIdempotencyHdr  = "Idempotency-Key"
	maxFinanceResponseSize = 1 << 20
)

// FinanceProviderConfig configures the installment finance client.
type FinanceProviderConfig struct {
	BaseURL    string
	APIKey     string
	MerchantID string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     Logger
}

// FinanceProvider submits finance applications; the provider runs its own credit check
// and hosts the agreement signing page.
type FinanceProvider struct {
	baseURL    *url.URL
	apiKey     string
	merchantID string
	client     *http.Client
	logger     Logger
}

// NewFinanceProvider validates config and builds the client.
func NewFinanceProvider(cfg FinanceProviderConfig) (*FinanceProvider, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.New("finance: base url must be absolute")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("finance: api key is required")
	}
	if strings.TrimSpace(cfg.MerchantID) == "" {
		return nil, errors.New("finance: merchant id is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultFinanceTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &FinanceProvider{
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		merchantID: strings.TrimSpace(cfg.MerchantID),
		client:     httpClient,
		logger:     logger,
	}, nil
}

type financeCustomer struct {
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Email        string `json:"email"`
	Phone        string `json:"phone,omitempty"`
	AddressLine1 string `json:"addressLine1,omitempty"`
	AddressLine2 string `json:"addressLine2,omitempty"`
	Town         string `json:"town,omitempty"`
	Postcode     string `json:"postcode,omitempty"`
}

type financeApplicationRequest struct {
	MerchantID   string            `json:"merchantId"`
	Reference    string            `json:"reference,omitempty"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Installments int               `json:"installments"`
	Description  string            `json:"description"`
	Customer     financeCustomer   `json:"customer"`
	ReturnURL    string            `json:"returnUrl"`
	CancelURL    string            `json:"cancelUrl,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type financeApplication struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	RedirectURL string            `json:"redirectUrl"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	ExpiresAt   *time.Time        `json:"expiresAt,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Error       string            `json:"error,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// CreateCheckoutSession submits an application. A declined credit check returns ErrCreditDeclined
// with the application id, if any, in the error text.
func (p *FinanceProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("finance: provider is nil")
	}
	if req.Amount <= 0 {
		return CheckoutSession{}, errors.New("finance: amount must be positive")
	}
	installments := req.Installments
	if installments <= 0 {
		installments = 12
	}

	payload := financeApplicationRequest{
		MerchantID:   p.merchantID,
		Reference:    req.Reference,
		Amount:       req.Amount,
		Currency:     strings.ToUpper(req.Currency),
		Installments: installments,
		Description:  req.Description,
		Customer: financeCustomer{
			FirstName:    req.Customer.FirstName,
			LastName:     req.Customer.LastName,
			Email:        req.Customer.Email,
			Phone:        req.Customer.Phone,
			AddressLine1: req.Customer.AddressLine1,
			AddressLine2: req.Customer.AddressLine2,
			Town:         req.Customer.Town,
			Postcode:     req.Customer.Postcode,
		},
		ReturnURL: req.SuccessURL,
		CancelURL: req.CancelURL,
		Metadata:  copyMetadata(req.Metadata),
	}

	var app financeApplication
	status, err := p.do(ctx, http.MethodPost, "applications", req.IdempotencyKey, payload, &app)
	if err != nil {
		return CheckoutSession{}, err
	}

	if isDeclined(status, app) {
		p.logger(ctx, "payments.finance.application.declined", map[string]any{
			"applicationId": app.ID,
			"status":        app.Status,
		})
		return CheckoutSession{ID: app.ID}, fmt.Errorf("%w: application %s", ErrCreditDeclined, app.ID)
	}
	if status >= http.StatusBadRequest {
		return CheckoutSession{}, fmt.Errorf("%w: finance: create application returned %d %s", ErrProviderUnavailable, status, app.Error)
	}

	p.logger(ctx, "payments.finance.application.created", map[string]any{
		"applicationId": app.ID,
		"status":        app.Status,
	})

	session := CheckoutSession{
		ID:          app.ID,
		RedirectURL: app.RedirectURL,
		Raw:         rawJSON(app),
	}
	if app.ExpiresAt != nil {
		session.ExpiresAt = app.ExpiresAt.UTC()
	}
	return session, nil
}

// LookupPayment fetches the application status.
func (p *FinanceProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("finance: provider is nil")
	}
	ref := strings.TrimSpace(req.Reference)
	if ref == "" {
		return PaymentDetails{}, errors.New("finance: application id is required")
	}

	var app financeApplication
	status, err := p.do(ctx, http.MethodGet, "applications/"+url.PathEscape(ref), "", nil, &app)
	if err != nil {
		return PaymentDetails{}, err
	}
	if status == http.StatusNotFound {
		return PaymentDetails{}, fmt.Errorf("%w: finance application %s", ErrPaymentNotFound, ref)
	}
	if status >= http.StatusBadRequest {
		return PaymentDetails{}, fmt.Errorf("%w: finance: lookup returned %d", ErrProviderUnavailable, status)
	}

	return PaymentDetails{
		Reference: app.ID,
		Status:    financeStatus(app.Status),
		Amount:    app.Amount,
		Currency:  strings.ToUpper(app.Currency),
		Metadata:  copyMetadata(app.Metadata),
		Raw:       rawJSON(app),
	}, nil
}

func (p *FinanceProvider) do(ctx context.Context, method, path, idempotencyKey string, body any, out *financeApplication) (int, error) {
	endpoint := p.baseURL.JoinPath(path)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("finance: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return 0, fmt.Errorf("finance: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		req.Header.Set(financeIdempotencyHdr, key)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: finance: %s %s: %v", ErrProviderUnavailable, method, endpoint.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, fmt.Errorf("%w: finance: %s %s returned %d", ErrProviderUnavailable, method, endpoint.Path, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFinanceResponseSize))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: finance: read response: %v", ErrProviderUnavailable, err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: finance: decode response: %v", ErrProviderUnavailable, err)
		}
	}
	return resp.StatusCode, nil
}

func isDeclined(status int, app financeApplication) bool {
	if strings.EqualFold(app.Status, "declined") || strings.EqualFold(app.Error, "credit_declined") {
		return true
	}
	return status == http.StatusPaymentRequired
}

func financeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved", "signed", "completed":
		return StatusSucceeded
	case "declined", "cancelled", "canceled", "expired":
		return StatusFailed
	default:
		return StatusPending
	}
}
