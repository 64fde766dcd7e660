package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestFinanceProvider(t *testing.T, handler http.HandlerFunc) *FinanceProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewFinanceProvider(FinanceProviderConfig{
		BaseURL:    server.URL + "/v2",
		APIKey:     "fin_test",
		MerchantID: "merchant-1",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("new finance provider: %v", err)
	}
	return provider
}

func TestFinanceCreateCheckoutSessionSubmitsApplication(t *testing.T) {
	var captured financeApplicationRequest
	provider := newTestFinanceProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/applications" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer fin_test" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "idem-9" {
			t.Errorf("unexpected idempotency key %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"app_123","status":"referred","redirectUrl":"https://finance.example.com/sign/app_123"}`))
	})

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		Reference:      "quote_1",
		Amount:         46000,
		Currency:       "gbp",
		Description:    "Gold warranty",
		Customer:       Customer{FirstName: "Jane", LastName: "Doe", Email: "jane@example.com"},
		SuccessURL:     "https://funnel.example.com/thank-you?source=finance",
		IdempotencyKey: "idem-9",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID != "app_123" || session.RedirectURL != "https://finance.example.com/sign/app_123" {
		t.Fatalf("unexpected session %+v", session)
	}
	if captured.MerchantID != "merchant-1" || captured.Amount != 46000 || captured.Currency != "GBP" {
		t.Fatalf("unexpected payload %+v", captured)
	}
	if captured.Installments != 12 {
		t.Fatalf("expected default 12 installments, got %d", captured.Installments)
	}
	if captured.ReturnURL != "https://funnel.example.com/thank-you?source=finance" {
		t.Fatalf("unexpected return url %q", captured.ReturnURL)
	}
}

func TestFinanceCreateCheckoutSessionDeclined(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status field": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"id":"app_9","status":"declined"}`))
		},
		"payment required": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":"credit_declined"}`))
		},
		"unprocessable decline": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"id":"app_10","error":"credit_declined"}`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			provider := newTestFinanceProvider(t, handler)
			_, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{Amount: 100, Currency: "GBP"})
			if !errors.Is(err, ErrCreditDeclined) {
				t.Fatalf("expected ErrCreditDeclined, got %v", err)
			}
		})
	}
}

func TestFinanceCreateCheckoutSessionServerError(t *testing.T) {
	provider := newTestFinanceProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{Amount: 100, Currency: "GBP"})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if errors.Is(err, ErrCreditDeclined) {
		t.Fatalf("server error must not read as a decline")
	}
}

func TestFinanceLookupPayment(t *testing.T) {
	statuses := map[string]Status{
		"approved":  StatusSucceeded,
		"completed": StatusSucceeded,
		"declined":  StatusFailed,
		"cancelled": StatusFailed,
		"referred":  StatusPending,
	}
	for raw, want := range statuses {
		t.Run(raw, func(t *testing.T) {
			provider := newTestFinanceProvider(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/v2/applications/app_1" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				_ = json.NewEncoder(w).Encode(map[string]any{"id": "app_1", "status": raw, "amount": 46000, "currency": "gbp"})
			})
			details, err := provider.LookupPayment(context.Background(), LookupRequest{Reference: "app_1"})
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if details.Status != want {
				t.Fatalf("expected %s, got %s", want, details.Status)
			}
			if details.Amount != 46000 || details.Currency != "GBP" {
				t.Fatalf("unexpected details %+v", details)
			}
		})
	}
}

func TestFinanceLookupPaymentNotFound(t *testing.T) {
	provider := newTestFinanceProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := provider.LookupPayment(context.Background(), LookupRequest{Reference: "app_missing"})
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestNewFinanceProviderValidatesConfig(t *testing.T) {
	if _, err := NewFinanceProvider(FinanceProviderConfig{BaseURL: "not a url", APIKey: "k", MerchantID: "m"}); err == nil {
		t.Fatalf("expected error for relative base url")
	}
	if _, err := NewFinanceProvider(FinanceProviderConfig{BaseURL: "https://finance.example.com", MerchantID: "m"}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}
