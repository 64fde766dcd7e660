package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/services"
)

func serve(router http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	return rr, body
}

func TestNewRouter_HealthAndPlaceholders(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(
		WithHealthSystemService(&stubSystemService{
			report: services.SystemHealthReport{
				Status:      domain.HealthStatusOK,
				GeneratedAt: now,
				Checks:      map[string]domain.SystemHealthCheck{"firestore": {Status: domain.HealthStatusOK}},
			},
		}),
		WithHealthClock(func() time.Time { return now }),
	)))

	for _, endpoint := range []string{"/healthz", "/readyz"} {
		rr, _ := serve(router, http.MethodGet, endpoint)
		if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "application/json" {
			t.Fatalf("%s: expected 200 json, got %d %q", endpoint, rr.Code, rr.Header().Get("Content-Type"))
		}
	}

	for _, paths := range placeholderPaths {
		for _, path := range paths {
			rr, body := serve(router, http.MethodPost, apiPrefix+path)
			if rr.Code != http.StatusNotImplemented || body["error"] != "not_implemented" {
				t.Fatalf("%s: expected 501 not_implemented, got %d %v", path, rr.Code, body)
			}
		}
	}
}

func TestNewRouter_RegistrarReplacesPlaceholder(t *testing.T) {
	router := NewRouter(WithQuoteRoutes(func(r chi.Router) {
		r.Post("/quotes:price", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}))

	if rr, _ := serve(router, http.MethodPost, "/api/v1/quotes:price"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr, _ := serve(router, http.MethodPost, "/api/v1/checkout"); rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected other groups to keep their placeholder, got %d", rr.Code)
	}
}

func TestNewRouter_UnknownRoute(t *testing.T) {
	rr, body := serve(NewRouter(), http.MethodGet, "/does/not/exist")
	if rr.Code != http.StatusNotFound || body["error"] != "route_not_found" {
		t.Fatalf("expected 404 route_not_found, got %d %v", rr.Code, body)
	}
}

func TestNewRouter_CheckoutMiddlewareScoped(t *testing.T) {
	marker := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Test-Middleware", "checkout")
			next.ServeHTTP(w, r)
		})
	}
	noContent := func(path string) RouteRegistrar {
		return func(r chi.Router) {
			r.Post(path, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		}
	}

	router := NewRouter(
		WithCheckoutMiddlewares(marker),
		WithCheckoutRoutes(noContent("/checkout")),
		WithSettlementRoutes(noContent("/settlements:reconcile")),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Header().Get("X-Test-Middleware") != "checkout" {
		t.Fatalf("expected checkout middleware to set header")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/settlements:reconcile", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if rr.Header().Get("X-Test-Middleware") != "" {
		t.Fatalf("expected checkout middleware not to run for settlements")
	}
}
