package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warrantyfunnel/api/internal/platform/httpx"
)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

// RouteRegistrar registers one funnel route group.
type RouteRegistrar func(r chi.Router)

type routeGroup int

const (
	groupQuotes routeGroup = iota
	groupDiscountCodes
	groupSessions
	groupSnapshots
	groupCheckout
	groupSettlements
	groupCount
)

// placeholderPaths answer 501 when a group has no registrar, so the wizard sees a stable API
// surface while a dependency is unconfigured.
var placeholderPaths = [groupCount][]string{
	groupQuotes:        {"/quotes:price"},
	groupDiscountCodes: {"/discount-codes:validate"},
	groupSessions:      {"/quote-sessions:resolve", "/quote-sessions:transition"},
	groupSnapshots:     {"/quote-snapshots"},
	groupCheckout:      {"/checkout"},
	groupSettlements:   {"/settlements:reconcile"},
}

type mount struct {
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	mounts      [groupCount]mount
}

// Option customises NewRouter.
type Option func(*routerConfig)

// NewRouter builds the funnel API: health endpoints at the root and the route groups under /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(requestTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", "method "+req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for group := range groupCount {
			m := cfg.mounts[group]
			api.Group(func(sub chi.Router) {
				for _, mw := range m.middlewares {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if m.registrar != nil {
					m.registrar(sub)
					return
				}
				for _, path := range placeholderPaths[group] {
					sub.HandleFunc(path, notImplemented)
				}
			})
		}
	})
	return r
}

func notImplemented(w http.ResponseWriter, req *http.Request) {
	httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", req.URL.Path+" is not configured on this deployment", http.StatusNotImplemented))
}

func withRegistrar(group routeGroup, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.mounts[group].registrar = reg }
}

// WithMiddlewares appends middleware applied to every route, health endpoints included.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

func WithQuoteRoutes(reg RouteRegistrar) Option { return withRegistrar(groupQuotes, reg) }

func WithDiscountCodeRoutes(reg RouteRegistrar) Option {
	return withRegistrar(groupDiscountCodes, reg)
}

func WithQuoteSessionRoutes(reg RouteRegistrar) Option { return withRegistrar(groupSessions, reg) }

func WithQuoteSnapshotRoutes(reg RouteRegistrar) Option { return withRegistrar(groupSnapshots, reg) }

func WithCheckoutRoutes(reg RouteRegistrar) Option { return withRegistrar(groupCheckout, reg) }

// WithCheckoutMiddlewares applies middleware to the checkout group only, typically the
// idempotency guard.
func WithCheckoutMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.mounts[groupCheckout].middlewares = append(cfg.mounts[groupCheckout].middlewares, mw...)
	}
}

func WithSettlementRoutes(reg RouteRegistrar) Option { return withRegistrar(groupSettlements, reg) }
