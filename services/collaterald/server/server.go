// Package server exposes the collateral ledger over an HTTP JSON API.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"loanledger/core"
	"loanledger/services/collaterald/audit"
	"loanledger/services/collaterald/middleware"
)

const rateLimitKey = "collateral"

// Write routes, used to price requests for the rate limiter.
const (
	pathInstantiate = "/v1/instantiate"
	pathDeposit     = "/v1/collateral/deposit"
	pathValuation   = "/v1/collateral/valuation"
	pathTax         = "/v1/collateral/tax"
	pathLiquidate   = "/v1/collateral/liquidate"
)

// RateLimitOptions configures per-client throttling. WriteTokens is the cost
// of a state changing request; reads cost one token.
type RateLimitOptions struct {
	RatePerSecond float64
	Burst         int
	WriteTokens   int
}

type Options struct {
	Logger        *slog.Logger
	Audit         *audit.Store
	RateLimit     RateLimitOptions
	Observability *middleware.Observability
}

// Server routes HTTP requests to the executor.
type Server struct {
	exec    *core.Executor
	audit   *audit.Store
	logger  *slog.Logger
	obs     *middleware.Observability
	limiter *middleware.RateLimiter
	router  http.Handler
}

func New(exec *core.Executor, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := opts.Observability
	if obs == nil {
		obs = middleware.NewObservability(middleware.ObservabilityConfig{}, logger)
	}
	limits := map[string]middleware.RateLimit{}
	if opts.RateLimit.RatePerSecond > 0 {
		write := opts.RateLimit.WriteTokens
		limits[rateLimitKey] = middleware.RateLimit{
			RatePerSecond: opts.RateLimit.RatePerSecond,
			Burst:         opts.RateLimit.Burst,
			DefaultTokens: 1,
			Tokens: map[string]int{
				http.MethodPost + " " + pathInstantiate: write,
				http.MethodPost + " " + pathDeposit:     write,
				http.MethodPost + " " + pathValuation:   write,
				http.MethodPost + " " + pathTax:         write,
				http.MethodPost + " " + pathLiquidate:   write,
			},
		}
	}
	s := &Server{
		exec:    exec,
		audit:   opts.Audit,
		logger:  logger,
		obs:     obs,
		limiter: middleware.NewRateLimiter(limits, logger),
	}
	if opts.Audit != nil {
		exec.SetRecorder(auditRecorder{store: opts.Audit, logger: logger})
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router wrapped with OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "collaterald")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.limiter.Middleware(rateLimitKey))

		api.With(s.obs.Middleware("instantiate")).Post("/instantiate", s.handleInstantiate)
		api.With(s.obs.Middleware("collateral.deposit")).Post("/collateral/deposit", s.handleDeposit)
		api.With(s.obs.Middleware("collateral.valuation")).Post("/collateral/valuation", s.handleAdjustValuation)
		api.With(s.obs.Middleware("collateral.tax")).Post("/collateral/tax", s.handlePayTax)
		api.With(s.obs.Middleware("collateral.liquidate")).Post("/collateral/liquidate", s.handleLiquidate)

		api.With(s.obs.Middleware("collateral.list")).Get("/collateral", s.handleListCollateral)
		api.With(s.obs.Middleware("collateral.get")).Get("/collateral/{id}", s.handleGetCollateral)
		api.With(s.obs.Middleware("config")).Get("/config", s.handleConfig)
		api.With(s.obs.Middleware("balance")).Get("/balances/{address}/{denom}", s.handleBalance)
		api.With(s.obs.Middleware("audit")).Get("/audit", s.handleAudit)
		api.With(s.obs.Middleware("audit.verify")).Get("/audit/verify", s.handleAuditVerify)
		api.With(s.obs.Middleware("audit.export")).Get("/audit/export", s.handleAuditExport)
		api.With(s.obs.Middleware("events.ws")).Get("/events/ws", s.handleEventsWS)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"height":       s.exec.Height(),
		"instantiated": s.exec.Config() != nil,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", slog.Any("error", err))
	}
}
