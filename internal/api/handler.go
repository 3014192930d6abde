// Package api provides the HTTP surface of the fund engine: fund and
// inventory queries, order intake, matching runs, the market-maker
// backstop and pricing helpers.
//
// All monetary values use shopspring/decimal and are encoded as strings.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/fundbo/fund-engine/internal/capguard"
	"github.com/fundbo/fund-engine/internal/exchange"
	"github.com/fundbo/fund-engine/internal/fund"
	"github.com/fundbo/fund-engine/internal/marketmaker"
	"github.com/fundbo/fund-engine/internal/metrics"
	"github.com/fundbo/fund-engine/internal/nav"
	"github.com/fundbo/fund-engine/internal/pricing"
	"github.com/fundbo/fund-engine/internal/store"
	"github.com/fundbo/fund-engine/internal/stream"
)

// Deps are the services behind the handlers. Oracle and Hub are optional.
type Deps struct {
	Store     store.Store
	Exchange  *exchange.Service
	Inventory *nav.Service
	Oracle    *nav.Oracle
	Hub       *stream.Hub
}

// Config tunes the HTTP layer.
type Config struct {
	Fees pricing.FeeSchedule

	// RateLimitRPS throttles mutating endpoints. Zero disables the limit.
	RateLimitRPS   float64
	RateLimitBurst int

	RequestTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Handler serves the /api/v1 routes.
type Handler struct {
	store     store.Store
	exchange  *exchange.Service
	inventory *nav.Service
	oracle    *nav.Oracle
	hub       *stream.Hub

	fees    pricing.FeeSchedule
	limiter *rate.Limiter
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(deps Deps, cfg Config) *Handler {
	h := &Handler{
		store:     deps.Store,
		exchange:  deps.Exchange,
		inventory: deps.Inventory,
		oracle:    deps.Oracle,
		hub:       deps.Hub,
		fees:      cfg.Fees,
		timeout:   cfg.RequestTimeout,
		now:       cfg.Now,
		log:       cfg.Logger,
	}
	if len(h.fees) == 0 {
		h.fees = pricing.DefaultFeeSchedule()
	}
	h.limiter = rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	if h.timeout <= 0 {
		h.timeout = 30 * time.Second
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.log = h.log.With("component", "api")
	return h
}

// Router builds the full HTTP router: middleware, /health, /metrics and
// the versioned API.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fund-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket stream is long-lived and stays outside the timeout.
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(h.timeout))

			r.Get("/funds", h.ListFunds)
			r.Get("/funds/{fundID}", h.GetFund)
			r.Get("/funds/{fundID}/opening-price", h.OpeningPrice)
			r.Get("/funds/{fundID}/inventory", h.GetInventory)
			r.Get("/funds/{fundID}/inventories", h.ListInventories)

			r.Get("/orders", h.ListOrders)
			r.Get("/orders/{orderID}", h.GetOrder)
			r.Get("/matched-pairs", h.ListMatchedPairs)

			r.Get("/pricing/fee", h.Fee)
			r.Post("/pricing/sell-quote", h.SellQuote)
			r.Get("/cap-config", h.GetCapConfig)

			r.Group(func(r chi.Router) {
				r.Use(h.throttle)

				r.Post("/funds", h.CreateFund)
				r.Post("/funds/{fundID}/inventory/recalculate", h.RecalculateInventory)
				r.Post("/funds/{fundID}/inventory/confirm", h.ConfirmInventory)

				r.Post("/orders", h.PlaceOrder)
				r.Post("/orders/import", h.ImportOrders)
				r.Post("/orders/{orderID}/cancel", h.CancelOrder)

				r.Post("/matching/run", h.RunMatching)
				r.Post("/matching/random-orders", h.RandomOrders)
				r.Post("/market-maker/handle-remaining", h.HandleRemaining)
				r.Post("/market-maker/handle-one", h.HandleOne)

				r.Put("/cap-config", h.SaveCapConfig)
			})
		})
	})
	return r
}

// throttle rejects requests once the shared token bucket is empty.
func (h *Handler) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fail maps err to a status and writes it. Unexpected errors are logged
// and reported without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, exchange.ErrInvalidOrder),
		errors.Is(err, fund.ErrInvalidTicker),
		errors.Is(err, fund.ErrInvalidSeed),
		errors.Is(err, capguard.ErrInvertedBounds),
		errors.Is(err, pricing.ErrInvalidTerm),
		errors.Is(err, pricing.ErrInvalidUnits),
		errors.Is(err, pricing.ErrInvalidNAV),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrFundNotFound),
		errors.Is(err, exchange.ErrOrderNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrOrderClosed),
		errors.Is(err, exchange.ErrFundInactive),
		errors.Is(err, exchange.ErrNoBackstop),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrFillRejected),
		errors.Is(err, nav.ErrConfirmed),
		errors.Is(err, marketmaker.ErrNotEligible),
		errors.Is(err, marketmaker.ErrCapRejected),
		errors.Is(err, marketmaker.ErrNoReferencePrice):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
}

// queryInt parses a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
