// Package api serves the AMM's read-only HTTP surface: quotes, capacity, markets,
// pool rounds, journal history, Prometheus metrics and the event WebSocket.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phenomenon0/sportsamm/pkg/amm/sports"
	"github.com/phenomenon0/sportsamm/pkg/store"
)

type Options struct {
	CORSOrigins []string
	// RateLimit is requests per second per client IP; zero disables limiting.
	RateLimit float64
	RateBurst int
	Timeout   time.Duration
}

// Deps are the backends behind the routes. Journal, Metrics and Stream are optional;
// their routes answer 503 when unset.
type Deps struct {
	AMM     *sports.AMM
	Journal store.Reader
	Metrics prometheus.Gatherer
	Stream  http.Handler
	Logger  *slog.Logger
}

// Server holds handler dependencies.
type Server struct {
	amm     *sports.AMM
	journal store.Reader
	logger  *slog.Logger
}

// NewHandler builds the router.
func NewHandler(opts Options, deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{amm: deps.AMM, journal: deps.Journal, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	if opts.RateLimit > 0 {
		r.Use(NewIPRateLimiter(opts.RateLimit, opts.RateBurst).Middleware)
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	} else {
		r.Get("/metrics", unavailable("metrics"))
	}
	if deps.Stream != nil {
		r.Handle("/ws", deps.Stream)
	} else {
		r.Get("/ws", unavailable("event stream"))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(timeout))

		r.Get("/markets", s.listMarkets)
		r.Route("/markets/{address}", func(r chi.Router) {
			r.Get("/", s.getMarket)
			r.Get("/children", s.getChildren)
			r.Get("/quote", s.getQuote)
			r.Get("/available", s.getAvailable)
			r.Get("/trades", s.getTrades)
		})

		r.Get("/parlays/{id}", s.getParlay)

		r.Get("/pool", s.getPool)
		r.Get("/pool/rounds/{round}", s.getRound)
		r.Get("/pool/history", s.getHistory)
	})
	return r
}

func unavailable(what string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: what + " not configured", Class: "unavailable"})
	}
}
