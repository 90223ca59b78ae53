// Package api provides the HTTP server for Parley: thread and round
// endpoints, the billing surface, and the live round event feed.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ledgersvc "github.com/parley-ai/parley/internal/app/ledger"
	"github.com/parley-ai/parley/internal/app/round"
	"github.com/parley-ai/parley/internal/domain"
)

// Server is the Parley HTTP API server.
type Server struct {
	rounds         *round.Service
	ledger         *ledgersvc.Service
	limiter        *limiterPool
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(rounds *round.Service, ledger *ledgersvc.Service) *Server {
	return &Server{
		rounds:  rounds,
		ledger:  ledger,
		limiter: newLimiterPool(0, 0),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetRateLimit overrides the per-account request rate on write endpoints.
func (s *Server) SetRateLimit(rps float64, burst int) {
	s.limiter = newLimiterPool(rps, burst)
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":        "ok",
			"active_rounds": s.rounds.ActiveRounds(),
			"sse_clients":   s.rounds.Hub().ClientCount(),
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": "0.1.0",
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/accounts", s.handleCreateAccount)

		r.Route("/threads", func(r chi.Router) {
			r.Post("/", s.handleCreateThread)
			r.Get("/", s.handleListThreads)
			r.Get("/{threadID}/messages", s.handleMessages)
			r.Get("/{threadID}/events", s.handleEvents)
			r.With(s.rateLimited).Post("/{threadID}/rounds", s.handleSubmit)
			r.Get("/{threadID}/rounds/latest", s.handleLatestRound)
			r.Get("/{threadID}/rounds/{number}", s.handleRoundStatus)
			r.Post("/{threadID}/rounds/{number}/cancel", s.handleCancel)
		})

		r.Route("/billing", func(r chi.Router) {
			r.Get("/balance", s.handleBalance)
			r.Get("/transactions", s.handleTransactions)
			r.Post("/grants", s.handleGrant)
			r.Put("/plan", s.handleChangePlan)
		})
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// writeDomainError maps domain errors onto HTTP statuses. Insufficient
// credits carries its amounts and tier remedy through to the client.
func writeDomainError(w http.ResponseWriter, err error) {
	var ice *domain.InsufficientCreditsError
	if errors.As(err, &ice) {
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error": map[string]interface{}{
				"message":   ice.Error(),
				"type":      "insufficient_credits",
				"available": ice.Available,
				"required":  ice.Required,
				"remedy":    ice.Remedy(),
			},
		})
		return
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Error())
		return
	}
	switch {
	case errors.Is(err, domain.ErrThreadNotFound),
		errors.Is(err, domain.ErrRoundNotFound),
		errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "transient conflict, please retry")
	case errors.Is(err, domain.ErrReservationOutstanding):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
