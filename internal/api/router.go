/**
 * @description
 * This file sets up the HTTP router for the rewards-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware for access logging, CORS, request metrics and identity checks.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: Cross-origin handling for the mobile and web clients.
 * - github.com/prometheus/client_golang: Exposes the /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trashtotech/rewards-service/internal/metrics"
)

// RouteOptions holds the deployment-dependent router settings.
type RouteOptions struct {
	AllowedOrigins []string
	// TrustProxyHeaders lets X-Forwarded-For and X-Real-IP replace the peer
	// address. Enable it only behind a proxy that overwrites those headers.
	TrustProxyHeaders bool
}

// RewardsRoutes creates and returns the router for the rewards service.
func RewardsRoutes(h *RewardsHandlers, auth *Authenticator, m *metrics.RewardsMetrics, opts RouteOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	allowedOrigins := opts.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(observeRequests(m))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/visit", func(r chi.Router) {
			r.Post("/estimate", h.EstimateHandler)
			r.Get("/details/{referenceNumber}", h.VisitDetailsHandler)
			r.With(auth.OptionalUser).Post("/schedule", h.ScheduleVisitHandler)
			r.With(auth.RequireFacilityOrAdmin).Post("/confirm", h.ConfirmVisitHandler)
			r.With(auth.RequireUser).Post("/{referenceNumber}/cancel", h.CancelVisitHandler)
			r.With(auth.RequireUser).Get("/history", h.VisitHistoryHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser)
			r.Get("/user/me", h.MeHandler)
			r.Get("/user/stats", h.StatsHandler)
			r.Post("/rewards/redeem", h.RedeemHandler)
		})

		r.Get("/facilities", h.ListFacilitiesHandler)
		r.Get("/facilities/{facilityID}", h.GetFacilityHandler)
	})

	return r
}

// observeRequests records latency per route pattern so path parameters such
// as reference numbers do not explode label cardinality.
func observeRequests(m *metrics.RewardsMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(route, r.Method, status, time.Since(start))
		})
	}
}
