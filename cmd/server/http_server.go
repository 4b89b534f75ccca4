package main

import (
	"encoding/json"
	"net/http"

	"cafeorders/internal/adapters/httpapi"
	"cafeorders/internal/observability"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func newHTTPHandler(svc *services, metrics *observability.Metrics, limiter rateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Websocket upgrades need the raw ResponseWriter, so the stream stays outside the
	// recording middleware.
	r.Handle("/ws/orders", svc.hub)

	r.Group(func(r chi.Router) {
		r.Use(observability.Middleware(metrics))
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})
		r.Handle("/metrics", observability.Handler(metrics))

		r.Group(func(r chi.Router) {
			r.Use(rateLimitMiddleware(limiter, logger))
			httpapi.NewHandler(svc.orchestrator, logger.Named("http")).Mount(r)
		})
	})
	return r
}

func rateLimitMiddleware(limiter rateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil {
				if err := limiter.Wait(r.Context()); err != nil {
					logger.Debug("request abandoned while rate limited", zap.String("path", r.URL.Path), zap.Error(err))
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
