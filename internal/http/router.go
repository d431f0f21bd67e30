package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// RouterOptions service credential and per-key rate budget
type RouterOptions struct {
	APIKey    string
	RateLimit float64
	RateBurst int
}

// NewRouter mounts every endpoint
func NewRouter(t *TelemetryHandler, ws *WSHandler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Metrics)

	r.Get("/health", t.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/ws", ws.Connect)
	r.Get("/ws/devices/{token}", ws.ConnectDevice)

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	limiter := NewRateLimiter(limit, opts.RateBurst)
	r.Group(func(r chi.Router) {
		r.Use(RequireAPIKey(opts.APIKey))
		r.Use(limiter.Middleware)

		r.Post("/messages", t.PostMessage)
		r.Get("/messages/last", t.GetLastMessages)
		r.Get("/measurements/history", t.GetHistory)
		r.Post("/notify", t.PostNotify)
		r.Post("/internal/mappings/device-user", t.PostDeviceUserMapping)
		r.Post("/internal/measurements/refresh", t.PostRefreshLimits)
	})

	return r
}
