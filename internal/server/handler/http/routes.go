// Package http provides HTTP routing and middleware configuration
// for the local producer API.
package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rakshanet/beacon/internal/middleware"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter constructs the HTTP handler serving the producer API and the
// Prometheus metrics endpoint.
//
// Routes:
//
//	POST   /api/v1/location                      → Handler.StoreLocation
//	POST   /api/v1/sos                           → Handler.StoreSOS
//	POST   /api/v1/panic                         → Handler.StorePanicAlert
//	POST   /api/v1/panic/recording               → Handler.StorePanicRecording (multipart)
//	DELETE /api/v1/panic/{id}                    → Handler.CancelPanicAlert
//	DELETE /api/v1/panic/recordings/{identity}   → Handler.CancelPanicRecordings
//	POST   /api/v1/identity                      → Handler.SetIdentity
//	POST   /api/v1/tracking/start                → Handler.StartTracking
//	POST   /api/v1/tracking/stop                 → Handler.StopTracking
//	POST   /api/v1/fix                           → Handler.PushFix
//	GET    /api/v1/stats                         → Handler.GetStats
//	GET    /metrics                              → Prometheus
func NewRouter(h *Handler, registry *prometheus.Registry, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Log each request and its metadata
	r.Use(middleware.WithRequestLogging(logger))

	r.Route("/api/v1", func(r chi.Router) {
		// The recording upload is multipart; everything else is JSON.
		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.AllowContentType("application/json"))
			r.Post("/location", h.StoreLocation)
			r.Post("/sos", h.StoreSOS)
			r.Post("/panic", h.StorePanicAlert)
			r.Post("/identity", h.SetIdentity)
			r.Post("/tracking/start", h.StartTracking)
			r.Post("/fix", h.PushFix)
		})
		r.Post("/tracking/stop", h.StopTracking)
		r.Post("/panic/recording", h.StorePanicRecording)
		r.Delete("/panic/{id}", h.CancelPanicAlert)
		r.Delete("/panic/recordings/{identity}", h.CancelPanicRecordings)
		r.Get("/stats", h.GetStats)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return r
}
