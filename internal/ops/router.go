package ops

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter exposes the dead letter endpoints and the metrics gathered by g.
// The venue endpoint is mounted only when the handler has a venue service.
func NewRouter(handler *Handler, g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Route("/dead-letters", func(r chi.Router) {
		r.Get("/", handler.listDeadLetters)
		r.Post("/outgoing/{eventId}/replay", handler.replayOutgoing)
		r.Post("/incoming/{consumer}/{eventId}/replay", handler.replayIncoming)
	})
	if handler.venues != nil {
		r.Post("/outbox/test/venues", handler.createVenue)
	}
	return r
}
