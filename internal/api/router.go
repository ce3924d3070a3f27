package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Signed by the carrier, not by the cron secret.
	r.Post("/v1/webhooks/sms-status", h.SMSStatusWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSecret)

		r.Post("/v1/dispatch/run", h.RunDispatch)

		r.Route("/v1/events/{eventID}", func(r chi.Router) {
			r.Post("/recipients/preview", h.PreviewRecipients)
			r.Post("/scheduled", h.CreateScheduled)
			r.Get("/deliveries/live", h.LiveDeliveries)
		})

		r.Post("/v1/scheduled/{id}/cancel", h.CancelScheduled)

		if h.sched != nil {
			r.Get("/v1/scheduler/status", h.SchedulerStatus)
			r.Post("/v1/scheduler/start", h.SchedulerStart)
			r.Post("/v1/scheduler/stop", h.SchedulerStop)
		}
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("guest-messaging"))
	})

	return r
}
