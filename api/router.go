// Package api exposes booking, saga status and outbox administration over http.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clinicflow/bookingsaga/correlation"
	"github.com/clinicflow/bookingsaga/log"
)

type Handlers struct {
	Booking *BookingHandler
	Status  *StatusHandler
	// Outbox is optional, admin routes are not mounted without it.
	Outbox *OutboxHandler
}

func NewRouter(logger log.Logger, h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(correlation.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", h.Status.Health)
	r.Get("/sagas/{id}", h.Status.GetSaga)

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.Booking.Book)
		r.Get("/{id}", h.Booking.Get)
	})
	r.Get("/patients/{patientId}/appointments", h.Booking.ListByPatient)

	if h.Outbox != nil {
		r.Route("/outbox", func(r chi.Router) {
			r.Get("/events/{id}", h.Outbox.GetEvent)
			r.Post("/requeue", h.Outbox.Requeue)
		})
	}

	return r
}

func requestLogger(logger log.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()

			next.ServeHTTP(ww, r)

			logger.WithFields([]log.Field{{Name: "correlation_id", Val: correlation.FromContext(r.Context())}}).
				Logf(log.DebugLevel, "%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(started))
		})
	}
}
