package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/booking"
	"github.com/clinicflow/bookingsaga/circuitbreaker"
	"github.com/clinicflow/bookingsaga/correlation"
	"github.com/clinicflow/bookingsaga/log"
	"github.com/clinicflow/bookingsaga/outbox"
	"github.com/clinicflow/bookingsaga/saga"
)

const defaultRequeueLimit = 100

//go:generate mockgen --build_flags=--mod=mod -destination ./mock_test.go -package api . Booker,SagaReader,OutboxAdmin

type Booker interface {
	BookAppointment(ctx context.Context, req booking.Request, correlationID string) (*booking.Appointment, error)
	Get(ctx context.Context, id string) (*booking.Appointment, error)
	ListByPatient(ctx context.Context, patientID string) ([]*booking.Appointment, error)
}

type SagaReader interface {
	Get(ctx context.Context, sagaID string) (*saga.Execution, error)
}

type HealthReporter interface {
	Snapshots() []circuitbreaker.Snapshot
}

type OutboxAdmin interface {
	RequeueFailed(ctx context.Context, limit int) (int, error)
	Get(ctx context.Context, eventID string) (*outbox.Event, error)
}

type HealthStatus struct {
	Status          string                    `json:"status"`
	Service         string                    `json:"service"`
	CircuitBreakers []circuitbreaker.Snapshot `json:"circuitBreakers"`
}

type BookingHandler struct {
	booker Booker
	logger log.Logger
}

func NewBookingHandler(logger log.Logger, booker Booker) *BookingHandler {
	return &BookingHandler{booker: booker, logger: logger}
}

func (h *BookingHandler) Book(resp http.ResponseWriter, r *http.Request) {
	var req booking.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		NewResponseWriterFromErrMsg("request body must be a json object", http.StatusBadRequest).write(resp, h.logger)
		return
	}

	appointment, err := h.booker.BookAppointment(r.Context(), req, correlation.FromContext(r.Context()))
	if err != nil {
		h.logger.Logf(log.WarnLevel, "booking failed: %s", err)
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(appointment, http.StatusCreated).write(resp, h.logger)
}

func (h *BookingHandler) Get(resp http.ResponseWriter, r *http.Request) {
	appointment, err := h.booker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(appointment, http.StatusOK).write(resp, h.logger)
}

func (h *BookingHandler) ListByPatient(resp http.ResponseWriter, r *http.Request) {
	appointments, err := h.booker.ListByPatient(r.Context(), chi.URLParam(r, "patientId"))
	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(appointments, http.StatusOK).write(resp, h.logger)
}

type StatusHandler struct {
	sagas  SagaReader
	health HealthReporter
	name   string
	logger log.Logger
}

func NewStatusHandler(logger log.Logger, serviceName string, sagas SagaReader, health HealthReporter) *StatusHandler {
	return &StatusHandler{sagas: sagas, health: health, name: serviceName, logger: logger}
}

func (h *StatusHandler) GetSaga(resp http.ResponseWriter, r *http.Request) {
	exec, err := h.sagas.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(exec, http.StatusOK).write(resp, h.logger)
}

// Health reports degraded while any circuit breaker is open, the process itself still serves.
func (h *StatusHandler) Health(resp http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "ok", Service: h.name, CircuitBreakers: make([]circuitbreaker.Snapshot, 0)}

	if h.health != nil {
		status.CircuitBreakers = append(status.CircuitBreakers, h.health.Snapshots()...)
	}

	for _, s := range status.CircuitBreakers {
		if s.State == circuitbreaker.StateOpen {
			status.Status = "degraded"
		}
	}

	NewResponseWriter(status, http.StatusOK).write(resp, h.logger)
}

type OutboxHandler struct {
	admin    OutboxAdmin
	notifier saga.Notifier
	logger   log.Logger
}

func NewOutboxHandler(logger log.Logger, admin OutboxAdmin, notifier saga.Notifier) *OutboxHandler {
	return &OutboxHandler{admin: admin, notifier: notifier, logger: logger}
}

func (h *OutboxHandler) GetEvent(resp http.ResponseWriter, r *http.Request) {
	ev, err := h.admin.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(ev, http.StatusOK).write(resp, h.logger)
}

// Requeue moves failed events back to pending and wakes the publisher up.
func (h *OutboxHandler) Requeue(resp http.ResponseWriter, r *http.Request) {
	limit := defaultRequeueLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			NewResponseWriterFromError(NewResponseError(http.StatusBadRequest, errors.Errorf("query parameter 'limit' is expected to be a positive integer"))).write(resp, h.logger)
			return
		}

		limit = value
	}

	moved, err := h.admin.RequeueFailed(r.Context(), limit)
	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	if moved > 0 && h.notifier != nil {
		h.notifier.Trigger()
	}

	h.logger.Logf(log.InfoLevel, "%d failed outbox events requeued", moved)

	NewResponseWriter(map[string]int{"requeued": moved}, http.StatusOK).write(resp, h.logger)
}
