package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicflow/bookingsaga/booking"
	"github.com/clinicflow/bookingsaga/circuitbreaker"
	"github.com/clinicflow/bookingsaga/client"
	"github.com/clinicflow/bookingsaga/correlation"
	"github.com/clinicflow/bookingsaga/outbox"
	"github.com/clinicflow/bookingsaga/saga"
	"github.com/clinicflow/bookingsaga/testing/log"
)

type fakeHealth []circuitbreaker.Snapshot

func (f fakeHealth) Snapshots() []circuitbreaker.Snapshot {
	return f
}

type triggerCounter struct {
	triggers int
}

func (c *triggerCounter) Trigger() {
	c.triggers++
}

type fixture struct {
	router  http.Handler
	booker  *MockBooker
	sagas   *MockSagaReader
	admin   *MockOutboxAdmin
	trigger *triggerCounter
}

func newFixture(t *testing.T, health HealthReporter) fixture {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	logger := log.NewNilLogger()
	f := fixture{
		booker:  NewMockBooker(ctrl),
		sagas:   NewMockSagaReader(ctrl),
		admin:   NewMockOutboxAdmin(ctrl),
		trigger: &triggerCounter{},
	}

	f.router = NewRouter(logger, Handlers{
		Booking: NewBookingHandler(logger, f.booker),
		Status:  NewStatusHandler(logger, "appointment-service", f.sagas, health),
		Outbox:  NewOutboxHandler(logger, f.admin, f.trigger),
	})

	return f
}

func serve(h http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestBookingRoutes(t *testing.T) {
	body := `{"patientId":"pat-1","doctorId":"doc-1","appointmentDate":"2024-03-10","startTime":"09:00","endTime":"09:30","amount":120}`
	request := booking.Request{PatientID: "pat-1", DoctorID: "doc-1", AppointmentDate: "2024-03-10", StartTime: "09:00", EndTime: "09:30", Amount: 120}

	t.Run("books and echoes the correlation id", func(t *testing.T) {
		f := newFixture(t, nil)

		f.booker.EXPECT().BookAppointment(gomock.Any(), request, "corr-1").
			Return(&booking.Appointment{ID: "appt-1", SagaID: "saga-1", SlotID: "slot-1", Status: booking.StatusScheduled}, nil)

		rec := serve(f.router, http.MethodPost, "/appointments", body, correlation.HeaderName, "corr-1")

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "corr-1", rec.Header().Get(correlation.HeaderName))

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "appt-1", resp["id"])
		assert.Equal(t, "slot-1", resp["slotId"])
	})

	t.Run("generates a correlation id when missing", func(t *testing.T) {
		f := newFixture(t, nil)

		var seen string
		f.booker.EXPECT().BookAppointment(gomock.Any(), request, gomock.Any()).
			DoAndReturn(func(_ interface{}, _ booking.Request, correlationID string) (*booking.Appointment, error) {
				seen = correlationID
				return &booking.Appointment{ID: "appt-1"}, nil
			})

		rec := serve(f.router, http.MethodPost, "/appointments", body)

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(correlation.HeaderName))
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t, nil)

		rec := serve(f.router, http.MethodPost, "/appointments", "{")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"request body must be a json object"}`, rec.Body.String())
	})

	for _, tc := range []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{
			name:   "invalid input",
			err:    errors.Wrap(saga.ErrInvalidInput, "doctorId is required"),
			status: http.StatusBadRequest,
			body:   `{"error":"doctorId is required: invalid booking input"}`,
		},
		{
			name:   "saga failure",
			err:    &saga.ExecutionError{SagaID: "saga-1", FailedStep: saga.StepReserveSlot, Cause: errors.New("slot taken")},
			status: http.StatusConflict,
			body:   `{"error":"saga saga-1 failed at step reserve_slot: slot taken","sagaId":"saga-1","failedStep":"reserve_slot"}`,
		},
		{
			name: "open circuit",
			err: &saga.ExecutionError{
				SagaID:     "saga-1",
				FailedStep: saga.StepCheckDoctorAvailability,
				Cause:      &circuitbreaker.OpenError{Service: "doctor-service"},
			},
			status: http.StatusServiceUnavailable,
			body:   `{"error":"saga saga-1 failed at step check_doctor_availability: circuit breaker for doctor-service is open","sagaId":"saga-1","failedStep":"check_doctor_availability"}`,
		},
		{
			name: "timeout with incomplete compensation",
			err: &saga.ExecutionError{
				SagaID:                 "saga-1",
				FailedStep:             saga.StepCreateInvoice,
				CompensationIncomplete: true,
				FailedCompensations:    []string{saga.StepReserveSlot},
				Cause:                  &client.RequestTimeoutError{Service: "billing-service", Timeout: 5 * time.Second},
			},
			status: http.StatusGatewayTimeout,
		},
		{
			name:   "commit failure",
			err:    errors.Wrap(booking.ErrCommitFailed, "saga saga-1"),
			status: http.StatusInternalServerError,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)

			f.booker.EXPECT().BookAppointment(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, tc.err)

			rec := serve(f.router, http.MethodPost, "/appointments", body)

			assert.Equal(t, tc.status, rec.Code)
			if tc.body != "" {
				assert.JSONEq(t, tc.body, rec.Body.String())
			}
		})
	}

	t.Run("get appointment", func(t *testing.T) {
		f := newFixture(t, nil)

		f.booker.EXPECT().Get(gomock.Any(), "appt-1").Return(&booking.Appointment{ID: "appt-1"}, nil)
		f.booker.EXPECT().Get(gomock.Any(), "appt-404").Return(nil, errors.Wrap(booking.ErrAppointmentNotFound, "appointment appt-404"))

		assert.Equal(t, http.StatusOK, serve(f.router, http.MethodGet, "/appointments/appt-1", "").Code)
		assert.Equal(t, http.StatusNotFound, serve(f.router, http.MethodGet, "/appointments/appt-404", "").Code)
	})

	t.Run("list appointments of a patient", func(t *testing.T) {
		f := newFixture(t, nil)

		f.booker.EXPECT().ListByPatient(gomock.Any(), "pat-1").Return([]*booking.Appointment{{ID: "appt-1"}, {ID: "appt-2"}}, nil)

		rec := serve(f.router, http.MethodGet, "/patients/pat-1/appointments", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp []map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp, 2)
	})
}

func TestStatusRoutes(t *testing.T) {
	t.Run("saga status", func(t *testing.T) {
		f := newFixture(t, nil)

		f.sagas.EXPECT().Get(gomock.Any(), "saga-1").Return(&saga.Execution{SagaID: "saga-1", State: saga.StateCompensated, FailedStep: saga.StepReserveSlot}, nil)

		rec := serve(f.router, http.MethodGet, "/sagas/saga-1", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "compensated", resp["state"])
		assert.Equal(t, "reserve_slot", resp["failedStep"])
	})

	t.Run("unknown saga", func(t *testing.T) {
		f := newFixture(t, nil)

		f.sagas.EXPECT().Get(gomock.Any(), "saga-2").Return(nil, errors.Wrap(saga.ErrExecutionNotFound, "saga saga-2"))

		assert.Equal(t, http.StatusNotFound, serve(f.router, http.MethodGet, "/sagas/saga-2", "").Code)
	})

	t.Run("health is ok with closed breakers", func(t *testing.T) {
		registry := circuitbreaker.NewRegistry(log.NewNilLogger())
		registry.GetOrCreate("doctor-service", circuitbreaker.DefaultConfig())

		f := newFixture(t, registry)

		rec := serve(f.router, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "appointment-service", resp.Service)
		require.Len(t, resp.CircuitBreakers, 1)
		assert.Equal(t, circuitbreaker.StateClosed, resp.CircuitBreakers[0].State)
	})

	t.Run("health is degraded with an open breaker", func(t *testing.T) {
		f := newFixture(t, fakeHealth{
			{Service: "doctor-service", State: circuitbreaker.StateClosed},
			{Service: "billing-service", State: circuitbreaker.StateOpen},
		})

		rec := serve(f.router, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	})
}

func TestOutboxRoutes(t *testing.T) {
	t.Run("requeue wakes the publisher", func(t *testing.T) {
		f := newFixture(t, nil)

		f.admin.EXPECT().RequeueFailed(gomock.Any(), 10).Return(3, nil)

		rec := serve(f.router, http.MethodPost, "/outbox/requeue?limit=10", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"requeued":3}`, rec.Body.String())
		assert.Equal(t, 1, f.trigger.triggers)
	})

	t.Run("requeue with default limit and nothing to move", func(t *testing.T) {
		f := newFixture(t, nil)

		f.admin.EXPECT().RequeueFailed(gomock.Any(), defaultRequeueLimit).Return(0, nil)

		rec := serve(f.router, http.MethodPost, "/outbox/requeue", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 0, f.trigger.triggers)
	})

	t.Run("bad limit", func(t *testing.T) {
		f := newFixture(t, nil)

		rec := serve(f.router, http.MethodPost, "/outbox/requeue?limit=-1", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"query parameter 'limit' is expected to be a positive integer"}`, rec.Body.String())
	})

	t.Run("get event", func(t *testing.T) {
		f := newFixture(t, nil)

		f.admin.EXPECT().Get(gomock.Any(), "ev-1").Return(&outbox.Event{EventID: "ev-1", Status: outbox.StatusFailed, RetryCount: 5}, nil)
		f.admin.EXPECT().Get(gomock.Any(), "ev-2").Return(nil, errors.Wrap(outbox.ErrEventNotFound, "event ev-2"))

		rec := serve(f.router, http.MethodGet, "/outbox/events/ev-1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"ev-1"`)

		assert.Equal(t, http.StatusNotFound, serve(f.router, http.MethodGet, "/outbox/events/ev-2", "").Code)
	})
}
