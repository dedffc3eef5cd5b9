package api

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/booking"
	"github.com/clinicflow/bookingsaga/client"
	"github.com/clinicflow/bookingsaga/log"
	"github.com/clinicflow/bookingsaga/outbox"
	"github.com/clinicflow/bookingsaga/saga"
)

// ResponseError carries the http status an error should be answered with.
type ResponseError struct {
	error
	status int
}

// Status returns http status code
func (e ResponseError) Status() int {
	return e.status
}

func (e ResponseError) Unwrap() error {
	return e.error
}

func NewResponseError(status int, err error) ResponseError {
	return ResponseError{status: status, error: err}
}

type errorBody struct {
	Error                  string   `json:"error"`
	SagaID                 string   `json:"sagaId,omitempty"`
	FailedStep             string   `json:"failedStep,omitempty"`
	CompensationIncomplete bool     `json:"compensationIncomplete,omitempty"`
	FailedCompensations    []string `json:"failedCompensations,omitempty"`
}

type responseWriter struct {
	body   interface{}
	status int
}

func NewResponseWriter(body interface{}, status int) *responseWriter {
	return &responseWriter{body: body, status: status}
}

func NewResponseWriterFromErrMsg(errMsg string, status int) *responseWriter {
	return NewResponseWriterFromError(NewResponseError(status, errors.New(errMsg)))
}

func NewResponseWriterFromError(err error) *responseWriter {
	body := errorBody{Error: err.Error()}

	var execErr *saga.ExecutionError
	if errors.As(err, &execErr) {
		body.SagaID = execErr.SagaID
		body.FailedStep = execErr.FailedStep
		body.CompensationIncomplete = execErr.CompensationIncomplete
		body.FailedCompensations = execErr.FailedCompensations
	}

	return &responseWriter{body: body, status: statusOf(err)}
}

// statusOf maps domain errors to http statuses. Unknown errors are 500.
func statusOf(err error) int {
	var respErr ResponseError
	if errors.As(err, &respErr) {
		return respErr.Status()
	}

	switch {
	case errors.Is(err, saga.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, booking.ErrAppointmentNotFound),
		errors.Is(err, saga.ErrExecutionNotFound),
		errors.Is(err, outbox.ErrEventNotFound):
		return http.StatusNotFound
	case client.IsCircuitOpen(err), client.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case client.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, saga.ErrSagaExecutionFailed):
		return http.StatusConflict
	case errors.Is(err, saga.ErrJournalDisabled):
		return http.StatusNotImplemented
	}

	return http.StatusInternalServerError
}

func (rw *responseWriter) write(resp http.ResponseWriter, logger log.Logger) {
	respBody, err := json.Marshal(rw.body)
	if err != nil {
		logger.Log(log.ErrorLevel, err)
		resp.WriteHeader(http.StatusInternalServerError)
		return
	}

	resp.Header().Set("Content-Type", "application/json")

	resp.WriteHeader(rw.status)

	if _, err = resp.Write(respBody); err != nil {
		logger.Log(log.ErrorLevel, err)
	}
}
