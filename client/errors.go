package client

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/circuitbreaker"
)

var (
	ErrRequestTimeout     = errors.New("request timeout")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrResponse           = errors.New("error response")
)

type RequestTimeoutError struct {
	Service string
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.Service, e.Timeout)
}

func (e *RequestTimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}

// ServiceUnavailableError is a network level failure, no response was received.
type ServiceUnavailableError struct {
	Service string
	Cause   error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%s is unavailable: %s", e.Service, e.Cause)
}

func (e *ServiceUnavailableError) Is(target error) bool {
	return target == ErrServiceUnavailable
}

func (e *ServiceUnavailableError) Unwrap() error {
	return e.Cause
}

// ResponseError is returned for every non 2xx response.
type ResponseError struct {
	Service    string
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s %s %s responded with %d: %s", e.Service, e.Method, e.Path, e.StatusCode, string(e.Body))
}

func (e *ResponseError) Is(target error) bool {
	return target == ErrResponse
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, circuitbreaker.ErrCircuitOpen)
}

// StatusCode returns the status of a ResponseError in the err chain, 0 otherwise.
func StatusCode(err error) int {
	respErr := &ResponseError{}
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}

	return 0
}
