package circuitbreaker

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCircuitOpen matches every rejection made without calling the dependency.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTimeout matches calls that exceeded the breaker timeout.
	ErrTimeout = errors.New("circuit breaker timeout")
)

type OpenError struct {
	Service string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open", e.Service)
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

type TimeoutError struct {
	Service string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call to %s timed out after %s", e.Service, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
