package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/clinicflow/bookingsaga/log"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Operation is a guarded call. The context carries the breaker deadline. An op that outlives the
// deadline keeps running in the background, so it must not write to anything the caller reads.
type Operation func(ctx context.Context) (interface{}, error)

// Snapshot is a point in time view of a breaker.
type Snapshot struct {
	Service       string     `json:"service"`
	Enabled       bool       `json:"enabled"`
	State         State      `json:"state"`
	Requests      uint32     `json:"requests"`
	Failures      uint32     `json:"failures"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
	OpenedAt      *time.Time `json:"openedAt,omitempty"`
}

type stateChangeFunc func(service string, from, to State)

// Breaker guards calls to a single dependency. One instance is shared by all callers of that dependency.
type Breaker struct {
	service  string
	config   Config
	cb       *gobreaker.CircuitBreaker
	logger   log.Logger
	onChange stateChangeFunc

	mutex         sync.Mutex
	lastFailureAt *time.Time
	openedAt      *time.Time
}

// New creates a standalone breaker. Use Registry to share breakers per dependency.
func New(service string, config Config, logger log.Logger) *Breaker {
	return newBreaker(service, config, logger, nil)
}

func newBreaker(service string, config Config, logger log.Logger, onChange stateChangeFunc) *Breaker {
	b := &Breaker{
		service:  service,
		config:   config,
		logger:   logger.WithFields([]log.Field{{Name: "breaker", Val: service}}),
		onChange: onChange,
	}

	threshold := float64(config.ErrorThresholdPercentage) / 100

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: service,
		// exactly one trial call in half-open state
		MaxRequests: 1,
		Interval:    config.RollingWindow,
		Timeout:     config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.VolumeThreshold {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= threshold
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			b.handleStateChange(fromGobreaker(from), fromGobreaker(to))
		},
	})

	return b
}

func (b *Breaker) Service() string {
	return b.service
}

// Execute runs op through the breaker. Rejections return *OpenError, calls exceeding the timeout
// return *TimeoutError, any other error is the op's own and counts as a failure.
func (b *Breaker) Execute(ctx context.Context, op Operation) (interface{}, error) {
	if !b.config.Enabled {
		return op(ctx)
	}

	res, err := b.cb.Execute(func() (interface{}, error) {
		res, err := b.call(ctx, op)
		if err != nil {
			b.recordFailure()
		}

		return res, err
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.logger.Logf(log.WarnLevel, "request rejected, breaker state %s", b.State())
			return nil, &OpenError{Service: b.service}
		}

		return nil, err
	}

	return res, nil
}

func (b *Breaker) call(ctx context.Context, op Operation) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	type result struct {
		val interface{}
		err error
	}

	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.Errorf("panic in call to %s: %v", b.service, r)}
			}
		}()

		val, err := op(callCtx)
		done <- result{val: val, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "call to %s abandoned", b.service)
		}

		return nil, &TimeoutError{Service: b.service, Timeout: b.config.Timeout}
	}
}

func (b *Breaker) State() State {
	if !b.config.Enabled {
		return StateClosed
	}

	return fromGobreaker(b.cb.State())
}

func (b *Breaker) Snapshot() Snapshot {
	s := Snapshot{Service: b.service, Enabled: b.config.Enabled, State: b.State()}

	if !b.config.Enabled {
		return s
	}

	counts := b.cb.Counts()
	s.Requests = counts.Requests
	s.Failures = counts.TotalFailures

	b.mutex.Lock()
	defer b.mutex.Unlock()

	s.LastFailureAt = copyTime(b.lastFailureAt)
	s.OpenedAt = copyTime(b.openedAt)

	return s
}

func (b *Breaker) recordFailure() {
	now := time.Now().UTC()

	b.mutex.Lock()
	b.lastFailureAt = &now
	b.mutex.Unlock()
}

// handleStateChange is called by gobreaker while holding its own lock, it must not call back into cb.
func (b *Breaker) handleStateChange(from, to State) {
	b.mutex.Lock()
	switch to {
	case StateOpen:
		now := time.Now().UTC()
		b.openedAt = &now
	case StateClosed:
		b.openedAt = nil
	}
	b.mutex.Unlock()

	lvl := log.InfoLevel
	if to == StateOpen {
		lvl = log.WarnLevel
	}

	b.logger.Logf(lvl, "state changed from %s to %s", from, to)

	if b.onChange != nil {
		b.onChange(b.service, from, to)
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	c := *t

	return &c
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s: %s (%d/%d failed)", s.Service, s.State, s.Failures, s.Requests)
}
