package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/clock"
	"github.com/clinicflow/bookingsaga/log"
	"github.com/clinicflow/bookingsaga/mutex"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultBatchSize   = 100
	DefaultMaxRetries  = 5
	DefaultServiceName = "appointment-service"
	defaultLockKey     = "outbox-publisher"
)

var ErrPublisherRunning = errors.New("outbox publisher is already running")

// Envelope is what gets delivered to the messaging backbone.
type Envelope struct {
	EventID       string    `json:"eventId"`
	Type          string    `json:"type"`
	Service       string    `json:"service"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Data          Payload   `json:"data"`

	// Topic and Key route the message, they are not part of the body.
	Topic string `json:"-"`
	Key   string `json:"-"`
}

func (e Envelope) Body() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "marshaling envelope of event %s", e.EventID)
	}

	return body, nil
}

// Broker delivers envelopes to the messaging backbone.
type Broker interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, envelope Envelope) error
	Close() error
}

// Locker serialises dispatch cycles across replicas sharing one outbox table.
type Locker interface {
	TryLock(ctx context.Context, key string) (mutex.Lock, bool, error)
}

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
	Skipped           bool
}

type Option func(p *Publisher)

func WithInterval(interval time.Duration) Option {
	return func(p *Publisher) {
		p.interval = interval
	}
}

func WithBatchSize(size int) Option {
	return func(p *Publisher) {
		p.batchSize = size
	}
}

func WithMaxRetries(maxRetries int) Option {
	return func(p *Publisher) {
		p.maxRetries = maxRetries
	}
}

func WithServiceName(name string) Option {
	return func(p *Publisher) {
		p.serviceName = name
	}
}

// WithLocker makes every cycle try to grab key first, cycles that don't get it are skipped.
func WithLocker(locker Locker, key string) Option {
	return func(p *Publisher) {
		p.locker = locker
		if key != "" {
			p.lockKey = key
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Publisher) {
		p.clock = c
	}
}

// Publisher drains pending outbox events to the broker. Delivery is at least once: an event is
// published before it's marked, a crash in between leads to a redelivery.
type Publisher struct {
	store  Store
	broker Broker
	logger log.Logger
	clock  clock.Clock

	interval    time.Duration
	batchSize   int
	maxRetries  int
	serviceName string
	locker      Locker
	lockKey     string

	connected int32
	trigger   chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	runMutex  sync.Mutex
	running   bool
	runDone   chan struct{}
}

func NewPublisher(store Store, broker Broker, logger log.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		store:       store,
		broker:      broker,
		logger:      logger.WithFields([]log.Field{{Name: "component", Val: "outbox-publisher"}}),
		clock:       clock.Real(),
		interval:    DefaultInterval,
		batchSize:   DefaultBatchSize,
		maxRetries:  DefaultMaxRetries,
		serviceName: DefaultServiceName,
		lockKey:     defaultLockKey,
		trigger:     make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	if p.maxRetries <= 0 {
		p.maxRetries = DefaultMaxRetries
	}

	return p
}

// Start connects the broker and runs the loop in background until ctx is done or Shutdown is called.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		if err := p.Run(ctx); err != nil {
			p.logger.Logf(log.ErrorLevel, "publisher loop exited: %s", err)
		}
	}()
}

// Run blocks, dispatching on every tick or Trigger. A broker that can't be reached at start
// doesn't stop the loop, events stay pending and connecting is retried every cycle.
func (p *Publisher) Run(ctx context.Context) error {
	p.runMutex.Lock()
	if p.running {
		p.runMutex.Unlock()
		return ErrPublisherRunning
	}
	// Shutdown closes stop before it looks at running, a loop that got here late must not touch the broker.
	select {
	case <-p.stop:
		p.runMutex.Unlock()
		return nil
	default:
	}
	p.running = true
	runDone := make(chan struct{})
	p.runDone = runDone
	p.runMutex.Unlock()

	defer func() {
		p.runMutex.Lock()
		p.running = false
		close(runDone)
		p.runMutex.Unlock()
	}()

	p.ensureConnected(ctx)

	p.logger.Logf(log.InfoLevel, "publisher started, interval %s, batch %d", p.interval, p.batchSize)
	defer p.logger.Log(log.InfoLevel, "publisher stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)

	for {
		select {
		case <-p.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.trigger:
		}

		select {
		case <-p.stop:
			return nil
		default:
		}

		p.cycle(ctx)
	}
}

// Trigger asks for a dispatch cycle without waiting for the next tick. It never blocks.
func (p *Publisher) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// Shutdown stops the loop, waits for the in-flight cycle and closes the broker.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.Stop()

	p.runMutex.Lock()
	running, runDone := p.running, p.runDone
	p.runMutex.Unlock()

	if running {
		select {
		case <-runDone:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for in-flight dispatch cycle")
		}
	}

	if err := p.broker.Close(); err != nil {
		return errors.Wrap(err, "closing broker")
	}

	return nil
}

func (p *Publisher) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Logf(log.ErrorLevel, "dispatch cycle panicked: %v", r)
		}
	}()

	res := p.DispatchOnce(ctx)
	if res.Processed > 0 {
		p.logger.Logf(log.DebugLevel, "dispatched %d events: %d published, %d failed", res.Processed, res.Published, res.Failed)
	}
}

// DispatchOnce publishes one batch of pending events.
func (p *Publisher) DispatchOnce(ctx context.Context) DispatchResult {
	res := DispatchResult{}

	if p.locker != nil {
		lock, acquired, err := p.locker.TryLock(ctx, p.lockKey)
		if err != nil {
			p.logger.Logf(log.ErrorLevel, "acquiring publisher lock: %s", err)
			res.Skipped = true
			return res
		}

		if !acquired {
			p.logger.Log(log.TraceLevel, "publisher lock is held by another instance, skipping cycle")
			res.Skipped = true
			return res
		}

		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				p.logger.Logf(log.ErrorLevel, "releasing publisher lock: %s", err)
			}
		}()
	}

	if !p.ensureConnected(ctx) {
		res.Skipped = true
		return res
	}

	events, err := p.store.GetPendingEvents(ctx, p.batchSize)
	if err != nil {
		p.logger.Logf(log.ErrorLevel, "fetching pending events: %s", err)
		return res
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}

		res.Processed++

		evLogger := p.logger.WithFields([]log.Field{
			{Name: "eventId", Val: ev.EventID},
			{Name: "eventType", Val: ev.EventType},
		})

		if err := p.broker.Publish(ctx, p.envelope(ev)); err != nil {
			res.Failed++
			evLogger.Logf(log.WarnLevel, "publishing failed, attempt %d of %d: %s", ev.RetryCount+1, p.maxRetries, err)

			if markErr := p.store.MarkFailed(ctx, ev.EventID, err.Error(), p.maxRetries); markErr != nil {
				res.StateUpdateFailed++
				evLogger.Logf(log.ErrorLevel, "recording failed attempt: %s", markErr)
			}

			continue
		}

		res.Published++

		if err := p.store.MarkPublished(ctx, ev.EventID); err != nil {
			res.StateUpdateFailed++
			evLogger.Logf(log.ErrorLevel, "marking event published: %s", err)
		}
	}

	return res
}

func (p *Publisher) envelope(ev *Event) Envelope {
	return Envelope{
		EventID:       ev.EventID,
		Type:          ev.EventType,
		Service:       p.serviceName,
		Timestamp:     p.clock.Now(),
		CorrelationID: ev.CorrelationID,
		Data:          ev.Payload,
		Topic:         ev.Topic,
		Key:           ev.AggregateID,
	}
}

func (p *Publisher) ensureConnected(ctx context.Context) bool {
	if atomic.LoadInt32(&p.connected) == 1 {
		return true
	}

	if err := p.broker.Connect(ctx); err != nil {
		p.logger.Logf(log.WarnLevel, "broker unavailable, events stay pending: %s", err)
		return false
	}

	atomic.StoreInt32(&p.connected, 1)
	p.logger.Log(log.InfoLevel, "broker connected")

	return true
}
