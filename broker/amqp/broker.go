// Package amqp delivers outbox envelopes to RabbitMQ. Every outbox topic maps to a durable topic
// exchange, the envelope key is the routing key.
package amqp

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/clinicflow/bookingsaga/log"
	"github.com/clinicflow/bookingsaga/outbox"
)

var ErrClosed = errors.New("amqp broker is closed")

type Option func(b *Broker)

func WithDialer(dialer Dialer) Option {
	return func(b *Broker) {
		b.dial = dialer
	}
}

func WithExchangeKind(kind string) Option {
	return func(b *Broker) {
		b.exchangeKind = kind
	}
}

// Broker keeps one connection and one channel. A broken channel is dropped and the next publish
// dials again, so a broker that was down at startup is picked up once it's back.
type Broker struct {
	url          string
	dial         Dialer
	exchangeKind string
	logger       log.Logger

	mutex    sync.Mutex
	conn     Connection
	channel  Channel
	declared map[string]struct{}
	closed   bool
}

var _ outbox.Broker = (*Broker)(nil)

func NewBroker(url string, logger log.Logger, opts ...Option) *Broker {
	b := &Broker{
		url:          url,
		dial:         Dial,
		exchangeKind: amqp.ExchangeTopic,
		logger:       logger.WithFields([]log.Field{{Name: "broker", Val: "amqp"}}),
		declared:     make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return ErrClosed
	}

	return b.connect()
}

func (b *Broker) Publish(ctx context.Context, envelope outbox.Envelope) error {
	body, err := envelope.Body()
	if err != nil {
		return err
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return ErrClosed
	}

	if err := b.connect(); err != nil {
		return err
	}

	if err := b.declare(envelope.Topic); err != nil {
		b.dropChannel()
		return err
	}

	err = b.channel.Publish(envelope.Topic, envelope.Key, false, false, amqp.Publishing{
		Headers: amqp.Table{
			"eventType": envelope.Type,
			"service":   envelope.Service,
		},
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: envelope.CorrelationID,
		MessageId:     envelope.EventID,
		Timestamp:     envelope.Timestamp,
		Type:          envelope.Type,
		AppId:         envelope.Service,
		Body:          body,
	})
	if err != nil {
		b.dropChannel()
		return errors.Wrapf(err, "publishing event %s to exchange %s", envelope.EventID, envelope.Topic)
	}

	return nil
}

func (b *Broker) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			b.logger.Logf(log.WarnLevel, "closing channel: %s", err)
		}
		b.channel = nil
	}

	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil {
			return errors.Wrap(err, "closing amqp connection")
		}
	}

	return nil
}

// connect must be called with the mutex held.
func (b *Broker) connect() error {
	if b.channel != nil && b.conn != nil && !b.conn.IsClosed() {
		return nil
	}

	if b.conn == nil || b.conn.IsClosed() {
		conn, err := b.dial(b.url)
		if err != nil {
			return errors.Wrap(err, "dialing amqp broker")
		}

		b.conn = conn
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "creating channel")
	}

	b.channel = ch
	b.declared = make(map[string]struct{})

	go b.watch(ch, ch.NotifyClose(make(chan *amqp.Error, 1)))

	b.logger.Log(log.InfoLevel, "channel opened")

	return nil
}

func (b *Broker) watch(ch Channel, closeCh chan *amqp.Error) {
	reason, ok := <-closeCh
	if !ok {
		return
	}

	b.logger.Logf(log.WarnLevel, "channel closed, reason: %v", reason)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.channel == ch {
		b.channel = nil
	}
}

func (b *Broker) declare(exchange string) error {
	if _, ok := b.declared[exchange]; ok {
		return nil
	}

	if err := b.channel.ExchangeDeclare(exchange, b.exchangeKind, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declaring exchange %s", exchange)
	}

	b.declared[exchange] = struct{}{}

	return nil
}

func (b *Broker) dropChannel() {
	if b.channel == nil {
		return
	}

	if err := b.channel.Close(); err != nil {
		b.logger.Logf(log.DebugLevel, "closing broken channel: %s", err)
	}

	b.channel = nil
}
