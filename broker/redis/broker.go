// Package redis delivers outbox envelopes to Redis streams, one stream per topic.
package redis

import (
	"context"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/clinicflow/bookingsaga/log"
	"github.com/clinicflow/bookingsaga/outbox"
)

const DefaultMaxLen int64 = 100000

type Option func(b *Broker)

// WithStreamPrefix prepends prefix to the topic to build the stream name.
func WithStreamPrefix(prefix string) Option {
	return func(b *Broker) {
		b.prefix = prefix
	}
}

// WithMaxLen caps every stream approximately. Zero disables trimming.
func WithMaxLen(maxLen int64) Option {
	return func(b *Broker) {
		b.maxLen = maxLen
	}
}

type Broker struct {
	client goredis.UniversalClient
	prefix string
	maxLen int64
	logger log.Logger
}

var _ outbox.Broker = (*Broker)(nil)

func NewBroker(client goredis.UniversalClient, logger log.Logger, opts ...Option) *Broker {
	b := &Broker{
		client: client,
		maxLen: DefaultMaxLen,
		logger: logger.WithFields([]log.Field{{Name: "broker", Val: "redis"}}),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Broker) Connect(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "pinging redis")
	}

	return nil
}

func (b *Broker) Publish(ctx context.Context, envelope outbox.Envelope) error {
	body, err := envelope.Body()
	if err != nil {
		return err
	}

	args := &goredis.XAddArgs{
		Stream: b.Stream(envelope.Topic),
		Values: map[string]interface{}{
			"eventId":       envelope.EventID,
			"eventType":     envelope.Type,
			"service":       envelope.Service,
			"key":           envelope.Key,
			"correlationId": envelope.CorrelationID,
			"body":          string(body),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return errors.Wrapf(err, "adding event %s to stream %s", envelope.EventID, args.Stream)
	}

	b.logger.Logf(log.TraceLevel, "event %s appended to %s as %s", envelope.EventID, args.Stream, id)

	return nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

// Stream returns the name of the stream events of topic land in.
func (b *Broker) Stream(topic string) string {
	return b.prefix + topic
}
