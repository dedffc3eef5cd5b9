package outbox

import (
	"context"

	"github.com/clinicflow/bookingsaga/log"
)

// LogBroker only logs envelopes. It backs deployments without a messaging backbone, events still
// end up marked published.
type LogBroker struct {
	logger log.Logger
}

var _ Broker = (*LogBroker)(nil)

func NewLogBroker(logger log.Logger) *LogBroker {
	return &LogBroker{logger: logger.WithFields([]log.Field{{Name: "broker", Val: "log"}})}
}

func (b *LogBroker) Connect(ctx context.Context) error {
	return nil
}

func (b *LogBroker) Publish(ctx context.Context, envelope Envelope) error {
	b.logger.WithFields([]log.Field{
		{Name: "event_id", Val: envelope.EventID},
		{Name: "correlation_id", Val: envelope.CorrelationID},
	}).Logf(log.InfoLevel, "event %s to %s, key %s", envelope.Type, envelope.Topic, envelope.Key)

	return nil
}

func (b *LogBroker) Close() error {
	return nil
}
