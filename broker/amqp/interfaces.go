package amqp

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

//go:generate mockgen --build_flags=--mod=mod -destination mock_test.go -package amqp . Channel,Connection

type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

// Dialer opens a connection to the broker.
type Dialer func(url string) (Connection, error)

// Dial wraps amqp.Dial.
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	return &connection{Connection: conn}, nil
}

type connection struct {
	*amqp.Connection
}

func (c *connection) Channel() (Channel, error) {
	return c.Connection.Channel()
}
