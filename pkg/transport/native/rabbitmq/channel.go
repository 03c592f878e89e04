package rabbitmq

import (
	"context"
	"io"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the part of *amqp.Channel the subsystem uses; it exists to
// be able to mock the AMQP behavior.
//
//nolint:interfacebloat // mirrors the amqp091 channel surface in use
type amqpChannel interface {
	io.Closer

	IsClosed() bool
	Tx() error
	TxCommit() error
	TxRollback() error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueuePurge(name string, noWait bool) (int, error)
}

// connection is the part of *amqp.Connection the subsystem uses.
type connection interface {
	io.Closer

	IsClosed() bool
	Channel() (amqpChannel, error)
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func dialAMQP(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	return amqpConnection{Connection: conn}, nil
}
