// Package broker wraps the AMQP primitives used by the pipeline: topic exchanges,
// confirmed persistent publishing and a consumer runtime acknowledging on behalf of a Handler.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeKind is the kind of every exchange declared by the pipeline
	ExchangeKind = "topic"

	// ContentType of the packed messages
	ContentType = "application/msgpack"
)

var (
	// ErrNacked is returned when the broker refuses a publish
	ErrNacked = errors.New("publish nacked by broker")

	// ErrConnectionClosed is returned when the connection or the delivery stream goes away
	ErrConnectionClosed = errors.New("broker connection closed")

	// ErrChannelClosed is returned when the broker closes a publish channel, e.g. on a missing exchange
	ErrChannelClosed = errors.New("broker channel closed")
)

// Action is the acknowledgment decision taken for a delivery.
type Action int

const (
	// Ack the message was processed or deliberately skipped
	Ack Action = iota

	// Retry the message hit a transient failure, it is requeued
	Retry

	// Poison the message will never succeed, it is acknowledged and dropped
	Poison
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Poison:
		return "poison"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Publisher publishes a packed message under a routing key.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
}

// Handler processes one delivered message body and decides its fate.
type Handler interface {
	HandleDelivery(ctx context.Context, body []byte) Action
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, body []byte) Action

func (f HandlerFunc) HandleDelivery(ctx context.Context, body []byte) Action {
	return f(ctx, body)
}

// Dial opens the process wide broker connection.
func Dial(url, appName string) (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": appName},
	})
	if err != nil {
		return nil, fmt.Errorf("can't connect to broker: %w", err)
	}
	return conn, nil
}

// Watch blocks until ctx is done or the connection is lost,
// a lost connection is returned as an error so the process can exit.
func Watch(ctx context.Context, conn *amqp.Connection) error {
	return watch(ctx, conn.NotifyClose(make(chan *amqp.Error, 1)), ErrConnectionClosed)
}

func watch(ctx context.Context, closed <-chan *amqp.Error, lost error) error {
	select {
	case <-ctx.Done():
		return nil
	case aerr, ok := <-closed:
		if !ok || aerr == nil {
			return lost
		}
		return fmt.Errorf("%w: %v", lost, aerr)
	}
}

// DeclareExchange declares a durable topic exchange.
func DeclareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, ExchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("can't declare exchange %s: %w", name, err)
	}
	return nil
}
