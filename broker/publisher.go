package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/akhenakh/ttnrelay/metrics"
)

// AMQPPublisher publishes persistent messages on its own channel in confirm mode,
// Publish returns once the broker has taken responsibility for the message.
type AMQPPublisher struct {
	ch     *amqp.Channel
	appID  string
	closed chan *amqp.Error
}

// NewPublisher opens a channel on conn and declares exchanges.
func NewPublisher(conn *amqp.Connection, appID string, exchanges ...string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("can't open publish channel: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for _, ex := range exchanges {
		if err := DeclareExchange(ch, ex); err != nil {
			ch.Close()
			return nil, err
		}
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("can't put channel in confirm mode: %w", err)
	}

	return &AMQPPublisher{ch: ch, appID: appID, closed: closed}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, exchange, key string, body []byte) error {
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		AppId:        p.appID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("can't publish to %s with key %s: %w", exchange, key, err)
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("no confirmation from %s: %w", exchange, err)
	}
	if !ok {
		return ErrNacked
	}

	metrics.PublishedCounter.WithLabelValues(exchange).Inc()
	return nil
}

// Watch blocks until ctx is done or the broker closes the publish channel,
// a closed channel never publishes again so the process has to exit.
func (p *AMQPPublisher) Watch(ctx context.Context) error {
	return watch(ctx, p.closed, ErrChannelClosed)
}

func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}
