package broker

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/akhenakh/ttnrelay/metrics"
)

type ConsumerConfig struct {
	// exchange the queue is bound to
	Exchange string

	// durable queue name and binding pattern
	Queue   string
	Pattern string

	ConsumerTag string

	// max unacknowledged deliveries in flight
	Prefetch int

	// wait after a Retry, doubled on each consecutive Retry up to MaxRetryDelay
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// Consumer binds a Handler to a durable queue, deliveries are acknowledged
// only after the Handler returned, giving at least once processing.
type Consumer struct {
	logger  log.Logger
	ch      *amqp.Channel
	cfg     ConsumerConfig
	handler Handler

	// current backoff
	delay time.Duration
}

// NewConsumer opens a dedicated channel and declares the exchange, queue and binding.
func NewConsumer(conn *amqp.Connection, logger log.Logger, cfg ConsumerConfig, h Handler) (*Consumer, error) {
	logger = log.With(logger, "component", "consumer", "queue", cfg.Queue)
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = fmt.Sprintf("%s-%s", cfg.Queue, uuid.New().String())
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("can't open consume channel: %w", err)
	}

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("can't set prefetch: %w", err)
		}
	}

	if err := DeclareExchange(ch, cfg.Exchange); err != nil {
		ch.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("can't declare queue %s: %w", cfg.Queue, err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.Pattern, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("can't bind queue %s to %s with %s: %w", cfg.Queue, cfg.Exchange, cfg.Pattern, err)
	}

	level.Info(logger).Log("msg", "queue bound", "exchange", cfg.Exchange, "pattern", cfg.Pattern)

	return &Consumer{
		logger:  logger,
		ch:      ch,
		cfg:     cfg,
		handler: h,
	}, nil
}

// Run consumes until ctx is done, a closed delivery stream returns ErrConnectionClosed.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("can't consume %s: %w", c.cfg.Queue, err)
	}
	level.Info(c.logger).Log("msg", "consuming", "tag", c.cfg.ConsumerTag)

	err = c.consume(ctx, deliveries)
	if ctx.Err() != nil {
		// unacked deliveries are requeued by the broker once the channel closes
		if cerr := c.ch.Cancel(c.cfg.ConsumerTag, false); cerr != nil {
			level.Warn(c.logger).Log("msg", "can't cancel consumer", "error", cerr)
		}
	}
	return err
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrConnectionClosed
			}
			if err := c.handle(ctx, d); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) error {
	if d.Redelivered {
		level.Debug(c.logger).Log("msg", "redelivered msg", "delivery_tag", d.DeliveryTag)
	}

	action := c.handler.HandleDelivery(ctx, d.Body)
	metrics.ConsumedCounter.WithLabelValues(action.String()).Inc()

	switch action {
	case Retry:
		if err := d.Nack(false, true); err != nil {
			return fmt.Errorf("can't nack delivery %d: %w", d.DeliveryTag, err)
		}
		c.backoff(ctx)
	case Ack, Poison:
		c.delay = 0
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("can't ack delivery %d: %w", d.DeliveryTag, err)
		}
	default:
		// unknown decisions are never dropped
		if err := d.Nack(false, true); err != nil {
			return fmt.Errorf("can't nack delivery %d: %w", d.DeliveryTag, err)
		}
	}
	return nil
}

func (c *Consumer) backoff(ctx context.Context) {
	if c.delay == 0 {
		c.delay = c.cfg.RetryDelay
	} else {
		c.delay *= 2
	}
	if c.cfg.MaxRetryDelay > 0 && c.delay > c.cfg.MaxRetryDelay {
		c.delay = c.cfg.MaxRetryDelay
	}
	if c.delay <= 0 {
		return
	}

	level.Warn(c.logger).Log("msg", "transient failure, backing off", "delay", c.delay)
	t := time.NewTimer(c.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
