// Package rabbit implements bus.Bus on a RabbitMQ exchange. Subjects are
// routing keys; failed deliveries are requeued unless discarded.
package rabbit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/ose-micro/core/logger"
	"github.com/ose-micro/events/bus"
	"github.com/ose-micro/events/internal/logging"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type rabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  Config
	log     logger.Logger
	tracer  trace.Tracer

	pubMu sync.Mutex
}

// New connects to RabbitMQ, retrying with exponential backoff until
// cfg.ConnectTimeout elapses or ctx is done, and declares the exchange.
func New(ctx context.Context, cfg Config, log logger.Logger) (bus.Bus, error) {
	cfg = cfg.withDefaults()
	log = logging.With(log, zap.String("component", "rabbit_bus"), zap.String("exchange", cfg.Exchange))
	log.Info("connecting to RabbitMQ")

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.ReconnectBackoff
	expBackoff.MaxElapsedTime = cfg.ConnectTimeout

	var conn *amqp.Connection
	operation := func() error {
		var err error
		conn, err = amqp.Dial(cfg.URL)
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("retrying RabbitMQ connection", zap.Duration("backoff", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return nil, fmt.Errorf("rabbit: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Error("failed to open channel", zap.Error(err))
		conn.Close()
		return nil, fmt.Errorf("rabbit: open channel: %w", err)
	}

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("rabbit: qos: %w", err)
		}
	}

	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		cfg.ExchangeType,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		log.Error("failed to declare exchange", zap.Error(err))
		conn.Close()
		return nil, fmt.Errorf("rabbit: declare exchange %s: %w", cfg.Exchange, err)
	}

	log.Info("RabbitMQ ready")
	return &rabbitMQ{
		conn:    conn,
		channel: ch,
		config:  cfg,
		log:     log,
		tracer:  otel.Tracer("github.com/ose-micro/events/bus/rabbit"),
	}, nil
}

// Publish implements bus.Bus.
func (r *rabbitMQ) Publish(ctx context.Context, subject string, msg []byte) error {
	_, span := r.tracer.Start(ctx, "rabbitmq.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", r.config.Exchange),
			attribute.String("messaging.rabbitmq.routing_key", subject),
		),
	)
	defer span.End()

	r.pubMu.Lock()
	err := r.channel.Publish(
		r.config.Exchange,
		subject,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         msg,
		},
	)
	r.pubMu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error("failed to publish message", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("rabbit: publish %s: %w", subject, err)
	}

	r.log.Debug("published message", zap.String("subject", subject))
	return nil
}

// Subscribe implements bus.Bus. An empty queue gets an exclusive,
// server-named queue that disappears with the subscriber.
func (r *rabbitMQ) Subscribe(ctx context.Context, subject, queue string, handler bus.Handler) (bus.Subscription, error) {
	durable := queue != ""
	q, err := r.channel.QueueDeclare(
		queue,
		durable,
		!durable, // autoDelete
		!durable, // exclusive
		false,
		nil,
	)
	if err != nil {
		r.log.Error("failed to declare queue", zap.String("queue", queue), zap.Error(err))
		return nil, fmt.Errorf("rabbit: declare queue: %w", err)
	}

	if err := r.channel.QueueBind(q.Name, subject, r.config.Exchange, false, nil); err != nil {
		r.log.Error("failed to bind queue", zap.String("queue", q.Name), zap.Error(err))
		return nil, fmt.Errorf("rabbit: bind queue: %w", err)
	}

	tag := "consumer-" + uuid.NewString()
	msgs, err := r.channel.Consume(
		q.Name,
		tag,
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		r.log.Error("failed to consume", zap.String("queue", q.Name), zap.Error(err))
		return nil, fmt.Errorf("rabbit: consume: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{channel: r.channel, tag: tag, cancel: cancel}
	log := logging.With(r.log, zap.String("subject", subject), zap.String("queue", q.Name), zap.String("tag", tag))

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					log.Warn("consumer closed")
					return
				}
				r.deliver(ctx, d, handler, log)
			}
		}
	}()

	log.Info("subscription started")
	return sub, nil
}

func (r *rabbitMQ) deliver(ctx context.Context, d amqp.Delivery, handler bus.Handler, log logger.Logger) {
	ctx, span := r.tracer.Start(ctx, "rabbitmq.receive", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.rabbitmq.routing_key", d.RoutingKey)),
	)
	defer span.End()

	err := handler(ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	requeue := bus.Redeliver(err)
	log.Error("handler error", zap.Bool("requeue", requeue), zap.Error(err))
	_ = d.Nack(false, requeue)
}

// Close implements bus.Bus.
func (r *rabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		r.log.Warn("failed to close channel", zap.Error(err))
	}
	if err := r.conn.Close(); err != nil {
		r.log.Warn("failed to close connection", zap.Error(err))
	}
	return nil
}

type subscription struct {
	channel *amqp.Channel
	tag     string
	cancel  context.CancelFunc
	once    sync.Once
	err     error
}

// Unsubscribe implements bus.Subscription.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.channel.Cancel(s.tag, false)
	})
	return s.err
}
