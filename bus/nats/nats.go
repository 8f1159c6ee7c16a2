// Package nats implements bus.Bus on core NATS. Core NATS does not
// redeliver, so handler errors are only logged.
package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/ose-micro/core/logger"
	"github.com/ose-micro/events/bus"
	"github.com/ose-micro/events/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type natsBus struct {
	nc     *nats.Conn
	log    logger.Logger
	tracer trace.Tracer
}

// New connects to NATS and returns a bus over the connection.
func New(conf Config, log logger.Logger) (bus.Bus, error) {
	log = logging.With(log)
	nc, err := Connect(conf)
	if err != nil {
		log.Error("failed to connect to NATS", zap.String("url", conf.URL), zap.Error(err))
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	log.Info("connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return NewWithConn(nc, log), nil
}

// NewWithConn wraps an established connection. Close drains it.
func NewWithConn(nc *nats.Conn, log logger.Logger) bus.Bus {
	return &natsBus{
		nc:     nc,
		log:    logging.With(log, zap.String("component", "nats_bus")),
		tracer: otel.Tracer("github.com/ose-micro/events/bus/nats"),
	}
}

// Publish implements bus.Bus.
func (n *natsBus) Publish(ctx context.Context, subject string, msg []byte) error {
	_, span := n.tracer.Start(ctx, "nats.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("messaging.destination", subject)),
	)
	defer span.End()

	if err := n.nc.Publish(subject, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.log.Error("failed to publish message", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("nats: publish %s: %w", subject, err)
	}

	n.log.Debug("published message", zap.String("subject", subject))
	return nil
}

// Subscribe implements bus.Bus. The subscription ends when ctx is done.
func (n *natsBus) Subscribe(ctx context.Context, subject, queue string, handler bus.Handler) (bus.Subscription, error) {
	log := logging.With(n.log, zap.String("subject", subject), zap.String("queue", queue))

	cb := func(msg *nats.Msg) {
		mctx, span := n.tracer.Start(ctx, "nats.receive", trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.String("messaging.destination", msg.Subject)),
		)
		defer span.End()

		if err := handler(mctx, msg.Data); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("handler error", zap.Error(err))
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = n.nc.Subscribe(subject, cb)
	} else {
		sub, err = n.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		log.Error("failed to subscribe", zap.Error(err))
		return nil, fmt.Errorf("nats: subscribe %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		if sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}()

	log.Info("subscribed to subject")
	return sub, nil
}

// Close implements bus.Bus.
func (n *natsBus) Close() error {
	return n.nc.Drain()
}
