package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ose-micro/core/logger"
	"github.com/ose-micro/events"
	"github.com/ose-micro/events/bus"
	"github.com/ose-micro/events/internal/logging"
	"github.com/thejerf/suture/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Consumer subscribes to the subject of every event known to its registry
// and dispatches what arrives. It is a suture.Service.
type Consumer struct {
	bus        bus.Bus
	dispatcher *events.Dispatcher
	registry   *events.Registry

	prefix     string
	queue      string
	log        logger.Logger
	propagator propagation.TextMapPropagator
}

var _ suture.Service = (*Consumer)(nil)

type ConsumerOption func(*Consumer)

func WithConsumerLogger(log logger.Logger) ConsumerOption {
	return func(c *Consumer) { c.log = log }
}

func WithConsumerPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) { c.prefix = prefix }
}

// WithQueue makes consumers sharing the queue compete for events instead
// of each receiving all of them.
func WithQueue(queue string) ConsumerOption {
	return func(c *Consumer) { c.queue = queue }
}

func NewConsumer(b bus.Bus, d *events.Dispatcher, r *events.Registry, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		bus:        b,
		dispatcher: d,
		registry:   r,
		prefix:     DefaultPrefix,
		log:        logging.Nop(),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.With(c.log, zap.String("component", "relay_consumer"), zap.String("queue", c.queue))
	return c
}

func (c *Consumer) String() string {
	return fmt.Sprintf("relay.Consumer(%s*, queue=%q)", c.prefix, c.queue)
}

// Serve implements suture.Service. It holds the subscriptions until ctx is
// done.
func (c *Consumer) Serve(ctx context.Context) error {
	names := c.registry.Names()
	if len(names) == 0 {
		c.log.Warn("no events registered, nothing to consume")
		return suture.ErrDoNotRestart
	}

	subs := make([]bus.Subscription, 0, len(names))
	defer func() {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				c.log.Warn("failed to unsubscribe", zap.Error(err))
			}
		}
	}()

	for _, name := range names {
		subject := Subject(c.prefix, name)
		sub, err := c.bus.Subscribe(ctx, subject, c.queue, c.handle)
		if err != nil {
			c.log.Error("failed to subscribe", zap.String("subject", subject), zap.Error(err))
			return fmt.Errorf("relay: subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	c.log.Info("consuming events", zap.Strings("events", names))
	<-ctx.Done()
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return fmt.Errorf("%w: decode envelope: %w", bus.ErrDiscard, err)
	}

	event, err := c.registry.Decode(env)
	if err != nil {
		return fmt.Errorf("%w: %w", bus.ErrDiscard, err)
	}

	if len(env.Metadata) > 0 {
		ctx = c.propagator.Extract(ctx, propagation.MapCarrier(env.Metadata))
	}
	ctx = events.ContextWithEnvelope(ctx, env)

	err = c.dispatcher.Dispatch(ctx, event).Wait(ctx)
	if err == nil {
		return nil
	}
	if unrecoverable(err) {
		return fmt.Errorf("%w: %w", bus.ErrDiscard, err)
	}
	return err
}

// unrecoverable reports dispatch failures that a redelivery cannot fix. A
// message whose handlers failed is redelivered only when at least one of
// them may succeed on another try.
func unrecoverable(err error) bool {
	var (
		notFound *events.HandlerNotFoundError
		invalid  *events.ValidationError
	)
	return errors.Is(err, events.ErrMissingEvent) ||
		errors.As(err, &notFound) ||
		errors.As(err, &invalid) ||
		events.IsPermanent(err)
}
