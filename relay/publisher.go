// Package relay connects a Dispatcher to a bus.Bus: the Publisher puts
// events on the bus, the Consumer feeds them back into a Dispatcher.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ose-micro/core/logger"
	"github.com/ose-micro/events"
	"github.com/ose-micro/events/bus"
	"github.com/ose-micro/events/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// DefaultPrefix is prepended to event names to build subjects.
const DefaultPrefix = "events."

// Subject returns the subject events named name travel on.
func Subject(prefix, name string) string {
	return prefix + name
}

type Publisher struct {
	bus        bus.Bus
	prefix     string
	log        logger.Logger
	propagator propagation.TextMapPropagator
}

type PublisherOption func(*Publisher)

func WithPublisherLogger(log logger.Logger) PublisherOption {
	return func(p *Publisher) { p.log = log }
}

func WithPublisherPrefix(prefix string) PublisherOption {
	return func(p *Publisher) { p.prefix = prefix }
}

func NewPublisher(b bus.Bus, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		bus:        b,
		prefix:     DefaultPrefix,
		log:        logging.Nop(),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logging.With(p.log, zap.String("component", "relay_publisher"))
	return p
}

// Publish wraps event in an envelope carrying the trace context of ctx and
// sends it on the event's subject.
func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	env, err := events.NewEnvelope(event)
	if err != nil {
		return err
	}
	p.propagator.Inject(ctx, propagation.MapCarrier(env.Metadata))

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}

	subject := Subject(p.prefix, env.Name)
	if err := p.bus.Publish(ctx, subject, body); err != nil {
		return err
	}

	p.log.Debug("published event",
		zap.String("event", env.Name),
		zap.String("event_id", env.ID.String()),
		zap.String("subject", subject),
	)
	return nil
}
