package config

import (
	"context"
	"fmt"

	"github.com/ose-micro/core/logger"
	"github.com/ose-micro/events/bus"
	"github.com/ose-micro/events/bus/kafka"
	"github.com/ose-micro/events/bus/memory"
	"github.com/ose-micro/events/bus/nats"
	"github.com/ose-micro/events/bus/rabbit"
)

// OpenBus connects the configured transport.
func (c *Config) OpenBus(ctx context.Context, log logger.Logger) (bus.Bus, error) {
	switch c.Transport {
	case TransportMemory:
		return memory.New(memory.WithLogger(log)), nil
	case TransportNats:
		return nats.New(c.Nats, log)
	case TransportRabbit:
		return rabbit.New(ctx, c.Rabbit, log)
	case TransportKafka:
		return kafka.New(c.Kafka, log)
	}
	return nil, fmt.Errorf("config: unknown transport %q", c.Transport)
}
