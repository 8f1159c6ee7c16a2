// Package kafka implements bus.Bus on Kafka. Subjects are topics and
// queues are consumer groups. Offsets are marked once the handler returns,
// whatever its outcome.
package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/ose-micro/core/logger"
	"github.com/ose-micro/events/bus"
	"github.com/ose-micro/events/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type kafkaBus struct {
	cfg      Config
	sc       *sarama.Config
	producer sarama.SyncProducer
	log      logger.Logger
	tracer   trace.Tracer

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// New creates the producer. Consumer groups are created per subscription.
func New(cfg Config, log logger.Logger) (bus.Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	sc, err := cfg.sarama()
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}

	return &kafkaBus{
		cfg:      cfg,
		sc:       sc,
		producer: producer,
		log:      logging.With(log, zap.String("component", "kafka_bus"), zap.String("client_id", sc.ClientID)),
		tracer:   otel.Tracer("github.com/ose-micro/events/bus/kafka"),
		subs:     make(map[*subscription]struct{}),
	}, nil
}

// Publish implements bus.Bus.
func (k *kafkaBus) Publish(ctx context.Context, subject string, msg []byte) error {
	_, span := k.tracer.Start(ctx, "kafka.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("messaging.destination", subject)),
	)
	defer span.End()

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: subject,
		Value: sarama.ByteEncoder(msg),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		k.log.Error("failed to publish message", zap.String("topic", subject), zap.Error(err))
		return fmt.Errorf("kafka: send to %s: %w", subject, err)
	}

	k.log.Debug("published message",
		zap.String("topic", subject),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (k *kafkaBus) groupID(queue string) string {
	if queue != "" {
		return queue
	}
	prefix := k.cfg.GroupPrefix
	if prefix == "" {
		prefix = "events"
	}
	return prefix + "-" + uuid.NewString()
}

// Subscribe implements bus.Bus. The subscription ends when ctx is done.
func (k *kafkaBus) Subscribe(ctx context.Context, subject, queue string, handler bus.Handler) (bus.Subscription, error) {
	group := k.groupID(queue)
	cg, err := sarama.NewConsumerGroup(k.cfg.Brokers, group, k.sc)
	if err != nil {
		return nil, fmt.Errorf("kafka: create consumer group %s: %w", group, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{bus: k, group: cg, cancel: cancel, done: make(chan struct{})}
	k.mu.Lock()
	k.subs[sub] = struct{}{}
	k.mu.Unlock()

	log := logging.With(k.log, zap.String("topic", subject), zap.String("group_id", group))
	cgHandler := &groupHandler{handler: handler, log: log, tracer: k.tracer}

	go func() {
		defer close(sub.done)
		for {
			if err := cg.Consume(ctx, []string{subject}, cgHandler); err != nil {
				log.Error("error from consumer group", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	log.Info("subscribed to topic")
	return sub, nil
}

// Close implements bus.Bus.
func (k *kafkaBus) Close() error {
	k.mu.Lock()
	subs := make([]*subscription, 0, len(k.subs))
	for s := range k.subs {
		subs = append(subs, s)
	}
	k.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if err := k.producer.Close(); err != nil {
		return fmt.Errorf("kafka: close producer: %w", err)
	}
	return nil
}

type subscription struct {
	bus    *kafkaBus
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Unsubscribe implements bus.Subscription.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.err = s.group.Close()

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return s.err
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	handler bus.Handler
	log     logger.Logger
	tracer  trace.Tracer
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group session setup",
		zap.Int32("generation_id", sess.GenerationID()),
		zap.String("member_id", sess.MemberID()),
	)
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group session cleanup",
		zap.Int32("generation_id", sess.GenerationID()),
		zap.String("member_id", sess.MemberID()),
	)
	return nil
}

// ConsumeClaim hands every message of the claimed partition to the handler.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.consume(sess, msg)
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) consume(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	ctx, span := h.tracer.Start(sess.Context(), "kafka.receive", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", int(msg.Partition)),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	if err := h.handler(ctx, msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.log.Error("handler error",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
	}
	sess.MarkMessage(msg, "")
}
