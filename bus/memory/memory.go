// Package memory is an in-process bus.Bus. Every subscription owns an
// unbounded queue and a goroutine delivering its messages in order.
package memory

import (
	"context"
	"sync"

	"github.com/ose-micro/core/logger"
	"github.com/ose-micro/events/bus"
	"github.com/ose-micro/events/internal/logging"
	"go.uber.org/zap"
)

type Option func(*Bus)

func WithLogger(log logger.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithRedeliveries sets how many times a message whose handler failed is
// handed to the handler again.
func WithRedeliveries(n int) Option {
	return func(b *Bus) { b.redeliveries = n }
}

type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	next   map[string]int
	closed bool

	redeliveries int
	log          logger.Logger
}

var _ bus.Bus = (*Bus)(nil)

func New(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[string][]*subscription),
		next: make(map[string]int),
		log:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.With(b.log, zap.String("component", "memory_bus"))
	return b
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, subject string, msg []byte) error {
	body := append([]byte(nil), msg...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}

	groups := make(map[string][]*subscription)
	for _, s := range b.subs[subject] {
		if s.queue == "" {
			s.enqueue(body)
			continue
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	for queue, members := range groups {
		key := subject + "\x00" + queue
		i := b.next[key] % len(members)
		b.next[key] = i + 1
		members[i].enqueue(body)
	}

	b.log.Debug("published message", zap.String("subject", subject), zap.Int("size", len(body)))
	return nil
}

// Subscribe implements bus.Bus. The subscription ends when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, subject, queue string, handler bus.Handler) (bus.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		bus:     b,
		subject: subject,
		queue:   queue,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		signal:  make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, bus.ErrClosed
	}
	b.subs[subject] = append(b.subs[subject], s)
	b.mu.Unlock()

	go s.run()
	b.log.Debug("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return s, nil
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	for _, s := range all {
		_ = s.Unsubscribe()
	}
	return nil
}

// Subscribers returns the number of active subscriptions on subject.
func (b *Bus) Subscribers(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subject])
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.subject]
	for i, other := range subs {
		if other == s {
			b.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.subject]) == 0 {
		delete(b.subs, s.subject)
	}
}

type subscription struct {
	bus     *Bus
	subject string
	queue   string
	handler bus.Handler

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu      sync.Mutex
	pending [][]byte
	signal  chan struct{}
}

func (s *subscription) enqueue(msg []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	defer s.Unsubscribe()

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		msg := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.deliver(msg)
	}
}

func (s *subscription) deliver(msg []byte) {
	log := logging.With(s.bus.log, zap.String("subject", s.subject), zap.String("queue", s.queue))
	for attempt := 0; ; attempt++ {
		if s.ctx.Err() != nil {
			return
		}
		err := s.handler(s.ctx, msg)
		if err == nil {
			return
		}
		if !bus.Redeliver(err) || attempt >= s.bus.redeliveries {
			log.Error("handler error", zap.Int("attempt", attempt+1), zap.Error(err))
			return
		}
		log.Warn("redelivering message", zap.Int("attempt", attempt+1), zap.Error(err))
	}
}

// Unsubscribe implements bus.Subscription.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.remove(s)
	})
	return nil
}
