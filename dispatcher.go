package events

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/ose-micro/core/logger"
	"github.com/ose-micro/events/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/ose-micro/events"

// Dispatcher routes events to the handlers subscribed to their name.
//
// Typical usage:
//
//	d := events.New(events.WithLogger(log))
//	sub, err := events.Subscribe(d, "order.placed", handler)
//	...
//	err = d.Dispatch(ctx, OrderPlaced{ID: "42"}).Wait(ctx)
//
// A Dispatcher is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]*registration
	nextID   uint64

	mode            Mode
	maxConcurrency  int
	retry           RetryPolicy
	timeout         time.Duration
	limiter         *rate.Limiter
	validate        *validator.Validate
	onError         ErrorHandler
	ignoreUnhandled bool

	log    logger.Logger
	tracer trace.Tracer
	meter  metric.Meter

	dispatched metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
}

type registration struct {
	id      uint64
	name    string
	handler string
	fn      func(ctx context.Context, event Event) error
}

// New returns a Dispatcher with no subscriptions. By default handlers run
// sequentially, once, without timeout.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string][]*registration),
		mode:     ModeSequential,
		log:      logging.Nop(),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = logging.With(d.log, zap.String("component", "event_dispatcher"))
	d.initMetrics()
	return d
}

func (d *Dispatcher) initMetrics() {
	var err error
	if d.dispatched, err = d.meter.Int64Counter("events.dispatched",
		metric.WithDescription("Number of events dispatched")); err != nil {
		d.log.Warn("failed to create metric", zap.String("metric", "events.dispatched"), zap.Error(err))
	}
	if d.failures, err = d.meter.Int64Counter("events.handler.failures",
		metric.WithDescription("Number of failed handler invocations")); err != nil {
		d.log.Warn("failed to create metric", zap.String("metric", "events.handler.failures"), zap.Error(err))
	}
	if d.duration, err = d.meter.Float64Histogram("events.handler.duration",
		metric.WithDescription("Handler duration including retries"),
		metric.WithUnit("s")); err != nil {
		d.log.Warn("failed to create metric", zap.String("metric", "events.handler.duration"), zap.Error(err))
	}
}

// Subscription is a handler registration. Cancel removes it.
type Subscription struct {
	d    *Dispatcher
	name string
	id   uint64
	once sync.Once
}

// EventName returns the event name the subscription listens to.
func (s *Subscription) EventName() string { return s.name }

// Cancel unsubscribes the handler. Calling it more than once is a no-op.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.d.unsubscribe(s.name, s.id) })
}

// Subscribe registers h for events named name. Several handlers may be
// subscribed to one name; they all receive each event. An event routed to
// h whose dynamic type is not E fails with a *TypeMismatchError.
func Subscribe[E Event](d *Dispatcher, name string, h Handler[E]) (*Subscription, error) {
	if name == "" {
		return nil, ErrEmptyEventName
	}
	if isNilHandler(h) {
		return nil, ErrNilHandler
	}

	want := reflect.TypeOf((*E)(nil)).Elem().String()
	fn := func(ctx context.Context, event Event) error {
		e, ok := event.(E)
		if !ok {
			return &TypeMismatchError{EventName: name, Want: want, Got: fmt.Sprintf("%T", event)}
		}
		return h.Handle(ctx, e)
	}

	d.mu.Lock()
	d.nextID++
	reg := &registration{id: d.nextID, name: name, handler: fmt.Sprintf("%T", h), fn: fn}
	d.handlers[name] = append(d.handlers[name], reg)
	d.mu.Unlock()

	d.log.Debug("handler subscribed", zap.String("event", name), zap.String("handler", reg.handler))
	return &Subscription{d: d, name: name, id: reg.id}, nil
}

func (d *Dispatcher) unsubscribe(name string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[name]
	for i, reg := range regs {
		if reg.id == id {
			// Copy so that snapshots taken by in-flight dispatches stay intact.
			next := make([]*registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			next = append(next, regs[i+1:]...)
			if len(next) == 0 {
				delete(d.handlers, name)
			} else {
				d.handlers[name] = next
			}
			d.log.Debug("handler unsubscribed", zap.String("event", name), zap.String("handler", reg.handler))
			return
		}
	}
}

// HasHandlers reports whether at least one handler listens to name.
func (d *Dispatcher) HasHandlers(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name]) > 0
}

func (d *Dispatcher) snapshot(name string) []*registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[name]
}

// Dispatch hands event to every handler subscribed to its name and returns
// without waiting for them. The Completion fails with the joined
// *HandlerError values of the failing handlers, with *HandlerNotFoundError
// when nobody listens, or with ErrMissingEvent for a nil event.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) *Completion {
	if isNil(event) {
		return Completed(ErrMissingEvent)
	}
	return Go(ctx, func(ctx context.Context) error {
		return d.dispatch(ctx, event)
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, event Event) error {
	name := event.EventName()
	attrs := metric.WithAttributes(attribute.String("event.name", name))
	ctx, span := d.tracer.Start(ctx, "events.dispatch",
		trace.WithAttributes(attribute.String("event.name", name)),
	)
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fail(fmt.Errorf("events: rate limit wait: %w", err))
		}
	}

	if err := d.validateEvent(ctx, event); err != nil {
		d.log.Warn("rejected invalid event", zap.String("event", name), zap.Error(err))
		return fail(err)
	}

	regs := d.snapshot(name)
	if d.dispatched != nil {
		d.dispatched.Add(ctx, 1, attrs)
	}
	span.SetAttributes(attribute.Int("event.handlers", len(regs)))

	if len(regs) == 0 {
		if d.ignoreUnhandled {
			d.log.Debug("no handler for event", zap.String("event", name))
			span.SetStatus(codes.Ok, "no handler")
			return nil
		}
		return fail(&HandlerNotFoundError{EventName: name})
	}

	var err error
	if d.mode == ModeConcurrent && len(regs) > 1 {
		err = d.runConcurrent(ctx, event, regs)
	} else {
		err = d.runSequential(ctx, event, regs)
	}
	if err != nil {
		return fail(err)
	}

	span.SetStatus(codes.Ok, "event dispatched")
	return nil
}

func (d *Dispatcher) runSequential(ctx context.Context, event Event, regs []*registration) error {
	var errs []error
	for _, reg := range regs {
		if err := d.invoke(ctx, event, reg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) runConcurrent(ctx context.Context, event Event, regs []*registration) error {
	var g errgroup.Group
	if d.maxConcurrency > 0 {
		g.SetLimit(d.maxConcurrency)
	}

	errs := make([]error, len(regs))
	for i, reg := range regs {
		g.Go(func() error {
			errs[i] = d.invoke(ctx, event, reg)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// invoke runs one handler, retrying transient failures per the retry policy.
func (d *Dispatcher) invoke(ctx context.Context, event Event, reg *registration) error {
	ctx, span := d.tracer.Start(ctx, "events.handle",
		trace.WithAttributes(
			attribute.String("event.name", reg.name),
			attribute.String("event.handler", reg.handler),
		),
	)
	defer span.End()

	attempts := 0
	permanent := false
	op := func() error {
		attempts++
		err := d.attempt(ctx, event, reg)
		if err == nil {
			return nil
		}
		var (
			perm     *backoff.PermanentError
			panicErr *PanicError
			mismatch *TypeMismatchError
		)
		switch {
		case errors.As(err, &perm):
			permanent = true
			return err
		case errors.As(err, &panicErr), errors.As(err, &mismatch):
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	start := time.Now()
	var err error
	if b := d.backoff(ctx); b != nil {
		err = backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
			d.log.Warn("retrying handler",
				zap.String("event", reg.name),
				zap.String("handler", reg.handler),
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		})
	} else {
		err = op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("event.name", reg.name),
		attribute.String("event.handler", reg.handler),
	)
	if d.duration != nil {
		d.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	span.SetAttributes(attribute.Int("event.attempts", attempts))

	if err == nil {
		span.SetStatus(codes.Ok, "handled")
		return nil
	}

	herr := &HandlerError{EventName: reg.name, Handler: reg.handler, Attempts: attempts, Permanent: permanent, Err: err}
	span.RecordError(herr)
	span.SetStatus(codes.Error, herr.Error())
	if d.failures != nil {
		d.failures.Add(ctx, 1, attrs)
	}
	d.log.Error("handler failed",
		zap.String("event", reg.name),
		zap.String("handler", reg.handler),
		zap.Int("attempts", attempts),
		zap.Bool("permanent", permanent),
		zap.Error(err),
	)
	if d.onError != nil {
		d.onError(ctx, event, herr)
	}
	return herr
}

func (d *Dispatcher) attempt(ctx context.Context, event Event, reg *registration) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return call(ctx, func(ctx context.Context) error {
		return reg.fn(ctx, event)
	})
}

func (d *Dispatcher) backoff(ctx context.Context) backoff.BackOff {
	if d.retry.MaxRetries == 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	if d.retry.InitialInterval > 0 {
		b.InitialInterval = d.retry.InitialInterval
	}
	if d.retry.MaxInterval > 0 {
		b.MaxInterval = d.retry.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, d.retry.MaxRetries), ctx)
}

func (d *Dispatcher) validateEvent(ctx context.Context, event Event) error {
	if d.validate == nil {
		return nil
	}
	err := d.validate.StructCtx(ctx, event)
	if err == nil {
		return nil
	}
	// Only struct events carry validation tags.
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return nil
	}
	return &ValidationError{EventName: event.EventName(), Err: err}
}

func isNil(event Event) bool {
	if event == nil {
		return true
	}
	v := reflect.ValueOf(event)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}
