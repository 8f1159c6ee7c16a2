package events

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ose-micro/core/logger"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Mode selects how the handlers of one event are run.
type Mode string

const (
	// ModeSequential runs handlers one after another in subscription order.
	ModeSequential Mode = "sequential"
	// ModeConcurrent runs handlers in parallel.
	ModeConcurrent Mode = "concurrent"
)

// ErrorHandler is notified of every failed handler invocation.
type ErrorHandler func(ctx context.Context, event Event, err error)

// RetryPolicy configures exponential backoff between handler attempts.
// A zero MaxRetries disables retries.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Option func(*Dispatcher)

func WithLogger(log logger.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(d *Dispatcher) {
		if meter != nil {
			d.meter = meter
		}
	}
}

func WithMode(mode Mode) Option {
	return func(d *Dispatcher) { d.mode = mode }
}

// WithMaxConcurrency bounds the handlers running at once for one event in
// ModeConcurrent. Zero or less means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(d *Dispatcher) { d.maxConcurrency = n }
}

func WithRetry(policy RetryPolicy) Option {
	return func(d *Dispatcher) { d.retry = policy }
}

// WithHandlerTimeout bounds every handler attempt with a deadline.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithRateLimit limits the number of dispatches per second.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(d *Dispatcher) {
		if limit > 0 {
			if burst < 1 {
				burst = 1
			}
			d.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithValidator validates struct events before they reach any handler.
func WithValidator(v *validator.Validate) Option {
	return func(d *Dispatcher) { d.validate = v }
}

func WithErrorHandler(fn ErrorHandler) Option {
	return func(d *Dispatcher) { d.onError = fn }
}

// WithIgnoreUnhandled makes dispatching an event without handlers succeed.
func WithIgnoreUnhandled() Option {
	return func(d *Dispatcher) { d.ignoreUnhandled = true }
}
