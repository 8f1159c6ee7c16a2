package events

import (
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
)

type Config struct {
	Mode            Mode          `mapstructure:"mode"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	Validate        bool          `mapstructure:"validate"`
	IgnoreUnhandled bool          `mapstructure:"ignore_unhandled"`
}

// Options translates the configuration into dispatcher options.
func (c Config) Options() []Option {
	opts := []Option{
		WithMaxConcurrency(c.MaxConcurrency),
		WithRetry(RetryPolicy{
			MaxRetries:      c.MaxRetries,
			InitialInterval: c.InitialInterval,
			MaxInterval:     c.MaxInterval,
		}),
		WithHandlerTimeout(c.HandlerTimeout),
		WithRateLimit(rate.Limit(c.RateLimit), c.Burst),
	}
	if c.Mode != "" {
		opts = append(opts, WithMode(c.Mode))
	}
	if c.Validate {
		opts = append(opts, WithValidator(validator.New()))
	}
	if c.IgnoreUnhandled {
		opts = append(opts, WithIgnoreUnhandled())
	}
	return opts
}

// NewFromConfig builds a Dispatcher from cfg. Explicit opts are applied
// after the configured ones and win.
func NewFromConfig(cfg Config, opts ...Option) *Dispatcher {
	return New(append(cfg.Options(), opts...)...)
}
