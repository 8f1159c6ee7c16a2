package rabbit

import "time"

type Config struct {
	URL              string        `mapstructure:"url"`
	Exchange         string        `mapstructure:"exchange"`
	ExchangeType     string        `mapstructure:"exchange_type"`
	Prefetch         int           `mapstructure:"prefetch"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "ose.exchange"
	}
	if c.ExchangeType == "" {
		c.ExchangeType = "topic"
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = time.Minute
	}
	return c
}
