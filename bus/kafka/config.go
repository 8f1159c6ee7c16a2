package kafka

import (
	"fmt"

	"github.com/IBM/sarama"
)

type Config struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
	// GroupPrefix prefixes the private consumer groups created for
	// subscriptions without a queue.
	GroupPrefix string `mapstructure:"group_prefix"`
	// Version is the Kafka protocol version, e.g. "2.8.0".
	Version string `mapstructure:"version"`
	// Oldest starts new consumer groups at the oldest retained offset.
	Oldest bool `mapstructure:"oldest"`
}

func (c Config) sarama() (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}

	sc.Version = sarama.V2_8_0_0
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka: parse version %q: %w", c.Version, err)
		}
		sc.Version = v
	}

	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	if c.Oldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	return sc, nil
}
