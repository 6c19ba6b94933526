// Package stream emits every accepted message to an append-only Kafka topic
// for downstream consumers. Records are keyed by conversation key so each
// conversation stays ordered within its partition.
package stream

import (
	"context"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

// Producer publishes accepted messages.
type Producer interface {
	PublishMessage(ctx context.Context, msg *domain.Message) error
	Close() error
}

// Config controls the accepted-message stream.
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	Brokers    string `mapstructure:"brokers"`
	Topic      string `mapstructure:"topic"`
	Partitions int    `mapstructure:"partitions"`
}

// New returns a Kafka producer when the stream is enabled and a no-op otherwise.
func New(cfg Config) (Producer, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	p, err := NewKafkaProducer(cfg.Brokers, cfg.Topic, cfg.Partitions)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Nop discards every message.
type Nop struct{}

func (Nop) PublishMessage(context.Context, *domain.Message) error { return nil }
func (Nop) Close() error                                          { return nil }
