package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

const (
	DefaultTopic = "relay-messages"

	headerSender = "sender"
	headerKind   = "kind"
)

type KafkaProducer struct {
	producer *kafka.Producer
	topic    string
	doneCh   chan struct{}
}

func NewKafkaProducer(brokers, topic string, partitions int) (*KafkaProducer, error) {
	if topic == "" {
		topic = DefaultTopic
	}

	// Ensure topic exists with desired partition count
	if err := pubsub.EnsureTopic(brokers, topic, partitions); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("topic", topic).Msg("failed to ensure message stream topic (may already exist)")
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kp := &KafkaProducer{
		producer: p,
		topic:    topic,
		doneCh:   make(chan struct{}),
	}
	go kp.deliveryReportHandler()

	return kp, nil
}

func (kp *KafkaProducer) deliveryReportHandler() {
	l := log.L()
	for e := range kp.producer.Events() {
		if ev, ok := e.(*kafka.Message); ok && ev.TopicPartition.Error != nil {
			l.Error().Err(ev.TopicPartition.Error).
				Str(log.FieldConversationKey, string(ev.Key)).
				Msg("message stream delivery failed")
		}
	}
	close(kp.doneCh)
}

// PublishMessage enqueues msg. Delivery failures are reported asynchronously.
func (kp *KafkaProducer) PublishMessage(ctx context.Context, msg *domain.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = kp.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &kp.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(msg.ConversationKey),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerSender, Value: []byte(msg.Sender)},
			{Key: headerKind, Value: []byte(msg.Kind)},
		},
		Timestamp: msg.CreatedAt,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce message %s: %w", msg.Key, err)
	}
	return nil
}

func (kp *KafkaProducer) Close() error {
	kp.producer.Flush(5000)
	kp.producer.Close()
	<-kp.doneCh
	return nil
}
