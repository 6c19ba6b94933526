package pubsub

import (
	"context"
	"encoding/json"
	"time"
)

// Event is the unit carried on a channel. Payload is opaque to the transport.
type Event struct {
	Version int    `json:"v"`
	Type    string `json:"type"`
	// Key orders related events; Kafka uses it as the partition key.
	Key string `json:"key,omitempty"`
	// Origin names the publishing process so it can skip its own events.
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent marshals payload into a new event stamped with the current time.
func NewEvent(eventType, key, origin string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Version:   EventVersion,
		Type:      eventType,
		Key:       key,
		Origin:    origin,
		Payload:   data,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}, nil
}

// UnmarshalPayload unmarshals the event payload into v.
func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Publisher publishes events to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, event *Event) error
}

// Subscriber delivers the events of a channel until ctx is done or the
// channel is unsubscribed.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *Event, error)
	Unsubscribe(ctx context.Context, channel string) error
}

// PubSub combines Publisher and Subscriber interfaces.
type PubSub interface {
	Publisher
	Subscriber
	Close() error
}
