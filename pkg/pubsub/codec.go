package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// subscriberBuffer is the capacity of the channel returned by Subscribe.
const subscriberBuffer = 256

// EventVersion is the wire version written by this package.
const EventVersion = 1

// MaxEventSize bounds an encoded event. Both Redis and Kafka accept larger
// values but a relay event never legitimately grows past this.
const MaxEventSize = 1 << 20

var (
	ErrEventTooLarge      = errors.New("pubsub: event too large")
	ErrUnsupportedVersion = errors.New("pubsub: unsupported event version")
)

// Encode serialises an event for the wire.
func Encode(event *Event) ([]byte, error) {
	if event.Version == 0 {
		event.Version = EventVersion
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	if len(data) > MaxEventSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEventTooLarge, len(data))
	}
	return data, nil
}

// Decode parses an event read from the wire. Events without a version are
// treated as version 1.
func Decode(data []byte) (*Event, error) {
	if len(data) > MaxEventSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEventTooLarge, len(data))
	}
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.Version == 0 {
		event.Version = EventVersion
	}
	if event.Version > EventVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, event.Version)
	}
	return &event, nil
}

// forward hands event to a subscriber without blocking the transport. A full
// subscriber loses the event. It reports false once ctx is done.
func forward(ctx context.Context, eventCh chan<- *Event, event *Event) bool {
	select {
	case eventCh <- event:
		return true
	case <-ctx.Done():
		return false
	default:
		l := log.L()
		l.Warn().Str("type", event.Type).Str("key", event.Key).Msg("pubsub: subscriber full, event dropped")
		return true
	}
}
