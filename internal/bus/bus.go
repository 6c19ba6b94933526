// Package bus shares broadcasts between relay instances. Each instance
// publishes what it delivers and hands events from its peers to its own
// local connections.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/metrics"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

const (
	DefaultChannel   = "relay:events"
	DefaultQueueSize = 1024

	eventDeliver   = "deliver"
	publishTimeout = 3 * time.Second
)

// Envelope is one broadcast as carried between instances.
type Envelope struct {
	Targets []domain.Identity `json:"targets"`
	Exclude domain.Identity   `json:"exclude,omitempty"`
	Payload json.RawMessage   `json:"payload"`
}

// Deliverer hands a payload to the local connections of identities.
type Deliverer interface {
	SendToIdentities(ids []domain.Identity, data []byte, exclude domain.Identity) int
}

type Config struct {
	Channel    string `mapstructure:"channel"`
	InstanceID string `mapstructure:"instance_id"`
	QueueSize  int    `mapstructure:"queue_size"`
}

type Bus struct {
	ps      pubsub.PubSub
	local   Deliverer
	channel string
	origin  string
	metrics *metrics.Metrics

	queue chan *pubsub.Event
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

func New(ps pubsub.PubSub, local Deliverer, cfg Config, m *metrics.Metrics) *Bus {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Bus{
		ps:      ps,
		local:   local,
		channel: cfg.Channel,
		origin:  cfg.InstanceID,
		metrics: m,
		queue:   make(chan *pubsub.Event, cfg.QueueSize),
	}
}

// Publish queues a broadcast for the other instances without blocking.
// key keeps events of one conversation in order on partitioned transports.
func (b *Bus) Publish(ctx context.Context, key string, targets []domain.Identity, exclude domain.Identity, payload []byte) {
	if len(targets) == 0 {
		return
	}
	event, err := pubsub.NewEvent(eventDeliver, key, b.origin, &Envelope{
		Targets: targets,
		Exclude: exclude,
		Payload: payload,
	})
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to build bus event")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- event:
	default:
		l := log.Ctx(ctx)
		l.Warn().Str(log.FieldConversationKey, key).Msg("bus queue full, dropping event")
	}
}

// Start subscribes to the channel and starts the publish and receive loops.
// Both stop when ctx is done or Close is called.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus already started")
	}
	b.started = true
	b.mu.Unlock()

	events, err := b.ps.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.wg.Add(2)
	go b.publishLoop(ctx)
	go b.receiveLoop(ctx, events)

	l := log.Ctx(ctx)
	l.Info().Str("channel", b.channel).Str(log.FieldInstanceID, b.origin).Msg("cluster bus started")
	return nil
}

// Close flushes queued events, stops both loops and closes the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	_ = b.ps.Unsubscribe(ctx, b.channel)

	b.wg.Wait()
	return b.ps.Close()
}

func (b *Bus) publishLoop(ctx context.Context) {
	defer b.wg.Done()
	l := log.Ctx(ctx)

	for event := range b.queue {
		pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := b.ps.Publish(pubCtx, b.channel, event)
		cancel()
		if err != nil {
			l.Warn().Err(err).Str(log.FieldConversationKey, event.Key).Msg("failed to publish bus event")
			continue
		}
		b.metrics.BusPublished()
	}
}

func (b *Bus) receiveLoop(ctx context.Context, events <-chan *pubsub.Event) {
	defer b.wg.Done()
	l := log.Ctx(ctx)

	for event := range events {
		if event.Origin == b.origin || event.Type != eventDeliver {
			continue
		}
		var env Envelope
		if err := event.UnmarshalPayload(&env); err != nil {
			l.Warn().Err(err).Str("origin", event.Origin).Msg("invalid bus envelope")
			continue
		}
		b.metrics.BusReceived()
		b.local.SendToIdentities(env.Targets, env.Payload, env.Exclude)
	}
}
