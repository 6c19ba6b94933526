// Package typing relays typing indicators and expires them when a client
// stops refreshing.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/metrics"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

const DefaultTTL = 4 * time.Second

// Broadcaster delivers an event to the joined members of a conversation.
type Broadcaster interface {
	ToConversation(ctx context.Context, key string, ev domain.Outbound, exclude domain.Identity)
}

type pair struct {
	identity domain.Identity
	key      string
}

type indicator struct {
	gen   uint64
	timer *time.Timer
}

// Coordinator tracks who is typing where. It keeps no durable state.
// Broadcasts happen outside mu.
type Coordinator struct {
	out     Broadcaster
	ttl     time.Duration
	metrics *metrics.Metrics

	mu      sync.Mutex
	active  map[pair]*indicator
	gen     uint64
	stopped bool
}

func NewCoordinator(out Broadcaster, ttl time.Duration, m *metrics.Metrics) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		out:     out,
		ttl:     ttl,
		metrics: m,
		active:  make(map[pair]*indicator),
	}
}

// SetTyping broadcasts the indicator to the other members. A true value
// expires after the TTL unless refreshed.
func (c *Coordinator) SetTyping(ctx context.Context, id domain.Identity, key string, isTyping bool) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	p := pair{identity: id, key: key}
	c.clearLocked(p)
	if isTyping {
		c.gen++
		gen := c.gen
		c.active[p] = &indicator{
			gen:   gen,
			timer: time.AfterFunc(c.ttl, func() { c.expire(p, gen) }),
		}
	}
	c.mu.Unlock()

	c.out.ToConversation(ctx, key, domain.NewUserTyping(id, key, isTyping), id)
}

// StopAll clears every indicator of id, announcing each as stopped.
func (c *Coordinator) StopAll(ctx context.Context, id domain.Identity) {
	var keys []string
	c.mu.Lock()
	for p := range c.active {
		if p.identity != id {
			continue
		}
		c.clearLocked(p)
		keys = append(keys, p.key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.out.ToConversation(ctx, key, domain.NewUserTyping(id, key, false), id)
	}
}

// IsTyping reports whether id has a live indicator in key.
func (c *Coordinator) IsTyping(id domain.Identity, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[pair{identity: id, key: key}]
	return ok
}

// Stop cancels all timers without broadcasting.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for p := range c.active {
		c.clearLocked(p)
	}
}

func (c *Coordinator) expire(p pair, gen uint64) {
	c.mu.Lock()
	ind, ok := c.active[p]
	if !ok || ind.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	delete(c.active, p)
	c.mu.Unlock()

	ctx := log.WithLogger(context.Background(), log.L())
	c.out.ToConversation(ctx, p.key, domain.NewUserTyping(p.identity, p.key, false), p.identity)
	c.metrics.TypingExpired()
}

func (c *Coordinator) clearLocked(p pair) {
	if ind, ok := c.active[p]; ok {
		ind.timer.Stop()
		delete(c.active, p)
	}
}
