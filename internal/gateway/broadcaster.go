package gateway

import (
	"context"
	"encoding/json"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/hub"
	"github.com/weiawesome/wes-io-relay/internal/room"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// Publisher forwards a delivery to the other relay instances.
type Publisher interface {
	Publish(ctx context.Context, key string, targets []domain.Identity, exclude domain.Identity, payload []byte)
}

// Broadcaster delivers outbound events to local connections and, when a
// publisher is set, to the connections held by other instances.
type Broadcaster struct {
	hub   *hub.Hub
	rooms *room.Manager
	bus   Publisher
}

// NewBroadcaster creates a Broadcaster. bus may be nil on a single instance.
func NewBroadcaster(h *hub.Hub, rooms *room.Manager, bus Publisher) *Broadcaster {
	return &Broadcaster{hub: h, rooms: rooms, bus: bus}
}

// ToConversation sends ev to every joined member of key except exclude.
func (b *Broadcaster) ToConversation(ctx context.Context, key string, ev domain.Outbound, exclude domain.Identity) {
	data, ok := marshal(ctx, ev)
	if !ok {
		return
	}
	b.hub.SendToIdentities(b.rooms.MembersOf(key), data, exclude)
	if b.bus != nil {
		b.bus.Publish(ctx, key, b.rooms.Participants(key), exclude, data)
	}
}

// ToIdentities sends ev to every connection of ids. key orders the event on
// the bus.
func (b *Broadcaster) ToIdentities(ctx context.Context, key string, ids []domain.Identity, ev domain.Outbound) {
	if len(ids) == 0 {
		return
	}
	data, ok := marshal(ctx, ev)
	if !ok {
		return
	}
	b.hub.SendToIdentities(ids, data, "")
	if b.bus != nil {
		b.bus.Publish(ctx, key, ids, "", data)
	}
}

func marshal(ctx context.Context, ev domain.Outbound) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldEventType, ev.OutboundType()).Msg("failed to marshal event")
		return nil, false
	}
	return data, true
}
