package hub

import (
	"sync"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/metrics"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// Hub indexes the connections of this instance by id and by identity.
// An identity may hold several connections at once.
type Hub struct {
	clients    map[string]*Client                     // clientID -> client
	byIdentity map[domain.Identity]map[string]*Client // identity -> clientID -> client
	mu         sync.RWMutex
	metrics    *metrics.Metrics
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		byIdentity: make(map[domain.Identity]map[string]*Client),
		metrics:    m,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	l := log.Ctx(client.Context())
	l.Debug().Msg("client registered")
}

// Unregister removes and closes client. last reports whether it was the
// final connection of its identity on this instance.
func (h *Hub) Unregister(client *Client) (id domain.Identity, last bool) {
	id = client.Identity()

	h.mu.Lock()
	_, ok := h.clients[client.ID]
	if ok {
		delete(h.clients, client.ID)
		if conns, bound := h.byIdentity[id]; bound && id != "" {
			delete(conns, client.ID)
			if len(conns) == 0 {
				delete(h.byIdentity, id)
				last = true
			}
		}
	}
	identities := len(h.byIdentity)
	h.mu.Unlock()

	client.Close()
	if !ok {
		return id, false
	}

	h.metrics.ConnectionClosed()
	h.metrics.SetIdentities(identities)
	l := log.Ctx(client.Context())
	l.Debug().Str(log.FieldIdentity, string(id)).Bool("last", last).Msg("client unregistered")
	return id, last
}

// Bind attaches id to client. ok is false if the client was already bound
// or is gone; first reports whether this is the identity's first connection.
func (h *Hub) Bind(client *Client, id domain.Identity) (first, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, registered := h.clients[client.ID]; !registered || !client.bind(id) {
		return false, false
	}
	conns, exists := h.byIdentity[id]
	if !exists {
		conns = make(map[string]*Client)
		h.byIdentity[id] = conns
	}
	conns[client.ID] = client
	h.metrics.SetIdentities(len(h.byIdentity))
	return len(conns) == 1, true
}

// Connected reports whether id has any connection on this instance.
func (h *Hub) Connected(id domain.Identity) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byIdentity[id]) > 0
}

// SendToIdentities queues data on every connection of ids except those of
// exclude. It returns the number of connections that accepted it.
func (h *Hub) SendToIdentities(ids []domain.Identity, data []byte, exclude domain.Identity) int {
	var targets []*Client
	h.mu.RLock()
	for _, id := range ids {
		if id == exclude {
			continue
		}
		for _, c := range h.byIdentity[id] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.SendRaw(data) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every connection. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}
