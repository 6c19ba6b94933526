package room

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// ConversationStore is the part of the persistence adapter the manager reads.
type ConversationStore interface {
	FindOrCreateConversation(ctx context.Context, a, b domain.Identity) (*domain.Conversation, bool, error)
	GetConversation(ctx context.Context, key string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, id domain.Identity) ([]*domain.Conversation, error)
}

type group struct {
	conv   *domain.Conversation
	joined map[domain.Identity]struct{}
}

// Manager keeps the identity to conversation group bookkeeping for connected
// identities. An identity is active between JoinAll and LeaveAll.
type Manager struct {
	store ConversationStore

	mu         sync.RWMutex
	groups     map[string]*group
	byIdentity map[domain.Identity]map[string]struct{}
}

// NewManager creates a Manager backed by store.
func NewManager(store ConversationStore) *Manager {
	return &Manager{
		store:      store,
		groups:     make(map[string]*group),
		byIdentity: make(map[domain.Identity]map[string]struct{}),
	}
}

// Join adds id to the group of key, loading the conversation when needed.
// The other member is joined too when it is active on this instance.
func (m *Manager) Join(ctx context.Context, id domain.Identity, key string) error {
	m.mu.RLock()
	g, ok := m.groups[key]
	m.mu.RUnlock()

	var conv *domain.Conversation
	if ok {
		conv = g.conv
	} else {
		c, err := m.store.GetConversation(ctx, key)
		if err != nil {
			return err
		}
		conv = c
	}

	if !conv.HasMember(id) {
		return fmt.Errorf("conversation %s: %w", key, domain.ErrNotParticipant)
	}

	m.mu.Lock()
	m.joinLocked(id, conv)
	if peer := conv.Peer(id); peer != "" {
		if _, active := m.byIdentity[peer]; active {
			m.joinLocked(peer, conv)
		}
	}
	m.mu.Unlock()
	return nil
}

// Leave removes id from the group of key.
func (m *Manager) Leave(id domain.Identity, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(id, key)
}

// JoinPeer finds or creates the conversation between id and peer and joins
// id. The peer is joined too when it is active on this instance.
func (m *Manager) JoinPeer(ctx context.Context, id, peer domain.Identity) (*domain.Conversation, bool, error) {
	if peer == "" || peer == id {
		return nil, false, &domain.Rejected{Reason: domain.ReasonInvalidRecipient}
	}

	conv, created, err := m.store.FindOrCreateConversation(ctx, id, peer)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	m.joinLocked(id, conv)
	if _, active := m.byIdentity[peer]; active {
		m.joinLocked(peer, conv)
	}
	m.mu.Unlock()

	if created {
		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldConversationKey, conv.Key).Msg("conversation opened")
	}
	return conv, created, nil
}

// JoinAll marks id active and joins every stored conversation of id.
// It returns the joined keys in sorted order. id is active before the store
// is read, so a conversation opened with id meanwhile pulls it in too. id
// stays active when the read fails; LeaveAll releases it.
func (m *Manager) JoinAll(ctx context.Context, id domain.Identity) ([]string, error) {
	m.mu.Lock()
	if _, ok := m.byIdentity[id]; !ok {
		m.byIdentity[id] = make(map[string]struct{})
	}
	m.mu.Unlock()

	convs, err := m.store.ListConversations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, active := m.byIdentity[id]; !active {
		// released while the store was read
		return []string{}, nil
	}
	for _, conv := range convs {
		m.joinLocked(id, conv)
	}
	return sortedKeys(m.byIdentity[id]), nil
}

// LeaveAll removes id from every group and returns the keys it left.
func (m *Manager) LeaveAll(id domain.Identity) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveAllLocked(id)
}

// LeaveAllIf runs LeaveAll only when release reports true. release runs with
// the manager locked: a JoinAll that starts after the check registers id
// again. release must not call back into the manager.
func (m *Manager) LeaveAllIf(id domain.Identity, release func(domain.Identity) bool) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !release(id) {
		return nil, false
	}
	return m.leaveAllLocked(id), true
}

// MembersOf returns the identities joined to the group of key.
func (m *Manager) MembersOf(key string) []domain.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[key]
	if !ok {
		return nil
	}
	out := make([]domain.Identity, 0, len(g.joined))
	for id := range g.joined {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Participants returns both members of a loaded group, joined or not.
func (m *Manager) Participants(key string) []domain.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if g, ok := m.groups[key]; ok {
		return g.conv.Members()
	}
	return nil
}

// GroupsOf returns the keys joined by id.
func (m *Manager) GroupsOf(id domain.Identity) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.byIdentity[id])
}

// IsMember reports whether id is joined to the group of key.
func (m *Manager) IsMember(id domain.Identity, key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[key]
	if !ok {
		return false
	}
	_, joined := g.joined[id]
	return joined
}

// joinLocked must be called with m.mu held.
func (m *Manager) joinLocked(id domain.Identity, conv *domain.Conversation) {
	g, ok := m.groups[conv.Key]
	if !ok {
		g = &group{conv: conv, joined: make(map[domain.Identity]struct{})}
		m.groups[conv.Key] = g
	}
	g.joined[id] = struct{}{}

	set, ok := m.byIdentity[id]
	if !ok {
		set = make(map[string]struct{})
		m.byIdentity[id] = set
	}
	set[conv.Key] = struct{}{}
}

func (m *Manager) leaveAllLocked(id domain.Identity) []string {
	keys := sortedKeys(m.byIdentity[id])
	for _, key := range keys {
		m.leaveLocked(id, key)
	}
	delete(m.byIdentity, id)
	return keys
}

// leaveLocked must be called with m.mu held.
func (m *Manager) leaveLocked(id domain.Identity, key string) {
	if g, ok := m.groups[key]; ok {
		delete(g.joined, id)
		if len(g.joined) == 0 {
			delete(m.groups, key)
		}
	}
	if set, ok := m.byIdentity[id]; ok {
		delete(set, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
