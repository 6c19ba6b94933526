package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

type fakeStore struct {
	mu    sync.Mutex
	convs map[string]*domain.Conversation
	next  int
	err   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: make(map[string]*domain.Conversation)}
}

func (f *fakeStore) add(a, b domain.Identity) *domain.Conversation {
	c, _, _ := f.FindOrCreateConversation(context.Background(), a, b)
	return c
}

func (f *fakeStore) FindOrCreateConversation(_ context.Context, a, b domain.Identity) (*domain.Conversation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, b = domain.CanonicalPair(a, b)
	for _, c := range f.convs {
		if c.MemberA == a && c.MemberB == b {
			return c, false, nil
		}
	}
	f.next++
	c := &domain.Conversation{Key: fmt.Sprintf("c%d", f.next), MemberA: a, MemberB: b}
	f.convs[c.Key] = c
	return c, true, nil
}

func (f *fakeStore) GetConversation(_ context.Context, key string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.convs[key]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("conversation %s: %w", key, domain.ErrNotFound)
}

func (f *fakeStore) ListConversations(_ context.Context, id domain.Identity) ([]*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*domain.Conversation
	for _, c := range f.convs {
		if c.HasMember(id) {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestJoin(t *testing.T) {
	st := newFakeStore()
	conv := st.add("alice", "bob")
	m := NewManager(st)
	ctx := context.Background()

	require.NoError(t, m.Join(ctx, "alice", conv.Key))
	require.NoError(t, m.Join(ctx, "alice", conv.Key))
	assert.Equal(t, []domain.Identity{"alice"}, m.MembersOf(conv.Key))
	assert.Equal(t, []string{conv.Key}, m.GroupsOf("alice"))
	assert.True(t, m.IsMember("alice", conv.Key))
	assert.False(t, m.IsMember("bob", conv.Key))

	err := m.Join(ctx, "carol", conv.Key)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = m.Join(ctx, "alice", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJoinPullsInActivePeer(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st)
	ctx := context.Background()

	_, err := m.JoinAll(ctx, "bob")
	require.NoError(t, err)

	// Created after bob went active, e.g. by another instance.
	conv := st.add("alice", "bob")
	require.NoError(t, m.Join(ctx, "alice", conv.Key))
	assert.Equal(t, []domain.Identity{"alice", "bob"}, m.MembersOf(conv.Key))
	assert.Equal(t, []string{conv.Key}, m.GroupsOf("bob"))
}

func TestLeave(t *testing.T) {
	st := newFakeStore()
	conv := st.add("alice", "bob")
	m := NewManager(st)
	ctx := context.Background()

	require.NoError(t, m.Join(ctx, "alice", conv.Key))
	require.NoError(t, m.Join(ctx, "bob", conv.Key))
	m.Leave("alice", conv.Key)

	assert.Equal(t, []domain.Identity{"bob"}, m.MembersOf(conv.Key))
	assert.Empty(t, m.GroupsOf("alice"))

	m.Leave("bob", conv.Key)
	assert.Nil(t, m.MembersOf(conv.Key))
}

func TestJoinAllAndLeaveAll(t *testing.T) {
	st := newFakeStore()
	c1 := st.add("alice", "bob")
	c2 := st.add("alice", "carol")
	st.add("bob", "carol")
	m := NewManager(st)
	ctx := context.Background()

	keys, err := m.JoinAll(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c1.Key, c2.Key}, keys)

	_, err = m.JoinAll(ctx, "bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Identity{"alice", "bob"}, m.MembersOf(c1.Key))

	left := m.LeaveAll("alice")
	assert.ElementsMatch(t, []string{c1.Key, c2.Key}, left)
	assert.Equal(t, []domain.Identity{"bob"}, m.MembersOf(c1.Key))
	assert.Nil(t, m.MembersOf(c2.Key))
	assert.Empty(t, m.GroupsOf("alice"))
}

func TestJoinAll_NoConversationsStillActive(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st)
	ctx := context.Background()

	keys, err := m.JoinAll(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, keys)

	conv, created, err := m.JoinPeer(ctx, "erin", "dave")
	require.NoError(t, err)
	assert.True(t, created)
	assert.ElementsMatch(t, []domain.Identity{"dave", "erin"}, m.MembersOf(conv.Key))
}

func TestJoinAll_StoreError(t *testing.T) {
	st := newFakeStore()
	st.err = errors.New("db down")
	m := NewManager(st)

	_, err := m.JoinAll(context.Background(), "alice")
	assert.Error(t, err)
}

// blockingStore parks ListConversations after taking its snapshot.
type blockingStore struct {
	*fakeStore
	listed  chan struct{}
	release chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		fakeStore: newFakeStore(),
		listed:    make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (b *blockingStore) ListConversations(ctx context.Context, id domain.Identity) ([]*domain.Conversation, error) {
	convs, err := b.fakeStore.ListConversations(ctx, id)
	close(b.listed)
	<-b.release
	return convs, err
}

func TestJoinAll_ConversationOpenedDuringLoad(t *testing.T) {
	st := newBlockingStore()
	m := NewManager(st)
	ctx := context.Background()

	done := make(chan []string, 1)
	go func() {
		keys, err := m.JoinAll(ctx, "bob")
		assert.NoError(t, err)
		done <- keys
	}()
	<-st.listed

	conv, created, err := m.JoinPeer(ctx, "alice", "bob")
	require.NoError(t, err)
	require.True(t, created)
	close(st.release)

	assert.Equal(t, []string{conv.Key}, <-done)
	assert.Equal(t, []domain.Identity{"alice", "bob"}, m.MembersOf(conv.Key))
	assert.Equal(t, []string{conv.Key}, m.GroupsOf("bob"))
}

func TestJoinAll_ReleasedDuringLoad(t *testing.T) {
	st := newBlockingStore()
	st.add("alice", "bob")
	m := NewManager(st)
	ctx := context.Background()

	done := make(chan []string, 1)
	go func() {
		keys, err := m.JoinAll(ctx, "bob")
		assert.NoError(t, err)
		done <- keys
	}()
	<-st.listed

	m.LeaveAll("bob")
	close(st.release)

	assert.Empty(t, <-done)
	assert.Empty(t, m.GroupsOf("bob"))
}

func TestLeaveAllIf(t *testing.T) {
	st := newFakeStore()
	conv := st.add("alice", "bob")
	m := NewManager(st)
	ctx := context.Background()

	_, err := m.JoinAll(ctx, "alice")
	require.NoError(t, err)

	left, ok := m.LeaveAllIf("alice", func(domain.Identity) bool { return false })
	assert.False(t, ok)
	assert.Nil(t, left)
	assert.Equal(t, []string{conv.Key}, m.GroupsOf("alice"))

	left, ok = m.LeaveAllIf("alice", func(id domain.Identity) bool { return id == "alice" })
	assert.True(t, ok)
	assert.Equal(t, []string{conv.Key}, left)
	assert.Empty(t, m.GroupsOf("alice"))
	assert.Nil(t, m.MembersOf(conv.Key))
}

func TestJoinPeer(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st)
	ctx := context.Background()

	conv, created, err := m.JoinPeer(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, created)
	// bob is not active here, so only alice joins.
	assert.Equal(t, []domain.Identity{"alice"}, m.MembersOf(conv.Key))
	assert.ElementsMatch(t, []domain.Identity{"alice", "bob"}, m.Participants(conv.Key))

	again, created, err := m.JoinPeer(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.Key, again.Key)
	assert.ElementsMatch(t, []domain.Identity{"alice", "bob"}, m.MembersOf(conv.Key))

	_, _, err = m.JoinPeer(ctx, "alice", "alice")
	r, ok := domain.IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonInvalidRecipient, r.Reason)
}

func TestConcurrentJoinLeave(t *testing.T) {
	st := newFakeStore()
	conv := st.add("alice", "bob")
	m := NewManager(st)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Join(ctx, "alice", conv.Key)
			m.Leave("alice", conv.Key)
		}()
		go func() {
			defer wg.Done()
			_ = m.MembersOf(conv.Key)
			_ = m.GroupsOf("alice")
		}()
	}
	wg.Wait()
	assert.False(t, m.IsMember("alice", conv.Key))
}
