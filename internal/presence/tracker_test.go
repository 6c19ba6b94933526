package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

type memStore struct {
	mu   sync.Mutex
	recs map[domain.Identity]domain.PresenceRecord
	fail bool
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[domain.Identity]domain.PresenceRecord)}
}

func (m *memStore) UpdatePresence(_ context.Context, rec domain.PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store down")
	}
	m.recs[rec.Identity] = rec
	return nil
}

func (m *memStore) GetPresence(_ context.Context, id domain.Identity) (*domain.PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, fmt.Errorf("presence %s: %w", id, domain.ErrNotFound)
	}
	return &rec, nil
}

func (m *memStore) get(id domain.Identity) (domain.PresenceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	return rec, ok
}

type recorder struct {
	mu     sync.Mutex
	events []domain.PresenceRecord
}

func (r *recorder) observe(rec domain.PresenceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, rec)
}

func (r *recorder) snapshot() []domain.PresenceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PresenceRecord(nil), r.events...)
}

func newTracker(t *testing.T, grace time.Duration) (*Tracker, *memStore, *recorder) {
	t.Helper()
	st := newMemStore()
	tr := NewTracker(st, Config{GracePeriod: grace}, nil)
	rec := &recorder{}
	tr.OnTransition(rec.observe)
	tr.Start(context.Background())
	t.Cleanup(tr.Stop)
	return tr, st, rec
}

func TestSetOnlineOffline(t *testing.T) {
	tr, _, rec := newTracker(t, time.Second)

	assert.False(t, tr.IsOnline("alice"))
	assert.True(t, tr.SetOnline("alice"))
	assert.True(t, tr.IsOnline("alice"))
	assert.False(t, tr.SetOnline("alice"))

	assert.True(t, tr.SetOffline("alice"))
	assert.False(t, tr.IsOnline("alice"))
	assert.False(t, tr.SetOffline("alice"))

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.True(t, events[0].Online)
	assert.False(t, events[1].Online)
}

func TestScheduleOffline_FiresAfterGrace(t *testing.T) {
	tr, _, rec := newTracker(t, 30*time.Millisecond)

	tr.SetOnline("alice")
	tr.ScheduleOffline("alice")
	assert.True(t, tr.IsOnline("alice"))

	require.Eventually(t, func() bool { return !tr.IsOnline("alice") }, time.Second, 5*time.Millisecond)
	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.False(t, events[1].Online)
	assert.False(t, events[1].LastSeen.IsZero())
}

func TestScheduleOffline_ReconnectWithinGrace(t *testing.T) {
	tr, _, rec := newTracker(t, 50*time.Millisecond)

	tr.SetOnline("alice")
	tr.ScheduleOffline("alice")
	time.Sleep(10 * time.Millisecond)
	assert.False(t, tr.SetOnline("alice"))

	time.Sleep(100 * time.Millisecond)
	assert.True(t, tr.IsOnline("alice"))
	assert.Len(t, rec.snapshot(), 1)
}

func TestCancelOffline(t *testing.T) {
	tr, _, _ := newTracker(t, 20*time.Millisecond)

	tr.SetOnline("alice")
	tr.ScheduleOffline("alice")
	assert.True(t, tr.CancelOffline("alice"))
	assert.False(t, tr.CancelOffline("alice"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, tr.IsOnline("alice"))
}

func TestScheduleOffline_Rescheduled(t *testing.T) {
	tr, _, rec := newTracker(t, 80*time.Millisecond)

	tr.SetOnline("alice")
	tr.ScheduleOffline("alice")
	time.Sleep(40 * time.Millisecond)
	tr.ScheduleOffline("alice")
	time.Sleep(60 * time.Millisecond)
	assert.True(t, tr.IsOnline("alice"))

	require.Eventually(t, func() bool { return !tr.IsOnline("alice") }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.snapshot(), 2)
}

func TestMirrorWritesStore(t *testing.T) {
	tr, st, _ := newTracker(t, time.Second)

	tr.SetOnline("alice")
	require.Eventually(t, func() bool {
		rec, ok := st.get("alice")
		return ok && rec.Online
	}, time.Second, 5*time.Millisecond)

	tr.SetOffline("alice")
	require.Eventually(t, func() bool {
		rec, ok := st.get("alice")
		return ok && !rec.Online
	}, time.Second, 5*time.Millisecond)
}

func TestMirrorFailureDoesNotBlock(t *testing.T) {
	tr, st, _ := newTracker(t, time.Second)
	st.mu.Lock()
	st.fail = true
	st.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			tr.SetOnline("alice")
			tr.SetOffline("alice")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transitions blocked on a failing store")
	}
	assert.False(t, tr.IsOnline("alice"))
}

func TestGet_FallsBackToStore(t *testing.T) {
	st := newMemStore()
	seen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.recs["bob"] = domain.PresenceRecord{Identity: "bob", Online: true, LastSeen: seen}

	tr := NewTracker(st, Config{GracePeriod: time.Second}, nil)
	ctx := context.Background()

	rec, err := tr.Get(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, rec.Online)
	assert.Equal(t, seen, rec.LastSeen)

	ls, ok := tr.LastSeen(ctx, "bob")
	assert.True(t, ok)
	assert.Equal(t, seen, ls)

	_, err = tr.Get(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStopCancelsTimers(t *testing.T) {
	st := newMemStore()
	tr := NewTracker(st, Config{GracePeriod: 20 * time.Millisecond}, nil)
	tr.Start(context.Background())

	tr.SetOnline("alice")
	tr.ScheduleOffline("alice")
	tr.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, tr.IsOnline("alice"))
}

func TestOnlineCount(t *testing.T) {
	tr, _, _ := newTracker(t, time.Second)
	tr.SetOnline("a")
	tr.SetOnline("b")
	tr.SetOffline("a")
	assert.Equal(t, 1, tr.OnlineCount())
}
