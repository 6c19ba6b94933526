package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/metrics"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// Store is the part of the persistence adapter the tracker mirrors into.
type Store interface {
	UpdatePresence(ctx context.Context, rec domain.PresenceRecord) error
	GetPresence(ctx context.Context, id domain.Identity) (*domain.PresenceRecord, error)
}

// Config holds presence tracker configuration.
type Config struct {
	// GracePeriod delays ScheduleOffline so quick reconnects stay invisible.
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Observer is told about every real online/offline transition.
type Observer func(rec domain.PresenceRecord)

type pendingOffline struct {
	timer *time.Timer
	gen   uint64
}

// Tracker owns in-memory presence. Memory is authoritative; the store is an
// asynchronous mirror written by a single worker.
type Tracker struct {
	store   Store
	config  Config
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	records   map[domain.Identity]domain.PresenceRecord
	timers    map[domain.Identity]pendingOffline
	gen       uint64
	observers []Observer

	// notifyMu is taken before mu is released so observers see transitions in order.
	notifyMu sync.Mutex

	mirrorMu sync.Mutex
	pending  map[domain.Identity]domain.PresenceRecord
	wake     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

// NewTracker creates a Tracker. Call Start to run the mirror worker.
func NewTracker(s Store, cfg Config, m *metrics.Metrics) *Tracker {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Tracker{
		store:   s,
		config:  cfg,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[domain.Identity]domain.PresenceRecord),
		timers:  make(map[domain.Identity]pendingOffline),
		pending: make(map[domain.Identity]domain.PresenceRecord),
		wake:    make(chan struct{}, 1),
	}
}

// OnTransition registers an observer. Register before Start. Observers run
// one at a time in transition order and must not call back into the Tracker.
func (t *Tracker) OnTransition(fn Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// SetOnline marks id online and cancels any pending offline.
// It returns true when id was not already online.
func (t *Tracker) SetOnline(id domain.Identity) bool {
	t.mu.Lock()
	t.cancelLocked(id)

	rec, ok := t.records[id]
	if ok && rec.Online {
		t.mu.Unlock()
		return false
	}
	rec = domain.PresenceRecord{Identity: id, Online: true, LastSeen: t.now()}
	t.records[id] = rec
	observers := t.observers
	t.notifyMu.Lock()
	t.mu.Unlock()

	t.transitioned(rec, observers)
	return true
}

// SetOffline marks id offline immediately. It returns true on a real transition.
func (t *Tracker) SetOffline(id domain.Identity) bool {
	t.mu.Lock()
	t.cancelLocked(id)
	rec, observers, ok := t.offlineLocked(id)
	if !ok {
		t.mu.Unlock()
		return false
	}
	t.notifyMu.Lock()
	t.mu.Unlock()

	t.transitioned(rec, observers)
	return true
}

// ScheduleOffline marks id offline after the grace period unless SetOnline
// or CancelOffline happens first.
func (t *Tracker) ScheduleOffline(id domain.Identity) {
	if t.config.GracePeriod <= 0 {
		t.SetOffline(id)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked(id)
	t.gen++
	gen := t.gen
	timer := time.AfterFunc(t.config.GracePeriod, func() {
		t.mu.Lock()
		p, ok := t.timers[id]
		if !ok || p.gen != gen {
			// superseded
			t.mu.Unlock()
			return
		}
		delete(t.timers, id)
		rec, observers, changed := t.offlineLocked(id)
		if !changed {
			t.mu.Unlock()
			return
		}
		t.notifyMu.Lock()
		t.mu.Unlock()

		t.transitioned(rec, observers)
	})
	t.timers[id] = pendingOffline{timer: timer, gen: gen}
}

// CancelOffline drops a pending offline. It returns true if one was pending.
func (t *Tracker) CancelOffline(id domain.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked(id)
}

// IsOnline reports the in-memory state of id.
func (t *Tracker) IsOnline(id domain.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[id].Online
}

// LastSeen returns when id last changed state, falling back to the store
// for identities not seen since startup.
func (t *Tracker) LastSeen(ctx context.Context, id domain.Identity) (time.Time, bool) {
	rec, err := t.Get(ctx, id)
	if err != nil {
		return time.Time{}, false
	}
	return rec.LastSeen, true
}

// Get returns the presence of id from memory or, failing that, the store.
func (t *Tracker) Get(ctx context.Context, id domain.Identity) (domain.PresenceRecord, error) {
	t.mu.Lock()
	rec, ok := t.records[id]
	t.mu.Unlock()
	if ok {
		return rec, nil
	}

	stored, err := t.store.GetPresence(ctx, id)
	if err != nil {
		return domain.PresenceRecord{}, err
	}
	// A stored online flag from a previous process is stale.
	return domain.PresenceRecord{Identity: id, Online: false, LastSeen: stored.LastSeen}, nil
}

// OnlineCount returns how many identities are online in memory.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rec := range t.records {
		if rec.Online {
			n++
		}
	}
	return n
}

// cancelLocked must be called with t.mu held.
func (t *Tracker) cancelLocked(id domain.Identity) bool {
	p, ok := t.timers[id]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(t.timers, id)
	return true
}

// offlineLocked must be called with t.mu held.
func (t *Tracker) offlineLocked(id domain.Identity) (domain.PresenceRecord, []Observer, bool) {
	rec, ok := t.records[id]
	if !ok || !rec.Online {
		return rec, nil, false
	}
	rec = domain.PresenceRecord{Identity: id, Online: false, LastSeen: t.now()}
	t.records[id] = rec
	return rec, t.observers, true
}

// transitioned must be called with t.notifyMu held; it releases it.
func (t *Tracker) transitioned(rec domain.PresenceRecord, observers []Observer) {
	defer t.notifyMu.Unlock()
	t.metrics.PresenceTransition(rec.Online)
	t.enqueue(rec)
	for _, fn := range observers {
		fn(rec)
	}
}

// enqueue hands rec to the mirror worker, coalescing per identity.
func (t *Tracker) enqueue(rec domain.PresenceRecord) {
	t.mirrorMu.Lock()
	t.pending[rec.Identity] = rec
	t.mirrorMu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Start runs the mirror worker until ctx is done or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		for {
			select {
			case <-ctx.Done():
				t.flush(context.Background())
				return
			case <-t.wake:
				t.flush(ctx)
			}
		}
	}()
}

// Stop cancels pending offline timers and flushes the mirror.
func (t *Tracker) Stop() {
	t.mu.Lock()
	for id, p := range t.timers {
		p.timer.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

func (t *Tracker) flush(ctx context.Context) {
	t.mirrorMu.Lock()
	batch := t.pending
	t.pending = make(map[domain.Identity]domain.PresenceRecord)
	t.mirrorMu.Unlock()

	for _, rec := range batch {
		wctx, cancel := context.WithTimeout(ctx, t.config.WriteTimeout)
		err := t.store.UpdatePresence(wctx, rec)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			t.metrics.PresenceMirrorFailed()
			l := log.L()
			l.Warn().Err(err).Str(log.FieldIdentity, string(rec.Identity)).Msg("presence mirror write failed")
		}
	}
}
