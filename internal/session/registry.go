package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/esilink/internal/esi"
	"github.com/amoylab/esilink/pkg/metrics"
)

// Option configures a Registry
type Option func(*Registry)

// WithMetrics reports the number of live records
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps session ids to records. The map lock only guards lookup,
// insert and delete; state changes take the lock of a single record.
type Registry struct {
	logger  *zap.Logger
	hub     Hub
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	records map[string]*Record

	hooksMu  sync.RWMutex
	onDelete []func(id string)

	contended atomic.Int64
}

// NewRegistry creates an empty registry whose records push through hub
func NewRegistry(logger *zap.Logger, hub Hub, opts ...Option) *Registry {
	r := &Registry{
		logger:  logger.Named("session.registry"),
		hub:     hub,
		now:     time.Now,
		records: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the record of id, creating a default one on first use
func (r *Registry) GetOrCreate(id string) *Record {
	now := r.now()

	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if ok {
		rec.touch(now)
		return rec
	}

	r.mu.Lock()
	rec, ok = r.records[id]
	if !ok {
		rec = &Record{
			id:        id,
			live:      r.hub.Open(id),
			resources: newResources(r.now),
			contended: &r.contended,
		}
		r.records[id] = rec
	}
	n := len(r.records)
	r.mu.Unlock()

	rec.touch(now)
	if !ok {
		r.metrics.SetSessions(n)
		r.logger.Debug("created session record", zap.String("session", id))
	}
	return rec
}

// Lookup returns the record of id without creating it
func (r *Registry) Lookup(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Mutate applies fn to the state of id under that record's lock only.
// fn must not call back into the registry for the same id.
func (r *Registry) Mutate(id string, fn func(*State)) {
	for {
		if r.GetOrCreate(id).Mutate(fn) {
			return
		}
		// the record was deleted between lookup and lock; use the new one
	}
}

// View passes a copy of the state of id to fn
func (r *Registry) View(id string, fn func(State)) {
	fn(r.GetOrCreate(id).State())
}

// Delete removes the record of id, closes its live channel and runs the
// delete hooks. Deleting an unknown id is a no-op.
func (r *Registry) Delete(id string) {
	r.remove(id, nil, func(*Record) bool { return true })
}

// Attach resolves the record of id and marks a live connection on it. The
// record returned is never one that a concurrent delete has already
// removed. Call the returned func on disconnect.
func (r *Registry) Attach(id string) (*Record, func()) {
	for {
		rec := r.GetOrCreate(id)
		if detach, ok := rec.attach(); ok {
			return rec, detach
		}
		// deleted between lookup and attach; the next lookup creates a new record
	}
}

// DeleteIfDetached removes rec unless a live connection is attached to it
// or it was already replaced. It reports whether rec was removed.
func (r *Registry) DeleteIfDetached(rec *Record) bool {
	return r.remove(rec.id, rec, func(rec *Record) bool { return rec.attached.Load() == 0 })
}

// remove deletes the record of id when cond holds under the record lock.
// A non-nil want restricts the delete to that exact record.
func (r *Registry) remove(id string, want *Record, cond func(*Record) bool) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok || (want != nil && rec != want) {
		r.mu.Unlock()
		return false
	}
	rec.mu.Lock()
	if !cond(rec) {
		rec.mu.Unlock()
		r.mu.Unlock()
		return false
	}
	rec.deleted = true
	rec.state.Ticking = false
	rec.mu.Unlock()
	delete(r.records, id)
	n := len(r.records)
	r.mu.Unlock()

	if err := rec.live.Close(context.Background()); err != nil {
		r.logger.Warn("failed to close live channel",
			zap.String("session", id),
			zap.Error(err))
	}

	r.hooksMu.RLock()
	hooks := append([]func(string){}, r.onDelete...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(id)
	}

	r.metrics.SetSessions(n)
	r.logger.Debug("deleted session record", zap.String("session", id))
	return true
}

// OnDelete registers fn to run after a record is removed
func (r *Registry) OnDelete(fn func(id string)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onDelete = append(r.onDelete, fn)
}

// Len returns the number of records
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Range calls fn for every record until fn returns false. The set of
// records is captured before the first call.
func (r *Registry) Range(fn func(*Record) bool) {
	r.mu.RLock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	for _, rec := range recs {
		if !fn(rec) {
			return
		}
	}
}

// Contended counts record lock acquisitions that had to wait
func (r *Registry) Contended() int64 {
	return r.contended.Load()
}

// Close deletes every record
func (r *Registry) Close() {
	var ids []string
	r.Range(func(rec *Record) bool {
		ids = append(ids, rec.id)
		return true
	})
	for _, id := range ids {
		r.Delete(id)
	}
}

// Record is the live state of one session
type Record struct {
	id        string
	live      Channel
	resources *Resources
	contended *atomic.Int64

	mu      sync.Mutex
	state   State
	deleted bool

	lastSeen atomic.Int64
	attached atomic.Int32
}

func (rec *Record) ID() string { return rec.id }

// Live returns the record's live channel
func (rec *Record) Live() Channel { return rec.live }

// Resources returns the per-session sub-resource cache
func (rec *Record) Resources() *Resources { return rec.resources }

// Mutate applies fn under the record lock. It returns false without calling
// fn once the record has been deleted.
func (rec *Record) Mutate(fn func(*State)) bool {
	rec.lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return false
	}
	fn(&rec.state)
	return true
}

// State returns a copy of the current state
func (rec *Record) State() State {
	rec.lock()
	defer rec.mu.Unlock()
	return rec.state
}

// Deleted reports whether the record was removed from its registry
func (rec *Record) Deleted() bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.deleted
}

// attach marks a live connection on the record. It fails once the record
// is deleted. The attach count only changes under the record lock so a
// conditional delete sees a settled value.
func (rec *Record) attach() (func(), bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil, false
	}
	rec.attached.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			rec.mu.Lock()
			rec.attached.Add(-1)
			rec.mu.Unlock()
		})
	}, true
}

// Attached reports whether any live connection is using the record
func (rec *Record) Attached() bool {
	return rec.attached.Load() > 0
}

// LastSeen is the last time the record was resolved by id
func (rec *Record) LastSeen() time.Time {
	return time.Unix(0, rec.lastSeen.Load())
}

func (rec *Record) touch(now time.Time) {
	rec.lastSeen.Store(now.UnixNano())
}

func (rec *Record) lock() {
	if rec.mu.TryLock() {
		return
	}
	rec.contended.Add(1)
	rec.mu.Lock()
}

// Resources caches sub-resources of one session with their freshness
type Resources struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]resourceEntry
}

type resourceEntry struct {
	payload   json.RawMessage
	freshness esi.Freshness
}

var _ esi.ResourceCache = (*Resources)(nil)

func newResources(now func() time.Time) *Resources {
	return &Resources{now: now, entries: make(map[string]resourceEntry)}
}

// Lookup returns the payload under key while it is fresh at now
func (c *Resources) Lookup(key string, now time.Time) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.freshness.IsFresh(now) {
		delete(c.entries, key)
		return nil, false
	}
	return e.payload, true
}

// Store records payload under key and drops every entry that expired by
// the time payload was fetched
func (c *Resources) Store(key string, payload json.RawMessage, f esi.Freshness) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !e.freshness.IsFresh(now) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = resourceEntry{payload: payload, freshness: f}
}

// Len returns the number of cached entries
func (c *Resources) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
