package tick

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/esilink/internal/auth"
	"github.com/amoylab/esilink/internal/common/config"
	"github.com/amoylab/esilink/internal/common/errorx"
	"github.com/amoylab/esilink/internal/esi"
	"github.com/amoylab/esilink/internal/session"
	"github.com/amoylab/esilink/pkg/metrics"
	"github.com/amoylab/esilink/pkg/trace"
)

// LoopState is the scheduling state of one session
type LoopState int32

const (
	StateIdle LoopState = iota
	StateScheduled
	StateRunning
)

func (s LoopState) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	default:
		return "idle"
	}
}

// Fetcher loads one live snapshot for a character record
type Fetcher interface {
	Fetch(ctx context.Context, characterID uint, cache esi.ResourceCache) (*session.Snapshot, esi.Freshness, error)
}

// Option configures an Engine
type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine runs one refresh loop per ticking session. Cycles of a session
// never overlap; a loop started while the previous one is still finishing
// waits for it.
type Engine struct {
	registry *session.Registry
	guard    *auth.Guard
	fetcher  Fetcher
	cfg      config.TickConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   *trace.Builder
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	loops map[string]*loop
	// retiring holds detached loops that may still be inside a cycle
	retiring map[string]*loop
}

type loop struct {
	// rec is the record the loop was started for; a record recreated under
	// the same id gets a loop of its own
	rec      *session.Record
	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	failures int
}

func (l *loop) halt() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// NewEngine creates an engine and hooks it to record deletion
func NewEngine(registry *session.Registry, guard *auth.Guard, fetcher Fetcher, cfg config.TickConfig, logger *zap.Logger, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry: registry,
		guard:    guard,
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   logger.Named("tick"),
		tracer:   trace.Tracer("esilink/tick"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		loops:    make(map[string]*loop),
		retiring: make(map[string]*loop),
	}
	for _, opt := range opts {
		opt(e)
	}
	registry.OnDelete(e.detach)
	return e
}

// Start marks the session as ticking and schedules an immediate cycle. It
// is a no-op while the session already has a loop. Start and Stop hold the
// engine lock across the flag change and the loop change, so the last call
// decides both.
func (e *Engine) Start(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return
	}

	var rec *session.Record
	for {
		rec = e.registry.GetOrCreate(sessionID)
		if rec.Mutate(func(s *session.State) { s.Ticking = true }) {
			break
		}
	}

	if l, ok := e.loops[sessionID]; ok {
		if l.rec == rec {
			return
		}
		// left over from a deleted record whose hook has not run yet
		e.retireLocked(sessionID, l)
	}
	l := &loop{rec: rec, stop: make(chan struct{}), done: make(chan struct{})}
	l.state.Store(int32(StateScheduled))
	e.loops[sessionID] = l
	prev := e.retiring[sessionID]

	e.wg.Add(1)
	go e.run(sessionID, l, prev)
}

// Stop clears the ticking flag and cancels any pending cycle. A cycle in
// flight completes; the loop ends before the next one.
func (e *Engine) Stop(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.registry.Lookup(sessionID); ok {
		rec.Mutate(func(s *session.State) {
			s.Ticking = false
		})
	}
	if l, ok := e.loops[sessionID]; ok {
		e.retireLocked(sessionID, l)
	}
}

// StopAll ends every loop and waits for in-flight cycles to return
func (e *Engine) StopAll() {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

// State reports the scheduling state of a session
func (e *Engine) State(sessionID string) LoopState {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.loops[sessionID]
	if !ok {
		return StateIdle
	}
	return LoopState(l.state.Load())
}

// detach runs after a record is deleted. It retires the loop of the
// session unless that loop already serves a newer record.
func (e *Engine) detach(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.loops[sessionID]; ok && l.rec.Deleted() {
		e.retireLocked(sessionID, l)
	}
}

// retireLocked moves l out of the active loops and signals it. e.mu must be held.
func (e *Engine) retireLocked(sessionID string, l *loop) {
	delete(e.loops, sessionID)
	e.retiring[sessionID] = l
	l.halt()
}

func (e *Engine) run(sessionID string, l *loop, prev *loop) {
	defer e.wg.Done()
	defer close(l.done)
	defer func() {
		e.mu.Lock()
		if e.loops[sessionID] == l {
			delete(e.loops, sessionID)
		}
		if e.retiring[sessionID] == l {
			delete(e.retiring, sessionID)
		}
		e.mu.Unlock()
	}()

	if prev != nil {
		select {
		case <-prev.done:
		case <-e.ctx.Done():
			return
		}
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-l.stop:
			return
		case <-timer.C:
		}
		select {
		case <-l.stop:
			return
		default:
		}

		l.state.Store(int32(StateRunning))
		next, ok := e.cycle(sessionID, l)
		if !ok {
			return
		}
		l.state.Store(int32(StateScheduled))
		timer.Reset(next)
	}
}

// cycle runs one refresh. It returns the delay until the next cycle, or
// false when the session stopped ticking or is gone.
func (e *Engine) cycle(sessionID string, l *loop) (time.Duration, bool) {
	rec := l.rec
	st := rec.State()
	if rec.Deleted() || !st.Ticking {
		e.logger.Debug("session stopped ticking", zap.String("session", sessionID))
		return 0, false
	}

	scope := e.tracer.Start(e.ctx, "tick.cycle", trace.Session(sessionID))
	defer scope.End()
	ctx := scope.Ctx

	var reload bool
	rec.Mutate(func(s *session.State) {
		reload = s.RefreshRequested
		s.RefreshRequested = false
	})
	if reload {
		if err := e.reload(ctx, sessionID, rec); err != nil {
			scope.Fail(err)
			rec.Mutate(func(s *session.State) { s.RefreshRequested = true })
			return e.failed(sessionID, 0, l, err), true
		}
	}

	st = rec.State()
	if st.ActiveCharacter == nil {
		e.metrics.TickDone("idle")
		return e.cfg.DefaultInterval, true
	}
	scope.WithAttrs(trace.Character(st.ActiveCharacter.CharacterID))

	snap, fresh, err := e.fetcher.Fetch(ctx, st.ActiveCharacter.ID, rec.Resources())
	if err != nil {
		scope.Fail(err)
		return e.failed(sessionID, st.ActiveCharacter.CharacterID, l, err), true
	}
	l.failures = 0

	var counter uint64
	if !rec.Mutate(func(s *session.State) {
		s.PreviousTickData = s.CachedData
		s.CachedData = snap
		s.TickCounter++
		counter = s.TickCounter
	}) {
		return 0, false
	}
	e.metrics.TickDone("ok")
	e.push(ctx, sessionID, rec, counter, snap)

	return e.nextDelay(fresh), true
}

// reload refreshes the denormalized user and active character of a record
func (e *Engine) reload(ctx context.Context, sessionID string, rec *session.Record) error {
	user, character, err := e.guard.ActiveCharacter(ctx, sessionID)
	if err != nil && !errors.Is(err, errorx.ErrNotAuthorized) {
		return err
	}
	rec.Mutate(func(s *session.State) {
		if s.RefreshRequested {
			// a newer request arrived while loading; the next cycle reloads
			return
		}
		s.User = user
		s.ActiveCharacter = character
		s.ActiveCharacterID = nil
		if character != nil {
			id := character.CharacterID
			s.ActiveCharacterID = &id
		}
	})
	return nil
}

func (e *Engine) push(ctx context.Context, sessionID string, rec *session.Record, counter uint64, snap *session.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		e.logger.Error("failed to marshal snapshot", zap.String("session", sessionID), zap.Error(err))
		return
	}
	if err := rec.Live().Send(ctx, &session.Event{Type: session.EventTick, Counter: counter, Data: data}); err != nil {
		e.logger.Debug("live push dropped",
			zap.String("session", sessionID),
			zap.Uint64("counter", counter),
			zap.Error(err))
	}
}

func (e *Engine) failed(sessionID string, characterID int64, l *loop, err error) time.Duration {
	l.failures++
	e.metrics.TickDone("failed")
	delay := Backoff(e.cfg.FailureBackoff, e.cfg.MaxBackoff, l.failures)
	e.logger.Warn("tick cycle failed",
		zap.String("session", sessionID),
		zap.Int64("character_id", characterID),
		zap.Int("consecutive_failures", l.failures),
		zap.Duration("retry_in", delay),
		zap.Error(err))
	return delay
}

func (e *Engine) nextDelay(f esi.Freshness) time.Duration {
	if f.ExpiresAt.IsZero() {
		if e.cfg.DefaultInterval < e.cfg.MinInterval {
			return e.cfg.MinInterval
		}
		return e.cfg.DefaultInterval
	}
	return f.NextDelay(e.now(), e.cfg.MinInterval)
}

// Backoff doubles base for every consecutive failure after the first,
// capped at max
func Backoff(base, max time.Duration, failures int) time.Duration {
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
