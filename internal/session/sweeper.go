package session

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/esilink/internal/common/config"
)

// Sweeper evicts records that were not resolved within the idle TTL and
// have no live connection attached
type Sweeper struct {
	registry *Registry
	logger   *zap.Logger
	idleTTL  time.Duration
	interval time.Duration
	running  atomic.Bool
	stopped  atomic.Bool
	stopChan chan struct{}
}

func NewSweeper(registry *Registry, logger *zap.Logger, cfg config.SessionConfig) *Sweeper {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		registry: registry,
		logger:   logger.Named("session.sweeper"),
		idleTTL:  cfg.IdleTTL,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start runs the sweep loop. It does nothing when no idle TTL is configured.
func (s *Sweeper) Start(ctx context.Context) {
	if s.idleTTL <= 0 {
		return
	}
	if s.running.CompareAndSwap(false, true) {
		go s.loop(ctx)
		s.logger.Info("Started idle session sweeper",
			zap.Duration("idle_ttl", s.idleTTL),
			zap.Duration("interval", s.interval))
	}
}

// Stop halts the sweep loop
func (s *Sweeper) Stop() {
	if s.running.CompareAndSwap(true, false) {
		if s.stopped.CompareAndSwap(false, true) {
			close(s.stopChan)
		}
		s.logger.Info("Stopped idle session sweeper")
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			if n := s.Sweep(s.registry.now()); n > 0 {
				s.logger.Info("evicted idle sessions", zap.Int("count", n))
			}
		}
	}
}

// Sweep deletes idle records as of now and returns how many were removed
func (s *Sweeper) Sweep(now time.Time) int {
	cutoff := now.Add(-s.idleTTL)
	isIdle := func(rec *Record) bool {
		return !rec.Attached() && rec.LastSeen().Before(cutoff)
	}

	var idle []string
	s.registry.Range(func(rec *Record) bool {
		if isIdle(rec) {
			idle = append(idle, rec.id)
		}
		return true
	})

	n := 0
	for _, id := range idle {
		// re-checked under the record lock; a request or a live connection
		// may have resolved the record since the scan
		if s.registry.remove(id, nil, isIdle) {
			n++
		}
	}
	return n
}
