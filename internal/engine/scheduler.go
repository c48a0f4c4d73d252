package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/rampart/internal/playbook"
)

// Clock abstracts time for the scheduler so tests can drive the loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the real-time clock.
func SystemClock() Clock { return systemClock{} }

// ReloadFunc rebuilds the playbook registry from configuration. Called
// between iterations; returning an error keeps the previous registry.
type ReloadFunc func() (*playbook.Registry, error)

// Scheduler drives engine iterations on a fixed interval. Iterations are
// single-flight: a manual trigger arriving while one runs waits for it.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	clock    Clock
	reload   ReloadFunc
	logger   log.Logger

	mu       sync.Mutex // serializes RunOnce
	registry atomic.Pointer[playbook.Registry]
	last     atomic.Pointer[IterationResult]
}

// NewScheduler creates a scheduler over a validated registry. reload may be
// nil to disable config reload; clock nil selects real time.
func NewScheduler(eng *Engine, reg *playbook.Registry, interval time.Duration,
	clock Clock, reload ReloadFunc, logger log.Logger) *Scheduler {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Scheduler{
		engine:   eng,
		interval: interval,
		clock:    clock,
		reload:   reload,
		logger:   logger,
	}
	s.registry.Store(reg)
	return s
}

// RunOnce executes a single iteration and records it as the latest result.
func (s *Scheduler) RunOnce(ctx context.Context) IterationResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.engine.RunIteration(ctx, s.registry.Load())
	s.last.Store(&result)
	return result
}

// Last returns the most recent iteration result, nil before the first run.
func (s *Scheduler) Last() *IterationResult {
	return s.last.Load()
}

// Run loops until ctx is canceled: iterate, reload config, wait out the
// interval. The reload happens between iterations only, so a running
// iteration always sees one consistent registry.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.RunOnce(ctx)
		s.maybeReload(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.interval):
		}
	}
}

func (s *Scheduler) maybeReload(ctx context.Context) {
	if s.reload == nil {
		return
	}
	reg, err := s.reload()
	if err != nil {
		s.logger.Error(ctx, err, "config reload failed, keeping previous registry")
		return
	}
	s.registry.Store(reg)
}
