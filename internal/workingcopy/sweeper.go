package workingcopy

import (
	"context"
	"sync"
	"time"

	"github.com/mesh-intelligence/canopy/internal/clock"
)

// Sweeper runs CleanupOld on a fixed interval, off the pipeline's
// serialization path.
type Sweeper struct {
	m        *Manager
	interval time.Duration
	clock    clock.Clock
	report   func(removed int)

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSweeper returns a sweeper for m. Call Start to schedule it.
func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{m: m, interval: interval, clock: m.clock, ctx: ctx, cancel: cancel}
}

// OnSweep sets a callback that receives the number of copies each
// successful sweep removed. Call it before Start.
func (s *Sweeper) OnSweep(fn func(removed int)) {
	s.report = fn
}

// Start schedules the first sweep. A non-positive interval disables it.
func (s *Sweeper) Start() {
	if s.interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked()
}

func (s *Sweeper) scheduleLocked() {
	if s.stopped {
		return
	}
	s.timer = s.clock.AfterFunc(s.interval, s.tick)
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	n, err := s.m.CleanupOld(s.ctx, s.m.ttl)
	switch {
	case err != nil && s.ctx.Err() == nil:
		s.m.logger.Warn("working copy sweep failed", "error", err)
	case err == nil && s.report != nil:
		s.report(n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked()
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
