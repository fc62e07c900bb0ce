// Package scheduler fires one-shot deadline callbacks for escrow milestones.
//
// Each (escrow, milestone) pair has at most one pending timer. When a timer
// fires, its key is queued and a fixed pool of workers invokes the handler,
// so a burst of simultaneous deadlines never fans out unbounded goroutines.
// Timers are held in memory only; callers re-register them after a restart.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
)

// Key identifies one milestone deadline.
type Key struct {
	EscrowID uint64
	Index    int
}

func (k Key) String() string {
	return fmt.Sprintf("escrow:%d:milestone:%d", k.EscrowID, k.Index)
}

// Handler is invoked when a deadline passes. A handler must tolerate stale
// firings: the milestone may already be completed or released.
type Handler func(ctx context.Context, escrowID uint64, index int) error

// Scheduler owns the pending deadline timers.
type Scheduler struct {
	handler Handler
	workers int
	logger  *slog.Logger

	mu     sync.Mutex
	timers map[Key]*pending

	queue   chan Key
	done    chan struct{}
	stopped bool
	wg      sync.WaitGroup
	once    sync.Once
}

type pending struct {
	timer *time.Timer
}

// New creates a scheduler with the given worker count. Call Start to begin
// processing fired deadlines.
func New(workers int, handler Handler) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		handler: handler,
		workers: workers,
		logger:  slog.Default(),
		timers:  make(map[Key]*pending),
		queue:   make(chan Key, 256),
		done:    make(chan struct{}),
	}
}

// WithLogger sets a structured logger.
func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	s.logger = l
	return s
}

// Start launches the worker pool. Workers exit when ctx is done or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.once.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.work(ctx)
		}
	})
}

// Stop cancels every pending timer and waits for in-flight handlers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for k, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, k)
	}
	metrics.ScheduledTimers.Set(0)
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
}

// Schedule arranges for the handler to run at deadline. An existing timer
// for the same key is replaced. A deadline in the past fires immediately.
func (s *Scheduler) Schedule(escrowID uint64, index int, deadline time.Time) {
	key := Key{EscrowID: escrowID, Index: index}
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
	}
	p := &pending{}
	p.timer = time.AfterFunc(delay, func() { s.fire(key, p) })
	s.timers[key] = p
	metrics.ScheduledTimers.Set(float64(len(s.timers)))
}

// Cancel removes the pending timer for a milestone. It reports whether a
// timer was pending. A timer that already fired cannot be recalled.
func (s *Scheduler) Cancel(escrowID uint64, index int) bool {
	key := Key{EscrowID: escrowID, Index: index}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.timers[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.timers, key)
	metrics.ScheduledTimers.Set(float64(len(s.timers)))
	return true
}

// Pending returns the number of timers that have not fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Has reports whether a timer is pending for the milestone.
func (s *Scheduler) Has(escrowID uint64, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[Key{EscrowID: escrowID, Index: index}]
	return ok
}

func (s *Scheduler) fire(key Key, p *pending) {
	s.mu.Lock()
	// A replaced or cancelled timer may still run if Stop raced the fire.
	if cur, ok := s.timers[key]; !ok || cur != p {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	metrics.ScheduledTimers.Set(float64(len(s.timers)))
	s.mu.Unlock()

	select {
	case s.queue <- key:
	case <-s.done:
	}
}

func (s *Scheduler) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case key := <-s.queue:
			s.safeRun(ctx, key)
		}
	}
}

func (s *Scheduler) safeRun(ctx context.Context, key Key) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in deadline handler", "key", key.String(), "panic", fmt.Sprint(r))
		}
	}()
	if err := s.handler(ctx, key.EscrowID, key.Index); err != nil {
		s.logger.Warn("deadline handler failed",
			"escrow_id", key.EscrowID,
			"milestone_index", key.Index,
			"error", err,
		)
	}
}
