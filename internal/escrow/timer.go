package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often Timer looks for overdue milestones.
const DefaultSweepInterval = 30 * time.Second

// Timer periodically auto-releases overdue milestones that the in-memory
// scheduler missed: deadlines that passed while the process was down, or
// that were already past when the escrow was funded.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	now      func() time.Time
}

// NewTimer creates a new overdue-milestone sweeper.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: DefaultSweepInterval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// WithInterval overrides the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

// sweep returns the number of milestones it released.
func (t *Timer) sweep(ctx context.Context) int {
	now := t.now()

	overdue, err := t.store.ListOverdue(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list overdue escrows", "error", err)
		return 0
	}

	released := 0
	for _, e := range overdue {
		for i, m := range e.Milestones {
			if m.Completed || m.Deadline.After(now) {
				continue
			}
			if err := t.service.AutoRelease(ctx, e.ID, i); err != nil {
				if errors.Is(err, ErrConflict) {
					t.logger.Debug("milestone busy, retrying next sweep", "escrow_id", e.ID, "milestone_index", i)
					continue
				}
				t.logger.Warn("failed to auto-release milestone",
					"escrow_id", e.ID,
					"milestone_index", i,
					"error", err,
				)
				continue
			}
			released++
		}
	}
	return released
}
