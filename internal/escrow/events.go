package escrow

import (
	"context"
	"sync"
	"time"
)

// EventKind tags an audit event.
type EventKind string

const (
	EventCreated            EventKind = "created"
	EventFundsDeposited     EventKind = "funds_deposited"
	EventMilestoneCompleted EventKind = "milestone_completed"
	EventFundsReleased      EventKind = "funds_released"
	EventDisputed           EventKind = "disputed"
)

// Event is an immutable audit entry. Actor is the depositor, completer or
// disputer depending on Kind.
type Event struct {
	ID             uint64    `json:"id"`
	Kind           EventKind `json:"kind"`
	EscrowID       uint64    `json:"escrowId"`
	ListingID      uint64    `json:"listingId,omitempty"`
	Payer          string    `json:"payer,omitempty"`
	Payee          string    `json:"payee,omitempty"`
	Amount         uint64    `json:"amount,omitempty"`
	MilestoneIndex *int      `json:"milestoneIndex,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	ReleasedTo     string    `json:"releasedTo,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

const (
	// EventLogCapacity bounds the audit trail.
	EventLogCapacity = 1000
	// EventLogTrim entries are evicted at once when the capacity is exceeded.
	EventLogTrim = 100

	DefaultRecentEvents = 50
)

// EventLog is an append-only, capacity-bounded audit trail.
type EventLog interface {
	// Append assigns ev.ID and stores the event.
	Append(ctx context.Context, ev *Event) error
	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]*Event, error)
}

// EventSink receives events after they are committed. Sinks must not block.
type EventSink interface {
	Publish(ctx context.Context, ev *Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev *Event)

func (f SinkFunc) Publish(ctx context.Context, ev *Event) { f(ctx, ev) }

// MemoryEventLog keeps the audit trail in memory.
type MemoryEventLog struct {
	mu     sync.RWMutex
	events []*Event
	nextID uint64
}

// NewMemoryEventLog creates an empty in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{nextID: 1}
}

func (l *MemoryEventLog) Append(_ context.Context, ev *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.ID = l.nextID
	l.nextID++
	cp := *ev
	l.events = append(l.events, &cp)
	if len(l.events) > EventLogCapacity {
		l.events = append([]*Event(nil), l.events[EventLogTrim:]...)
	}
	return nil
}

func (l *MemoryEventLog) Recent(_ context.Context, limit int) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.events)
	if limit > n {
		limit = n
	}
	out := make([]*Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *l.events[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Len returns the number of retained events.
func (l *MemoryEventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

func clampEventLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentEvents
	case limit > EventLogCapacity:
		return EventLogCapacity
	default:
		return limit
	}
}

func intPtr(i int) *int { return &i }
