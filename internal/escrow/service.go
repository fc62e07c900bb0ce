package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/escrowd/internal/claims"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/traces"
)

// Service is the only component that mutates escrow records and the only
// caller of the ledger, the address provider and the scheduler.
//
// Every mutating operation follows the same shape: take a claim, read the
// record, check preconditions, make at most one external call, then commit
// through Store.Update and append one event. Claims never block; a second
// caller gets ErrConflict.
type Service struct {
	store     Store
	events    EventLog
	ledger    Ledger
	addresses AddressProvider
	claims    Claimer
	scheduler Scheduler
	sinks     []EventSink
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new escrow service with in-process claims.
func NewService(store Store, events EventLog, ledger Ledger, addresses AddressProvider) *Service {
	return &Service{
		store:     store,
		events:    events,
		ledger:    ledger,
		addresses: addresses,
		claims:    claims.NewLocal(),
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClaims replaces the claim provider, e.g. with a Redis-backed one when
// several instances share a store.
func (s *Service) WithClaims(c Claimer) *Service {
	s.claims = c
	return s
}

// WithScheduler enables deadline-driven automatic release.
func (s *Service) WithScheduler(sch Scheduler) *Service {
	s.scheduler = sch
	return s
}

// WithSinks adds receivers for committed events.
func (s *Service) WithSinks(sinks ...EventSink) *Service {
	s.sinks = append(s.sinks, sinks...)
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a new escrow with caller as payer. A deposit address is
// derived before anything is persisted; if derivation fails no record exists.
func (s *Service) Create(ctx context.Context, caller string, req CreateRequest) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Caller(caller), traces.Amount(req.TotalAmount))
	defer func() { s.finish(span, "create", err) }()

	if caller == "" {
		return nil, ErrNoCaller
	}
	if err := req.validate(caller); err != nil {
		return nil, err
	}

	id, err := s.store.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate escrow id: %w", err)
	}
	release, err := s.claim(ctx, "create", escrowKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	addr, err := s.addresses.DeriveAddress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate deposit address: %w", ErrExternalService, err)
	}

	now := s.now()
	e := &Escrow{
		ID:             id,
		ListingID:      req.ListingID,
		Payer:          caller,
		Payee:          req.Payee,
		TotalAmount:    req.TotalAmount,
		State:          StateCreated,
		Milestones:     make([]Milestone, len(req.Milestones)),
		DepositAddress: addr,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i, m := range req.Milestones {
		e.Milestones[i] = Milestone{
			Description: m.Description,
			Amount:      m.Amount,
			Deadline:    m.Deadline,
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("persist escrow: %w", err)
	}

	s.record(ctx, &Event{
		Kind:      EventCreated,
		EscrowID:  id,
		ListingID: e.ListingID,
		Payer:     e.Payer,
		Payee:     e.Payee,
		Amount:    e.TotalAmount,
		Actor:     caller,
	})
	logging.L(ctx).Info("escrow created",
		"escrow_id", id,
		"listing_id", e.ListingID,
		"payee", e.Payee,
		"total", e.TotalAmount,
		"milestones", len(e.Milestones),
	)
	return e.Clone(), nil
}

// Deposit pulls the full escrow amount from the payer into the escrow's
// subaccount and locks it. On any ledger failure the record is untouched.
func (s *Service) Deposit(ctx context.Context, caller string, id, amount uint64) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Deposit", traces.EscrowID(id), traces.Caller(caller), traces.Amount(amount))
	defer func() { s.finish(span, "deposit", err) }()

	release, err := s.claim(ctx, "deposit", escrowKey(id))
	if err != nil {
		return err
	}
	defer release()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if caller != e.Payer {
		return ErrNotPayer
	}
	if e.State != StateCreated {
		return ErrAlreadyFunded
	}
	if amount != e.TotalAmount {
		return fmt.Errorf("%w (expected %d, got %d)", ErrAmountMismatch, e.TotalAmount, amount)
	}

	block, err := s.ledger.PullTransfer(ctx, e.Payer, ledger.Subaccount(id), amount, ledger.DepositMemo(e.ListingID))
	if err != nil {
		return fmt.Errorf("%w: deposit transfer failed: %w", ErrExternalService, err)
	}

	now := s.now()
	updated, err := s.commit(ctx, id, func(cur *Escrow) error {
		if cur.State != StateCreated {
			return ErrAlreadyFunded
		}
		cur.LockedAmount = amount
		cur.State = StateLocked
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.refundDeposit(ctx, e, amount, block, err)
		return fmt.Errorf("commit deposit: %w", err)
	}

	s.record(ctx, &Event{
		Kind:      EventFundsDeposited,
		EscrowID:  id,
		ListingID: e.ListingID,
		Payer:     e.Payer,
		Amount:    amount,
		Actor:     caller,
	})
	logging.L(ctx).Info("escrow funded", "escrow_id", id, "amount", amount, "block", block)

	s.scheduleDeadlines(updated, now, false)
	return nil
}

// CompleteMilestone marks a milestone done on the payee's word. It does not
// move funds; Release does.
func (s *Service) CompleteMilestone(ctx context.Context, caller string, id uint64, index int) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CompleteMilestone", traces.EscrowID(id), traces.MilestoneIndex(index), traces.Caller(caller))
	defer func() { s.finish(span, "complete_milestone", err) }()

	release, err := s.claim(ctx, "complete_milestone", milestoneKey(id, index))
	if err != nil {
		return err
	}
	defer release()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if caller != e.Payee {
		return ErrNotPayee
	}
	if !e.State.Funded() {
		return fmt.Errorf("%w (state %s)", ErrNotFunded, e.State)
	}
	if index < 0 || index >= len(e.Milestones) {
		return ErrMilestoneOutOfRange
	}
	if e.Milestones[index].Completed {
		return ErrMilestoneCompleted
	}

	if _, err := s.completeLocked(ctx, id, index, caller); err != nil {
		return err
	}
	if s.scheduler != nil {
		s.scheduler.Cancel(id, index)
	}
	return nil
}

// Release pays a completed milestone out to the payee. Either party may
// trigger it.
func (s *Service) Release(ctx context.Context, caller string, id uint64, index int) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id), traces.MilestoneIndex(index), traces.Caller(caller))
	defer func() { s.finish(span, "release", err) }()

	release, err := s.claim(ctx, "release", milestoneKey(id, index))
	if err != nil {
		return err
	}
	defer release()

	return s.releaseLocked(ctx, caller, id, index)
}

// AutoRelease is the deadline callback. It completes the milestone on the
// system's behalf and releases it through the same path as Release. A
// firing for a milestone that is already completed, not yet due, or whose
// escrow is not funded is a no-op.
func (s *Service) AutoRelease(ctx context.Context, id uint64, index int) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease", traces.EscrowID(id), traces.MilestoneIndex(index))
	defer func() { s.finish(span, "auto_release", err) }()

	release, err := s.claim(ctx, "auto_release", milestoneKey(id, index))
	if err != nil {
		return err
	}
	defer release()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(e.Milestones) || !e.State.Funded() {
		return nil
	}
	m := e.Milestones[index]
	if m.Completed {
		return nil
	}
	now := s.now()
	if now.Before(m.Deadline) {
		// Fired early; try again at the real deadline.
		if s.scheduler != nil {
			s.scheduler.Schedule(id, index, m.Deadline)
		}
		return nil
	}

	if _, err := s.completeLocked(ctx, id, index, SystemActor); err != nil {
		if errors.Is(err, ErrMilestoneCompleted) {
			return nil
		}
		return err
	}
	if err := s.releaseLocked(ctx, SystemActor, id, index); err != nil {
		return err
	}
	metrics.EscrowAutoReleasedTotal.Inc()
	logging.L(ctx).Info("milestone auto-released", "escrow_id", id, "milestone_index", index, "amount", m.Amount)
	return nil
}

// Dispute records a dispute for an external arbiter. It changes neither
// state nor balances.
func (s *Service) Dispute(ctx context.Context, caller string, id uint64, reason string) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", traces.EscrowID(id), traces.Caller(caller))
	defer func() { s.finish(span, "dispute", err) }()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if caller != e.Payer && caller != e.Payee {
		return ErrNotParty
	}
	if !e.State.Funded() {
		return fmt.Errorf("%w (state %s)", ErrNotFunded, e.State)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	if len(reason) > MaxReasonLength {
		return ErrReasonTooLong
	}

	s.record(ctx, &Event{
		Kind:      EventDisputed,
		EscrowID:  id,
		ListingID: e.ListingID,
		Payer:     e.Payer,
		Payee:     e.Payee,
		Actor:     caller,
		Reason:    reason,
	})
	logging.L(ctx).Warn("escrow disputed", "escrow_id", id, "disputed_by", caller)
	return nil
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByListing returns escrows for a listing with id > after.
func (s *Service) ListByListing(ctx context.Context, listingID, after uint64, limit int) ([]*Escrow, error) {
	return s.store.ListByListing(ctx, listingID, after, limit)
}

// ListByPayer returns escrows funded by payer with id > after.
func (s *Service) ListByPayer(ctx context.Context, payer string, after uint64, limit int) ([]*Escrow, error) {
	return s.store.ListByPayer(ctx, payer, after, limit)
}

// RecentEvents returns the newest events first. limit is clamped to
// [1, EventLogCapacity]; non-positive values use DefaultRecentEvents.
func (s *Service) RecentEvents(ctx context.Context, limit int) ([]*Event, error) {
	return s.events.Recent(ctx, clampEventLimit(limit))
}

// ResumeSchedules re-registers deadline timers for every funded escrow.
// Timers live in memory, so this runs once at startup. Overdue milestones
// fire immediately.
func (s *Service) ResumeSchedules(ctx context.Context) (int, error) {
	if s.scheduler == nil {
		return 0, nil
	}
	const page = 200
	var after uint64
	scheduled := 0
	now := s.now()
	for {
		batch, err := s.store.ListFunded(ctx, after, page)
		if err != nil {
			return scheduled, fmt.Errorf("list funded escrows: %w", err)
		}
		for _, e := range batch {
			scheduled += s.scheduleDeadlines(e, now, true)
			after = e.ID
		}
		if len(batch) < page {
			return scheduled, nil
		}
	}
}

// completeLocked marks a milestone completed. Caller must hold the
// milestone claim.
func (s *Service) completeLocked(ctx context.Context, id uint64, index int, actor string) (*Escrow, error) {
	now := s.now()
	updated, err := s.commit(ctx, id, func(cur *Escrow) error {
		if !cur.State.Funded() {
			return ErrNotFunded
		}
		m := &cur.Milestones[index]
		if m.Completed {
			return ErrMilestoneCompleted
		}
		m.Completed = true
		m.CompletedAt = &now
		m.CompletedBy = actor
		cur.State = StateMilestoneDone
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, &Event{
		Kind:           EventMilestoneCompleted,
		EscrowID:       id,
		ListingID:      updated.ListingID,
		Amount:         updated.Milestones[index].Amount,
		MilestoneIndex: intPtr(index),
		Actor:          actor,
	})
	logging.L(ctx).Info("milestone completed", "escrow_id", id, "milestone_index", index, "completed_by", actor)
	return updated, nil
}

// releaseLocked pays a completed milestone. Caller must hold the milestone
// claim. actor SystemActor skips the party check.
func (s *Service) releaseLocked(ctx context.Context, actor string, id uint64, index int) error {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if actor != SystemActor && actor != e.Payer && actor != e.Payee {
		return ErrNotParty
	}
	if index < 0 || index >= len(e.Milestones) {
		return ErrMilestoneOutOfRange
	}
	m := e.Milestones[index]
	if !m.Completed {
		return ErrMilestoneNotCompleted
	}
	if m.Released {
		return ErrMilestoneReleased
	}

	block, err := s.ledger.PushTransfer(ctx, ledger.Subaccount(id), e.Payee, m.Amount, ledger.PaymentMemo(id))
	if err != nil {
		return fmt.Errorf("%w: release transfer failed: %w", ErrExternalService, err)
	}

	now := s.now()
	_, err = s.commit(ctx, id, func(cur *Escrow) error {
		cm := &cur.Milestones[index]
		if cm.Released {
			return ErrMilestoneReleased
		}
		cm.Released = true
		cm.ReleasedAt = &now
		cur.ReleasedAmount += cm.Amount
		cur.LockedAmount -= cm.Amount
		if cur.AllReleased() {
			cur.State = StateReleased
		}
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		// The payee has the funds; the record does not say so. This needs an
		// operator to reconcile against the ledger block.
		logging.L(ctx).Error("payout sent but commit failed",
			"escrow_id", id, "milestone_index", index, "amount", m.Amount, "block", block, "error", err)
		return fmt.Errorf("commit release: %w", err)
	}

	metrics.EscrowReleasedAmount.Add(float64(m.Amount))
	s.record(ctx, &Event{
		Kind:           EventFundsReleased,
		EscrowID:       id,
		ListingID:      e.ListingID,
		Amount:         m.Amount,
		MilestoneIndex: intPtr(index),
		Actor:          actor,
		ReleasedTo:     e.Payee,
	})
	logging.L(ctx).Info("milestone released", "escrow_id", id, "milestone_index", index, "amount", m.Amount, "block", block)
	return nil
}

// commit wraps Store.Update with the invariant check and the no-regression
// rule for state.
func (s *Service) commit(ctx context.Context, id uint64, mutate func(*Escrow) error) (*Escrow, error) {
	return s.store.Update(ctx, id, func(e *Escrow) error {
		prev := e.State
		if err := mutate(e); err != nil {
			return err
		}
		if e.State.Rank() < prev.Rank() {
			return fmt.Errorf("%w: state %s cannot follow %s", ErrInvariant, e.State, prev)
		}
		return e.Validate()
	})
}

// refundDeposit returns pulled funds when the deposit could not be
// recorded. Best effort: a failure is logged for manual reconciliation.
func (s *Service) refundDeposit(ctx context.Context, e *Escrow, amount, block uint64, cause error) {
	memo := fmt.Sprintf("Escrow deposit refund for listing %d", e.ListingID)
	if _, err := s.ledger.PushTransfer(context.WithoutCancel(ctx), ledger.Subaccount(e.ID), e.Payer, amount, memo); err != nil {
		logging.L(ctx).Error("deposit pulled but neither recorded nor refunded",
			"escrow_id", e.ID, "amount", amount, "block", block, "commit_error", cause, "refund_error", err)
		return
	}
	logging.L(ctx).Warn("deposit refunded after failed commit", "escrow_id", e.ID, "amount", amount, "error", cause)
}

// scheduleDeadlines registers timers for uncompleted milestones. On deposit
// only future deadlines are registered; on resume overdue ones are too.
func (s *Service) scheduleDeadlines(e *Escrow, now time.Time, includeOverdue bool) int {
	if s.scheduler == nil || !e.State.Funded() {
		return 0
	}
	n := 0
	for i, m := range e.Milestones {
		if m.Completed {
			continue
		}
		if !includeOverdue && !m.Deadline.After(now) {
			continue
		}
		s.scheduler.Schedule(e.ID, i, m.Deadline)
		n++
	}
	return n
}

func (s *Service) claim(ctx context.Context, op, key string) (func(), error) {
	release, ok, err := s.claims.TryClaim(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: claim %s: %w", ErrExternalService, key, err)
	}
	if !ok {
		metrics.EscrowConflictsTotal.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("%w: %s", ErrConflict, key)
	}
	return release, nil
}

// record appends an event and hands it to the sinks. The mutation it
// describes is already committed, so failures are logged, not returned.
func (s *Service) record(ctx context.Context, ev *Event) {
	ev.CreatedAt = s.now()
	if err := s.events.Append(ctx, ev); err != nil {
		logging.L(ctx).Error("failed to append escrow event", "kind", ev.Kind, "escrow_id", ev.EscrowID, "error", err)
		return
	}
	for _, sink := range s.sinks {
		sink.Publish(ctx, ev)
	}
}

func (s *Service) finish(span trace.Span, op string, err error) {
	metrics.EscrowOpsTotal.WithLabelValues(op, Classify(err)).Inc()
	traces.End(span, err)
}
