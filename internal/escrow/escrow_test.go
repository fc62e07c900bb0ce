package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/claims"
	"github.com/mbd888/escrowd/internal/keyderiv"
	"github.com/mbd888/escrowd/internal/ledger"
)

const (
	testOwner = "escrowd-test"
	payer     = "alice"
	payee     = "bob"
	stranger  = "mallory"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(map[string]time.Time)}
}

func (f *fakeScheduler) Schedule(id uint64, index int, deadline time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[milestoneKey(id, index)] = deadline
}

func (f *fakeScheduler) Cancel(id uint64, index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := milestoneKey(id, index)
	f.cancelled = append(f.cancelled, key)
	_, ok := f.scheduled[key]
	delete(f.scheduled, key)
	return ok
}

func (f *fakeScheduler) has(id uint64, index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.scheduled[milestoneKey(id, index)]
	return ok
}

func (f *fakeScheduler) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}

type fixture struct {
	svc       *Service
	store     *MemoryStore
	events    *MemoryEventLog
	ledger    *ledger.MemoryLedger
	scheduler *fakeScheduler
	claims    *claims.Local
	clock     *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     NewMemoryStore(),
		events:    NewMemoryEventLog(),
		ledger:    ledger.NewMemoryLedger(testOwner),
		scheduler: newFakeScheduler(),
		claims:    claims.NewLocal(),
		clock:     &clock{now: baseTime},
	}
	f.svc = NewService(f.store, f.events, f.ledger, keyderiv.NewDeterministic(testOwner)).
		WithClaims(f.claims).
		WithScheduler(f.scheduler).
		WithClock(f.clock.Now)
	return f
}

// fund gives the payer a balance and approves the service to pull it.
func (f *fixture) fund(who string, amount uint64) {
	acct := ledger.Account{Owner: who}
	if _, err := f.ledger.Mint(acct, amount); err != nil {
		panic(err)
	}
	f.ledger.Approve(acct, testOwner, amount)
}

func (f *fixture) balance(who string) uint64 {
	return f.ledger.BalanceOf(ledger.Account{Owner: who})
}

func (f *fixture) escrowBalance(id uint64) uint64 {
	return f.ledger.BalanceOf(ledger.Account{Owner: testOwner, Subaccount: ledger.Subaccount(id)})
}

func (f *fixture) get(t *testing.T, id uint64) *Escrow {
	t.Helper()
	e, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func twoMilestones() CreateRequest {
	return CreateRequest{
		ListingID:   7,
		Payee:       payee,
		TotalAmount: 100,
		Milestones: []MilestoneSpec{
			{Description: "design", Amount: 60, Deadline: baseTime.Add(24 * time.Hour)},
			{Description: "build", Amount: 40, Deadline: baseTime.Add(48 * time.Hour)},
		},
	}
}

// createFunded creates the two-milestone escrow and deposits into it.
func (f *fixture) createFunded(t *testing.T) *Escrow {
	t.Helper()
	ctx := context.Background()
	e, err := f.svc.Create(ctx, payer, twoMilestones())
	require.NoError(t, err)
	f.fund(payer, e.TotalAmount)
	require.NoError(t, f.svc.Deposit(ctx, payer, e.ID, e.TotalAmount))
	return f.get(t, e.ID)
}

func assertBalanced(t *testing.T, e *Escrow) {
	t.Helper()
	assert.Equal(t, e.TotalAmount, e.LockedAmount+e.ReleasedAmount, "locked + released must equal total")
	assert.NoError(t, e.Validate())
}

func eventKinds(t *testing.T, log *MemoryEventLog) []EventKind {
	t.Helper()
	evs, err := log.Recent(context.Background(), EventLogCapacity)
	require.NoError(t, err)
	kinds := make([]EventKind, len(evs))
	for i, ev := range evs {
		kinds[len(evs)-1-i] = ev.Kind
	}
	return kinds
}

func TestScenario_FullMilestoneLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.Create(ctx, payer, twoMilestones())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.ID)
	assert.Equal(t, StateCreated, e.State)
	assert.Equal(t, payer, e.Payer)
	assert.NotEmpty(t, e.DepositAddress)
	for _, m := range e.Milestones {
		assert.False(t, m.Completed)
		assert.False(t, m.Released)
	}

	f.fund(payer, 100)
	require.NoError(t, f.svc.Deposit(ctx, payer, 1, 100))
	e = f.get(t, 1)
	assert.Equal(t, StateLocked, e.State)
	assert.Equal(t, uint64(100), e.LockedAmount)
	assert.Equal(t, uint64(100), f.escrowBalance(1))
	assertBalanced(t, e)

	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, 1, 0))
	e = f.get(t, 1)
	assert.Equal(t, StateMilestoneDone, e.State)
	assert.True(t, e.Milestones[0].Completed)
	assert.Equal(t, payee, e.Milestones[0].CompletedBy)
	require.NotNil(t, e.Milestones[0].CompletedAt)

	require.NoError(t, f.svc.Release(ctx, payer, 1, 0))
	e = f.get(t, 1)
	assert.Equal(t, uint64(60), e.ReleasedAmount)
	assert.Equal(t, uint64(40), e.LockedAmount)
	assert.Equal(t, StateMilestoneDone, e.State)
	assert.Equal(t, uint64(60), f.balance(payee))
	assertBalanced(t, e)

	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, 1, 1))
	require.NoError(t, f.svc.Release(ctx, payee, 1, 1))
	e = f.get(t, 1)
	assert.Equal(t, uint64(100), e.ReleasedAmount)
	assert.Equal(t, uint64(0), e.LockedAmount)
	assert.Equal(t, StateReleased, e.State)
	assert.Equal(t, uint64(100), f.balance(payee))
	assert.Equal(t, uint64(0), f.escrowBalance(1))
	assertBalanced(t, e)

	assert.Equal(t, []EventKind{
		EventCreated,
		EventFundsDeposited,
		EventMilestoneCompleted,
		EventFundsReleased,
		EventMilestoneCompleted,
		EventFundsReleased,
	}, eventKinds(t, f.events))
}

func TestCreate_Validation(t *testing.T) {
	deadline := baseTime.Add(time.Hour)
	tests := []struct {
		name   string
		caller string
		mutate func(*CreateRequest)
		want   error
	}{
		{"no caller", "", func(*CreateRequest) {}, ErrNoCaller},
		{"zero total", payer, func(r *CreateRequest) { r.TotalAmount = 0 }, ErrInvalidAmount},
		{"no milestones", payer, func(r *CreateRequest) { r.Milestones = nil }, ErrNoMilestones},
		{"sum mismatch", payer, func(r *CreateRequest) { r.TotalAmount = 99 }, ErrMilestoneSum},
		{"zero milestone", payer, func(r *CreateRequest) {
			r.Milestones = []MilestoneSpec{{Amount: 100, Deadline: deadline}, {Amount: 0, Deadline: deadline}}
		}, ErrMilestoneAmount},
		{"empty payee", payer, func(r *CreateRequest) { r.Payee = "" }, ErrInvalidPayee},
		{"self payee", payer, func(r *CreateRequest) { r.Payee = payer }, ErrInvalidPayee},
		{"too many milestones", payer, func(r *CreateRequest) {
			r.Milestones = make([]MilestoneSpec, MaxMilestones+1)
			for i := range r.Milestones {
				r.Milestones[i] = MilestoneSpec{Amount: 1, Deadline: deadline}
			}
			r.TotalAmount = MaxMilestones + 1
		}, ErrTooManyMilestones},
		{"total above max", payer, func(r *CreateRequest) {
			r.TotalAmount = MaxAmount + 1
			r.Milestones = []MilestoneSpec{{Amount: MaxAmount + 1, Deadline: deadline}}
		}, ErrAmountTooLarge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := twoMilestones()
			tc.mutate(&req)

			_, err := f.svc.Create(context.Background(), tc.caller, req)
			require.ErrorIs(t, err, tc.want)

			_, err = f.svc.Get(context.Background(), 1)
			assert.ErrorIs(t, err, ErrNotFound, "no record may be created")
			assert.Equal(t, 0, f.events.Len())
		})
	}
}

func TestCreate_ValidationIsCategorized(t *testing.T) {
	f := newFixture(t)
	req := twoMilestones()
	req.TotalAmount = 101

	_, err := f.svc.Create(context.Background(), payer, req)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "validation_error", Classify(err))
}

type failingAddresses struct{}

func (failingAddresses) DeriveAddress(context.Context, uint64) (string, error) {
	return "", errors.New("key service down")
}

func TestCreate_AddressFailurePersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.svc.addresses = failingAddresses{}
	ctx := context.Background()

	_, err := f.svc.Create(ctx, payer, twoMilestones())
	require.ErrorIs(t, err, ErrExternalService)
	assert.Contains(t, err.Error(), "key service down")

	_, err = f.svc.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	assert.Equal(t, 0, f.events.Len())

	// The consumed id is skipped, not reused.
	f.svc.addresses = keyderiv.NewDeterministic(testOwner)
	e, err := f.svc.Create(ctx, payer, twoMilestones())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.ID)
}

func TestCreate_DistinctDepositAddresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Create(ctx, payer, twoMilestones())
	require.NoError(t, err)
	b, err := f.svc.Create(ctx, payer, twoMilestones())
	require.NoError(t, err)
	assert.NotEqual(t, a.DepositAddress, b.DepositAddress)
}

func TestDeposit_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.Create(ctx, payer, twoMilestones())
	require.NoError(t, err)
	f.fund(payer, 100)

	assert.ErrorIs(t, f.svc.Deposit(ctx, payer, 99, 100), ErrEscrowNotFound)
	assert.ErrorIs(t, f.svc.Deposit(ctx, stranger, e.ID, 100), ErrNotPayer)
	assert.ErrorIs(t, f.svc.Deposit(ctx, payee, e.ID, 100), ErrUnauthorized)

	err = f.svc.Deposit(ctx, payer, e.ID, 50)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.ErrorIs(t, err, ErrValidation)
	got := f.get(t, e.ID)
	assert.Equal(t, StateCreated, got.State)
	assert.Equal(t, uint64(0), got.LockedAmount)

	require.NoError(t, f.svc.Deposit(ctx, payer, e.ID, 100))
	f.fund(payer, 100)
	err = f.svc.Deposit(ctx, payer, e.ID, 100)
	assert.ErrorIs(t, err, ErrAlreadyFunded)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, uint64(100), f.balance(payer), "second deposit must not pull funds")
}

func TestDeposit_LedgerFailureLeavesRecordUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.Create(ctx, payer, twoMilestones())
	require.NoError(t, err)
	before := f.get(t, e.ID)

	// No allowance was granted.
	err = f.svc.Deposit(ctx, payer, e.ID, 100)
	require.ErrorIs(t, err, ErrExternalService)
	var te *ledger.TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, ledger.InsufficientAllowance, te.Kind)

	after := f.get(t, e.ID)
	assert.Equal(t, before, after)
	assert.Equal(t, StateCreated, after.State)
	assert.Equal(t, uint64(0), after.LockedAmount)
	assert.Equal(t, 0, f.scheduler.len())
	assert.Equal(t, []EventKind{EventCreated}, eventKinds(t, f.events))

	// Approved but unfunded.
	f.ledger.Approve(ledger.Account{Owner: payer}, testOwner, 100)
	err = f.svc.Deposit(ctx, payer, e.ID, 100)
	assert.Equal(t, ledger.InsufficientFunds, ledger.KindOf(err))
	assert.Equal(t, StateCreated, f.get(t, e.ID).State)
}

func TestDeposit_SchedulesFutureUncompletedMilestones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := twoMilestones()
	req.Milestones[0].Deadline = baseTime.Add(-time.Minute)

	e, err := f.svc.Create(ctx, payer, req)
	require.NoError(t, err)
	f.fund(payer, 100)
	require.NoError(t, f.svc.Deposit(ctx, payer, e.ID, 100))

	assert.False(t, f.scheduler.has(e.ID, 0), "past deadlines are left to the sweep")
	assert.True(t, f.scheduler.has(e.ID, 1))
}

func TestCompleteMilestone_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.Create(ctx, payer, twoMilestones())
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 0), ErrNotFunded)

	f.fund(payer, 100)
	require.NoError(t, f.svc.Deposit(ctx, payer, e.ID, 100))

	assert.ErrorIs(t, f.svc.CompleteMilestone(ctx, payer, e.ID, 0), ErrNotPayee)
	assert.ErrorIs(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 2), ErrMilestoneOutOfRange)
	assert.ErrorIs(t, f.svc.CompleteMilestone(ctx, payee, e.ID, -1), ErrMilestoneOutOfRange)
	assert.ErrorIs(t, f.svc.CompleteMilestone(ctx, payee, 42, 0), ErrEscrowNotFound)

	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 0))
	assert.ErrorIs(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 0), ErrMilestoneCompleted)

	// A second milestone may be completed while the escrow is in milestone_done.
	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 1))
	assert.Equal(t, StateMilestoneDone, f.get(t, e.ID).State)
}

func TestCompleteMilestone_CancelsTimer(t *testing.T) {
	f := newFixture(t)
	e := f.createFunded(t)
	require.True(t, f.scheduler.has(e.ID, 0))

	require.NoError(t, f.svc.CompleteMilestone(context.Background(), payee, e.ID, 0))
	assert.False(t, f.scheduler.has(e.ID, 0))
	assert.True(t, f.scheduler.has(e.ID, 1))
}

func TestRelease_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createFunded(t)

	assert.ErrorIs(t, f.svc.Release(ctx, payer, e.ID, 0), ErrMilestoneNotCompleted)
	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 0))

	assert.ErrorIs(t, f.svc.Release(ctx, stranger, e.ID, 0), ErrNotParty)
	assert.ErrorIs(t, f.svc.Release(ctx, payer, e.ID, 5), ErrMilestoneOutOfRange)
	assert.ErrorIs(t, f.svc.Release(ctx, payer, 77, 0), ErrNotFound)
	assert.Equal(t, uint64(0), f.balance(payee))
}

func TestRelease_TwiceReturnsStateErrorWithoutDoublePay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createFunded(t)
	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 0))
	require.NoError(t, f.svc.Release(ctx, payer, e.ID, 0))

	for i := 0; i < 2; i++ {
		err := f.svc.Release(ctx, payer, e.ID, 0)
		assert.ErrorIs(t, err, ErrMilestoneReleased)
		assert.ErrorIs(t, err, ErrInvalidState)
	}
	assert.Equal(t, uint64(60), f.balance(payee))
	assertBalanced(t, f.get(t, e.ID))
}

func TestRelease_LedgerFailureLeavesRecordUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createFunded(t)
	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 0))
	before := f.get(t, e.ID)

	f.svc.ledger = &stubLedger{pushErr: &ledger.TransferError{Kind: ledger.TemporarilyUnavailable}}
	err := f.svc.Release(ctx, payee, e.ID, 0)
	require.ErrorIs(t, err, ErrExternalService)
	assert.Equal(t, ledger.TemporarilyUnavailable, ledger.KindOf(err))
	assert.Equal(t, before, f.get(t, e.ID))

	// The claim was released on the failure path.
	f.svc.ledger = f.ledger
	require.NoError(t, f.svc.Release(ctx, payee, e.ID, 0))
}

// blockingLedger parks PushTransfer until proceed is closed.
type blockingLedger struct {
	*ledger.MemoryLedger
	entered chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (b *blockingLedger) PushTransfer(ctx context.Context, sub []byte, to string, amount uint64, memo string) (uint64, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.proceed
	return b.MemoryLedger.PushTransfer(ctx, sub, to, amount, memo)
}

func TestRelease_ConcurrentCallsPayOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createFunded(t)
	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 0))

	bl := &blockingLedger{MemoryLedger: f.ledger, entered: make(chan struct{}), proceed: make(chan struct{})}
	f.svc.ledger = bl

	first := make(chan error, 1)
	go func() { first <- f.svc.Release(ctx, payer, e.ID, 0) }()
	<-bl.entered

	err := f.svc.Release(ctx, payee, e.ID, 0)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "operation_in_progress", Classify(err))

	close(bl.proceed)
	require.NoError(t, <-first)

	assert.Equal(t, uint64(60), f.balance(payee))
	got := f.get(t, e.ID)
	assert.True(t, got.Milestones[0].Released)
	assertBalanced(t, got)
}

func TestRelease_DifferentMilestonesConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createFunded(t)
	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 0))
	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 1))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.Release(ctx, payer, e.ID, i)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	got := f.get(t, e.ID)
	assert.Equal(t, StateReleased, got.State)
	assert.Equal(t, uint64(100), got.ReleasedAmount)
	assert.Equal(t, uint64(100), f.balance(payee))
}

func TestDeposit_ConflictWhileCreateHoldsClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.Create(ctx, payer, twoMilestones())
	require.NoError(t, err)
	f.fund(payer, 100)

	release, ok, err := f.claims.TryClaim(ctx, escrowKey(e.ID))
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, f.svc.Deposit(ctx, payer, e.ID, 100), ErrConflict)
	release()
	assert.NoError(t, f.svc.Deposit(ctx, payer, e.ID, 100))
}

func TestDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.Create(ctx, payer, twoMilestones())
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Dispute(ctx, payer, e.ID, "late"), ErrNotFunded)

	f.fund(payer, 100)
	require.NoError(t, f.svc.Deposit(ctx, payer, e.ID, 100))
	before := f.get(t, e.ID)

	assert.ErrorIs(t, f.svc.Dispute(ctx, stranger, e.ID, "late"), ErrNotParty)
	assert.ErrorIs(t, f.svc.Dispute(ctx, payer, e.ID, "   "), ErrReasonRequired)
	long := make([]byte, MaxReasonLength+1)
	for i := range long {
		long[i] = 'x'
	}
	assert.ErrorIs(t, f.svc.Dispute(ctx, payer, e.ID, string(long)), ErrReasonTooLong)

	require.NoError(t, f.svc.Dispute(ctx, payee, e.ID, "  payer unresponsive "))
	assert.Equal(t, before, f.get(t, e.ID), "dispute changes neither state nor balances")

	evs, err := f.svc.RecentEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, EventDisputed, evs[0].Kind)
	assert.Equal(t, payee, evs[0].Actor)
	assert.Equal(t, "payer unresponsive", evs[0].Reason)

	// Disputes do not block fund flow.
	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 0))
	require.NoError(t, f.svc.Release(ctx, payer, e.ID, 0))
}

func TestDispute_AfterFullReleaseRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createFunded(t)
	for i := range e.Milestones {
		require.NoError(t, f.svc.CompleteMilestone(ctx, payee, e.ID, i))
		require.NoError(t, f.svc.Release(ctx, payer, e.ID, i))
	}
	assert.ErrorIs(t, f.svc.Dispute(ctx, payer, e.ID, "too late"), ErrNotFunded)
}

func TestAutoRelease_AfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createFunded(t)

	f.clock.Advance(25 * time.Hour)
	require.NoError(t, f.svc.AutoRelease(ctx, e.ID, 0))

	got := f.get(t, e.ID)
	m := got.Milestones[0]
	assert.True(t, m.Completed)
	assert.True(t, m.Released)
	assert.Equal(t, SystemActor, m.CompletedBy)
	assert.Equal(t, uint64(60), f.balance(payee))
	assertBalanced(t, got)

	evs, err := f.svc.RecentEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, EventFundsReleased, evs[0].Kind)
	assert.Equal(t, payee, evs[0].ReleasedTo)
	assert.Equal(t, EventMilestoneCompleted, evs[1].Kind)
	assert.Equal(t, SystemActor, evs[1].Actor)

	// A second firing is inert.
	require.NoError(t, f.svc.AutoRelease(ctx, e.ID, 0))
	assert.Equal(t, uint64(60), f.balance(payee))
}

func TestAutoRelease_PushFailureLeavesCompletedMilestoneForManualRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createFunded(t)
	f.clock.Advance(25 * time.Hour)

	f.svc.ledger = &stubLedger{pushErr: &ledger.TransferError{Kind: ledger.TemporarilyUnavailable}}
	err := f.svc.AutoRelease(ctx, e.ID, 0)
	require.ErrorIs(t, err, ErrExternalService)
	assert.Equal(t, ledger.TemporarilyUnavailable, ledger.KindOf(err))

	got := f.get(t, e.ID)
	m := got.Milestones[0]
	assert.True(t, m.Completed)
	assert.False(t, m.Released)
	assert.Equal(t, SystemActor, m.CompletedBy)
	assert.Equal(t, StateMilestoneDone, got.State)
	assertBalanced(t, got)

	// No automatic retry: the sweep skips completed milestones.
	f.svc.ledger = f.ledger
	assert.Equal(t, 0, newTestTimer(f).sweep(ctx))
	require.NoError(t, f.svc.AutoRelease(ctx, e.ID, 0))
	assert.Equal(t, uint64(0), f.balance(payee))

	require.NoError(t, f.svc.Release(ctx, payee, e.ID, 0))
	assert.Equal(t, uint64(60), f.balance(payee))
	err = f.svc.Release(ctx, payer, e.ID, 0)
	assert.ErrorIs(t, err, ErrMilestoneReleased)
	assert.Equal(t, uint64(60), f.balance(payee))
	assertBalanced(t, f.get(t, e.ID))
}

func TestAutoRelease_StaleFiringsAreNoOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createFunded(t)
	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 0))

	f.clock.Advance(72 * time.Hour)
	require.NoError(t, f.svc.AutoRelease(ctx, e.ID, 0), "manually completed milestone")
	assert.False(t, f.get(t, e.ID).Milestones[0].Released)
	assert.Equal(t, uint64(0), f.balance(payee))

	require.NoError(t, f.svc.AutoRelease(ctx, e.ID, 9), "out of range")

	created, err := f.svc.Create(ctx, payer, twoMilestones())
	require.NoError(t, err)
	require.NoError(t, f.svc.AutoRelease(ctx, created.ID, 0), "unfunded escrow")
	assert.False(t, f.get(t, created.ID).Milestones[0].Completed)
}

func TestAutoRelease_EarlyFiringReschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createFunded(t)
	f.scheduler.Cancel(e.ID, 0)

	require.NoError(t, f.svc.AutoRelease(ctx, e.ID, 0))
	assert.False(t, f.get(t, e.ID).Milestones[0].Completed)
	assert.True(t, f.scheduler.has(e.ID, 0))
}

func TestAutoRelease_LosesClaimToManualCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createFunded(t)
	f.clock.Advance(25 * time.Hour)

	release, ok, err := f.claims.TryClaim(ctx, milestoneKey(e.ID, 0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.ErrorIs(t, f.svc.AutoRelease(ctx, e.ID, 0), ErrConflict)
	assert.ErrorIs(t, f.svc.CompleteMilestone(ctx, payee, e.ID, 0), ErrConflict)
	release()

	assert.False(t, f.get(t, e.ID).Milestones[0].Completed)
}

func TestAutoRelease_RacingManualCompletionPaysAtMostOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		e := f.createFunded(t)
		f.clock.Advance(25 * time.Hour)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = f.svc.AutoRelease(ctx, e.ID, 0)
		}()
		go func() {
			defer wg.Done()
			_ = f.svc.CompleteMilestone(ctx, payee, e.ID, 0)
		}()
		wg.Wait()

		got := f.get(t, e.ID)
		if got.Milestones[0].Released {
			assert.Equal(t, uint64(60), f.balance(payee))
		} else {
			assert.Equal(t, uint64(0), f.balance(payee))
		}

		// Whatever won, a follow-up release settles the milestone exactly once.
		err := f.svc.Release(ctx, payer, e.ID, 0)
		if err != nil {
			assert.ErrorIs(t, err, ErrInvalidState)
		}
		assert.Equal(t, uint64(60), f.balance(payee))
		assertBalanced(t, f.get(t, e.ID))
	}
}

func TestResumeSchedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createFunded(t)
	b := f.createFunded(t)
	require.NoError(t, f.svc.CompleteMilestone(ctx, payee, b.ID, 0))
	_, err := f.svc.Create(ctx, payer, twoMilestones())
	require.NoError(t, err)

	fresh := newFakeScheduler()
	f.svc.WithScheduler(fresh)
	n, err := f.svc.ResumeSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, fresh.has(a.ID, 0))
	assert.True(t, fresh.has(a.ID, 1))
	assert.False(t, fresh.has(b.ID, 0))
	assert.True(t, fresh.has(b.ID, 1))
}

func TestResumeSchedules_WithoutScheduler(t *testing.T) {
	f := newFixture(t)
	f.svc.scheduler = nil
	n, err := f.svc.ResumeSchedules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCommit_RefusesInvariantViolations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createFunded(t)

	_, err := f.svc.commit(ctx, e.ID, func(cur *Escrow) error {
		cur.State = StateCreated
		return nil
	})
	assert.ErrorIs(t, err, ErrInvariant)

	_, err = f.svc.commit(ctx, e.ID, func(cur *Escrow) error {
		cur.LockedAmount--
		return nil
	})
	assert.ErrorIs(t, err, ErrInvariant)

	_, err = f.svc.commit(ctx, e.ID, func(cur *Escrow) error {
		cur.Milestones[0].Released = true
		return nil
	})
	assert.ErrorIs(t, err, ErrInvariant)

	assert.Equal(t, e, f.get(t, e.ID))
}

func TestSinksReceiveCommittedEvents(t *testing.T) {
	f := newFixture(t)
	var (
		mu   sync.Mutex
		seen []*Event
	)
	f.svc.WithSinks(SinkFunc(func(_ context.Context, ev *Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	}))

	f.createFunded(t)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, EventCreated, seen[0].Kind)
	assert.Equal(t, uint64(1), seen[0].ID)
	assert.Equal(t, EventFundsDeposited, seen[1].Kind)
	assert.Equal(t, payer, seen[1].Actor)
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := twoMilestones()
	other.ListingID = 8
	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(ctx, payer, twoMilestones())
		require.NoError(t, err)
	}
	_, err := f.svc.Create(ctx, "carol", other)
	require.NoError(t, err)

	byListing, err := f.svc.ListByListing(ctx, 7, 0, 10)
	require.NoError(t, err)
	assert.Len(t, byListing, 3)

	page, err := f.svc.ListByListing(ctx, 7, byListing[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, byListing[1].ID, page[0].ID)

	byPayer, err := f.svc.ListByPayer(ctx, "carol", 0, 10)
	require.NoError(t, err)
	require.Len(t, byPayer, 1)
	assert.Equal(t, uint64(8), byPayer[0].ListingID)

	_, err = f.svc.Get(ctx, 404)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	assert.Equal(t, "not_found", Classify(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrMilestoneSum, "validation_error"},
		{ErrNotPayee, "unauthorized"},
		{ErrMilestoneOutOfRange, "not_found"},
		{ErrAlreadyFunded, "invalid_state"},
		{ErrConflict, "operation_in_progress"},
		{ErrExternalService, "external_service_error"},
		{ErrInvariant, "internal_error"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
}

func TestValidate_Records(t *testing.T) {
	ok := &Escrow{
		TotalAmount:  100,
		LockedAmount: 100,
		State:        StateLocked,
		Milestones:   []Milestone{{Amount: 60}, {Amount: 40}},
	}
	require.NoError(t, ok.Validate())

	tests := []struct {
		name   string
		mutate func(*Escrow)
	}{
		{"unknown state", func(e *Escrow) { e.State = "paused" }},
		{"no milestones", func(e *Escrow) { e.Milestones = nil }},
		{"sum mismatch", func(e *Escrow) { e.TotalAmount = 99 }},
		{"released before completion", func(e *Escrow) {
			e.Milestones[0].Released = true
			e.ReleasedAmount, e.LockedAmount = 60, 40
		}},
		{"balances drift", func(e *Escrow) { e.LockedAmount = 90 }},
		{"released flag mismatch", func(e *Escrow) { e.State = StateReleased }},
		{"created with balance", func(e *Escrow) { e.State = StateCreated }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := ok.Clone()
			tc.mutate(e)
			assert.ErrorIs(t, e.Validate(), ErrInvariant)
		})
	}
}

type stubLedger struct {
	pullErr error
	pushErr error
}

func (s *stubLedger) PullTransfer(context.Context, string, []byte, uint64, string) (uint64, error) {
	return 0, s.pullErr
}

func (s *stubLedger) PushTransfer(context.Context, []byte, string, uint64, string) (uint64, error) {
	return 0, s.pushErr
}
