// Package escrow implements milestone-based escrow: a payer locks funds on an
// external ledger, a payee completes milestones, and each milestone's share
// is paid out on release or automatically once its deadline passes.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Error categories. Every error returned by Service wraps exactly one of
// these so callers can map it with errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidState    = errors.New("invalid state")
	ErrConflict        = errors.New("operation already in progress")
	ErrExternalService = errors.New("external service error")
	ErrNotFound        = errors.New("not found")
)

var (
	ErrEscrowNotFound      = fmt.Errorf("%w: escrow not found", ErrNotFound)
	ErrMilestoneOutOfRange = fmt.Errorf("%w: milestone index out of range", ErrNotFound)

	ErrInvalidAmount      = fmt.Errorf("%w: total amount must be positive", ErrValidation)
	ErrNoMilestones       = fmt.Errorf("%w: at least one milestone is required", ErrValidation)
	ErrTooManyMilestones  = fmt.Errorf("%w: too many milestones", ErrValidation)
	ErrAmountTooLarge     = fmt.Errorf("%w: total amount exceeds maximum", ErrValidation)
	ErrMilestoneAmount    = fmt.Errorf("%w: milestone amount must be positive", ErrValidation)
	ErrMilestoneSum       = fmt.Errorf("%w: milestone amounts must sum to total amount", ErrValidation)
	ErrInvalidPayee       = fmt.Errorf("%w: payee is required and must differ from payer", ErrValidation)
	ErrAmountMismatch     = fmt.Errorf("%w: must deposit exact total amount", ErrValidation)
	ErrReasonRequired     = fmt.Errorf("%w: dispute reason is required", ErrValidation)
	ErrReasonTooLong      = fmt.Errorf("%w: dispute reason is too long", ErrValidation)
	ErrDescriptionTooLong = fmt.Errorf("%w: milestone description is too long", ErrValidation)

	ErrNoCaller = fmt.Errorf("%w: caller identity is required", ErrUnauthorized)
	ErrNotPayer = fmt.Errorf("%w: only the payer can deposit funds", ErrUnauthorized)
	ErrNotPayee = fmt.Errorf("%w: only the payee can complete milestones", ErrUnauthorized)
	ErrNotParty = fmt.Errorf("%w: only the payer or payee can perform this action", ErrUnauthorized)

	ErrAlreadyFunded         = fmt.Errorf("%w: escrow is not awaiting deposit", ErrInvalidState)
	ErrNotFunded             = fmt.Errorf("%w: escrow is not funded", ErrInvalidState)
	ErrMilestoneCompleted    = fmt.Errorf("%w: milestone already completed", ErrInvalidState)
	ErrMilestoneNotCompleted = fmt.Errorf("%w: milestone not completed", ErrInvalidState)
	ErrMilestoneReleased     = fmt.Errorf("%w: funds already released for this milestone", ErrInvalidState)

	ErrDuplicateID = errors.New("escrow id already exists")

	// ErrInvariant means a commit would have broken an accounting rule. It
	// indicates a bug, not bad input, and nothing is persisted.
	ErrInvariant = errors.New("escrow invariant violated")
)

const (
	// SystemActor is recorded as the completer of milestones released by
	// the deadline scheduler.
	SystemActor = "system"

	MaxMilestones        = 100
	MaxReasonLength      = 1000
	MaxDescriptionLength = 1000

	// MaxAmount is the largest total an escrow may hold. Amounts are stored
	// in signed 64-bit columns.
	MaxAmount uint64 = math.MaxInt64
)

// State is the coarse escrow phase. Per-milestone flags are the source of
// truth for what remains to be paid.
type State string

const (
	StateCreated       State = "created"
	StateLocked        State = "locked"
	StateMilestoneDone State = "milestone_done"
	StateReleased      State = "released"
)

// Rank orders states along Created → Locked → MilestoneDone → Released.
// Unknown states rank -1.
func (s State) Rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateLocked:
		return 1
	case StateMilestoneDone:
		return 2
	case StateReleased:
		return 3
	default:
		return -1
	}
}

// Funded reports whether the escrow holds deposited funds that can still
// be released.
func (s State) Funded() bool {
	return s == StateLocked || s == StateMilestoneDone
}

// Milestone is one amount-bearing condition of an escrow. Amount,
// Description and Deadline never change after creation.
type Milestone struct {
	Description string     `json:"description"`
	Amount      uint64     `json:"amount"`
	Deadline    time.Time  `json:"deadline"`
	Completed   bool       `json:"completed"`
	Released    bool       `json:"released"`
	CompletedBy string     `json:"completedBy,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
}

// Escrow is the persisted record. Amounts are in the ledger's smallest unit.
type Escrow struct {
	ID             uint64      `json:"id"`
	ListingID      uint64      `json:"listingId"`
	Payer          string      `json:"payer"`
	Payee          string      `json:"payee"`
	TotalAmount    uint64      `json:"totalAmount"`
	LockedAmount   uint64      `json:"lockedAmount"`
	ReleasedAmount uint64      `json:"releasedAmount"`
	State          State       `json:"state"`
	Milestones     []Milestone `json:"milestones"`
	DepositAddress string      `json:"depositAddress"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	cp.Milestones = make([]Milestone, len(e.Milestones))
	for i, m := range e.Milestones {
		if m.CompletedAt != nil {
			t := *m.CompletedAt
			m.CompletedAt = &t
		}
		if m.ReleasedAt != nil {
			t := *m.ReleasedAt
			m.ReleasedAt = &t
		}
		cp.Milestones[i] = m
	}
	return &cp
}

// AllReleased reports whether every milestone has been paid out.
func (e *Escrow) AllReleased() bool {
	for _, m := range e.Milestones {
		if !m.Released {
			return false
		}
	}
	return true
}

// NextDeadline returns the earliest deadline among uncompleted milestones,
// or nil when every milestone is completed.
func (e *Escrow) NextDeadline() *time.Time {
	var next *time.Time
	for i := range e.Milestones {
		m := &e.Milestones[i]
		if m.Completed {
			continue
		}
		if next == nil || m.Deadline.Before(*next) {
			d := m.Deadline
			next = &d
		}
	}
	return next
}

// Validate checks the accounting and lifecycle invariants of a record.
func (e *Escrow) Validate() error {
	if e.State.Rank() < 0 {
		return fmt.Errorf("%w: unknown state %q", ErrInvariant, e.State)
	}
	if len(e.Milestones) == 0 {
		return fmt.Errorf("%w: no milestones", ErrInvariant)
	}

	var sum, released uint64
	for i, m := range e.Milestones {
		if m.Amount == 0 {
			return fmt.Errorf("%w: milestone %d has zero amount", ErrInvariant, i)
		}
		if sum > math.MaxUint64-m.Amount {
			return fmt.Errorf("%w: milestone amounts overflow", ErrInvariant)
		}
		sum += m.Amount
		if m.Released && !m.Completed {
			return fmt.Errorf("%w: milestone %d released before completion", ErrInvariant, i)
		}
		if m.Released {
			released += m.Amount
		}
	}
	if sum != e.TotalAmount {
		return fmt.Errorf("%w: milestones sum to %d, total is %d", ErrInvariant, sum, e.TotalAmount)
	}
	if released != e.ReleasedAmount {
		return fmt.Errorf("%w: released amount %d, milestones released %d", ErrInvariant, e.ReleasedAmount, released)
	}

	if e.State == StateCreated {
		if e.LockedAmount != 0 || e.ReleasedAmount != 0 {
			return fmt.Errorf("%w: unfunded escrow holds balances", ErrInvariant)
		}
		return nil
	}
	if e.LockedAmount+e.ReleasedAmount != e.TotalAmount || e.LockedAmount > e.TotalAmount {
		return fmt.Errorf("%w: locked %d + released %d != total %d", ErrInvariant, e.LockedAmount, e.ReleasedAmount, e.TotalAmount)
	}
	if (e.State == StateReleased) != e.AllReleased() {
		return fmt.Errorf("%w: state %s disagrees with milestone release flags", ErrInvariant, e.State)
	}
	return nil
}

// MilestoneSpec is the caller-supplied part of a milestone.
type MilestoneSpec struct {
	Description string
	Amount      uint64
	Deadline    time.Time
}

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	ListingID   uint64
	Payee       string
	TotalAmount uint64
	Milestones  []MilestoneSpec
}

func (r CreateRequest) validate(payer string) error {
	if r.TotalAmount == 0 {
		return ErrInvalidAmount
	}
	if r.TotalAmount > MaxAmount {
		return fmt.Errorf("%w (max %d)", ErrAmountTooLarge, MaxAmount)
	}
	if len(r.Milestones) == 0 {
		return ErrNoMilestones
	}
	if len(r.Milestones) > MaxMilestones {
		return fmt.Errorf("%w (max %d)", ErrTooManyMilestones, MaxMilestones)
	}
	if r.Payee == "" || r.Payee == payer {
		return ErrInvalidPayee
	}
	var sum uint64
	for i, m := range r.Milestones {
		if m.Amount == 0 {
			return fmt.Errorf("%w (milestone %d)", ErrMilestoneAmount, i)
		}
		if len(m.Description) > MaxDescriptionLength {
			return fmt.Errorf("%w (milestone %d)", ErrDescriptionTooLong, i)
		}
		if sum > math.MaxUint64-m.Amount {
			return ErrMilestoneSum
		}
		sum += m.Amount
	}
	if sum != r.TotalAmount {
		return fmt.Errorf("%w (milestones sum to %d, total is %d)", ErrMilestoneSum, sum, r.TotalAmount)
	}
	return nil
}

// Store persists escrow records. Records are never deleted.
type Store interface {
	// NextID allocates a fresh id. Ids are never reused, even when the
	// creation they were allocated for fails.
	NextID(ctx context.Context) (uint64, error)
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id uint64) (*Escrow, error)
	// Update atomically applies fn to a copy of the current record and
	// persists it. If fn returns an error nothing is written.
	Update(ctx context.Context, id uint64, fn func(*Escrow) error) (*Escrow, error)
	// ListByListing and ListByPayer return records with id > after in
	// ascending id order.
	ListByListing(ctx context.Context, listingID, after uint64, limit int) ([]*Escrow, error)
	ListByPayer(ctx context.Context, payer string, after uint64, limit int) ([]*Escrow, error)
	// ListFunded returns funded escrows that still have uncompleted
	// milestones, ascending by id.
	ListFunded(ctx context.Context, after uint64, limit int) ([]*Escrow, error)
	// ListOverdue returns funded escrows with an uncompleted milestone whose
	// deadline is at or before the given time.
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// Ledger moves funds into and out of escrow subaccounts. Errors carrying a
// *ledger.TransferError are propagated unchanged inside ErrExternalService.
type Ledger interface {
	PullTransfer(ctx context.Context, payer string, subaccount []byte, amount uint64, memo string) (uint64, error)
	PushTransfer(ctx context.Context, subaccount []byte, payee string, amount uint64, memo string) (uint64, error)
}

// AddressProvider derives the deposit address for an escrow.
type AddressProvider interface {
	DeriveAddress(ctx context.Context, escrowID uint64) (string, error)
}

// Claimer hands out non-blocking exclusive claims. ok=false means another
// operation holds the key.
type Claimer interface {
	TryClaim(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Scheduler registers milestone deadline callbacks.
type Scheduler interface {
	Schedule(escrowID uint64, index int, deadline time.Time)
	Cancel(escrowID uint64, index int) bool
}

func escrowKey(id uint64) string {
	return fmt.Sprintf("escrow:%d", id)
}

func milestoneKey(id uint64, index int) string {
	return fmt.Sprintf("escrow:%d:milestone:%d", id, index)
}

// Classify maps an error to a stable code used in API responses and
// metrics labels.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConflict):
		return "operation_in_progress"
	case errors.Is(err, ErrExternalService):
		return "external_service_error"
	default:
		return "internal_error"
	}
}
