package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrBalanceOverflow is returned when a credit would exceed the largest
// representable balance.
var ErrBalanceOverflow = errors.New("ledger: balance overflow")

// MemoryLedger is an in-process ICRC-1/ICRC-2 ledger for development and
// tests. Transfers carry no fee.
type MemoryLedger struct {
	owner string

	mu         sync.Mutex
	balances   map[string]uint64
	allowances map[string]uint64 // "<from account>|<spender>"
	nextBlock  uint64
	now        func() time.Time
}

// NewMemoryLedger creates an empty ledger. owner is the principal used by
// PullTransfer and PushTransfer.
func NewMemoryLedger(owner string) *MemoryLedger {
	return &MemoryLedger{
		owner:      owner,
		balances:   make(map[string]uint64),
		allowances: make(map[string]uint64),
		now:        time.Now,
	}
}

// Owner returns the principal owning escrow subaccounts.
func (m *MemoryLedger) Owner() string { return m.owner }

// Mint credits amount to an account and returns the block index.
func (m *MemoryLedger) Mint(to Account, amount uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := to.key()
	if !fits(m.balances[key], amount) {
		return 0, ErrBalanceOverflow
	}
	m.balances[key] += amount
	return m.block(), nil
}

// Approve sets the amount spender may pull from an account, replacing any
// previous allowance.
func (m *MemoryLedger) Approve(from Account, spender string, amount uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[from.key()+"|"+spender] = amount
	return m.block()
}

// BalanceOf returns the balance of an account.
func (m *MemoryLedger) BalanceOf(a Account) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[a.key()]
}

// Allowance returns what spender may still pull from an account.
func (m *MemoryLedger) Allowance(from Account, spender string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[from.key()+"|"+spender]
}

// TransferFrom executes icrc2_transfer_from on behalf of spender.
func (m *MemoryLedger) TransferFrom(_ context.Context, spender string, args TransferFromArgs) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTime(args.CreatedAtTime); err != nil {
		return 0, err
	}
	if err := checkFee(args.Fee); err != nil {
		return 0, err
	}

	allowKey := args.From.key() + "|" + spender
	if allowed := m.allowances[allowKey]; allowed < args.Amount {
		return 0, &TransferError{Kind: InsufficientAllowance, Allowance: allowed}
	}
	from := args.From.key()
	if bal := m.balances[from]; bal < args.Amount {
		return 0, &TransferError{Kind: InsufficientFunds, Balance: bal}
	}
	if err := m.checkCredit(from, args.To.key(), args.Amount); err != nil {
		return 0, err
	}

	m.allowances[allowKey] -= args.Amount
	m.balances[from] -= args.Amount
	m.balances[args.To.key()] += args.Amount
	return m.block(), nil
}

// Transfer executes icrc1_transfer from one of caller's subaccounts.
func (m *MemoryLedger) Transfer(_ context.Context, caller string, args TransferArgs) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTime(args.CreatedAtTime); err != nil {
		return 0, err
	}
	if err := checkFee(args.Fee); err != nil {
		return 0, err
	}

	from := Account{Owner: caller, Subaccount: args.FromSubaccount}.key()
	if bal := m.balances[from]; bal < args.Amount {
		return 0, &TransferError{Kind: InsufficientFunds, Balance: bal}
	}
	if err := m.checkCredit(from, args.To.key(), args.Amount); err != nil {
		return 0, err
	}

	m.balances[from] -= args.Amount
	m.balances[args.To.key()] += args.Amount
	return m.block(), nil
}

// PullTransfer moves an approved amount from payer into one of the owner's
// subaccounts.
func (m *MemoryLedger) PullTransfer(ctx context.Context, payer string, subaccount []byte, amount uint64, memo string) (uint64, error) {
	return m.TransferFrom(ctx, m.owner, TransferFromArgs{
		From:   Account{Owner: payer},
		To:     Account{Owner: m.owner, Subaccount: subaccount},
		Amount: amount,
		Memo:   Blob(memo),
	})
}

// PushTransfer pays amount out of one of the owner's subaccounts.
func (m *MemoryLedger) PushTransfer(ctx context.Context, subaccount []byte, payee string, amount uint64, memo string) (uint64, error) {
	return m.Transfer(ctx, m.owner, TransferArgs{
		FromSubaccount: subaccount,
		To:             Account{Owner: payee},
		Amount:         amount,
		Memo:           Blob(memo),
	})
}

// txWindow mirrors the ICRC deduplication window plus drift allowance.
const txWindow = 24*time.Hour + 2*time.Minute

// Caller must hold m.mu.
func (m *MemoryLedger) checkTime(createdAt *uint64) error {
	if createdAt == nil {
		return nil
	}
	now := uint64(m.now().UnixNano()) //nolint:gosec // post-1970 clock
	switch {
	case *createdAt+uint64(txWindow) < now:
		return &TransferError{Kind: TooOld}
	case *createdAt > now+uint64(2*time.Minute):
		return &TransferError{Kind: CreatedInFuture, LedgerTime: now}
	}
	return nil
}

// balanceOverflowCode is the GenericError code for a rejected credit.
const balanceOverflowCode = 1

// checkCredit rejects a transfer whose recipient balance would wrap. A
// self-transfer nets to zero. Caller must hold m.mu.
func (m *MemoryLedger) checkCredit(from, to string, amount uint64) error {
	if from == to || fits(m.balances[to], amount) {
		return nil
	}
	return &TransferError{
		Kind:      GenericError,
		ErrorCode: balanceOverflowCode,
		Message:   "balance overflow",
		Cause:     ErrBalanceOverflow,
	}
}

func fits(balance, amount uint64) bool {
	return balance <= math.MaxUint64-amount
}

func checkFee(fee *uint64) error {
	if fee != nil && *fee != 0 {
		return &TransferError{Kind: BadFee, ExpectedFee: 0}
	}
	return nil
}

// Caller must hold m.mu.
func (m *MemoryLedger) block() uint64 {
	b := m.nextBlock
	m.nextBlock++
	return b
}
