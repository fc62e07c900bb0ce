// Package ledger talks to the external ICRC-1/ICRC-2 token ledger that holds
// escrowed funds.
//
// The ledger is reached through a JSON gateway that mirrors the ICRC
// candid interface: icrc2_transfer_from pulls an approved amount from a
// payer into an escrow subaccount, icrc1_transfer pushes funds out of one.
// Amounts are in the token's smallest unit.
package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Blob is a byte string carried as lowercase hex in JSON.
type Blob []byte

func (b Blob) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

func (b *Blob) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	*b = raw
	return nil
}

// Account is an ICRC account: an owner principal and an optional subaccount.
type Account struct {
	Owner      string `json:"owner"`
	Subaccount Blob   `json:"subaccount,omitempty"`
}

func (a Account) key() string {
	return a.Owner + "/" + hex.EncodeToString(a.Subaccount)
}

// Subaccount returns the subaccount that holds an escrow's funds: the
// escrow id as 8 big-endian bytes.
func Subaccount(escrowID uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, escrowID)
	return b
}

// TransferFromArgs is the icrc2_transfer_from request.
type TransferFromArgs struct {
	SpenderSubaccount Blob    `json:"spender_subaccount,omitempty"`
	From              Account `json:"from"`
	To                Account `json:"to"`
	Amount            uint64  `json:"amount"`
	Fee               *uint64 `json:"fee,omitempty"`
	Memo              Blob    `json:"memo,omitempty"`
	CreatedAtTime     *uint64 `json:"created_at_time,omitempty"`
}

// TransferArgs is the icrc1_transfer request.
type TransferArgs struct {
	FromSubaccount Blob    `json:"from_subaccount,omitempty"`
	To             Account `json:"to"`
	Amount         uint64  `json:"amount"`
	Fee            *uint64 `json:"fee,omitempty"`
	Memo           Blob    `json:"memo,omitempty"`
	CreatedAtTime  *uint64 `json:"created_at_time,omitempty"`
}

// ErrorKind names a ledger rejection variant.
type ErrorKind string

const (
	BadFee                 ErrorKind = "BadFee"
	BadBurn                ErrorKind = "BadBurn"
	InsufficientFunds      ErrorKind = "InsufficientFunds"
	InsufficientAllowance  ErrorKind = "InsufficientAllowance"
	TooOld                 ErrorKind = "TooOld"
	CreatedInFuture        ErrorKind = "CreatedInFuture"
	TemporarilyUnavailable ErrorKind = "TemporarilyUnavailable"
	Duplicate              ErrorKind = "Duplicate"
	GenericError           ErrorKind = "GenericError"
)

// TransferError is a structured ledger failure. Only the fields belonging to
// Kind are meaningful.
type TransferError struct {
	Kind          ErrorKind
	ExpectedFee   uint64
	MinBurnAmount uint64
	Balance       uint64
	Allowance     uint64
	LedgerTime    uint64
	DuplicateOf   uint64
	ErrorCode     uint64
	Message       string

	// Cause is set when the failure happened before the ledger answered
	// (timeout, transport, open circuit).
	Cause error
}

func (e *TransferError) Error() string {
	switch e.Kind {
	case BadFee:
		return fmt.Sprintf("ledger: bad fee (expected %d)", e.ExpectedFee)
	case BadBurn:
		return fmt.Sprintf("ledger: bad burn (minimum %d)", e.MinBurnAmount)
	case InsufficientFunds:
		return fmt.Sprintf("ledger: insufficient funds (balance %d)", e.Balance)
	case InsufficientAllowance:
		return fmt.Sprintf("ledger: insufficient allowance (allowance %d)", e.Allowance)
	case TooOld:
		return "ledger: transaction too old"
	case CreatedInFuture:
		return fmt.Sprintf("ledger: created in future (ledger time %d)", e.LedgerTime)
	case Duplicate:
		return fmt.Sprintf("ledger: duplicate of block %d", e.DuplicateOf)
	case GenericError:
		return fmt.Sprintf("ledger: error %d: %s", e.ErrorCode, e.Message)
	case TemporarilyUnavailable:
		if e.Cause != nil {
			return "ledger: temporarily unavailable: " + e.Cause.Error()
		}
		return "ledger: temporarily unavailable"
	default:
		return "ledger: " + string(e.Kind)
	}
}

func (e *TransferError) Unwrap() error { return e.Cause }

// KindOf returns the ledger error variant carried by err, or "".
func KindOf(err error) ErrorKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func unavailable(cause error) *TransferError {
	return &TransferError{Kind: TemporarilyUnavailable, Cause: cause}
}

type variantFields struct {
	ExpectedFee   uint64 `json:"expected_fee"`
	MinBurnAmount uint64 `json:"min_burn_amount"`
	Balance       uint64 `json:"balance"`
	Allowance     uint64 `json:"allowance"`
	LedgerTime    uint64 `json:"ledger_time"`
	DuplicateOf   uint64 `json:"duplicate_of"`
	ErrorCode     uint64 `json:"error_code"`
	Message       string `json:"message"`
}

// MarshalJSON encodes the error as a single-key variant object,
// e.g. {"InsufficientFunds":{"balance":5}}.
func (e *TransferError) MarshalJSON() ([]byte, error) {
	var body any
	switch e.Kind {
	case BadFee:
		body = map[string]uint64{"expected_fee": e.ExpectedFee}
	case BadBurn:
		body = map[string]uint64{"min_burn_amount": e.MinBurnAmount}
	case InsufficientFunds:
		body = map[string]uint64{"balance": e.Balance}
	case InsufficientAllowance:
		body = map[string]uint64{"allowance": e.Allowance}
	case CreatedInFuture:
		body = map[string]uint64{"ledger_time": e.LedgerTime}
	case Duplicate:
		body = map[string]uint64{"duplicate_of": e.DuplicateOf}
	case GenericError:
		body = map[string]any{"error_code": e.ErrorCode, "message": e.Message}
	default:
		body = nil
	}
	return json.Marshal(map[string]any{string(e.Kind): body})
}

func (e *TransferError) UnmarshalJSON(data []byte) error {
	var variant map[string]json.RawMessage
	if err := json.Unmarshal(data, &variant); err != nil {
		return err
	}
	if len(variant) != 1 {
		return fmt.Errorf("ledger: error variant must have exactly one key, got %d", len(variant))
	}
	for k, raw := range variant {
		var f variantFields
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &f); err != nil {
				return fmt.Errorf("ledger: decode %s: %w", k, err)
			}
		}
		*e = TransferError{
			Kind:          ErrorKind(k),
			ExpectedFee:   f.ExpectedFee,
			MinBurnAmount: f.MinBurnAmount,
			Balance:       f.Balance,
			Allowance:     f.Allowance,
			LedgerTime:    f.LedgerTime,
			DuplicateOf:   f.DuplicateOf,
			ErrorCode:     f.ErrorCode,
			Message:       f.Message,
		}
	}
	return nil
}

// Result is the gateway response: exactly one of Ok (block index) or Err.
type Result struct {
	Ok  *uint64        `json:"Ok,omitempty"`
	Err *TransferError `json:"Err,omitempty"`
}

// DepositMemo is attached to the pull transfer that funds an escrow.
func DepositMemo(listingID uint64) string {
	return fmt.Sprintf("Escrow deposit for listing %d", listingID)
}

// PaymentMemo is attached to each milestone payout.
func PaymentMemo(escrowID uint64) string {
	return fmt.Sprintf("Milestone payment for escrow %d", escrowID)
}
