package trade

import "errors"

// Domain error kinds. Each failure is wrapped with the exact reason
// (required vs. available amounts) so callers can render an actionable
// message; match the kind with errors.Is.
var (
	// ErrInsufficientFunds is returned when an acquisition (or a reversal
	// applying one) exceeds the account's cash balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientShares is returned when a disposal exceeds the
	// holding's quantity.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrNoSuchAccount is returned when the account does not exist.
	ErrNoSuchAccount = errors.New("account not found")

	// ErrNoSuchHolding is returned when disposing an instrument the
	// account holds no position in.
	ErrNoSuchHolding = errors.New("holding not found")

	// ErrNoSuchInstrument is returned when the instrument does not exist.
	ErrNoSuchInstrument = errors.New("instrument not found")

	// ErrNoSuchTransaction is returned when cancelling a transaction that
	// does not exist.
	ErrNoSuchTransaction = errors.New("transaction not found")

	// ErrTransactionConflict is surfaced after the bounded retry loop
	// exhausts its attempts against store serialization conflicts. It is
	// the only error preceded by silent (bounded) retries.
	ErrTransactionConflict = errors.New("transaction conflict: retries exhausted")

	// ErrNotCancelable is returned when the cancellation window has
	// expired or the transaction is already canceled.
	ErrNotCancelable = errors.New("transaction not cancelable")

	// ErrReversalInvariantViolation is returned when applying the inverse
	// trade would violate a ledger invariant; no state changes.
	ErrReversalInvariantViolation = errors.New("reversal would violate a ledger invariant")
)
