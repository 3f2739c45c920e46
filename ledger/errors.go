package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReverted is returned when a transaction was mined with a failed
	// status.
	ErrReverted = errors.New("transaction reverted")

	// ErrMiningTimeout is returned when no receipt was observed within the
	// configured mining timeout. The transaction may still be mined later.
	ErrMiningTimeout = errors.New("timed out waiting for transaction to be mined")

	ErrUnlockRejected = errors.New("account unlock rejected")
)

// TransactionError is a transaction that was rejected on submission, reverted,
// or not mined in time. Transactions are never resubmitted.
type TransactionError struct {
	Method string
	From   common.Address
	TxHash common.Hash
	Err    error
}

func (e *TransactionError) Error() string {
	if e.TxHash == (common.Hash{}) {
		return fmt.Sprintf("submitting %s from %s: %v", e.Method, e.From.Hex(), e.Err)
	}
	return fmt.Sprintf("transaction %s (%s from %s): %v", e.TxHash.Hex(), e.Method, e.From.Hex(), e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
