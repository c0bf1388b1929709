package transaction

import "fmt"

// TransactionState represents the in-memory state of a transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, pages are being changed
	TxnStatePrepared                          // Pages are written to the log, confirm pending
	TxnStateCommitted                         // Confirmed in the log and published in the WAL index
	TxnStateAborted                           // Rolled back, or never confirmed before a crash
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStatePrepared:
		return "prepared"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

// Done reports whether the transaction can no longer change pages.
func (s TransactionState) Done() bool {
	return s == TxnStateCommitted || s == TxnStateAborted
}
