package common

import (
	"context"
	log "log/slog"
	"sync"
	"sync/atomic"

	"github.com/sharedcode/dtx"
)

type contextKey int

const txnKey contextKey = iota

// Txn is the per-invocation transaction handle. It is bound to the logical
// execution context for the duration of Execute and owned by exactly one
// coordinator invocation; it does not survive asynchronous handoffs.
type Txn struct {
	record  *dtx.TransactionRecord
	tracker *OperationTracker
	// storeTxs holds the per-store local transactions in deterministic
	// (registration) order; commit iterates this order.
	storeTxs []dtx.KeyValuePair[string, dtx.StoreTx]
	// committed is set once every per-store commit succeeded. Any error observed
	// after that point must not trigger compensation: the stores are authoritative.
	committed atomic.Bool
	lock      *dtx.LockHandle
	logger    *log.Logger
	nested    bool
}

// ID returns the transaction ID.
func (t *Txn) ID() dtx.UUID {
	return t.record.TxID
}

// Record returns the transaction record owned by this invocation.
func (t *Txn) Record() *dtx.TransactionRecord {
	return t.record
}

// Tracker returns the armed capture engine for this invocation.
func (t *Txn) Tracker() *OperationTracker {
	return t.tracker
}

// StoreTx returns the local transaction opened on the named store, nil if none.
func (t *Txn) StoreTx(datasource string) dtx.StoreTx {
	for i := range t.storeTxs {
		if t.storeTxs[i].Key == datasource {
			return t.storeTxs[i].Value
		}
	}
	return nil
}

// Committed reports whether the commit point has been passed.
func (t *Txn) Committed() bool {
	return t.committed.Load()
}

// Logger returns a logger carrying the txId and businessKey labels.
func (t *Txn) Logger() *log.Logger {
	return t.logger
}

// activeTxns tracks every bound transaction so a process-termination sweep can
// clear leftover state when the process is part of a long-lived pool.
var activeTxns sync.Map

// bindTxn attaches the transaction to the context and registers it as active.
func bindTxn(ctx context.Context, t *Txn) context.Context {
	activeTxns.Store(t.record.TxID, t)
	return context.WithValue(ctx, txnKey, t)
}

// FromContext returns the transaction bound to the logical execution context,
// or nil. Nested Execute calls use this to join the outer transaction.
func FromContext(ctx context.Context) *Txn {
	t, _ := ctx.Value(txnKey).(*Txn)
	return t
}

// unbindTxn clears the active registration using a multi-strategy guard:
// cooperative delete, then verification, then log-and-continue. The context
// value itself dies with the request scope.
func unbindTxn(t *Txn) {
	if t == nil {
		return
	}
	activeTxns.Delete(t.record.TxID)
	if _, still := activeTxns.Load(t.record.TxID); still {
		// Overwrite with nil then re-delete before giving up.
		activeTxns.Store(t.record.TxID, (*Txn)(nil))
		activeTxns.Delete(t.record.TxID)
		if _, still2 := activeTxns.Load(t.record.TxID); still2 {
			log.Error("transaction context leak, unable to clear bound context", "txId", t.record.TxID.String())
		}
	}
}

// Shutdown best-effort clears any bound transaction contexts. Intended to be
// called on process termination.
func Shutdown() {
	activeTxns.Range(func(key, value any) bool {
		if t, ok := value.(*Txn); ok && t != nil && t.tracker != nil {
			t.tracker.Disable()
		}
		activeTxns.Delete(key)
		return true
	})
}
