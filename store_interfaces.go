package dtx

import (
	"context"
	"time"
)

// TransactionLogStore durably persists and retrieves transaction records.
// A write failure on Save is fatal to the owning transaction: the ability to
// later compensate depends on the record being retrievable.
type TransactionLogStore interface {
	// Create inserts a record in state CREATED with the default retention.
	Create(ctx context.Context, businessKey string) (*TransactionRecord, error)
	// Save serializes and writes the record, optionally waiting for a
	// durability acknowledgement depending on the store's configured mode.
	Save(ctx context.Context, record *TransactionRecord) error
	// Load retrieves a record; found is false when the record is missing.
	Load(ctx context.Context, tid UUID) (record *TransactionRecord, found bool, err error)
	// MarkTerminal performs a read-modify-write moving the record to a terminal
	// state, enforcing the state-machine transition.
	MarkTerminal(ctx context.Context, tid UUID, state TransactionState, reason string) error
	// ListStalled returns every non-terminal record whose startTime is older
	// than now - olderThan. Enumeration tolerates corrupted entries (log & skip).
	ListStalled(ctx context.Context, olderThan time.Duration) ([]*TransactionRecord, error)
	// ListFailed returns records parked for manual intervention.
	ListFailed(ctx context.Context) ([]*TransactionRecord, error)
	// Remove deletes the record; used by retention enforcement and admin tooling.
	Remove(ctx context.Context, tid UUID) error
}

// DataStore abstracts one relational datastore participating in a distributed
// transaction. Begin opens a local transaction for the business phase; the
// remaining operations run auto-committed and are used by the compensator,
// which always operates outside the (already rolled back) business transaction.
type DataStore interface {
	// Name is the logical datasource name recorded in operation records.
	Name() string
	// Begin opens an independent local transaction.
	Begin(ctx context.Context) (StoreTx, error)

	// Exists reports whether the row identified by entityID is present.
	Exists(ctx context.Context, entityClass string, entityID string) (bool, error)
	// Insert re-creates a row from a snapshot.
	Insert(ctx context.Context, entityClass string, row map[string]any) error
	// MergeSnapshot writes the snapshot's fields back over the identified row.
	MergeSnapshot(ctx context.Context, entityClass string, entityID string, snapshot map[string]any) error
	// DeleteByID removes the identified row.
	DeleteByID(ctx context.Context, entityClass string, entityID string) error
	// ExecNative executes a screened inverse statement with bound parameters.
	ExecNative(ctx context.Context, query string, params []any) error
	// CallProcedure invokes a stored procedure with bound parameters.
	CallProcedure(ctx context.Context, name string, params []any) error

	SchemaInspector
}

// SchemaInspector answers read-only schema probes used by the risk model.
type SchemaInspector interface {
	// TableHasTriggers reports whether the table carries enabled triggers.
	TableHasTriggers(ctx context.Context, table string) (bool, error)
	// TableHasCascadeDelete reports whether related children are configured for
	// cascading delete.
	TableHasCascadeDelete(ctx context.Context, table string) (bool, error)
	// VersionColumn returns the optimistic-concurrency column of the entity's
	// table, or "" when the table is unversioned.
	VersionColumn(ctx context.Context, entityClass string) (string, error)
}

// StoreTx is one per-store local transaction, exclusively owned by its
// coordinator for the transaction's lifetime.
type StoreTx interface {
	// Flush pushes captured state to the store so defaults/triggers materialize
	// into snapshots before commit. A plain-SQL adapter treats this as a no-op.
	Flush(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// LockHandle is a scoped distributed-lock acquisition; it must be released on
// every exit path.
type LockHandle struct {
	Key    string
	LockID UUID
}

// DistributedLock provides request-level mutual exclusion and sweep coordination.
type DistributedLock interface {
	// TryLock attempts acquisition, waiting up to wait and holding up to lease.
	// Returns an Error with code LockAcquisitionFailure when the lock is busy.
	TryLock(ctx context.Context, key string, wait time.Duration, lease time.Duration) (*LockHandle, error)
	// Unlock releases the handle; releasing a lost or expired lock is a no-op.
	Unlock(ctx context.Context, handle *LockHandle) error
	// Ping reports facade health; an unhealthy facade degrades to no locking.
	Ping(ctx context.Context) error
}

// IdempotencyState marks the progress of a keyed request.
type IdempotencyState string

const (
	IdempotencyProcessing IdempotencyState = "processing"
	IdempotencyCompleted  IdempotencyState = "completed"
)

// Idempotency maps an opaque request key to a state marker with a TTL.
type Idempotency interface {
	// Begin registers the key as processing. A live duplicate returns an Error
	// with code DuplicateRequest.
	Begin(ctx context.Context, key string, ttl time.Duration) error
	// Complete marks the key completed so later duplicates keep rejecting.
	Complete(ctx context.Context, key string) error
	// Rollback removes the key so the caller may retry after a business failure.
	Rollback(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// KeyValueCache is the application-facing TTL cache facade. It is not consulted
// by the transaction pipeline.
type KeyValueCache interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string, target any) (bool, error)
	Delete(ctx context.Context, keys []string) (bool, error)
	Ping(ctx context.Context) error
}
