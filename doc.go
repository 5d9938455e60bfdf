// Package dtx implements a compensating distributed-transaction coordinator
// for business services that modify more than one independent relational
// datastore within a single logical unit of work. Either every per-store local
// transaction commits, or every observable effect is undone by replaying
// captured snapshots as inverse operations in reverse order.
//
// The root package holds the shared model (transaction & operation records,
// risk flags, error codes) and the contracts the pluggable backends implement:
// TransactionLogStore (redis, cassandra), DataStore (postgres) and the
// lock/idempotency/cache facades (redis).
package dtx
