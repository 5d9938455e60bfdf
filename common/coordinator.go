package common

import (
	"context"
	"errors"
	log "log/slog"
	"sort"
	"time"

	"github.com/sharedcode/dtx"
)

// ExecuteOptions parameterize one coordinator invocation.
type ExecuteOptions struct {
	// BusinessKey is the caller-meaningful identifier stamped on the record.
	BusinessKey string
	// LockKey, when non-empty, acquires request-level mutual exclusion for the
	// duration of the invocation.
	LockKey string
	// IdempotencyKey, when non-empty, rejects live duplicates with DuplicateRequest.
	IdempotencyKey string
	// Timeout bounds lock acquisition and store operations; the business callable
	// itself is invoked synchronously and is not cancelled mid-call.
	Timeout time.Duration
}

// CoordinatorOption wires an optional collaborator.
type CoordinatorOption func(*Coordinator)

// WithLocker attaches the distributed-lock facade.
func WithLocker(l dtx.DistributedLock) CoordinatorOption {
	return func(c *Coordinator) { c.locker = l }
}

// WithIdempotency attaches the duplicate-request facade.
func WithIdempotency(i dtx.Idempotency) CoordinatorOption {
	return func(c *Coordinator) { c.idempotency = i }
}

// WithRiskRules adds custom validation rules to the pre-commit validator.
func WithRiskRules(rules ...RiskRule) CoordinatorOption {
	return func(c *Coordinator) { c.rules = append(c.rules, rules...) }
}

// Coordinator drives one logical transaction from entry to terminal state:
// capture, validation, per-store commit, and on failure the compensation path.
// A single invocation runs on one goroutine; the coordinator itself is safe
// for concurrent invocations.
type Coordinator struct {
	cfg         dtx.Config
	logStore    dtx.TransactionLogStore
	stores      []dtx.DataStore
	locker      dtx.DistributedLock
	idempotency dtx.Idempotency
	rules       []RiskRule
	validator   *Validator
	compensator *Compensator
}

// NewCoordinator builds a coordinator over the registered store set. The lock
// and idempotency facades are optional; without them the corresponding steps
// are skipped.
func NewCoordinator(cfg dtx.Config, logStore dtx.TransactionLogStore, stores []dtx.DataStore, options ...CoordinatorOption) *Coordinator {
	cfg.ApplyDefaults()
	c := &Coordinator{
		cfg:      cfg,
		logStore: logStore,
		stores:   stores,
	}
	for _, o := range options {
		o(c)
	}
	c.validator = NewValidator(cfg.Validation, stores, c.rules...)
	c.compensator = NewCompensator(cfg, logStore, stores)
	return c
}

// Compensator exposes the shared compensator, used by the recovery worker so
// both paths go through the same circuit breakers.
func (c *Coordinator) Compensator() *Compensator {
	return c.compensator
}

// Execute runs fn inside a compensable transaction. A transaction already
// bound to ctx is joined (fn's captures append to the outer record and the
// outer invocation owns the lifecycle). With the coordinator disabled, fn runs
// with no capture, logging or compensation.
//
// The returned error is nil on commit; otherwise a dtx.Error whose UserData
// carries a TxFailure with the transaction ID and the rollback outcome.
func (c *Coordinator) Execute(ctx context.Context, opts ExecuteOptions, fn func(ctx context.Context, txn *Txn) error) error {
	if !c.cfg.Enabled {
		return fn(ctx, passthroughTxn(opts.BusinessKey))
	}
	if outer := FromContext(ctx); outer != nil {
		return fn(ctx, outer)
	}

	// Duplicate check precedes record creation so a rejected request leaves no trace.
	if opts.IdempotencyKey != "" && c.idempotency != nil {
		if err := c.idempotency.Begin(ctx, opts.IdempotencyKey, c.cfg.Idempotency.TTL); err != nil {
			return err
		}
	}

	record, err := c.logStore.Create(ctx, opts.BusinessKey)
	if err != nil {
		c.releaseIdempotency(ctx, opts)
		return dtx.Error{Code: dtx.LogWriteFailure, Err: err}
	}
	txn := &Txn{
		record:  record,
		tracker: newOperationTracker(record),
		logger:  log.With("txId", record.TxID.String(), "businessKey", record.BusinessKey),
	}
	ctx = bindTxn(ctx, txn)
	defer c.cleanup(txn)

	txn.tracker.Enable()

	if opts.LockKey != "" && c.locker != nil {
		if pingErr := c.locker.Ping(ctx); pingErr != nil {
			// Degraded lock facade: proceed without mutual exclusion.
			txn.logger.Warn("lock facade unhealthy, proceeding without request lock", "error", pingErr.Error())
		} else {
			handle, lockErr := c.locker.TryLock(ctx, opts.LockKey, c.cfg.Lock.WaitTime, c.cfg.Lock.LeaseTime)
			if lockErr != nil {
				return c.abortBeforeWork(ctx, txn, opts, dtx.Error{Code: dtx.LockAcquisitionFailure, Err: lockErr, UserData: dtx.TxFailure{TxID: record.TxID, RollbackSucceeded: true}})
			}
			txn.lock = handle
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if err := record.Transition(dtx.StateCollecting); err != nil {
		return c.abortBeforeWork(ctx, txn, opts, err)
	}
	if err := c.logStore.Save(ctx, record); err != nil {
		return c.abortBeforeWork(ctx, txn, opts, dtx.Error{Code: dtx.LogWriteFailure, Err: err, UserData: dtx.TxFailure{TxID: record.TxID, RollbackSucceeded: true}})
	}

	if len(c.stores) == 0 {
		txn.logger.Warn("no datastore configured, transaction runs without local store transactions")
	}
	if err := c.beginStores(ctx, txn); err != nil {
		return c.failNoCompensation(ctx, txn, opts, dtx.Error{Code: dtx.BusinessFailure, Err: err, UserData: dtx.TxFailure{TxID: record.TxID}})
	}

	if bizErr := fn(ctx, txn); bizErr != nil {
		return c.failWithCompensation(ctx, txn, opts, dtx.BusinessFailure, bizErr)
	}

	// Flush so store-side defaults and triggers materialize before validation.
	for i := range txn.storeTxs {
		if err := txn.storeTxs[i].Value.Flush(ctx); err != nil {
			return c.failWithCompensation(ctx, txn, opts, dtx.BusinessFailure, err)
		}
	}

	record.Operations = txn.tracker.Confirmed()
	if err := record.Transition(dtx.StateValidating); err != nil {
		return c.failNoCompensation(ctx, txn, opts, err)
	}
	if err := c.logStore.Save(ctx, record); err != nil {
		return c.failNoCompensation(ctx, txn, opts, dtx.Error{Code: dtx.LogWriteFailure, Err: err, UserData: dtx.TxFailure{TxID: record.TxID}})
	}

	verdict := c.validator.Validate(ctx, record)
	if !verdict.CanProceed() {
		// Nothing committed; per-store rollback suffices, compensation is skipped.
		return c.failNoCompensation(ctx, txn, opts, dtx.Error{Code: dtx.ValidationFailure, Err: errValidationBlocked(verdict), UserData: dtx.TxFailure{TxID: record.TxID}})
	}

	if err := record.Transition(dtx.StatePrepared); err != nil {
		return c.failNoCompensation(ctx, txn, opts, err)
	}
	// The record must be durable before the commit point is crossed.
	if err := c.logStore.Save(ctx, record); err != nil {
		return c.failNoCompensation(ctx, txn, opts, dtx.Error{Code: dtx.LogWriteFailure, Err: err, UserData: dtx.TxFailure{TxID: record.TxID}})
	}
	if err := record.Transition(dtx.StateCommitting); err != nil {
		return c.failNoCompensation(ctx, txn, opts, err)
	}
	if err := c.logStore.Save(ctx, record); err != nil {
		return c.failNoCompensation(ctx, txn, opts, dtx.Error{Code: dtx.LogWriteFailure, Err: err, UserData: dtx.TxFailure{TxID: record.TxID}})
	}

	for i := range txn.storeTxs {
		if err := txn.storeTxs[i].Value.Commit(ctx); err != nil {
			if i == 0 {
				// No store committed yet; recoverable like a business failure.
				return c.failWithCompensation(ctx, txn, opts, dtx.CommitFailure, err)
			}
			return c.partialCommit(ctx, txn, opts, i, err)
		}
	}
	txn.committed.Store(true)

	// Commit point passed: every error below is PostCommitFailure and must never
	// trigger compensation. The stores are authoritative.
	var postCommitErr error
	if err := record.Transition(dtx.StateCommitted); err != nil {
		postCommitErr = err
	} else if err := c.logStore.Save(ctx, record); err != nil {
		postCommitErr = err
	}
	if opts.IdempotencyKey != "" && c.idempotency != nil {
		if err := c.idempotency.Complete(ctx, opts.IdempotencyKey); err != nil && postCommitErr == nil {
			postCommitErr = err
		}
	}
	if postCommitErr != nil {
		txn.logger.Error("post-commit step failed, committed data is authoritative", "error", postCommitErr.Error())
		return dtx.Error{Code: dtx.PostCommitFailure, Err: postCommitErr, UserData: dtx.TxFailure{TxID: record.TxID, RollbackSucceeded: false}}
	}
	return nil
}

// beginStores opens one local transaction per registered store in sorted name
// order so iteration (and thus the commit sequence) is deterministic.
func (c *Coordinator) beginStores(ctx context.Context, txn *Txn) error {
	ordered := make([]dtx.DataStore, len(c.stores))
	copy(ordered, c.stores)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name() < ordered[j].Name() })
	for _, store := range ordered {
		st, err := store.Begin(ctx)
		if err != nil {
			c.rollbackStores(ctx, txn)
			return err
		}
		txn.storeTxs = append(txn.storeTxs, dtx.KeyValuePair[string, dtx.StoreTx]{Key: store.Name(), Value: st})
	}
	return nil
}

// failWithCompensation is the main failure branch: local transactions roll
// back, then the compensator undoes anything already persisted. The caller
// sees a composite error carrying the cause, the txId and the rollback outcome.
func (c *Coordinator) failWithCompensation(ctx context.Context, txn *Txn, opts ExecuteOptions, code dtx.ErrorCode, cause error) error {
	record := txn.record
	c.rollbackStores(ctx, txn)

	record.Operations = txn.tracker.Confirmed()
	record.ErrorMessage = cause.Error()
	if err := record.Transition(dtx.StateRollingBack); err != nil {
		txn.logger.Error("diversion transition rejected", "error", err.Error())
	}
	if err := c.logStore.Save(ctx, record); err != nil {
		txn.logger.Error("saving record before compensation failed", "error", err.Error())
	}

	rollbackSucceeded := false
	compErr := c.compensator.Rollback(ctx, record)
	switch {
	case compErr == nil:
		rollbackSucceeded = true
		if err := record.Transition(dtx.StateRolledBack); err == nil {
			if err := c.logStore.Save(ctx, record); err != nil {
				txn.logger.Error("saving rolled-back record failed", "error", err.Error())
			}
		}
	case isCompensationFatal(compErr):
		if err := c.logStore.MarkTerminal(ctx, record.TxID, dtx.StateFailed, compErr.Error()); err != nil {
			txn.logger.Error("parking record FAILED failed", "error", err.Error())
		}
	default:
		// Partial: the record stays ROLLING_BACK with retryCount bumped so the
		// recovery worker resumes the sweep.
		txn.logger.Warn("compensation partial, deferring to recovery worker", "uncompensated", record.UncompensatedCount())
	}

	c.releaseIdempotency(ctx, opts)
	return dtx.Error{Code: code, Err: cause, UserData: dtx.TxFailure{TxID: record.TxID, RollbackSucceeded: rollbackSucceeded}}
}

// failNoCompensation rolls back the local store transactions and terminates the
// record ROLLED_BACK without a compensation sweep: nothing was committed.
func (c *Coordinator) failNoCompensation(ctx context.Context, txn *Txn, opts ExecuteOptions, cause error) error {
	record := txn.record
	c.rollbackStores(ctx, txn)
	record.ErrorMessage = cause.Error()
	if err := record.Transition(dtx.StateRollingBack); err != nil {
		txn.logger.Error("diversion transition rejected", "error", err.Error())
	}
	if err := record.Transition(dtx.StateRolledBack); err != nil {
		txn.logger.Error("terminal transition rejected", "error", err.Error())
	}
	if err := c.logStore.Save(ctx, record); err != nil {
		txn.logger.Error("saving rolled-back record failed", "error", err.Error())
	}
	c.releaseIdempotency(ctx, opts)
	return cause
}

// abortBeforeWork terminates an invocation that never reached the business
// callable (lock failure, setup failure). No operations were captured.
func (c *Coordinator) abortBeforeWork(ctx context.Context, txn *Txn, opts ExecuteOptions, cause error) error {
	record := txn.record
	record.ErrorMessage = cause.Error()
	if err := record.Transition(dtx.StateRollingBack); err == nil {
		_ = record.Transition(dtx.StateRolledBack)
	}
	if err := c.logStore.Save(ctx, record); err != nil {
		txn.logger.Error("saving aborted record failed", "error", err.Error())
	}
	c.releaseIdempotency(ctx, opts)
	return cause
}

// partialCommit handles a commit failure after at least one store already
// committed: consistency cannot be restored automatically, park FAILED.
func (c *Coordinator) partialCommit(ctx context.Context, txn *Txn, opts ExecuteOptions, failedAt int, cause error) error {
	record := txn.record
	for j := failedAt + 1; j < len(txn.storeTxs); j++ {
		if err := txn.storeTxs[j].Value.Rollback(ctx); err != nil {
			txn.logger.Error("rolling back uncommitted store failed", "datasource", txn.storeTxs[j].Key, "error", err.Error())
		}
	}
	reason := "partial commit: " + txn.storeTxs[failedAt].Key + " failed after a prior store committed: " + cause.Error()
	record.ErrorMessage = reason
	if err := c.logStore.MarkTerminal(ctx, record.TxID, dtx.StateFailed, reason); err != nil {
		txn.logger.Error("parking partially committed record FAILED failed", "error", err.Error())
	}
	// Data was partially applied: keep the idempotency marker so duplicates
	// keep rejecting until an operator resolves the record.
	if opts.IdempotencyKey != "" && c.idempotency != nil {
		if err := c.idempotency.Complete(ctx, opts.IdempotencyKey); err != nil {
			txn.logger.Warn("completing idempotency marker failed", "error", err.Error())
		}
	}
	return dtx.Error{Code: dtx.CommitFailure, Err: cause, UserData: dtx.TxFailure{TxID: record.TxID, RollbackSucceeded: false}}
}

func (c *Coordinator) rollbackStores(ctx context.Context, txn *Txn) {
	for i := range txn.storeTxs {
		if err := txn.storeTxs[i].Value.Rollback(ctx); err != nil {
			txn.logger.Warn("local store rollback failed", "datasource", txn.storeTxs[i].Key, "error", err.Error())
		}
	}
}

func (c *Coordinator) releaseIdempotency(ctx context.Context, opts ExecuteOptions) {
	if opts.IdempotencyKey == "" || c.idempotency == nil {
		return
	}
	if err := c.idempotency.Rollback(ctx, opts.IdempotencyKey); err != nil {
		log.Warn("releasing idempotency key failed", "key", opts.IdempotencyKey, "error", err.Error())
	}
}

// cleanup runs on every exit path: release the lock, unbind the context,
// disarm the capture engine. Each step is defended so an earlier failure
// cannot prevent a later one; cleanup never propagates errors.
func (c *Coordinator) cleanup(txn *Txn) {
	if txn.lock != nil && c.locker != nil {
		// Detached context: cleanup must proceed even when the request context is done.
		if err := c.locker.Unlock(context.Background(), txn.lock); err != nil {
			txn.logger.Error("releasing request lock failed", "key", txn.lock.Key, "error", err.Error())
		}
		txn.lock = nil
	}
	unbindTxn(txn)
	txn.tracker.Disable()
}

func isCompensationFatal(err error) bool {
	var de dtx.Error
	return errors.As(err, &de) && de.Code == dtx.CompensationFatalFailure
}

func passthroughTxn(businessKey string) *Txn {
	record := dtx.NewTransactionRecord(businessKey)
	return &Txn{
		record:  record,
		tracker: newOperationTracker(record),
		logger:  log.With("txId", record.TxID.String(), "businessKey", businessKey),
	}
}

type validationBlockedError struct {
	result dtx.ValidationResult
}

func errValidationBlocked(result dtx.ValidationResult) error {
	return &validationBlockedError{result: result}
}

func (e *validationBlockedError) Error() string {
	for i := range e.result.Issues {
		if e.result.Issues[i].Severity == dtx.IssueError {
			return "validation blocked the commit: " + e.result.Issues[i].Message
		}
	}
	return "validation blocked the commit"
}

// Result returns the full validator verdict.
func (e *validationBlockedError) Result() dtx.ValidationResult {
	return e.result
}
