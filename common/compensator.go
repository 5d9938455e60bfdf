package common

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/dtx"
)

// Compensator applies inverse operations for a transaction record, walking the
// captured operation list in strictly reverse sequence. Every attempt is
// classified as success, retryable or fatal; retryable operations stay
// uncompensated for the next attempt (or the recovery worker), a fatal outcome
// stops the sweep immediately.
type Compensator struct {
	cfg      dtx.Config
	logStore dtx.TransactionLogStore
	stores   map[string]dtx.DataStore
	breakers *compensationBreakers
}

// NewCompensator wires the compensator with its store set and the transaction
// log used to persist sweep progress.
func NewCompensator(cfg dtx.Config, logStore dtx.TransactionLogStore, stores []dtx.DataStore) *Compensator {
	m := make(map[string]dtx.DataStore, len(stores))
	for _, s := range stores {
		m[s.Name()] = s
	}
	return &Compensator{
		cfg:      cfg,
		logStore: logStore,
		stores:   m,
		breakers: newCompensationBreakers(cfg.CircuitBreaker),
	}
}

type compensationOutcome int

const (
	compensationSucceeded compensationOutcome = iota
	compensationRetryable
	compensationFatal
)

// Rollback sweeps the record's operations in reverse order, retrying with
// exponential backoff (base * 2^(attempt-1)) up to the configured attempt
// budget. A partial outcome leaves the record in ROLLING_BACK with retryCount
// incremented so the recovery worker can resume.
func (c *Compensator) Rollback(ctx context.Context, record *dtx.TransactionRecord) error {
	if len(record.Operations) == 0 {
		return nil
	}

	err := dtx.RetryExponential(ctx, c.cfg.RollbackRetryBackoff, uint64(c.cfg.MaxRollbackRetries-1), func(ctx context.Context) error {
		fatalErr, remaining := c.sweep(ctx, record)
		if fatalErr != nil {
			c.persistProgress(ctx, record)
			return fatalErr
		}
		if remaining > 0 {
			c.persistProgress(ctx, record)
			return dtx.RetryableError(dtx.Error{
				Code: dtx.CompensationPartialFailure,
				Err:  fmt.Errorf("%d of %d operations still uncompensated", remaining, len(record.Operations)),
			})
		}
		c.persistProgress(ctx, record)
		return nil
	}, nil)

	if err == nil {
		c.breakers.Forget(record.TxID)
		return nil
	}
	var de dtx.Error
	if errors.As(err, &de) && (de.Code == dtx.CompensationFatalFailure || de.Code == dtx.IntegrityViolation) {
		return dtx.Error{Code: dtx.CompensationFatalFailure, Err: err, UserData: record.TxID}
	}
	// One retry bump per exhausted Rollback call, not per in-process attempt.
	// The recovery worker budgets its attempts against this counter.
	record.BumpRetry()
	c.persistProgress(ctx, record)
	return dtx.Error{Code: dtx.CompensationPartialFailure, Err: err, UserData: record.TxID}
}

// sweep makes one reverse pass. It returns a non-nil fatalErr when the sweep
// was stopped, plus the count of operations still uncompensated.
func (c *Compensator) sweep(ctx context.Context, record *dtx.TransactionRecord) (fatalErr error, remaining int) {
	for i := len(record.Operations) - 1; i >= 0; i-- {
		op := &record.Operations[i]
		if op.Compensated {
			continue
		}
		outcome, err := c.compensateOne(ctx, record.TxID, op)
		switch outcome {
		case compensationSucceeded:
			op.Compensated = true
			op.CompensationError = ""
		case compensationRetryable:
			op.CompensationError = err.Error()
			remaining++
			log.Info("compensation attempt retryable", "txId", record.TxID.String(), "sequence", op.Sequence, "error", err.Error())
		case compensationFatal:
			op.CompensationError = err.Error()
			log.Error("compensation fatal, stopping sweep", "txId", record.TxID.String(), "sequence", op.Sequence, "error", err.Error())
			// Subsequent operations are not attempted.
			return err, remaining
		}
	}
	return nil, remaining
}

// compensateOne applies a single inverse behind the per-transaction circuit
// breaker and classifies the outcome.
func (c *Compensator) compensateOne(ctx context.Context, tid dtx.UUID, op *dtx.OperationRecord) (compensationOutcome, error) {
	cb := c.breakers.For(tid)
	_, err := cb.Execute(func() (any, error) {
		return nil, c.applyInverse(ctx, op)
	})
	if err == nil {
		return compensationSucceeded, nil
	}
	if isBreakerOpen(err) {
		// The breaker rejected without contacting the store.
		return compensationRetryable, fmt.Errorf("compensation circuit open for transaction %s", tid.String())
	}
	return c.classify(err), err
}

func (c *Compensator) classify(err error) compensationOutcome {
	var de dtx.Error
	if errors.As(err, &de) {
		switch de.Code {
		case dtx.CompensationFatalFailure, dtx.IntegrityViolation:
			return compensationFatal
		case dtx.VersionConflict:
			if c.cfg.Validation.StrictVersionCheck {
				return compensationFatal
			}
			return compensationRetryable
		}
	}
	// Transient store errors, concurrent deletions and the like.
	return compensationRetryable
}

// applyInverse computes and applies the inverse of one captured operation.
// Structural defects (missing datasource, missing snapshot where one is
// required, unknown operation type, insecure inverse statement) surface as
// CompensationFatalFailure.
func (c *Compensator) applyInverse(ctx context.Context, op *dtx.OperationRecord) error {
	store, ok := c.stores[op.Datasource]
	if !ok {
		return fatalf("datasource %q is not registered", op.Datasource)
	}

	switch op.Type {
	case dtx.OpInsert:
		// Inverse of INSERT: delete the row. A row that no longer exists already
		// is the desired post-inverse state.
		found, err := store.Exists(ctx, op.EntityClass, op.EntityID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		return store.DeleteByID(ctx, op.EntityClass, op.EntityID)

	case dtx.OpUpdate:
		if op.Snapshot == nil {
			return fatalf("update inverse for %s/%s requires a snapshot", op.EntityClass, op.EntityID)
		}
		return c.mergeBack(ctx, store, op.EntityClass, op.EntityID, op.Snapshot)

	case dtx.OpDelete:
		if op.Snapshot == nil {
			return fatalf("delete inverse for %s/%s requires a snapshot", op.EntityClass, op.EntityID)
		}
		// Inverse of DELETE: re-insert. A row that already exists is treated as
		// success without mutation.
		found, err := store.Exists(ctx, op.EntityClass, op.EntityID)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		return store.Insert(ctx, op.EntityClass, op.Snapshot)

	case dtx.OpBulkUpdate:
		return c.mergeBackAll(ctx, store, op)

	case dtx.OpBulkDelete:
		if len(op.AffectedEntities) == 0 {
			return fatalf("bulk delete inverse requires affected pre-images")
		}
		for i := range op.AffectedEntities {
			if err := store.Insert(ctx, op.EntityClass, op.AffectedEntities[i]); err != nil {
				return err
			}
		}
		return nil

	case dtx.OpNativeQuery:
		if op.InverseQuery != "" {
			if err := screenInverseQuery(op.InverseQuery); err != nil {
				return err
			}
			return store.ExecNative(ctx, op.InverseQuery, op.QueryParameters)
		}
		// Fall back to snapshot-based restore when no inverse statement was supplied.
		return c.mergeBackAll(ctx, store, op)

	case dtx.OpStoredProcedure:
		if op.InverseProcedure != "" {
			if err := screenProcedureName(op.InverseProcedure); err != nil {
				return err
			}
			return store.CallProcedure(ctx, op.InverseProcedure, op.QueryParameters)
		}
		return c.mergeBackAll(ctx, store, op)

	default:
		return fatalf("unknown operation type %q", op.Type)
	}
}

func (c *Compensator) mergeBackAll(ctx context.Context, store dtx.DataStore, op *dtx.OperationRecord) error {
	if len(op.AffectedEntities) == 0 {
		return fatalf("inverse of %s requires affected pre-images", op.Type)
	}
	for i := range op.AffectedEntities {
		// Empty entityID: the adapter derives the primary key from the snapshot.
		if err := c.mergeBack(ctx, store, op.EntityClass, "", op.AffectedEntities[i]); err != nil {
			return err
		}
	}
	return nil
}

// mergeBack writes a snapshot over the live row, first clearing any
// optimistic-concurrency version field so the store treats the write as an
// unversioned overwrite rather than failing a stale version comparison.
func (c *Compensator) mergeBack(ctx context.Context, store dtx.DataStore, entityClass string, entityID string, snapshot map[string]any) error {
	versionColumn, err := store.VersionColumn(ctx, entityClass)
	if err != nil {
		return err
	}
	if versionColumn != "" {
		if _, has := snapshot[versionColumn]; has {
			cleared := make(map[string]any, len(snapshot))
			for k, v := range snapshot {
				if k == versionColumn {
					continue
				}
				cleared[k] = v
			}
			snapshot = cleared
		}
	}
	return store.MergeSnapshot(ctx, entityClass, entityID, snapshot)
}

// persistProgress saves compensated flags and retry bookkeeping; a failure here
// is logged but does not abort the sweep, which can resume from the log later.
func (c *Compensator) persistProgress(ctx context.Context, record *dtx.TransactionRecord) {
	if err := c.logStore.Save(ctx, record); err != nil {
		log.Warn("persisting compensation progress failed", "txId", record.TxID.String(), "error", err.Error())
	}
}

func fatalf(format string, args ...any) error {
	return dtx.Error{Code: dtx.CompensationFatalFailure, Err: fmt.Errorf(format, args...)}
}
