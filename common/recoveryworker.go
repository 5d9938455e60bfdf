package common

import (
	"context"
	log "log/slog"
	"sync/atomic"
	"time"

	"github.com/sharedcode/dtx"
)

// scanLockKey coordinates sweeps across replicas; one worker scans at a time.
const scanLockKey = "recovery:scan-lock"

// scanLockWait is deliberately short so a losing replica skips the cycle
// instead of queueing behind the winner.
const scanLockWait = time.Second

// sweepConcurrency bounds how many stalled records one cycle recovers in
// parallel. Records are independent; each has its own circuit breaker.
const sweepConcurrency = 4

// RecoveryMetrics is a point-in-time snapshot of the worker counters.
type RecoveryMetrics struct {
	TotalAttempts int64 `json:"totalAttempts"`
	Successful    int64 `json:"successful"`
	Failed        int64 `json:"failed"`
	LastScanFound int64 `json:"lastScanFoundCount"`
}

// RecoveryWorker is the background sweeper: it enumerates stalled transaction
// records on a fixed delay and drives each to a terminal state, resuming
// compensation where a coordinator crashed or gave up.
type RecoveryWorker struct {
	cfg         dtx.RecoveryOptions
	logStore    dtx.TransactionLogStore
	compensator *Compensator
	locker      dtx.DistributedLock

	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool

	totalAttempts atomic.Int64
	successful    atomic.Int64
	failed        atomic.Int64
	lastScanFound atomic.Int64
}

// NewRecoveryWorker builds the sweeper. The locker is optional; without it
// sweeps run unconditionally, which is only safe for single-replica deployments.
func NewRecoveryWorker(cfg dtx.RecoveryOptions, logStore dtx.TransactionLogStore, compensator *Compensator, locker dtx.DistributedLock) *RecoveryWorker {
	return &RecoveryWorker{
		cfg:         cfg,
		logStore:    logStore,
		compensator: compensator,
		locker:      locker,
	}
}

// Start launches the sweep loop: initial delay, then a fixed delay between the
// end of one sweep and the start of the next. Start is a no-op when already
// running; a stopped worker can be started again.
func (w *RecoveryWorker) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	// Fresh channels per run so Stop/Start cycles work; the loop closes over
	// this run's channels, never the fields of a later run.
	stop := make(chan struct{})
	done := make(chan struct{})
	w.stop = stop
	w.done = done
	go func() {
		defer close(done)
		if !w.sleep(ctx, stop, w.cfg.InitialDelay) {
			return
		}
		for {
			if _, err := w.Sweep(ctx); err != nil {
				log.Warn("recovery sweep failed", "error", err.Error())
			}
			if !w.sleep(ctx, stop, w.cfg.ScanInterval) {
				return
			}
		}
	}()
}

// Stop signals the loop and waits for the in-flight sweep to finish.
func (w *RecoveryWorker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	close(w.stop)
	<-w.done
}

// Metrics returns the per-cycle counters.
func (w *RecoveryWorker) Metrics() RecoveryMetrics {
	return RecoveryMetrics{
		TotalAttempts: w.totalAttempts.Load(),
		Successful:    w.successful.Load(),
		Failed:        w.failed.Load(),
		LastScanFound: w.lastScanFound.Load(),
	}
}

// Sweep runs one cycle: acquire the cluster scan lock, enumerate stalled
// records and recover each. Losing the lock race is a silent no-op for the
// cycle. Also invoked directly by the admin force-sweep operation.
func (w *RecoveryWorker) Sweep(ctx context.Context) (int, error) {
	if w.locker != nil {
		handle, err := w.locker.TryLock(ctx, scanLockKey, scanLockWait, w.cfg.ScanInterval)
		if err != nil {
			log.Debug("scan lock busy, skipping sweep cycle")
			return 0, nil
		}
		defer func() {
			if err := w.locker.Unlock(ctx, handle); err != nil {
				log.Warn("releasing scan lock failed", "error", err.Error())
			}
		}()
	}

	records, err := w.logStore.ListStalled(ctx, w.cfg.StallTimeout)
	if err != nil {
		return 0, err
	}
	w.lastScanFound.Store(int64(len(records)))
	tr := dtx.NewTaskRunner(ctx, sweepConcurrency)
	for _, record := range records {
		record := record
		tr.Go(func() error {
			w.recoverOne(tr.GetContext(), record)
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (w *RecoveryWorker) recoverOne(ctx context.Context, record *dtx.TransactionRecord) {
	w.totalAttempts.Add(1)

	if record.RetryCount >= w.cfg.MaxRecoveryAttempts {
		w.park(ctx, record, "max recovery attempts exceeded")
		return
	}

	switch record.State {
	case dtx.StateCreated, dtx.StateCollecting, dtx.StateValidating, dtx.StatePrepared:
		// The record never reached the commit window; force rollback.
		if len(record.Operations) == 0 {
			if err := record.Transition(dtx.StateRollingBack); err == nil {
				_ = record.Transition(dtx.StateRolledBack)
			}
			record.ErrorMessage = "recovered: stalled with no captured operations"
			if err := w.logStore.Save(ctx, record); err != nil {
				log.Warn("saving recovered record failed", "txId", record.TxID.String(), "error", err.Error())
				return
			}
			w.successful.Add(1)
			return
		}
		if err := record.Transition(dtx.StateRollingBack); err != nil {
			log.Warn("stalled record rejected diversion transition", "txId", record.TxID.String(), "error", err.Error())
			return
		}
		w.compensate(ctx, record)

	case dtx.StateRollingBack:
		w.compensate(ctx, record)

	case dtx.StateCommitting:
		// Crash mid-commit: never attempt automatic completion.
		w.park(ctx, record, "crash during commit window, manual verification required")

	default:
		log.Warn("stalled record in unexpected state", "txId", record.TxID.String(), "state", string(record.State))
	}
}

func (w *RecoveryWorker) compensate(ctx context.Context, record *dtx.TransactionRecord) {
	err := w.compensator.Rollback(ctx, record)
	switch {
	case err == nil:
		if terr := record.Transition(dtx.StateRolledBack); terr != nil {
			log.Warn("terminal transition rejected after recovery", "txId", record.TxID.String(), "error", terr.Error())
			return
		}
		if serr := w.logStore.Save(ctx, record); serr != nil {
			log.Warn("saving recovered record failed", "txId", record.TxID.String(), "error", serr.Error())
			return
		}
		w.successful.Add(1)
	case isCompensationFatal(err):
		w.park(ctx, record, err.Error())
	default:
		// Partial: retryCount was bumped by the compensator; next cycle resumes,
		// or the attempts check above parks the record.
		log.Info("recovery left record for next cycle", "txId", record.TxID.String(), "retryCount", record.RetryCount)
	}
}

func (w *RecoveryWorker) park(ctx context.Context, record *dtx.TransactionRecord, reason string) {
	if err := w.logStore.MarkTerminal(ctx, record.TxID, dtx.StateFailed, reason); err != nil {
		log.Warn("parking record FAILED failed", "txId", record.TxID.String(), "error", err.Error())
		return
	}
	w.failed.Add(1)
}

// sleep waits for d, returning false when the worker was stopped or the
// context was cancelled.
func (w *RecoveryWorker) sleep(ctx context.Context, stop chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
