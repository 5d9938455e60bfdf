package redis

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"
	"time"

	"github.com/sharedcode/dtx"
)

// Reserved key namespaces of the transaction log. The failed namespace never
// expires so operator-attention records survive retention.
const (
	LogPrefix       = "txlog:"
	FailedLogPrefix = "txlog:failed:"
)

// TransactionLog is the Redis-backed dtx.TransactionLogStore. Records are
// stored as JSON under LogPrefix; terminal non-failed records carry the
// configured retention TTL, FAILED records are duplicated under
// FailedLogPrefix with no expiry.
type TransactionLog struct {
	redis kvClient
	opts  dtx.LogStoreOptions
}

func NewTransactionLog(opts dtx.LogStoreOptions) *TransactionLog {
	return &TransactionLog{redis: newClient(), opts: opts}
}

func (l *TransactionLog) Create(ctx context.Context, businessKey string) (*dtx.TransactionRecord, error) {
	record := dtx.NewTransactionRecord(businessKey)
	if err := l.Save(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Save writes the record. In sync-wait mode the write is confirmed readable
// before returning; on confirmation timeout the call logs and treats
// durability as probabilistic rather than failing.
func (l *TransactionLog) Save(ctx context.Context, record *dtx.TransactionRecord) error {
	key := LogPrefix + record.TxID.String()
	if err := l.redis.SetStruct(ctx, key, record, l.retention(record.State)); err != nil {
		return err
	}
	if record.State == dtx.StateFailed {
		if err := l.redis.SetStruct(ctx, FailedLogPrefix+record.TxID.String(), record, 0); err != nil {
			return err
		}
	}
	if !l.opts.WaitForSync {
		return nil
	}
	start := dtx.Now()
	for {
		var probe dtx.TransactionRecord
		found, err := l.redis.GetStruct(ctx, key, &probe)
		if err == nil && found && probe.State == record.State {
			return nil
		}
		if terr := dtx.TimedOut(ctx, "txlog sync-wait", start, l.opts.WaitForSyncTimeout); terr != nil {
			log.Warn("durability confirmation timed out, treating write as probabilistically durable",
				"txId", record.TxID.String(), "error", terr.Error())
			return nil
		}
		dtx.RandomSleepWithUnit(ctx, 5*time.Millisecond)
	}
}

// retention returns the TTL for the primary key: none while the record is
// live or FAILED, the configured retention once terminal non-failed.
func (l *TransactionLog) retention(state dtx.TransactionState) time.Duration {
	if state == dtx.StateCommitted || state == dtx.StateRolledBack {
		return l.opts.Retention
	}
	return 0
}

func (l *TransactionLog) Load(ctx context.Context, tid dtx.UUID) (*dtx.TransactionRecord, bool, error) {
	var record dtx.TransactionRecord
	found, err := l.redis.GetStruct(ctx, LogPrefix+tid.String(), &record)
	if err != nil || !found {
		// The primary entry may have been reaped by retention; failed entries persist.
		found, err = l.redis.GetStruct(ctx, FailedLogPrefix+tid.String(), &record)
		if err != nil || !found {
			return nil, false, err
		}
	}
	return &record, true, nil
}

func (l *TransactionLog) MarkTerminal(ctx context.Context, tid dtx.UUID, state dtx.TransactionState, reason string) error {
	record, found, err := l.Load(ctx, tid)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("transaction %s not found", tid.String())
	}
	if err := record.ForceTerminal(state, reason); err != nil {
		return err
	}
	return l.Save(ctx, record)
}

// ListStalled enumerates non-terminal records older than the given age.
// Corrupted individual entries are logged and skipped.
func (l *TransactionLog) ListStalled(ctx context.Context, olderThan time.Duration) ([]*dtx.TransactionRecord, error) {
	keys, err := l.redis.Scan(ctx, LogPrefix+"*")
	if err != nil {
		return nil, err
	}
	cutoff := dtx.Now().UTC().Add(-olderThan)
	var out []*dtx.TransactionRecord
	for _, key := range keys {
		if strings.HasPrefix(key, FailedLogPrefix) {
			continue
		}
		var record dtx.TransactionRecord
		found, err := l.redis.GetStruct(ctx, key, &record)
		if err != nil {
			log.Warn("skipping corrupted transaction log entry", "key", key, "error", err.Error())
			continue
		}
		if !found || record.State.IsTerminal() {
			continue
		}
		if record.StartTime.Before(cutoff) {
			r := record
			out = append(out, &r)
		}
	}
	return out, nil
}

// ListFailed returns records parked for manual intervention.
func (l *TransactionLog) ListFailed(ctx context.Context) ([]*dtx.TransactionRecord, error) {
	keys, err := l.redis.Scan(ctx, FailedLogPrefix+"*")
	if err != nil {
		return nil, err
	}
	var out []*dtx.TransactionRecord
	for _, key := range keys {
		var record dtx.TransactionRecord
		found, err := l.redis.GetStruct(ctx, key, &record)
		if err != nil {
			log.Warn("skipping corrupted failed-queue entry", "key", key, "error", err.Error())
			continue
		}
		if !found {
			continue
		}
		r := record
		out = append(out, &r)
	}
	return out, nil
}

func (l *TransactionLog) Remove(ctx context.Context, tid dtx.UUID) error {
	_, err := l.redis.Delete(ctx, []string{LogPrefix + tid.String(), FailedLogPrefix + tid.String()})
	return err
}
