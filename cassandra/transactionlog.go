package cassandra

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/gocql/gocql"

	"github.com/sharedcode/dtx"
)

// TransactionLog is the Cassandra-backed dtx.TransactionLogStore. The full
// record is stored as JSON in the txlog table alongside queryable columns;
// terminal non-failed records are written USING TTL with the configured
// retention, FAILED records are duplicated into txlog_failed with no expiry.
type TransactionLog struct {
	opts dtx.LogStoreOptions
}

func NewTransactionLog(opts dtx.LogStoreOptions) *TransactionLog {
	return &TransactionLog{opts: opts}
}

func (l *TransactionLog) Create(ctx context.Context, businessKey string) (*dtx.TransactionRecord, error) {
	record := dtx.NewTransactionRecord(businessKey)
	if err := l.Save(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Save writes the record. In sync-wait mode the write is read back at the
// configured consistency before returning; on confirmation timeout the call
// logs and treats durability as probabilistic rather than failing.
func (l *TransactionLog) Save(ctx context.Context, record *dtx.TransactionRecord) error {
	if connection == nil {
		return fmt.Errorf("Cassandra connection is closed, 'open' it, e.g. OpenConnection(config), & retry")
	}
	ba, err := dtx.DefaultMarshaler.Marshal(record)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("INSERT INTO %s.txlog (id, business_key, state, start_time, record) VALUES(?,?,?,?,?) USING TTL ?;",
		connection.Config.Keyspace)
	qry := connection.Session.Query(stmt, record.TxID.String(), record.BusinessKey, string(record.State),
		record.StartTime, string(ba), l.retentionSeconds(record.State)).WithContext(ctx)
	if cons := connection.Config.ConsistencyBook.LogAdd; cons > gocql.Any {
		qry.Consistency(cons)
	}
	if err := qry.Exec(); err != nil {
		return err
	}
	if record.State == dtx.StateFailed {
		stmt = fmt.Sprintf("INSERT INTO %s.txlog_failed (id, record) VALUES(?,?);", connection.Config.Keyspace)
		qry = connection.Session.Query(stmt, record.TxID.String(), string(ba)).WithContext(ctx)
		if cons := connection.Config.ConsistencyBook.LogAdd; cons > gocql.Any {
			qry.Consistency(cons)
		}
		if err := qry.Exec(); err != nil {
			return err
		}
	}
	if !l.opts.WaitForSync {
		return nil
	}
	start := dtx.Now()
	for {
		probe, found, err := l.Load(ctx, record.TxID)
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

// retentionSeconds returns the per-write TTL: none while the record is live or
// FAILED, the configured retention once terminal non-failed. Cassandra treats
// TTL 0 as "do not expire".
func (l *TransactionLog) retentionSeconds(state dtx.TransactionState) int {
	if state == dtx.StateCommitted || state == dtx.StateRolledBack {
		return int(l.opts.Retention / time.Second)
	}
	return 0
}

func (l *TransactionLog) Load(ctx context.Context, tid dtx.UUID) (*dtx.TransactionRecord, bool, error) {
	if connection == nil {
		return nil, false, fmt.Errorf("Cassandra connection is closed, 'open' it, e.g. OpenConnection(config), & retry")
	}
	cons := connection.Config.ConsistencyBook.LogGet
	payload, found, err := l.selectRecord(ctx, "txlog", tid, cons)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// The primary entry may have been reaped by retention; failed entries persist.
		payload, found, err = l.selectRecord(ctx, "txlog_failed", tid, cons)
		if err != nil || !found {
			return nil, false, err
		}
	}
	var record dtx.TransactionRecord
	if err := dtx.DefaultMarshaler.Unmarshal([]byte(payload), &record); err != nil {
		return nil, false, err
	}
	return &record, true, nil
}

func (l *TransactionLog) selectRecord(ctx context.Context, table string, tid dtx.UUID, cons gocql.Consistency) (string, bool, error) {
	stmt := fmt.Sprintf("SELECT record FROM %s.%s WHERE id = ?;", connection.Config.Keyspace, table)
	qry := connection.Session.Query(stmt, tid.String()).WithContext(ctx)
	if cons > gocql.Any {
		qry.Consistency(cons)
	}
	var payload string
	if err := qry.Scan(&payload); err != nil {
		if err == gocql.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return payload, true, nil
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

// ListStalled enumerates non-terminal records older than the given age. The
// queryable columns keep the scan cheap; the full record is only decoded for
// rows that pass the filter. Corrupted individual entries are logged and skipped.
func (l *TransactionLog) ListStalled(ctx context.Context, olderThan time.Duration) ([]*dtx.TransactionRecord, error) {
	if connection == nil {
		return nil, fmt.Errorf("Cassandra connection is closed, 'open' it, e.g. OpenConnection(config), & retry")
	}
	cutoff := dtx.Now().UTC().Add(-olderThan)
	stmt := fmt.Sprintf("SELECT id, state, start_time, record FROM %s.txlog;", connection.Config.Keyspace)
	qry := connection.Session.Query(stmt).WithContext(ctx)
	if cons := connection.Config.ConsistencyBook.LogScan; cons > gocql.Any {
		qry.Consistency(cons)
	}
	iter := qry.Iter()
	var out []*dtx.TransactionRecord
	var id, state, payload string
	var startTime time.Time
	for iter.Scan(&id, &state, &startTime, &payload) {
		if dtx.TransactionState(state).IsTerminal() || !startTime.Before(cutoff) {
			continue
		}
		var record dtx.TransactionRecord
		if err := dtx.DefaultMarshaler.Unmarshal([]byte(payload), &record); err != nil {
			log.Warn("skipping corrupted transaction log entry", "txId", id, "error", err.Error())
			continue
		}
		out = append(out, &record)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListFailed returns records parked for manual intervention.
func (l *TransactionLog) ListFailed(ctx context.Context) ([]*dtx.TransactionRecord, error) {
	if connection == nil {
		return nil, fmt.Errorf("Cassandra connection is closed, 'open' it, e.g. OpenConnection(config), & retry")
	}
	stmt := fmt.Sprintf("SELECT id, record FROM %s.txlog_failed;", connection.Config.Keyspace)
	qry := connection.Session.Query(stmt).WithContext(ctx)
	if cons := connection.Config.ConsistencyBook.LogScan; cons > gocql.Any {
		qry.Consistency(cons)
	}
	iter := qry.Iter()
	var out []*dtx.TransactionRecord
	var id, payload string
	for iter.Scan(&id, &payload) {
		var record dtx.TransactionRecord
		if err := dtx.DefaultMarshaler.Unmarshal([]byte(payload), &record); err != nil {
			log.Warn("skipping corrupted failed-queue entry", "txId", id, "error", err.Error())
			continue
		}
		out = append(out, &record)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *TransactionLog) Remove(ctx context.Context, tid dtx.UUID) error {
	if connection == nil {
		return fmt.Errorf("Cassandra connection is closed, 'open' it, e.g. OpenConnection(config), & retry")
	}
	for _, table := range []string{"txlog", "txlog_failed"} {
		stmt := fmt.Sprintf("DELETE FROM %s.%s WHERE id = ?;", connection.Config.Keyspace, table)
		qry := connection.Session.Query(stmt, tid.String()).WithContext(ctx)
		if cons := connection.Config.ConsistencyBook.LogRemove; cons > gocql.Any {
			qry.Consistency(cons)
		}
		if err := qry.Exec(); err != nil {
			return err
		}
	}
	return nil
}
