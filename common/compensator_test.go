package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/common/mocks"
)

func newTestCompensator(stores ...dtx.DataStore) (*Compensator, *mocks.MockTransactionLog) {
	cfg := fastConfig()
	tl := mocks.NewMockTransactionLog()
	return NewCompensator(cfg, tl, stores), tl
}

func rollingBackRecord(ops ...dtx.OperationRecord) *dtx.TransactionRecord {
	record := dtx.NewTransactionRecord("comp-test")
	record.State = dtx.StateRollingBack
	record.Operations = ops
	return record
}

func Test_Compensator_BulkUpdate_MergesPreImagesBack(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	store.SeedRow("account", map[string]any{"id": "1", "balance": 150})
	store.SeedRow("account", map[string]any{"id": "2", "balance": 250})
	c, _ := newTestCompensator(store)

	record := rollingBackRecord(dtx.OperationRecord{
		Sequence: 1, Datasource: "a", Type: dtx.OpBulkUpdate, EntityClass: "account",
		AffectedEntities: []map[string]any{
			{"id": "1", "balance": 100},
			{"id": "2", "balance": 200},
		},
	})
	if err := c.Rollback(ctx, record); err != nil {
		t.Fatalf("Rollback err: %v", err)
	}
	if store.Row("account", "1")["balance"] != 100 || store.Row("account", "2")["balance"] != 200 {
		t.Fatalf("pre-images not restored: %v %v", store.Row("account", "1"), store.Row("account", "2"))
	}
	if !record.Operations[0].Compensated {
		t.Fatalf("operation not marked compensated")
	}
}

func Test_Compensator_ReverseOrder(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	for _, id := range []string{"1", "2", "3"} {
		store.SeedRow("account", map[string]any{"id": id, "balance": 0})
	}
	c, _ := newTestCompensator(store)

	record := rollingBackRecord(
		dtx.OperationRecord{Sequence: 1, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "account", EntityID: "1", Snapshot: map[string]any{"id": "1", "balance": 10}},
		dtx.OperationRecord{Sequence: 2, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "account", EntityID: "2", Snapshot: map[string]any{"id": "2", "balance": 20}},
		dtx.OperationRecord{Sequence: 3, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "account", EntityID: "3", Snapshot: map[string]any{"id": "3", "balance": 30}},
	)
	if err := c.Rollback(ctx, record); err != nil {
		t.Fatalf("Rollback err: %v", err)
	}
	want := []string{"account/3", "account/2", "account/1"}
	if len(store.MergeOrder) != 3 {
		t.Fatalf("expected 3 merges, got %v", store.MergeOrder)
	}
	for i := range want {
		if store.MergeOrder[i] != want[i] {
			t.Fatalf("inverses out of order: %v", store.MergeOrder)
		}
	}
}

func Test_Compensator_IdempotentInverses(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	// DELETE-inverse target already present; INSERT-inverse target already absent.
	store.SeedRow("account", map[string]any{"id": "7", "balance": 70})
	c, _ := newTestCompensator(store)

	record := rollingBackRecord(
		dtx.OperationRecord{Sequence: 1, Datasource: "a", Type: dtx.OpInsert, EntityClass: "account", EntityID: "99"},
		dtx.OperationRecord{Sequence: 2, Datasource: "a", Type: dtx.OpDelete, EntityClass: "account", EntityID: "7", Snapshot: map[string]any{"id": "7", "balance": 0}},
	)
	if err := c.Rollback(ctx, record); err != nil {
		t.Fatalf("Rollback err: %v", err)
	}
	if !record.Operations[0].Compensated || !record.Operations[1].Compensated {
		t.Fatalf("idempotent inverses must count as success: %+v", record.Operations)
	}
	// The already-present row must not have been mutated by the DELETE-inverse.
	if store.Row("account", "7")["balance"] != 70 {
		t.Fatalf("idempotent DELETE-inverse mutated the row: %v", store.Row("account", "7"))
	}
	if store.Calls["insert"] != 0 && store.Row("account", "99") != nil {
		t.Fatalf("INSERT-inverse must not re-create the row")
	}
}

func Test_Compensator_FatalStopsSweep(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	store.SeedRow("account", map[string]any{"id": "1", "balance": 0})
	store.SeedRow("account", map[string]any{"id": "3", "balance": 0})
	c, _ := newTestCompensator(store)

	record := rollingBackRecord(
		dtx.OperationRecord{Sequence: 1, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "account", EntityID: "1", Snapshot: map[string]any{"id": "1", "balance": 10}},
		// Unknown datasource is a structural defect: fatal.
		dtx.OperationRecord{Sequence: 2, Datasource: "nowhere", Type: dtx.OpUpdate, EntityClass: "account", EntityID: "2", Snapshot: map[string]any{"id": "2"}},
		dtx.OperationRecord{Sequence: 3, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "account", EntityID: "3", Snapshot: map[string]any{"id": "3", "balance": 30}},
	)
	err := c.Rollback(ctx, record)
	var de dtx.Error
	if !errors.As(err, &de) || de.Code != dtx.CompensationFatalFailure {
		t.Fatalf("expected CompensationFatalFailure, got %v", err)
	}
	if !record.Operations[2].Compensated {
		t.Fatalf("operation after the fatal one (in reverse order) must have been compensated first")
	}
	if record.Operations[0].Compensated {
		t.Fatalf("sweep must stop at the fatal operation; sequence 1 was still attempted")
	}
	if record.Operations[1].CompensationError == "" {
		t.Fatalf("fatal operation must carry its compensation error")
	}
}

func Test_Compensator_PartialExhaustsRetryBudget(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	store.ErrOn["merge"] = errors.New("store flaking")
	c, _ := newTestCompensator(store)

	record := rollingBackRecord(
		dtx.OperationRecord{Sequence: 1, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "account", EntityID: "1", Snapshot: map[string]any{"id": "1", "balance": 10}},
	)
	err := c.Rollback(ctx, record)
	var de dtx.Error
	if !errors.As(err, &de) || de.Code != dtx.CompensationPartialFailure {
		t.Fatalf("expected CompensationPartialFailure, got %v", err)
	}
	if record.State != dtx.StateRollingBack {
		t.Fatalf("partial outcome must leave the record ROLLING_BACK, got %s", record.State)
	}
	if record.RetryCount != 1 {
		t.Fatalf("expected a single retry bump for the whole exhausted sweep, got %d", record.RetryCount)
	}
	if record.Operations[0].Compensated {
		t.Fatalf("operation must stay uncompensated")
	}
}

func Test_Compensator_RunningTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	store.SeedRow("account", map[string]any{"id": "1", "balance": 5})
	c, _ := newTestCompensator(store)

	record := rollingBackRecord(
		dtx.OperationRecord{Sequence: 1, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "account", EntityID: "1", Snapshot: map[string]any{"id": "1", "balance": 10}},
	)
	if err := c.Rollback(ctx, record); err != nil {
		t.Fatalf("first Rollback err: %v", err)
	}
	merges := store.Calls["merge"]
	if err := c.Rollback(ctx, record); err != nil {
		t.Fatalf("second Rollback err: %v", err)
	}
	if store.Calls["merge"] != merges {
		t.Fatalf("second run must skip already-compensated operations")
	}
}

func Test_Compensator_VersionFieldClearedBeforeMerge(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	store.VersionColumns["account"] = "version"
	store.SeedRow("account", map[string]any{"id": "1", "balance": 50, "version": 7})
	c, _ := newTestCompensator(store)

	record := rollingBackRecord(
		dtx.OperationRecord{Sequence: 1, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "account", EntityID: "1",
			Snapshot: map[string]any{"id": "1", "balance": 100, "version": 3}},
	)
	if err := c.Rollback(ctx, record); err != nil {
		t.Fatalf("Rollback err: %v", err)
	}
	row := store.Row("account", "1")
	if row["balance"] != 100 {
		t.Fatalf("snapshot not merged back: %v", row)
	}
	if row["version"] != 7 {
		t.Fatalf("stale version must not be written over the live one: %v", row)
	}
}

func Test_Compensator_NativeQueryInverse(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	c, _ := newTestCompensator(store)

	record := rollingBackRecord(
		dtx.OperationRecord{Sequence: 1, Datasource: "a", Type: dtx.OpNativeQuery, EntityClass: "account",
			InverseQuery: "UPDATE account SET balance = ? WHERE id = ?", QueryParameters: []any{100, "1"}},
	)
	if err := c.Rollback(ctx, record); err != nil {
		t.Fatalf("Rollback err: %v", err)
	}
	if len(store.NativeCalls) != 1 || store.NativeCalls[0].First != "UPDATE account SET balance = ? WHERE id = ?" {
		t.Fatalf("inverse query not executed: %+v", store.NativeCalls)
	}
}

func Test_Compensator_InsecureInverseQueryIsFatal(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	c, _ := newTestCompensator(store)

	record := rollingBackRecord(
		dtx.OperationRecord{Sequence: 1, Datasource: "a", Type: dtx.OpNativeQuery, EntityClass: "account",
			InverseQuery: "UPDATE account SET balance = 0; DROP TABLE account"},
	)
	err := c.Rollback(ctx, record)
	var de dtx.Error
	if !errors.As(err, &de) || de.Code != dtx.CompensationFatalFailure {
		t.Fatalf("expected CompensationFatalFailure, got %v", err)
	}
	if len(store.NativeCalls) != 0 {
		t.Fatalf("insecure query must never reach the store")
	}
}

func Test_Compensator_StoredProcedureInverse(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	c, _ := newTestCompensator(store)

	record := rollingBackRecord(
		dtx.OperationRecord{Sequence: 1, Datasource: "a", Type: dtx.OpStoredProcedure,
			InverseProcedure: "billing.undo_charge", QueryParameters: []any{"1"}},
	)
	if err := c.Rollback(ctx, record); err != nil {
		t.Fatalf("Rollback err: %v", err)
	}
	if len(store.ProcCalls) != 1 || store.ProcCalls[0].First != "billing.undo_charge" {
		t.Fatalf("inverse procedure not called: %+v", store.ProcCalls)
	}
}

func Test_Compensator_CircuitBreaker_OpensAndProbes(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	store.ErrOn["merge"] = errors.New("store down")
	cfg := fastConfig()
	cfg.MaxRollbackRetries = 10
	cfg.CircuitBreaker.CompensationFailureThreshold = 3
	// Long window so the circuit stays open for the whole retry loop.
	cfg.CircuitBreaker.RecoveryWindow = 10 * time.Second
	tl := mocks.NewMockTransactionLog()
	c := NewCompensator(cfg, tl, []dtx.DataStore{store})

	record := rollingBackRecord(
		dtx.OperationRecord{Sequence: 1, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "account", EntityID: "1", Snapshot: map[string]any{"id": "1"}},
	)
	err := c.Rollback(ctx, record)
	var de dtx.Error
	if !errors.As(err, &de) || de.Code != dtx.CompensationPartialFailure {
		t.Fatalf("expected CompensationPartialFailure, got %v", err)
	}
	// 10 attempts were made but the breaker opened after 3 consecutive store
	// failures; later attempts were rejected without contacting the store.
	if store.Calls["merge"] != 3 {
		t.Fatalf("breaker must cut off store traffic after the threshold, merges=%d", store.Calls["merge"])
	}
}

func Test_CompensationBreaker_HalfOpenProbeCloses(t *testing.T) {
	b := newCompensationBreakers(dtx.CircuitBreakerOptions{
		CompensationFailureThreshold: 1,
		RecoveryWindow:               20 * time.Millisecond,
	})
	tid := dtx.NewUUID()
	cb := b.For(tid)

	if _, err := cb.Execute(func() (any, error) { return nil, errors.New("store down") }); err == nil {
		t.Fatalf("failing call must return its error")
	}
	_, err := cb.Execute(func() (any, error) { return nil, nil })
	if !isBreakerOpen(err) {
		t.Fatalf("breaker must reject while open, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if _, err := cb.Execute(func() (any, error) { return nil, nil }); err != nil {
		t.Fatalf("half-open probe should pass and close the circuit: %v", err)
	}
	if _, err := cb.Execute(func() (any, error) { return nil, nil }); err != nil {
		t.Fatalf("circuit should be closed after a successful probe: %v", err)
	}
}
