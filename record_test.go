package dtx

import (
	"strings"
	"testing"
	"time"
)

func Test_StateMachine_ForwardOnly(t *testing.T) {
	record := NewTransactionRecord("k")
	for _, s := range []TransactionState{StateCollecting, StateValidating, StatePrepared, StateCommitting, StateCommitted} {
		if err := record.Transition(s); err != nil {
			t.Fatalf("transition to %s err: %v", s, err)
		}
	}
	if record.EndTime == nil {
		t.Fatalf("terminal transition must stamp endTime")
	}
	// Terminal states never regress.
	for _, s := range []TransactionState{StateCreated, StateRollingBack, StateFailed} {
		if err := record.Transition(s); err == nil {
			t.Fatalf("terminal record must reject transition to %s", s)
		}
	}
}

func Test_StateMachine_DiversionFromAnyNonTerminal(t *testing.T) {
	for _, from := range []TransactionState{StateCreated, StateCollecting, StateValidating, StatePrepared, StateCommitting} {
		if !from.CanTransition(StateRollingBack) {
			t.Fatalf("%s must be able to divert to ROLLING_BACK", from)
		}
	}
	if StateCommitted.CanTransition(StateRollingBack) {
		t.Fatalf("COMMITTED must never divert to ROLLING_BACK")
	}
}

func Test_StateMachine_NoRegression(t *testing.T) {
	record := NewTransactionRecord("k")
	_ = record.Transition(StateCollecting)
	if err := record.Transition(StateCreated); err == nil {
		t.Fatalf("states must never regress")
	}
	if err := record.Transition(StatePrepared); err == nil {
		t.Fatalf("states must not skip forward")
	}
}

func Test_ForceTerminal_InsertsDiversion(t *testing.T) {
	record := NewTransactionRecord("k")
	_ = record.Transition(StateCollecting)
	_ = record.Transition(StateValidating)
	_ = record.Transition(StatePrepared)
	if err := record.ForceTerminal(StateFailed, "parked"); err != nil {
		t.Fatalf("ForceTerminal err: %v", err)
	}
	if record.State != StateFailed || record.ErrorMessage != "parked" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func Test_TransactionRecord_WireRoundTrip(t *testing.T) {
	record := NewTransactionRecord("order-1")
	record.Operations = []OperationRecord{
		{Sequence: 1, Datasource: "a", Type: OpBulkDelete, EntityClass: "item",
			AffectedEntities: []map[string]any{{"id": "1"}, {"id": "2"}},
			InverseQuery:     "INSERT INTO item (id) VALUES (?)",
			QueryParameters:  []any{"1"}},
	}
	record.AddRiskMetric(RiskBulkDelete)
	record.BumpRetry()

	ba, err := DefaultMarshaler.Marshal(record)
	if err != nil {
		t.Fatalf("Marshal err: %v", err)
	}
	var got TransactionRecord
	if err := DefaultMarshaler.Unmarshal(ba, &got); err != nil {
		t.Fatalf("Unmarshal err: %v", err)
	}
	if got.TxID != record.TxID || got.BusinessKey != "order-1" || got.State != StateCreated {
		t.Fatalf("identity fields did not round-trip: %+v", got)
	}
	if !got.StartTime.Equal(record.StartTime) {
		t.Fatalf("startTime did not round-trip")
	}
	if got.RetryCount != 1 || got.RiskMetrics[RiskBulkDelete] != 1 {
		t.Fatalf("bookkeeping did not round-trip: %+v", got)
	}
	if len(got.Operations) != 1 || len(got.Operations[0].AffectedEntities) != 2 {
		t.Fatalf("operations did not round-trip: %+v", got.Operations)
	}
}

// Unknown fields are ignored on read to permit forward-compatible schema growth.
func Test_TransactionRecord_UnknownFieldsIgnored(t *testing.T) {
	payload := []byte(`{"txId":"b3b8a9e2-3c6d-4b8e-9f10-1234567890ab","state":"CREATED","businessKey":"k","futureField":{"x":1},"operations":[]}`)
	var got TransactionRecord
	if err := DefaultMarshaler.Unmarshal(payload, &got); err != nil {
		t.Fatalf("Unmarshal err: %v", err)
	}
	if got.BusinessKey != "k" || got.State != StateCreated {
		t.Fatalf("record not populated: %+v", got)
	}
}

func Test_TransactionRecord_DatesAreISO8601(t *testing.T) {
	record := NewTransactionRecord("k")
	ba, err := DefaultMarshaler.Marshal(record)
	if err != nil {
		t.Fatalf("Marshal err: %v", err)
	}
	s := string(ba)
	want := record.StartTime.Format(time.RFC3339)
	// The encoded form must be a string timestamp, never an integer epoch.
	if !strings.Contains(s, want[:10]) {
		t.Fatalf("startTime not ISO-8601 encoded: %s", s)
	}
}
