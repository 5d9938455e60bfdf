package common

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/common/mocks"
)

type namedRule struct {
	name    string
	matched bool
	err     error
}

func (r namedRule) Name() string { return r.name }
func (r namedRule) Evaluate(record *dtx.TransactionRecord) (bool, error) {
	return r.matched, r.err
}

func validationOptions() dtx.ValidationOptions {
	return dtx.ValidationOptions{
		LongRunningThreshold: 30 * time.Second,
		LargeBatchThreshold:  500,
	}
}

func Test_Validator_NativeSQLIsWarningByDefault(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	v := NewValidator(validationOptions(), []dtx.DataStore{store})

	record := dtx.NewTransactionRecord("v")
	record.Operations = []dtx.OperationRecord{
		{Sequence: 1, Datasource: "a", Type: dtx.OpNativeQuery, EntityClass: "account"},
	}
	result := v.Validate(ctx, record)
	if !result.CanProceed() {
		t.Fatalf("HIGH flags must not block without strict checking: %+v", result.Issues)
	}
	if len(result.Issues) == 0 || result.Issues[0].Flag != dtx.RiskNativeSQL {
		t.Fatalf("NATIVE_SQL flag expected: %+v", result.Issues)
	}
	if record.RiskMetrics[dtx.RiskNativeSQL] != 1 {
		t.Fatalf("risk metric not recorded: %+v", record.RiskMetrics)
	}
}

func Test_Validator_HighFlagsBlockUnderStrictCheck(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	opts := validationOptions()
	opts.StrictVersionCheck = true
	v := NewValidator(opts, []dtx.DataStore{store})

	record := dtx.NewTransactionRecord("v")
	record.Operations = []dtx.OperationRecord{
		{Sequence: 1, Datasource: "a", Type: dtx.OpNativeQuery, EntityClass: "account"},
	}
	if v.Validate(ctx, record).CanProceed() {
		t.Fatalf("HIGH flag must block under strict checking")
	}
}

func Test_Validator_TriggerSuspectedAlwaysBlocks(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	store.Triggers["audit"] = true
	v := NewValidator(validationOptions(), []dtx.DataStore{store})

	record := dtx.NewTransactionRecord("v")
	record.Operations = []dtx.OperationRecord{
		{Sequence: 1, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "audit", EntityID: "1"},
	}
	result := v.Validate(ctx, record)
	if result.CanProceed() {
		t.Fatalf("CRITICAL flag must always block: %+v", result.Issues)
	}
}

func Test_Validator_CascadeDeleteOnlyFlagsDeletes(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	store.Cascades["order"] = true
	v := NewValidator(validationOptions(), []dtx.DataStore{store})

	record := dtx.NewTransactionRecord("v")
	record.Operations = []dtx.OperationRecord{
		{Sequence: 1, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "order", EntityID: "1"},
		{Sequence: 2, Datasource: "a", Type: dtx.OpDelete, EntityClass: "order", EntityID: "2", Snapshot: map[string]any{"id": "2"}},
	}
	v.Validate(ctx, record)
	if record.RiskMetrics[dtx.RiskCascadeDelete] != 1 {
		t.Fatalf("exactly the DELETE must raise CASCADE_DELETE: %+v", record.RiskMetrics)
	}
}

func Test_Validator_LargeBatchThreshold(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	opts := validationOptions()
	opts.LargeBatchThreshold = 2
	v := NewValidator(opts, []dtx.DataStore{store})

	record := dtx.NewTransactionRecord("v")
	record.Operations = []dtx.OperationRecord{
		{Sequence: 1, Datasource: "a", Type: dtx.OpBulkUpdate, EntityClass: "account",
			AffectedEntities: []map[string]any{{"id": "1"}, {"id": "2"}, {"id": "3"}}},
	}
	v.Validate(ctx, record)
	if record.RiskMetrics[dtx.RiskLargeBatch] != 1 {
		t.Fatalf("LARGE_BATCH expected above threshold: %+v", record.RiskMetrics)
	}
}

func Test_Validator_LongRunning(t *testing.T) {
	ctx := context.Background()
	v := NewValidator(validationOptions(), nil)

	record := dtx.NewTransactionRecord("v")
	record.StartTime = dtx.Now().UTC().Add(-time.Minute)
	v.Validate(ctx, record)
	if record.RiskMetrics[dtx.RiskLongRunning] != 1 {
		t.Fatalf("LONG_RUNNING expected: %+v", record.RiskMetrics)
	}
}

func Test_Validator_CustomRule(t *testing.T) {
	ctx := context.Background()
	v := NewValidator(validationOptions(), nil, namedRule{name: "no-friday-deploys", matched: true})

	record := dtx.NewTransactionRecord("v")
	result := v.Validate(ctx, record)
	if record.RiskMetrics[dtx.RiskCustomRule] != 1 {
		t.Fatalf("CUSTOM_RULE expected: %+v", record.RiskMetrics)
	}
	// MEDIUM severity: advisory only.
	if !result.CanProceed() {
		t.Fatalf("custom rules must not block: %+v", result.Issues)
	}
}

func Test_Validator_SnapshotMissingGradedBySeverityTable(t *testing.T) {
	ctx := context.Background()
	v := NewValidator(validationOptions(), nil)

	record := dtx.NewTransactionRecord("v")
	record.AddRiskMetric(dtx.RiskSnapshotMissing)

	result := v.Validate(ctx, record)
	if result.CanProceed() {
		t.Fatalf("SNAPSHOT_MISSING is CRITICAL and must block: %+v", result.Issues)
	}
	if len(result.Issues) != 1 || result.Issues[0].Flag != dtx.RiskSnapshotMissing {
		t.Fatalf("SNAPSHOT_MISSING issue expected: %+v", result.Issues)
	}
	if result.Issues[0].Severity != dtx.IssueError {
		t.Fatalf("severity must come from the flag's grade, got %s", result.Issues[0].Severity)
	}
	// The capture engine already counted the metric; validating must not double it.
	if record.RiskMetrics[dtx.RiskSnapshotMissing] != 1 {
		t.Fatalf("metric must not be re-counted: %+v", record.RiskMetrics)
	}
}

func Test_Validator_SchemaProbesAreCached(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockDataStore("a")
	v := NewValidator(validationOptions(), []dtx.DataStore{store})

	record := dtx.NewTransactionRecord("v")
	record.Operations = []dtx.OperationRecord{
		{Sequence: 1, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "account", EntityID: "1"},
	}
	v.Validate(ctx, record)

	// A schema change after the first probe is not observed.
	store.Triggers["account"] = true
	second := dtx.NewTransactionRecord("v2")
	second.Operations = record.Operations
	v.Validate(ctx, second)
	if second.RiskMetrics[dtx.RiskTriggerSuspected] != 0 {
		t.Fatalf("probe results must be cached per (datasource, table): %+v", second.RiskMetrics)
	}
}
