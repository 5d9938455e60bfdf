package common

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/sharedcode/dtx"
)

// RiskRule is a custom, externally supplied validation rule evaluated against
// the assembled transaction record before commit. Rules that match contribute a
// MEDIUM-severity warning. See the cel package for the expression-based
// implementation.
type RiskRule interface {
	Name() string
	// Evaluate returns true when the rule flags the transaction.
	Evaluate(record *dtx.TransactionRecord) (bool, error)
}

// Validator is the pre-commit risk model. It scans the confirmed operation
// list, probes datastore schemas for triggers and cascade-delete constraints,
// and produces a ValidationResult whose ERROR-severity issues veto the commit.
type Validator struct {
	cfg    dtx.ValidationOptions
	stores map[string]dtx.DataStore
	rules  []RiskRule
	// schemaProbes caches probe results per "datasource|table"; schema changes
	// mid-flight are not tracked.
	schemaProbes sync.Map
}

type schemaProbe struct {
	hasTriggers bool
	hasCascade  bool
}

// NewValidator builds a validator over the registered store set.
func NewValidator(cfg dtx.ValidationOptions, stores []dtx.DataStore, rules ...RiskRule) *Validator {
	m := make(map[string]dtx.DataStore, len(stores))
	for _, s := range stores {
		m[s.Name()] = s
	}
	return &Validator{cfg: cfg, stores: m, rules: rules}
}

// Validate assembles the risk picture for the record. Flags raised here are
// also accumulated into the record's risk metrics so they survive in the
// transaction log. Probe failures degrade to a warning rather than vetoing.
func (v *Validator) Validate(ctx context.Context, record *dtx.TransactionRecord) dtx.ValidationResult {
	var result dtx.ValidationResult

	for i := range record.Operations {
		op := &record.Operations[i]
		v.validateOperation(ctx, record, op, &result)
	}

	// The metric was already counted by the capture engine; only surface the issue.
	if n := record.RiskMetrics[dtx.RiskSnapshotMissing]; n > 0 {
		result.Add(v.severityFor(dtx.RiskSnapshotMissing), dtx.RiskSnapshotMissing, 0,
			fmt.Sprintf("%d operation(s) captured without a usable pre-image snapshot", n))
	}

	if elapsed := dtx.Now().Sub(record.StartTime); elapsed > v.cfg.LongRunningThreshold {
		v.add(record, &result, dtx.RiskLongRunning, 0,
			fmt.Sprintf("transaction open for %v, threshold %v", elapsed, v.cfg.LongRunningThreshold))
	}

	for _, rule := range v.rules {
		matched, err := rule.Evaluate(record)
		if err != nil {
			log.Warn("risk rule evaluation failed", "rule", rule.Name(), "txId", record.TxID.String(), "error", err.Error())
			continue
		}
		if matched {
			v.add(record, &result, dtx.RiskCustomRule, 0, fmt.Sprintf("rule %s flagged the transaction", rule.Name()))
		}
	}

	return result
}

func (v *Validator) validateOperation(ctx context.Context, record *dtx.TransactionRecord, op *dtx.OperationRecord, result *dtx.ValidationResult) {
	switch op.Type {
	case dtx.OpNativeQuery:
		v.add(record, result, dtx.RiskNativeSQL, op.Sequence,
			fmt.Sprintf("operation %d executes native SQL against %s", op.Sequence, op.Datasource))
	case dtx.OpStoredProcedure:
		v.add(record, result, dtx.RiskStoredProcedure, op.Sequence,
			fmt.Sprintf("operation %d calls a stored procedure on %s", op.Sequence, op.Datasource))
	case dtx.OpBulkUpdate:
		v.add(record, result, dtx.RiskBulkUpdate, op.Sequence,
			fmt.Sprintf("operation %d is a set-based update of %d row(s)", op.Sequence, len(op.AffectedEntities)))
	case dtx.OpBulkDelete:
		v.add(record, result, dtx.RiskBulkDelete, op.Sequence,
			fmt.Sprintf("operation %d is a set-based delete of %d row(s)", op.Sequence, len(op.AffectedEntities)))
	}

	if (op.Type == dtx.OpBulkUpdate || op.Type == dtx.OpBulkDelete) && len(op.AffectedEntities) > v.cfg.LargeBatchThreshold {
		v.add(record, result, dtx.RiskLargeBatch, op.Sequence,
			fmt.Sprintf("operation %d touches %d rows, threshold %d", op.Sequence, len(op.AffectedEntities), v.cfg.LargeBatchThreshold))
	}

	probe, ok := v.probeSchema(ctx, op.Datasource, op.EntityClass)
	if !ok {
		return
	}
	if probe.hasTriggers {
		v.add(record, result, dtx.RiskTriggerSuspected, op.Sequence,
			fmt.Sprintf("table %s carries triggers whose side effects are not captured", op.EntityClass))
	}
	if probe.hasCascade && (op.Type == dtx.OpDelete || op.Type == dtx.OpBulkDelete) {
		v.add(record, result, dtx.RiskCascadeDelete, op.Sequence,
			fmt.Sprintf("delete on %s cascades to child rows that are not captured", op.EntityClass))
	}
}

func (v *Validator) probeSchema(ctx context.Context, datasource string, table string) (schemaProbe, bool) {
	if table == "" {
		return schemaProbe{}, false
	}
	key := datasource + "|" + table
	if cached, ok := v.schemaProbes.Load(key); ok {
		return cached.(schemaProbe), true
	}
	store, ok := v.stores[datasource]
	if !ok {
		return schemaProbe{}, false
	}
	var probe schemaProbe
	var err error
	if probe.hasTriggers, err = store.TableHasTriggers(ctx, table); err != nil {
		log.Warn("trigger probe failed", "datasource", datasource, "table", table, "error", err.Error())
		return schemaProbe{}, false
	}
	if probe.hasCascade, err = store.TableHasCascadeDelete(ctx, table); err != nil {
		log.Warn("cascade probe failed", "datasource", datasource, "table", table, "error", err.Error())
		return schemaProbe{}, false
	}
	v.schemaProbes.Store(key, probe)
	return probe, true
}

// add records the flag on both the result and the record's risk metrics.
func (v *Validator) add(record *dtx.TransactionRecord, result *dtx.ValidationResult, flag dtx.RiskFlag, sequence int, message string) {
	record.AddRiskMetric(flag)
	result.Add(v.severityFor(flag), flag, sequence, message)
}

// severityFor maps a flag's static severity onto the issue grade. CRITICAL
// flags veto the commit; HIGH flags veto only under strict version checking;
// everything else is advisory.
func (v *Validator) severityFor(flag dtx.RiskFlag) dtx.IssueSeverity {
	switch flag.Severity() {
	case dtx.SeverityCritical:
		return dtx.IssueError
	case dtx.SeverityHigh:
		if v.cfg.StrictVersionCheck {
			return dtx.IssueError
		}
	}
	return dtx.IssueWarning
}
