package common

import (
	log "log/slog"

	"github.com/sharedcode/dtx"
)

// OperationTracker is the capture engine. Business-side store hooks call it
// twice per single-row mutation: RecordPre captures the before-image via deep
// copy, RecordPost confirms the operation and attaches the assigned primary
// key. Set-based statements go through RecordBulk with all affected pre-images.
//
// A tracker is owned by exactly one logical execution; it is not safe for use
// from multiple goroutines.
type OperationTracker struct {
	enabled   bool
	record    *dtx.TransactionRecord
	pending   map[int]*pendingOp
	nextToken int
	confirmed []dtx.OperationRecord
}

type pendingOp struct {
	datasource  string
	opType      dtx.OperationType
	entityClass string
	entityID    string
	snapshot    map[string]any
}

// QueryInfo carries the inverse metadata for NATIVE_QUERY / STORED_PROCEDURE
// captures.
type QueryInfo struct {
	AdditionalInfo   string
	InverseQuery     string
	InverseProcedure string
	QueryParameters  []any
}

func newOperationTracker(record *dtx.TransactionRecord) *OperationTracker {
	return &OperationTracker{
		record:  record,
		pending: make(map[int]*pendingOp, 4),
	}
}

// Enable arms capture. A second enable on the same context is a logic error.
func (t *OperationTracker) Enable() {
	if t.enabled {
		log.Error("capture engine enabled twice on the same execution context", "txId", t.record.TxID.String())
		return
	}
	t.enabled = true
}

// Disable is idempotent; it clears all per-context capture state. Pending
// entries whose store transaction rolled back before reaching post are
// discarded here.
func (t *OperationTracker) Disable() {
	t.enabled = false
	t.pending = make(map[int]*pendingOp, 4)
	t.confirmed = nil
}

// Enabled reports whether capture is armed.
func (t *OperationTracker) Enabled() bool {
	return t.enabled
}

// RecordPre captures the before-image of a single-row mutation. For INSERT the
// snapshot is nil (there is no pre-image). The returned token is handed to
// RecordPost once the store has executed the mutation. A failed deep copy is
// recorded as a risk metric on the transaction but does not abort the call;
// the validator surfaces that the operation cannot be compensated.
func (t *OperationTracker) RecordPre(datasource string, opType dtx.OperationType, entityClass string, entityID string, entity any) int {
	if !t.enabled {
		log.Warn("capture engine not armed, operation not recorded", "datasource", datasource, "entityClass", entityClass)
		return -1
	}
	var snapshot map[string]any
	if opType != dtx.OpInsert {
		var err error
		snapshot, err = deepCopySnapshot(entity)
		if err != nil {
			log.Warn("snapshot deep-copy failed", "txId", t.record.TxID.String(), "entityClass", entityClass, "error", err.Error())
			t.record.AddRiskMetric(dtx.RiskSnapshotMissing)
		}
	}
	t.nextToken++
	t.pending[t.nextToken] = &pendingOp{
		datasource:  datasource,
		opType:      opType,
		entityClass: entityClass,
		entityID:    entityID,
		snapshot:    snapshot,
	}
	return t.nextToken
}

// RecordPost confirms a pending capture, attaching the store-assigned primary
// key (INSERT) and promoting the pre-image into a confirmed operation.
func (t *OperationTracker) RecordPost(token int, assignedID string) {
	p, ok := t.pending[token]
	if !ok {
		log.Warn("post-capture with unknown token ignored", "token", token)
		return
	}
	delete(t.pending, token)
	id := p.entityID
	if assignedID != "" {
		id = assignedID
	}
	t.confirm(dtx.OperationRecord{
		Datasource:  p.datasource,
		Type:        p.opType,
		EntityClass: p.entityClass,
		EntityID:    id,
		Snapshot:    p.snapshot,
	})
}

// RecordBulk captures a set-based statement. Callers must supply the pre-image
// of every row the statement will touch, captured before it executes.
func (t *OperationTracker) RecordBulk(datasource string, opType dtx.OperationType, entityClass string, preImages []any, info QueryInfo) {
	if !t.enabled {
		log.Warn("capture engine not armed, bulk operation not recorded", "datasource", datasource)
		return
	}
	affected := make([]map[string]any, 0, len(preImages))
	for i := range preImages {
		s, err := deepCopySnapshot(preImages[i])
		if err != nil {
			log.Warn("bulk snapshot deep-copy failed", "txId", t.record.TxID.String(), "entityClass", entityClass, "error", err.Error())
			t.record.AddRiskMetric(dtx.RiskSnapshotMissing)
			continue
		}
		affected = append(affected, s)
	}
	t.confirm(dtx.OperationRecord{
		Datasource:       datasource,
		Type:             opType,
		EntityClass:      entityClass,
		AffectedEntities: affected,
		AdditionalInfo:   info.AdditionalInfo,
		InverseQuery:     info.InverseQuery,
		InverseProcedure: info.InverseProcedure,
		QueryParameters:  info.QueryParameters,
	})
}

func (t *OperationTracker) confirm(op dtx.OperationRecord) {
	op.Sequence = len(t.confirmed) + 1
	t.confirmed = append(t.confirmed, op)
}

// Confirmed returns the ordered confirmed operation list. Pending entries whose
// post never arrived are not included.
func (t *OperationTracker) Confirmed() []dtx.OperationRecord {
	out := make([]dtx.OperationRecord, len(t.confirmed))
	copy(out, t.confirmed)
	return out
}

// deepCopySnapshot clones the entity into an independent field map via a
// serialize/deserialize round trip, so subsequent mutation of the live entity
// cannot corrupt the stored pre-image.
func deepCopySnapshot(entity any) (map[string]any, error) {
	if entity == nil {
		return nil, nil
	}
	ba, err := dtx.DefaultMarshaler.Marshal(entity)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := dtx.DefaultMarshaler.Unmarshal(ba, &m); err != nil {
		return nil, err
	}
	return m, nil
}
