package dtx

import (
	"time"
)

// TransactionState enumerates the lifecycle states of a transaction record.
// Transitions are strictly forward; a state never regresses.
type TransactionState string

const (
	StateCreated     TransactionState = "CREATED"
	StateCollecting  TransactionState = "COLLECTING"
	StateValidating  TransactionState = "VALIDATING"
	StatePrepared    TransactionState = "PREPARED"
	StateCommitting  TransactionState = "COMMITTING"
	StateCommitted   TransactionState = "COMMITTED"
	StateRollingBack TransactionState = "ROLLING_BACK"
	StateRolledBack  TransactionState = "ROLLED_BACK"
	StateFailed      TransactionState = "FAILED"
)

// allowedTransitions is the forward edge set of the lifecycle state machine.
// ROLLING_BACK is additionally reachable from any non-terminal state.
var allowedTransitions = map[TransactionState][]TransactionState{
	StateCreated:     {StateCollecting},
	StateCollecting:  {StateValidating},
	StateValidating:  {StatePrepared},
	StatePrepared:    {StateCommitting},
	StateCommitting:  {StateCommitted, StateFailed},
	StateRollingBack: {StateRolledBack, StateFailed},
}

// IsTerminal reports whether the state ends the lifecycle.
func (s TransactionState) IsTerminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFailed
}

// CanTransition reports whether moving from s to the target state is a legal
// forward transition.
func (s TransactionState) CanTransition(to TransactionState) bool {
	if s.IsTerminal() {
		return false
	}
	// Diversion path: any non-terminal state may enter ROLLING_BACK.
	if to == StateRollingBack {
		return true
	}
	for _, t := range allowedTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// OperationType tags the seven captured mutation variants.
type OperationType string

const (
	OpInsert          OperationType = "INSERT"
	OpUpdate          OperationType = "UPDATE"
	OpDelete          OperationType = "DELETE"
	OpBulkUpdate      OperationType = "BULK_UPDATE"
	OpBulkDelete      OperationType = "BULK_DELETE"
	OpNativeQuery     OperationType = "NATIVE_QUERY"
	OpStoredProcedure OperationType = "STORED_PROCEDURE"
)

// OperationRecord is one appended entry per captured mutation, carrying enough
// information to invert it. It is a tagged variant over OperationType: the
// single-row fields apply to INSERT/UPDATE/DELETE, AffectedEntities to the bulk
// variants, and the query fields to NATIVE_QUERY/STORED_PROCEDURE.
type OperationRecord struct {
	// Sequence is the 1-based position in the record's ordered operation list.
	Sequence   int           `json:"sequence"`
	Datasource string        `json:"datasource"`
	Type       OperationType `json:"operationType"`
	// EntityClass is an opaque type tag; the postgres adapter maps it to a table.
	EntityClass string `json:"entityClass,omitempty"`
	EntityID    string `json:"entityId,omitempty"`
	// Snapshot holds the field-by-field pre-image for UPDATE/DELETE; nil for INSERT.
	// It is a deep copy, independent of the live entity.
	Snapshot map[string]any `json:"snapshot,omitempty"`
	// AffectedEntities holds the pre-image of every row a bulk statement touches,
	// captured before the statement executed.
	AffectedEntities []map[string]any `json:"affectedEntities,omitempty"`
	AdditionalInfo   string           `json:"additionalInfo,omitempty"`
	InverseQuery     string           `json:"inverseQuery,omitempty"`
	InverseProcedure string           `json:"inverseProcedure,omitempty"`
	QueryParameters  []any            `json:"queryParameters,omitempty"`
	// Compensated is set once the inverse has succeeded.
	Compensated       bool   `json:"compensated,omitempty"`
	CompensationError string `json:"compensationError,omitempty"`
}

// TransactionRecord is the primary persisted entity of the transaction log.
type TransactionRecord struct {
	TxID        UUID             `json:"txId"`
	BusinessKey string           `json:"businessKey"`
	State       TransactionState `json:"state"`
	StartTime   time.Time        `json:"startTime"`
	EndTime     *time.Time       `json:"endTime,omitempty"`
	// Operations is append-only before COMMITTING and never reordered.
	Operations    []OperationRecord `json:"operations"`
	RetryCount    int               `json:"retryCount"`
	LastRetryTime *time.Time        `json:"lastRetryTime,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	// RiskMetrics counts raised risk flags; monotonic non-decreasing during collection.
	RiskMetrics map[RiskFlag]int `json:"riskMetrics,omitempty"`
}

// NewTransactionRecord creates a record in state CREATED with a fresh txId.
func NewTransactionRecord(businessKey string) *TransactionRecord {
	return &TransactionRecord{
		TxID:        NewUUID(),
		BusinessKey: businessKey,
		State:       StateCreated,
		StartTime:   Now().UTC(),
	}
}

// Transition moves the record to the target state, enforcing the state machine,
// and stamps EndTime on entering a terminal state.
func (r *TransactionRecord) Transition(to TransactionState) error {
	if !r.State.CanTransition(to) {
		return Error{
			Code:     Unknown,
			Err:      errStateTransition(r.State, to),
			UserData: r.TxID,
		}
	}
	r.State = to
	if to.IsTerminal() {
		t := Now().UTC()
		r.EndTime = &t
	}
	return nil
}

func errStateTransition(from, to TransactionState) error {
	return &stateTransitionError{from: from, to: to}
}

type stateTransitionError struct {
	from, to TransactionState
}

func (e *stateTransitionError) Error() string {
	return "illegal state transition " + string(e.from) + " -> " + string(e.to)
}

// ForceTerminal moves the record to the given terminal state, inserting the
// ROLLING_BACK diversion when the direct transition is not legal. Used by log
// stores to park records; COMMITTED is never reachable this way.
func (r *TransactionRecord) ForceTerminal(to TransactionState, reason string) error {
	if reason != "" {
		r.ErrorMessage = reason
	}
	if r.State.CanTransition(to) {
		return r.Transition(to)
	}
	if err := r.Transition(StateRollingBack); err != nil {
		return err
	}
	return r.Transition(to)
}

// BumpRetry increments the recovery bookkeeping counters.
func (r *TransactionRecord) BumpRetry() {
	r.RetryCount++
	t := Now().UTC()
	r.LastRetryTime = &t
}

// AddRiskMetric increments the count of the given risk flag.
func (r *TransactionRecord) AddRiskMetric(flag RiskFlag) {
	if r.RiskMetrics == nil {
		r.RiskMetrics = make(map[RiskFlag]int)
	}
	r.RiskMetrics[flag]++
}

// UncompensatedCount returns how many operations still lack a successful inverse.
func (r *TransactionRecord) UncompensatedCount() int {
	n := 0
	for i := range r.Operations {
		if !r.Operations[i].Compensated {
			n++
		}
	}
	return n
}
