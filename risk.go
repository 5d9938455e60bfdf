package dtx

// Severity grades a risk flag. Values are additive weights, not an enum order.
type Severity int

const (
	SeverityLow      Severity = 0
	SeverityMedium   Severity = 5
	SeverityHigh     Severity = 10
	SeverityCritical Severity = 20
)

// RiskFlag is an observable indicator that an operation's inverse may be unreliable.
// The vocabulary is closed; each flag has a static severity.
type RiskFlag string

const (
	RiskNativeSQL        RiskFlag = "NATIVE_SQL"
	RiskBulkUpdate       RiskFlag = "BULK_UPDATE"
	RiskBulkDelete       RiskFlag = "BULK_DELETE"
	RiskStoredProcedure  RiskFlag = "STORED_PROCEDURE"
	RiskTriggerSuspected RiskFlag = "TRIGGER_SUSPECTED"
	RiskCascadeDelete    RiskFlag = "CASCADE_DELETE"
	RiskLargeBatch       RiskFlag = "LARGE_BATCH"
	RiskLongRunning      RiskFlag = "LONG_RUNNING"
	// RiskSnapshotMissing is raised when the capture engine failed to deep-copy a
	// pre-image; the affected operation cannot later be compensated.
	RiskSnapshotMissing RiskFlag = "SNAPSHOT_MISSING"
	// RiskCustomRule is raised when an operator-supplied CEL rule matched.
	RiskCustomRule RiskFlag = "CUSTOM_RULE"
)

var riskSeverities = map[RiskFlag]Severity{
	RiskNativeSQL:        SeverityHigh,
	RiskBulkUpdate:       SeverityMedium,
	RiskBulkDelete:       SeverityHigh,
	RiskStoredProcedure:  SeverityHigh,
	RiskTriggerSuspected: SeverityCritical,
	RiskCascadeDelete:    SeverityHigh,
	RiskLargeBatch:       SeverityMedium,
	RiskLongRunning:      SeverityMedium,
	RiskSnapshotMissing:  SeverityCritical,
	RiskCustomRule:       SeverityMedium,
}

// Severity returns the static severity of the flag; unknown flags grade Low.
func (f RiskFlag) Severity() Severity {
	return riskSeverities[f]
}

// IssueSeverity grades a validation issue. Only Error blocks the commit.
type IssueSeverity string

const (
	IssueError   IssueSeverity = "ERROR"
	IssueWarning IssueSeverity = "WARNING"
)

// ValidationIssue is one finding of the pre-commit validator.
type ValidationIssue struct {
	Severity IssueSeverity `json:"severity"`
	Flag     RiskFlag      `json:"flag"`
	// Sequence of the operation that raised the issue; 0 when transaction-wide.
	Sequence int    `json:"sequence,omitempty"`
	Message  string `json:"message"`
}

// ValidationResult is the validator's verdict over a collected operation set.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues"`
}

// CanProceed is false iff any issue has severity ERROR.
func (r ValidationResult) CanProceed() bool {
	for i := range r.Issues {
		if r.Issues[i].Severity == IssueError {
			return false
		}
	}
	return true
}

// Add appends an issue.
func (r *ValidationResult) Add(severity IssueSeverity, flag RiskFlag, sequence int, message string) {
	r.Issues = append(r.Issues, ValidationIssue{
		Severity: severity,
		Flag:     flag,
		Sequence: sequence,
		Message:  message,
	})
}
