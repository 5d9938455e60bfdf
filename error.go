package dtx

import "fmt"

type ErrorCode int

const (
	Unknown = iota
	// LockAcquisitionFailure signals the request-level lock could not be obtained.
	// The transaction aborts with no captured operations.
	LockAcquisitionFailure
	// DuplicateRequest signals an idempotency key collision; no record is created.
	DuplicateRequest
	// ValidationFailure signals the pre-commit validator blocked the commit.
	ValidationFailure
	// BusinessFailure wraps an error returned by the business callable; per-store
	// transactions rolled back and compensation ran before it propagated.
	BusinessFailure
	// CommitFailure signals a per-store commit threw after a prior per-store commit
	// already succeeded; the transaction is parked FAILED for manual intervention.
	CommitFailure
	// CompensationFatalFailure signals the compensator hit a non-retryable error
	// and stopped the sweep.
	CompensationFatalFailure
	// CompensationPartialFailure signals the retry budget was exhausted with some
	// operations still uncompensated.
	CompensationPartialFailure
	// PostCommitFailure signals an error observed after the committed flag was set.
	// The committed data is authoritative; no compensation ran.
	PostCommitFailure
	// LogWriteFailure signals the transaction log write failed; without a
	// retrievable record later compensation is impossible, so this is fatal.
	LogWriteFailure
	// IntegrityViolation is raised by DataStore adapters on referential-integrity
	// errors. The compensator treats it as fatal.
	IntegrityViolation
	// VersionConflict is raised by DataStore adapters when an optimistic-version
	// comparison failed on merge-back.
	VersionConflict
)

// Error is the dtx custom error carrying a classification code and optional user data.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// TxFailure is attached as Error.UserData on failures that escape Coordinator.Execute,
// giving the caller the transaction ID for log-store lookup and the rollback outcome.
type TxFailure struct {
	TxID              UUID
	RollbackSucceeded bool
}
