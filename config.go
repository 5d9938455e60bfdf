package dtx

import (
	"time"
)

// Config is the enumerated configuration surface of the coordinator and its
// collaborators. Zero values are replaced with defaults by NewConfig.
type Config struct {
	// Enabled is the master switch; off means Execute is a passthrough that
	// invokes the business callable with no capture, logging or compensation.
	Enabled bool `json:"enabled"`
	// MaxRollbackRetries caps compensator attempts per transaction.
	MaxRollbackRetries int `json:"max_rollback_retries"`
	// RollbackRetryBackoff is the base of the exponential backoff between attempts.
	RollbackRetryBackoff time.Duration `json:"rollback_retry_backoff"`

	Recovery       RecoveryOptions       `json:"recovery"`
	LogStore       LogStoreOptions       `json:"log_store"`
	CircuitBreaker CircuitBreakerOptions `json:"circuit_breaker"`
	Validation     ValidationOptions     `json:"validation"`
	Idempotency    IdempotencyOptions    `json:"idempotency"`
	Lock           LockOptions           `json:"lock"`
}

// RecoveryOptions configures the background sweep worker.
type RecoveryOptions struct {
	Enabled bool `json:"enabled"`
	// InitialDelay before the first sweep.
	InitialDelay time.Duration `json:"initial_delay"`
	// ScanInterval is the fixed delay between sweeps.
	ScanInterval time.Duration `json:"scan_interval"`
	// StallTimeout is the age past which a non-terminal record counts as stalled.
	StallTimeout time.Duration `json:"stall_timeout"`
	// MaxRecoveryAttempts before a stalled record is parked FAILED.
	MaxRecoveryAttempts int `json:"max_recovery_attempts"`
}

// LogStoreOptions configures transaction-record persistence.
type LogStoreOptions struct {
	// Retention of terminal non-failed records; FAILED records never expire.
	Retention time.Duration `json:"retention"`
	// WaitForSync enables the durability-ack mode: after a write the store must
	// confirm the value is readable before returning.
	WaitForSync bool `json:"wait_for_sync"`
	// WaitForSyncTimeout bounds the ack wait; on timeout the write is treated
	// as probabilistically durable and the call logs but does not fail.
	WaitForSyncTimeout time.Duration `json:"wait_for_sync_timeout"`
}

// CircuitBreakerOptions configures the per-transaction compensation breaker.
type CircuitBreakerOptions struct {
	// CompensationFailureThreshold consecutive failures open the circuit.
	CompensationFailureThreshold int `json:"compensation_failure_threshold"`
	// RecoveryWindow is how long an open circuit rejects before permitting a probe.
	RecoveryWindow time.Duration `json:"recovery_window"`
}

// ValidationOptions configures the pre-commit validator.
type ValidationOptions struct {
	// LongRunningThreshold raises LONG_RUNNING when exceeded by now - startTime.
	LongRunningThreshold time.Duration `json:"long_running_threshold"`
	// LargeBatchThreshold raises LARGE_BATCH when a capture exceeds this row count.
	LargeBatchThreshold int `json:"large_batch_threshold"`
	// StrictVersionCheck escalates optimistic-version risks from warning to error.
	StrictVersionCheck bool `json:"strict_version_check"`
}

// IdempotencyOptions configures the duplicate-request facade.
type IdempotencyOptions struct {
	TTL time.Duration `json:"ttl"`
}

// LockOptions configures default request-lock timing.
type LockOptions struct {
	WaitTime  time.Duration `json:"wait_time"`
	LeaseTime time.Duration `json:"lease_time"`
}

// NewConfig returns a Config with every unset field replaced by its default.
func NewConfig() Config {
	c := Config{Enabled: true}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxRollbackRetries <= 0 {
		c.MaxRollbackRetries = 3
	}
	if c.RollbackRetryBackoff <= 0 {
		c.RollbackRetryBackoff = time.Second
	}
	if c.Recovery.InitialDelay <= 0 {
		c.Recovery.InitialDelay = 30 * time.Second
	}
	if c.Recovery.ScanInterval <= 0 {
		c.Recovery.ScanInterval = 60 * time.Second
	}
	if c.Recovery.StallTimeout <= 0 {
		c.Recovery.StallTimeout = 5 * time.Minute
	}
	if c.Recovery.MaxRecoveryAttempts <= 0 {
		c.Recovery.MaxRecoveryAttempts = 5
	}
	if c.LogStore.Retention <= 0 {
		c.LogStore.Retention = 24 * time.Hour
	}
	if c.LogStore.WaitForSyncTimeout <= 0 {
		c.LogStore.WaitForSyncTimeout = 2 * time.Second
	}
	if c.CircuitBreaker.CompensationFailureThreshold <= 0 {
		c.CircuitBreaker.CompensationFailureThreshold = 5
	}
	if c.CircuitBreaker.RecoveryWindow <= 0 {
		c.CircuitBreaker.RecoveryWindow = 30 * time.Second
	}
	if c.Validation.LongRunningThreshold <= 0 {
		c.Validation.LongRunningThreshold = 30 * time.Second
	}
	if c.Validation.LargeBatchThreshold <= 0 {
		c.Validation.LargeBatchThreshold = 500
	}
	if c.Idempotency.TTL <= 0 {
		c.Idempotency.TTL = time.Hour
	}
	if c.Lock.WaitTime <= 0 {
		c.Lock.WaitTime = 3 * time.Second
	}
	if c.Lock.LeaseTime <= 0 {
		c.Lock.LeaseTime = 30 * time.Second
	}
}
