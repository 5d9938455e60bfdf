package common

import (
	"sync"

	"github.com/sony/gobreaker"

	"github.com/sharedcode/dtx"
)

// compensationBreakers keeps one circuit breaker per transaction ID, guarding
// the compensator from hammering a store that keeps failing for that
// transaction. Closed -> Open after the configured consecutive-failure
// threshold; Open rejects immediately for the recovery window; Half-Open then
// permits a single probe. Safe for concurrent use across transactions.
type compensationBreakers struct {
	mu       sync.Mutex
	byTx     map[dtx.UUID]*gobreaker.CircuitBreaker
	settings dtx.CircuitBreakerOptions
}

func newCompensationBreakers(settings dtx.CircuitBreakerOptions) *compensationBreakers {
	return &compensationBreakers{
		byTx:     make(map[dtx.UUID]*gobreaker.CircuitBreaker),
		settings: settings,
	}
}

// For returns the breaker guarding the given transaction, creating it on first use.
func (b *compensationBreakers) For(tid dtx.UUID) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.byTx[tid]; ok {
		return cb
	}
	threshold := uint32(b.settings.CompensationFailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "compensation:" + tid.String(),
		MaxRequests: 1,
		Timeout:     b.settings.RecoveryWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	b.byTx[tid] = cb
	return cb
}

// Forget drops the breaker once the transaction reached a terminal state.
func (b *compensationBreakers) Forget(tid dtx.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byTx, tid)
}

// isBreakerOpen reports whether the error came from the breaker rejecting the
// call without contacting the store.
func isBreakerOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
