package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/sharedcode/dtx"
)

// IdempotencyPrefix is the reserved namespace for duplicate-request markers.
const IdempotencyPrefix = "idemp:"

// idempotencyMarker is the persisted per-key marker. Token is unique per Begin
// so concurrent racers writing the same key are distinguishable on read-back;
// TTL rides along so Complete can rewrite the marker with the original budget.
type idempotencyMarker struct {
	State dtx.IdempotencyState `json:"state"`
	Token dtx.UUID             `json:"token"`
	TTL   time.Duration        `json:"ttl"`
}

// Idempotency is the Redis-backed dtx.Idempotency facade. Markers live under
// IdempotencyPrefix with the configured TTL; a live marker rejects duplicates.
// The facade is stateless and safe for concurrent transactions.
type Idempotency struct {
	redis kvClient
}

func NewIdempotency() *Idempotency {
	return &Idempotency{redis: newClient()}
}

func (i *Idempotency) Begin(ctx context.Context, key string, ttl time.Duration) error {
	k := IdempotencyPrefix + key
	var existing idempotencyMarker
	found, err := i.redis.GetStruct(ctx, k, &existing)
	if err != nil {
		return err
	}
	if found {
		return dtx.Error{Code: dtx.DuplicateRequest, Err: fmt.Errorf("request %s is a live duplicate", key)}
	}
	marker := idempotencyMarker{State: dtx.IdempotencyProcessing, Token: dtx.NewUUID(), TTL: ttl}
	if err := i.redis.SetStruct(ctx, k, marker, ttl); err != nil {
		return err
	}
	// Verify we won against a concurrent duplicate that raced the Set. Each
	// racer wrote a unique token, so the read-back arbitrates: last writer wins,
	// everyone else sees a foreign token and rejects.
	var probe idempotencyMarker
	found, err = i.redis.GetStruct(ctx, k, &probe)
	if err != nil {
		return err
	}
	if !found || probe.Token != marker.Token {
		return dtx.Error{Code: dtx.DuplicateRequest, Err: fmt.Errorf("request %s lost the duplicate race", key)}
	}
	return nil
}

// Complete marks the key completed so later duplicates keep rejecting until
// the marker expires. The marker's original TTL budget is preserved.
func (i *Idempotency) Complete(ctx context.Context, key string) error {
	k := IdempotencyPrefix + key
	var marker idempotencyMarker
	found, err := i.redis.GetStruct(ctx, k, &marker)
	if err != nil {
		return err
	}
	if !found {
		// The marker already expired; nothing left to mark.
		return nil
	}
	marker.State = dtx.IdempotencyCompleted
	return i.redis.SetStruct(ctx, k, marker, marker.TTL)
}

// Rollback removes the marker so the caller may retry after a business failure.
func (i *Idempotency) Rollback(ctx context.Context, key string) error {
	_, err := i.redis.Delete(ctx, []string{IdempotencyPrefix + key})
	return err
}

func (i *Idempotency) Ping(ctx context.Context) error {
	return i.redis.Ping(ctx)
}
