package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sharedcode/dtx"
)

func Test_Idempotency_BeginCompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newMockRedis()
	i := &Idempotency{redis: m}

	if err := i.Begin(ctx, "req-1", time.Minute); err != nil {
		t.Fatalf("Begin err: %v", err)
	}
	var marker idempotencyMarker
	if found, _ := m.GetStruct(ctx, IdempotencyPrefix+"req-1", &marker); !found {
		t.Fatalf("Begin must persist a marker")
	}
	if marker.State != dtx.IdempotencyProcessing {
		t.Fatalf("expected processing marker, got %s", marker.State)
	}

	if err := i.Complete(ctx, "req-1"); err != nil {
		t.Fatalf("Complete err: %v", err)
	}
	if _, err := m.GetStruct(ctx, IdempotencyPrefix+"req-1", &marker); err != nil {
		t.Fatalf("GetStruct err: %v", err)
	}
	if marker.State != dtx.IdempotencyCompleted {
		t.Fatalf("expected completed marker, got %s", marker.State)
	}
	if marker.TTL != time.Minute {
		t.Fatalf("Complete must preserve the original TTL, got %v", marker.TTL)
	}
}

func Test_Idempotency_LiveDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	m := newMockRedis()
	i := &Idempotency{redis: m}

	if err := i.Begin(ctx, "req-2", time.Minute); err != nil {
		t.Fatalf("Begin err: %v", err)
	}
	err := i.Begin(ctx, "req-2", time.Minute)
	var de dtx.Error
	if !errors.As(err, &de) || de.Code != dtx.DuplicateRequest {
		t.Fatalf("expected DuplicateRequest, got %v", err)
	}

	// Completed markers keep rejecting until expiry.
	if err := i.Complete(ctx, "req-2"); err != nil {
		t.Fatalf("Complete err: %v", err)
	}
	if err := i.Begin(ctx, "req-2", time.Minute); err == nil {
		t.Fatalf("Begin after Complete must still reject while the marker lives")
	}
}

func Test_Idempotency_RollbackAllowsRetry(t *testing.T) {
	ctx := context.Background()
	m := newMockRedis()
	i := &Idempotency{redis: m}

	if err := i.Begin(ctx, "req-3", time.Minute); err != nil {
		t.Fatalf("Begin err: %v", err)
	}
	if err := i.Rollback(ctx, "req-3"); err != nil {
		t.Fatalf("Rollback err: %v", err)
	}
	if err := i.Begin(ctx, "req-3", time.Minute); err != nil {
		t.Fatalf("Begin after Rollback err: %v", err)
	}
}

func Test_Idempotency_ConcurrentBeginArbitratedByToken(t *testing.T) {
	ctx := context.Background()
	m := newMockRedis()
	i := &Idempotency{redis: m}

	// A competing request lands its marker right after ours and before our
	// read-back. Exactly one side must win; ours reads the foreign token and
	// reports the duplicate.
	winner := idempotencyMarker{State: dtx.IdempotencyProcessing, Token: dtx.NewUUID(), TTL: time.Minute}
	fired := false
	m.AfterSet = func(key string) {
		if fired || key != IdempotencyPrefix+"req-4" {
			return
		}
		fired = true
		m.put(key, mustMarshal(t, winner), time.Minute)
	}

	err := i.Begin(ctx, "req-4", time.Minute)
	var de dtx.Error
	if !errors.As(err, &de) || de.Code != dtx.DuplicateRequest {
		t.Fatalf("losing Begin must report DuplicateRequest, got %v", err)
	}

	// The winner's marker survives untouched.
	var marker idempotencyMarker
	if found, _ := m.GetStruct(ctx, IdempotencyPrefix+"req-4", &marker); !found {
		t.Fatalf("winner's marker missing")
	}
	if marker.Token != winner.Token {
		t.Fatalf("winner's token overwritten")
	}
}

func Test_Idempotency_CompleteOfExpiredMarkerIsNoOp(t *testing.T) {
	ctx := context.Background()
	m := newMockRedis()
	i := &Idempotency{redis: m}

	if err := i.Complete(ctx, "req-5"); err != nil {
		t.Fatalf("Complete of a missing marker must be a no-op, got %v", err)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	ba, err := dtx.DefaultMarshaler.Marshal(v)
	if err != nil {
		t.Fatalf("marshal err: %v", err)
	}
	return ba
}
