package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/sharedcode/dtx"
)

// LockPrefix is the reserved namespace for request-level locks.
const LockPrefix = "lock:"

// Locker is the Redis-backed dtx.DistributedLock. Acquisition uses the
// set-then-verify pattern: write the lock ID, read it back, and only claim
// ownership when the read returns our ID — a concurrent writer that got in
// between is detected by the verify read.
type Locker struct {
	redis  kvClient
	prefix string
}

// NewLocker returns a locker that namespaces keys under LockPrefix.
func NewLocker() *Locker {
	return newLocker(newClient(), LockPrefix)
}

// NewScanLocker returns a locker that uses keys verbatim; the recovery worker
// passes its fully qualified sweep-coordination key.
func NewScanLocker() *Locker {
	return newLocker(newClient(), "")
}

func newLocker(c kvClient, prefix string) *Locker {
	return &Locker{redis: c, prefix: prefix}
}

// TryLock attempts acquisition, retrying with jittered sleeps until the wait
// budget is exhausted.
func (l *Locker) TryLock(ctx context.Context, key string, wait time.Duration, lease time.Duration) (*dtx.LockHandle, error) {
	k := l.prefix + key
	lid := dtx.NewUUID()
	start := dtx.Now()
	for {
		acquired, err := l.attempt(ctx, k, lid, lease)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &dtx.LockHandle{Key: k, LockID: lid}, nil
		}
		if err := dtx.TimedOut(ctx, "lock "+key, start, wait); err != nil {
			return nil, dtx.Error{Code: dtx.LockAcquisitionFailure, Err: fmt.Errorf("lock %s is busy: %w", key, err)}
		}
		// Jitter competing acquisitions to reduce contention.
		dtx.RandomSleep(ctx)
	}
}

func (l *Locker) attempt(ctx context.Context, key string, lid dtx.UUID, lease time.Duration) (bool, error) {
	found, owner, err := l.redis.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		return owner == lid.String(), nil
	}
	if err := l.redis.Set(ctx, key, lid.String(), lease); err != nil {
		return false, err
	}
	// A 2nd "get" to ensure we "won" the lock attempt.
	found, owner, err = l.redis.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	return owner == lid.String(), nil
}

// Unlock releases the handle, deleting the key only while still the owner.
// Releasing a lost or expired lock is a no-op.
func (l *Locker) Unlock(ctx context.Context, handle *dtx.LockHandle) error {
	if handle == nil {
		return nil
	}
	found, owner, err := l.redis.Get(ctx, handle.Key)
	if err != nil {
		return err
	}
	if !found || owner != handle.LockID.String() {
		return nil
	}
	_, err = l.redis.Delete(ctx, []string{handle.Key})
	return err
}

func (l *Locker) Ping(ctx context.Context) error {
	return l.redis.Ping(ctx)
}
