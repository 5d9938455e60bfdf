package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharedcode/dtx"
)

// MockLocker is an in-memory dtx.DistributedLock. Locks do not expire; tests
// control contention by seeding or releasing explicitly.
type MockLocker struct {
	mu    sync.Mutex
	held  map[string]dtx.UUID
	ping  error
	Calls int
}

func NewMockLocker() *MockLocker {
	return &MockLocker{held: make(map[string]dtx.UUID)}
}

// SetUnhealthy makes Ping fail, simulating a degraded lock facade.
func (l *MockLocker) SetUnhealthy(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ping = err
}

func (l *MockLocker) TryLock(ctx context.Context, key string, wait time.Duration, lease time.Duration) (*dtx.LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls++
	if _, busy := l.held[key]; busy {
		return nil, dtx.Error{Code: dtx.LockAcquisitionFailure, Err: fmt.Errorf("lock %s is busy", key)}
	}
	lid := dtx.NewUUID()
	l.held[key] = lid
	return &dtx.LockHandle{Key: key, LockID: lid}, nil
}

func (l *MockLocker) Unlock(ctx context.Context, handle *dtx.LockHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lid, ok := l.held[handle.Key]; ok && lid == handle.LockID {
		delete(l.held, handle.Key)
	}
	return nil
}

func (l *MockLocker) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ping
}

// Held reports whether the key is currently locked.
func (l *MockLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// MockIdempotency is an in-memory dtx.Idempotency; TTLs are not enforced.
type MockIdempotency struct {
	mu     sync.Mutex
	states map[string]dtx.IdempotencyState
}

func NewMockIdempotency() *MockIdempotency {
	return &MockIdempotency{states: make(map[string]dtx.IdempotencyState)}
}

func (m *MockIdempotency) Begin(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.states[key]; live {
		return dtx.Error{Code: dtx.DuplicateRequest, Err: fmt.Errorf("request %s is a live duplicate", key)}
	}
	m.states[key] = dtx.IdempotencyProcessing
	return nil
}

func (m *MockIdempotency) Complete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = dtx.IdempotencyCompleted
	return nil
}

func (m *MockIdempotency) Rollback(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

func (m *MockIdempotency) Ping(ctx context.Context) error {
	return nil
}

// State returns the stored marker and whether the key is present.
func (m *MockIdempotency) State(key string) (dtx.IdempotencyState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key]
	return s, ok
}

// MockCache is an in-memory dtx.KeyValueCache; TTLs are not enforced.
type MockCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMockCache() *MockCache {
	return &MockCache{entries: make(map[string][]byte)}
}

func (c *MockCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	ba, err := dtx.DefaultMarshaler.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ba
	return nil
}

func (c *MockCache) Get(ctx context.Context, key string, target any) (bool, error) {
	c.mu.Lock()
	ba, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, dtx.DefaultMarshaler.Unmarshal(ba, target)
}

func (c *MockCache) Delete(ctx context.Context, keys []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for _, k := range keys {
		if _, ok := c.entries[k]; ok {
			found = true
			delete(c.entries, k)
		}
	}
	return found, nil
}

func (c *MockCache) Ping(ctx context.Context) error {
	return nil
}
