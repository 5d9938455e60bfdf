package redis

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sharedcode/dtx"
)

type mockEntry struct {
	value   []byte
	expires time.Time
}

// mockRedis is an in-memory kvClient used by the package tests. TTLs are
// enforced against dtx.Now so tests can inject replayable time.
type mockRedis struct {
	mu      sync.Mutex
	entries map[string]mockEntry

	// ErrOn injects failures keyed by method name.
	ErrOn map[string]error

	// AfterSet, when set, runs after a SetStruct lands. Tests use it to
	// interleave a competing write between a caller's set and its read-back.
	AfterSet func(key string)
}

func newMockRedis() *mockRedis {
	return &mockRedis{
		entries: make(map[string]mockEntry),
		ErrOn:   make(map[string]error),
	}
}

func (m *mockRedis) Ping(ctx context.Context) error {
	return m.ErrOn["ping"]
}

func (m *mockRedis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if err := m.ErrOn["set"]; err != nil {
		return err
	}
	m.put(key, []byte(value), expiration)
	return nil
}

func (m *mockRedis) Get(ctx context.Context, key string) (bool, string, error) {
	if err := m.ErrOn["get"]; err != nil {
		return false, "", err
	}
	ba, ok := m.get(key)
	return ok, string(ba), nil
}

func (m *mockRedis) SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error {
	if err := m.ErrOn["set"]; err != nil {
		return err
	}
	ba, err := dtx.DefaultMarshaler.Marshal(value)
	if err != nil {
		return err
	}
	m.put(key, ba, expiration)
	if m.AfterSet != nil {
		m.AfterSet(key)
	}
	return nil
}

func (m *mockRedis) GetStruct(ctx context.Context, key string, target any) (bool, error) {
	if err := m.ErrOn["get"]; err != nil {
		return false, err
	}
	ba, ok := m.get(key)
	if !ok {
		return false, nil
	}
	return true, dtx.DefaultMarshaler.Unmarshal(ba, target)
}

func (m *mockRedis) Delete(ctx context.Context, keys []string) (bool, error) {
	if err := m.ErrOn["delete"]; err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return true, nil
}

func (m *mockRedis) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := m.ErrOn["scan"]; err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(pattern, "*")
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// corrupt overwrites the raw value so deserialization fails.
func (m *mockRedis) corrupt(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.value = []byte("{not json")
		m.entries[key] = e
	}
}

func (m *mockRedis) put(key string, value []byte, expiration time.Duration) {
	var expires time.Time
	if expiration > 0 {
		expires = dtx.Now().Add(expiration)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = mockEntry{value: value, expires: expires}
}

func (m *mockRedis) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && dtx.Now().After(e.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}
