package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/dtx"
)

// kvClient is the narrow key-value surface the facades are built over. The
// in-package mock implements it for unit tests.
type kvClient interface {
	Ping(ctx context.Context) error
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (bool, string, error)
	SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error
	GetStruct(ctx context.Context, key string, target any) (bool, error)
	Delete(ctx context.Context, keys []string) (bool, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
}

type client struct {
	conn *Connection
}

// newClient wraps the singleton connection. Callers must have opened it via
// OpenConnection.
func newClient() kvClient {
	return &client{conn: connection}
}

// keyNotFound detects whether the error signifies key not found by Redis.
func (c client) keyNotFound(err error) bool {
	return err == redis.Nil
}

func (c client) Ping(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return c.conn.Client.Ping(ctx).Err()
}

func (c client) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if c.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	return c.conn.Client.Set(ctx, key, value, expiration).Err()
}

func (c client) Get(ctx context.Context, key string) (bool, string, error) {
	if c.conn == nil {
		return false, "", fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	s, err := c.conn.Client.Get(ctx, key).Result()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, s, err
}

func (c client) SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error {
	if c.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	ba, err := dtx.DefaultMarshaler.Marshal(value)
	if err != nil {
		return err
	}
	return c.conn.Client.Set(ctx, key, ba, expiration).Err()
}

func (c client) GetStruct(ctx context.Context, key string, target any) (bool, error) {
	if c.conn == nil {
		return false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	ba, err := c.conn.Client.Get(ctx, key).Bytes()
	if err == nil {
		err = dtx.DefaultMarshaler.Unmarshal(ba, target)
	}
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, err
}

func (c client) Delete(ctx context.Context, keys []string) (bool, error) {
	if c.conn == nil {
		return false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	rs := c.conn.Client.Del(ctx, keys...)
	err := rs.Err()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, err
}

// Scan enumerates keys matching pattern using cursor-based SCAN, never KEYS.
func (c client) Scan(ctx context.Context, pattern string) ([]string, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	var out []string
	var cursor uint64
	for {
		keys, next, err := c.conn.Client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
