// Package lock provides non-blocking mutual exclusion for named keys, either
// within one process or across instances through Redis.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out exclusive holds on keys.
type Locker interface {
	// TryLock acquires key without waiting. ok is false when another holder
	// has it. The returned release func is safe to call more than once.
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Memory is a process-local Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory returns an empty in-process Locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

func (m *Memory) TryLock(_ context.Context, key string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[key]; busy {
		return nil, false, nil
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis is a Locker shared by every instance connected to the same server.
// Holds expire after ttl so a crashed holder cannot wedge a key.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis returns a Redis-backed Locker. Keys are stored under prefix.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	k := r.prefix + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.client, []string{k}, token).Err()
		})
	}, true, nil
}
