// Package lock provides per-key mutual exclusion for sync runs, either in
// process or shared through Redis.
package lock

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("lock already held")

type Lock interface {
	Release(ctx context.Context) error
}

type Locker interface {
	// Acquire takes key for at most ttl. It returns ErrNotAcquired if the key is held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	Held(ctx context.Context, key string) (bool, error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) key(k string) string {
	return l.prefix + "lock:" + k
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLock{client: l.client, key: l.key(key), token: token}, nil
}

func (l *RedisLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Release deletes the key only if it still carries this lock's token, so an
// expired lock never frees a newer holder.
func (l *redisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    stdsync.Mutex
	held  map[string]memoryEntry
	now   func() time.Time
	count uint64
}

type memoryEntry struct {
	id      uint64
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]memoryEntry{}, now: time.Now}
}

func (l *MemoryLocker) live(key string) (memoryEntry, bool) {
	e, ok := l.held[key]
	if !ok {
		return e, false
	}
	if !e.expires.IsZero() && !l.now().Before(e.expires) {
		delete(l.held, key)
		return e, false
	}
	return e, true
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.live(key); ok {
		return nil, ErrNotAcquired
	}
	l.count++
	e := memoryEntry{id: l.count}
	if ttl > 0 {
		e.expires = l.now().Add(ttl)
	}
	l.held[key] = e
	return &memoryLock{owner: l, key: key, id: e.id}, nil
}

func (l *MemoryLocker) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.live(key)
	return ok, nil
}

type memoryLock struct {
	owner *MemoryLocker
	key   string
	id    uint64
}

func (l *memoryLock) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if e, ok := l.owner.held[l.key]; ok && e.id == l.id {
		delete(l.owner.held, l.key)
	}
	return nil
}
