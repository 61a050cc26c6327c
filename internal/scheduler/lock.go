package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LocalRunLock is an in-process lock keyed by name
type LocalRunLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalRunLock creates a new in-process lock
func NewLocalRunLock() *LocalRunLock {
	return &LocalRunLock{held: make(map[string]struct{})}
}

// TryLock acquires key if no one holds it
func (l *LocalRunLock) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRunLock is a lock shared by every process using the same Redis
type RedisRunLock struct {
	logger *zap.Logger
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisRunLock creates a new Redis-backed lock. Keys expire after ttl if the holder dies.
func NewRedisRunLock(logger *zap.Logger, client redis.UniversalClient, ttl time.Duration) *RedisRunLock {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisRunLock{
		logger: logger.Named("redis-lock"),
		client: client,
		ttl:    ttl,
	}
}

// TryLock acquires key with SET NX PX
func (l *RedisRunLock) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, true, nil
}
