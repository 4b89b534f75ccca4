package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"cafeorders/internal/sharding"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultShards is the shard count of NewKeyedLocker when none is given.
const DefaultShards = 64

type keyLock struct {
	ch   chan struct{}
	refs int
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// KeyedLocker serializes holders of the same key within one process. Distinct keys
// never wait on each other; a key's entry lives only while someone holds or awaits it.
type KeyedLocker struct {
	shards []*lockShard
}

// NewKeyedLocker constructs a KeyedLocker whose key map is split over n shards.
func NewKeyedLocker(n int) *KeyedLocker {
	if n <= 0 {
		n = DefaultShards
	}
	shards := make([]*lockShard, n)
	for i := range shards {
		shards[i] = &lockShard{locks: make(map[string]*keyLock)}
	}
	return &KeyedLocker{shards: shards}
}

// Lock blocks until key is free or ctx ends.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	shard := l.shards[sharding.Index(key, len(l.shards))]

	shard.mu.Lock()
	entry, ok := shard.locks[key]
	if !ok {
		entry = &keyLock{ch: make(chan struct{}, 1)}
		shard.locks[key] = entry
	}
	entry.refs++
	shard.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		shard.drop(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			shard.drop(key, entry)
		})
	}, nil
}

func (s *lockShard) drop(key string, entry *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(s.locks, key)
	}
}

// RedisLockClient is the minimal client surface used by RedisLocker.
type RedisLockClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

const extendLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// RedisLocker is a lease lock shared by every process using the same Redis.
// The lease is extended while held, so a crashed holder frees the key after ttl.
type RedisLocker struct {
	client    RedisLockClient
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration
	logger    *zap.Logger
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(client RedisLockClient, ttl, retry time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &RedisLocker{client: client, keyPrefix: "lock:order:", ttl: ttl, retry: retry, logger: zap.NewNop()}
}

// WithLogger sets where lost leases are reported.
func (l *RedisLocker) WithLogger(logger *zap.Logger) *RedisLocker {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// Lock polls SET NX until the lease is acquired or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	redisKey := l.keyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), l.ttl)
			defer cancel()
			released, err := l.client.Eval(releaseCtx, releaseLockScript, []string{redisKey}, token).Int64()
			switch {
			case err != nil:
				l.logger.Warn("release order lock", zap.String("key", redisKey), zap.Error(err))
			case released == 0:
				l.logger.Warn("order lock lease was lost before release", zap.String("key", redisKey))
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			extended, err := l.client.Eval(ctx, extendLockScript, []string{key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			switch {
			case err != nil:
				l.logger.Warn("extend order lock lease", zap.String("key", key), zap.Error(err))
			case extended == 0:
				l.logger.Error("order lock lease lost while held", zap.String("key", key))
				return
			}
		}
	}
}
