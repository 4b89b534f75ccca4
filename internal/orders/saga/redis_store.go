package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCheckpointClient is the minimal client surface used by RedisStore.
type RedisCheckpointClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisStore keeps one JSON checkpoint per idempotency key.
type RedisStore struct {
	client    RedisCheckpointClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore constructs a RedisStore. A zero ttl keeps checkpoints forever.
func NewRedisStore(client RedisCheckpointClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, keyPrefix: "saga:", ttl: ttl}
}

// Checkpoint overwrites the key's checkpoint.
func (s *RedisStore) Checkpoint(ctx context.Context, key string, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyPrefix+key, payload, s.ttl).Err()
}

// Resume loads the key's checkpoint.
func (s *RedisStore) Resume(ctx context.Context, key string) (State, bool, error) {
	payload, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return State{}, false, err
	}
	return state, true, nil
}
