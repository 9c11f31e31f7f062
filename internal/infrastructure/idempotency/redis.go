package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "relay:event:"

// RedisStore implements Store on Redis so idempotency state survives
// restarts and is shared by all instances. Claims use SETNX, which is the
// atomic check-and-set primitive the contract requires.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: defaultKeyPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client, useful for tests and
// for sharing a client across components.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// TryClaim implements Store.
func (s *RedisStore) TryClaim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	won, err := s.client.SetNX(ctx, s.keyPrefix+eventID, string(OutcomePending), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return won, nil
}

// MarkOutcome implements Store.
func (s *RedisStore) MarkOutcome(ctx context.Context, eventID string, outcome Outcome, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keyPrefix+eventID, string(outcome), ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark event outcome: %w", err)
	}
	return nil
}

// IsProcessed implements Store.
func (s *RedisStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+eventID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check event outcome: %w", err)
	}
	return Outcome(val) != OutcomePending, nil
}

// Degraded implements Store.
func (s *RedisStore) Degraded() bool { return false }

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client, for tests and monitoring.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

var _ Store = (*RedisStore)(nil)
