package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// RedisStore implements Store against a shared Redis instance. The admission
// primitive is SET NX with expiry, which serialises concurrent attempts for
// the same pair on the server side.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the redis host:port.
	Addr string

	// Username and Password are optional ACL credentials.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces keys for multi-tenancy, e.g. "botgate:".
	KeyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(keyid, nonce string) string {
	return s.keyPrefix + "nonce:" + keyid + ":" + nonce
}

// Admit implements Store using set-if-absent-with-expiry.
func (s *RedisStore) Admit(ctx context.Context, keyid, nonce string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	fresh, err := s.client.SetNX(ctx, s.key(keyid, nonce), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce admission failed: %w", err)
	}
	return fresh, nil
}

// Clear drops all nonce keys under the store's prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"nonce:*", 256).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete nonce key: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("nonce scan failed: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
