package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/clubpass/internal/identity"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "clubpass:pending"

// RedisStore shares pending records between replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (r *RedisStore) key(token string) string {
	return r.prefix + ":" + token
}

func (r *RedisStore) Put(ctx context.Context, a identity.Assertion) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	now := r.now()
	body, err := json.Marshal(Record{Assertion: a, CreatedAt: now, ExpiresAt: now.Add(r.ttl)})
	if err != nil {
		return "", fmt.Errorf("encoding pending assertion: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(token), body, r.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("storing pending assertion: %w", err)
	}
	if !ok {
		return "", errors.New("pending: token collision")
	}
	return token, nil
}

func (r *RedisStore) Get(ctx context.Context, token string) (*Record, error) {
	val, err := r.client.Get(ctx, r.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading pending assertion: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decoding pending assertion: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) Delete(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, r.key(token)).Err(); err != nil {
		return fmt.Errorf("deleting pending assertion: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
