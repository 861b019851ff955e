package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	inFlightValue   = "inflight"
	donePrefix      = "done:"
	defaultKeySpace = "numa:payment:"
)

// RedisCommands is the part of *redis.Client the store uses.
type RedisCommands interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStoreConfig holds the connection settings of the Redis idempotency store.
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	// InFlightTTL bounds how long a crashed attempt blocks its reference.
	InFlightTTL time.Duration
	// PollInterval is how often WaitForResult re-reads the key.
	PollInterval time.Duration
}

// RedisStore shares payment references between daemons through Redis.
type RedisStore struct {
	client   RedisCommands
	closer   func() error
	prefix   string
	inFlight time.Duration
	poll     time.Duration
}

// NewRedisStore connects to Redis.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	store := NewRedisStoreWithClient(client, cfg)
	store.closer = client.Close
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client RedisCommands, cfg RedisStoreConfig) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultKeySpace, inFlight: cfg.InFlightTTL, poll: cfg.PollInterval}
	if s.inFlight <= 0 {
		s.inFlight = 5 * time.Minute
	}
	if s.poll <= 0 {
		s.poll = 100 * time.Millisecond
	}
	return s
}

func (s *RedisStore) CheckAndMark(ctx context.Context, reference string, _ time.Duration) (MarkState, Receipt, error) {
	key := s.prefix + reference
	for {
		created, err := s.client.SetNX(ctx, key, inFlightValue, s.inFlight).Result()
		if err != nil {
			return MarkNew, Receipt{}, fmt.Errorf("mark payment reference in redis: %w", err)
		}
		if created {
			return MarkNew, Receipt{}, nil
		}
		state, receipt, err := s.read(ctx, key)
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			continue
		}
		return state, receipt, err
	}
}

func (s *RedisStore) WaitForResult(ctx context.Context, reference string) (Receipt, bool, error) {
	key := s.prefix + reference
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		state, receipt, err := s.read(ctx, key)
		switch {
		case errors.Is(err, redis.Nil):
			return Receipt{}, false, nil
		case err != nil:
			return Receipt{}, false, err
		case state == MarkDone:
			return receipt, true, nil
		}
		select {
		case <-ctx.Done():
			return Receipt{}, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *RedisStore) Complete(ctx context.Context, reference string, receipt Receipt, ttl time.Duration) error {
	payload, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode payment receipt: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+reference, donePrefix+string(payload), ttl).Err(); err != nil {
		return fmt.Errorf("store payment receipt in redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, reference string) error {
	if err := s.client.Del(ctx, s.prefix+reference).Err(); err != nil {
		return fmt.Errorf("clear payment mark in redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *RedisStore) read(ctx context.Context, key string) (MarkState, Receipt, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return MarkNew, Receipt{}, err
	}
	if !strings.HasPrefix(value, donePrefix) {
		return MarkInFlight, Receipt{}, nil
	}
	var receipt Receipt
	if err := json.Unmarshal([]byte(strings.TrimPrefix(value, donePrefix)), &receipt); err != nil {
		return MarkNew, Receipt{}, fmt.Errorf("decode payment receipt: %w", err)
	}
	return MarkDone, receipt, nil
}

var _ IdempotencyStore = (*RedisStore)(nil)
