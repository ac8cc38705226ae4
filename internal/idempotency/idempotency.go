// Package idempotency remembers client idempotency keys, so that a retried
// purchase request maps onto the order created by the first attempt.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iurnickita/ticketpay/internal/idempotency/config"
)

type Keys interface {
	// Claim binds key to orderID unless it is already bound. It returns the
	// order the key belongs to and whether this call bound it.
	Claim(ctx context.Context, key string, orderID string) (string, bool, error)
	Release(ctx context.Context, key string) error
}

const keyPrefix = "ticketpay:idempotency:"

const defaultTTL = 24 * time.Hour

// New connects to Redis when an address is configured.
func New(ctx context.Context, cfg config.Config) (Keys, func(), error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if cfg.RedisAddr == "" {
		return NewMemKeys(ttl), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	closer := func() {
		_ = client.Close()
	}
	return &redisKeys{client: client, ttl: ttl}, closer, nil
}

type redisKeys struct {
	client *redis.Client
	ttl    time.Duration
}

func (k *redisKeys) Claim(ctx context.Context, key string, orderID string) (string, bool, error) {
	ok, err := k.client.SetNX(ctx, keyPrefix+key, orderID, k.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return orderID, true, nil
	}
	owner, err := k.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// ключ истёк между SETNX и GET
		return k.Claim(ctx, key, orderID)
	}
	if err != nil {
		return "", false, err
	}
	return owner, false, nil
}

func (k *redisKeys) Release(ctx context.Context, key string) error {
	return k.client.Del(ctx, keyPrefix+key).Err()
}

type memEntry struct {
	orderID string
	expires time.Time
}

type memKeys struct {
	mu   sync.Mutex
	keys map[string]memEntry
	ttl  time.Duration
}

func NewMemKeys(ttl time.Duration) Keys {
	return &memKeys{keys: make(map[string]memEntry), ttl: ttl}
}

func (k *memKeys) Claim(_ context.Context, key string, orderID string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if e, ok := k.keys[key]; ok && now.Before(e.expires) {
		return e.orderID, false, nil
	}
	k.keys[key] = memEntry{orderID: orderID, expires: now.Add(k.ttl)}
	return orderID, true, nil
}

func (k *memKeys) Release(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, key)
	return nil
}
