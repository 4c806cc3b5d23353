package payments

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNoIntent = errors.New("no payment intent for order")

// IntentIndex maps an order to the processor's payment intent ID.
type IntentIndex interface {
	Put(ctx context.Context, orderID, intentID string) error
	Get(ctx context.Context, orderID string) (string, error)
	Delete(ctx context.Context, orderID string) error
}

type MemoryIndex struct {
	m sync.Map
}

func (x *MemoryIndex) Put(_ context.Context, orderID, intentID string) error {
	x.m.Store(orderID, intentID)
	return nil
}

func (x *MemoryIndex) Get(_ context.Context, orderID string) (string, error) {
	v, ok := x.m.Load(orderID)
	if !ok {
		return "", ErrNoIntent
	}
	return v.(string), nil
}

func (x *MemoryIndex) Delete(_ context.Context, orderID string) error {
	x.m.Delete(orderID)
	return nil
}

// RedisIndex shares the mapping between API processes.
type RedisIndex struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIndex(client *redis.Client, ttl time.Duration) *RedisIndex {
	return &RedisIndex{client: client, ttl: ttl}
}

func intentKey(orderID string) string { return "payment:intent:" + orderID }

func (x *RedisIndex) Put(ctx context.Context, orderID, intentID string) error {
	return x.client.Set(ctx, intentKey(orderID), intentID, x.ttl).Err()
}

func (x *RedisIndex) Get(ctx context.Context, orderID string) (string, error) {
	id, err := x.client.Get(ctx, intentKey(orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoIntent
	}
	return id, err
}

func (x *RedisIndex) Delete(ctx context.Context, orderID string) error {
	return x.client.Del(ctx, intentKey(orderID)).Err()
}
