// Package cache fronts the latest-TWAP projection with Redis. Every call
// goes through a circuit breaker, so a Redis outage degrades to Postgres
// reads instead of adding latency to each query.
package cache

import (
	"PerpOracle/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
)

// KeyPrefix namespaces every key this service writes.
const KeyPrefix = "perp:oracle:twap:latest:"

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("cache unavailable")

// LatestCache stores the JSON-encoded latest TWAP per market.
type LatestCache struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	metrics *observability.Metrics
}

// BreakerSettings trips after 3 consecutive failures, or a >5% failure
// rate once 20 requests have been seen in the interval.
func BreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
		// A miss is a healthy answer.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
	}
}

func NewLatestCache(client redis.UniversalClient, ttl time.Duration, metrics *observability.Metrics) *LatestCache {
	return &LatestCache{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(BreakerSettings("redis-twap-latest")),
		ttl:     ttl,
		metrics: metrics,
	}
}

// NewRedisClient dials addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func key(market string) string {
	return KeyPrefix + market
}

// Get returns the cached value for market. found is false on a miss.
func (c *LatestCache) Get(ctx context.Context, market string) ([]byte, bool, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.Get(ctx, key(market)).Bytes()
	})

	switch {
	case err == nil:
		c.record("get", "hit")
		return res.([]byte), true, nil
	case errors.Is(err, redis.Nil):
		c.record("get", "miss")
		return nil, false, nil
	default:
		return nil, false, c.failure("get", err)
	}
}

// Set stores value for market with the configured TTL.
func (c *LatestCache) Set(ctx context.Context, market string, value []byte) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Set(ctx, key(market), value, c.ttl).Err()
	})
	if err != nil {
		return c.failure("set", err)
	}
	c.record("set", "ok")
	return nil
}

// SetIfAbsent stores value only when market has no cached entry. Read-through
// fills use it so they never overwrite a fresher projection write.
func (c *LatestCache) SetIfAbsent(ctx context.Context, market string, value []byte) (bool, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.SetNX(ctx, key(market), value, c.ttl).Result()
	})
	if err != nil {
		return false, c.failure("setnx", err)
	}
	c.record("setnx", "ok")
	return res.(bool), nil
}

// Ping is the readiness probe for Redis. It bypasses the breaker.
func (c *LatestCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// State exposes the breaker state for health output.
func (c *LatestCache) State() gobreaker.State {
	return c.breaker.State()
}

func (c *LatestCache) failure(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.record(op, "open")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.record(op, "error")
	return fmt.Errorf("redis %s: %w", op, err)
}

func (c *LatestCache) record(op, result string) {
	if c.metrics != nil {
		c.metrics.CacheRequests.WithLabelValues(op, result).Inc()
	}
}
