package cache_test

import (
	"PerpOracle/internal/cache"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/sony/gobreaker"
)

func TestLatestCache_Get(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := cache.NewLatestCache(db, time.Minute, nil)
	ctx := context.Background()

	t.Run("hit returns value", func(t *testing.T) {
		mock.ExpectGet(cache.KeyPrefix + "BTC-PERP").SetVal(`{"twap":1050000}`)

		value, found, err := c.Get(ctx, "BTC-PERP")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !found {
			t.Error("expected cache hit")
		}
		if string(value) != `{"twap":1050000}` {
			t.Errorf("value: got %s", value)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("redis expectations not met: %v", err)
		}
	})

	t.Run("miss is not an error", func(t *testing.T) {
		mock.ExpectGet(cache.KeyPrefix + "ETH-PERP").RedisNil()

		value, found, err := c.Get(ctx, "ETH-PERP")
		if err != nil {
			t.Fatalf("miss should not error: %v", err)
		}
		if found || value != nil {
			t.Errorf("expected miss, got found=%v value=%v", found, value)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("redis expectations not met: %v", err)
		}
	})
}

func TestLatestCache_SetUsesTTL(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := cache.NewLatestCache(db, 30*time.Second, nil)

	value := []byte(`{"twap":1}`)
	mock.ExpectSet(cache.KeyPrefix+"BTC-PERP", value, 30*time.Second).SetVal("OK")

	if err := c.Set(context.Background(), "BTC-PERP", value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("redis expectations not met: %v", err)
	}
}

func TestLatestCache_SetIfAbsentKeepsExisting(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := cache.NewLatestCache(db, 30*time.Second, nil)
	ctx := context.Background()

	value := []byte(`{"sequence":9}`)
	mock.ExpectSetNX(cache.KeyPrefix+"BTC-PERP", value, 30*time.Second).SetVal(false)
	mock.ExpectSetNX(cache.KeyPrefix+"ETH-PERP", value, 30*time.Second).SetVal(true)

	stored, err := c.SetIfAbsent(ctx, "BTC-PERP", value)
	if err != nil {
		t.Fatalf("SetIfAbsent failed: %v", err)
	}
	if stored {
		t.Error("existing key must not be overwritten")
	}

	stored, err = c.SetIfAbsent(ctx, "ETH-PERP", value)
	if err != nil || !stored {
		t.Fatalf("missing key: stored=%v err=%v", stored, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("redis expectations not met: %v", err)
	}
}

func TestLatestCache_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := cache.NewLatestCache(db, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mock.ExpectGet(cache.KeyPrefix + "BTC-PERP").SetErr(redis.TxFailedErr)
		if _, _, err := c.Get(ctx, "BTC-PERP"); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}

	if c.State() != gobreaker.StateOpen {
		t.Fatalf("breaker: got %s, want open", c.State())
	}

	// No expectation registered: an open breaker must not reach Redis.
	_, _, err := c.Get(ctx, "BTC-PERP")
	if !errors.Is(err, cache.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("redis expectations not met: %v", err)
	}
}

func TestLatestCache_MissesDoNotTripBreaker(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := cache.NewLatestCache(db, time.Minute, nil)

	for i := 0; i < 5; i++ {
		mock.ExpectGet(cache.KeyPrefix + "BTC-PERP").RedisNil()
		if _, _, err := c.Get(context.Background(), "BTC-PERP"); err != nil {
			t.Fatalf("miss %d: unexpected error %v", i, err)
		}
	}
	if c.State() != gobreaker.StateClosed {
		t.Errorf("breaker: got %s, want closed", c.State())
	}
}
