package ratelimiter

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLuaLimiter(t *testing.T, def BucketConfig) (*RedisLuaLimiter, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLuaLimiter(rdb, nil, def)

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}

	return limiter, cleanup
}

func TestAllow_NilLimiter_FailOpen(t *testing.T) {
	ctx := context.Background()
	var limiter *RedisLuaLimiter

	allowed, retryAfter, err := limiter.Allow(ctx, "any", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed to be true for nil limiter")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter, got %v", retryAfter)
	}
}

func TestAllow_NoBucketAndNoDefault_FailOpen(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup := newTestRedisLuaLimiter(t, BucketConfig{})
	defer cleanup()

	allowed, retryAfter, err := limiter.Allow(ctx, "unknown-bucket", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed when neither bucket nor default is configured")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter, got %v", retryAfter)
	}
}

func TestAllow_DefaultBucketAppliesToUnknownKeys(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup := newTestRedisLuaLimiter(t, BucketConfig{Capacity: 2, RefillRate: 0.000001})
	defer cleanup()

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "chat:some/model", 1)
		if err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true on call %d", i)
		}
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "chat:some/model", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected default bucket to deny once exhausted")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retryAfter, got %v", retryAfter)
	}
}

func TestAllow_WithBucket_RespectsCapacityAndRetryAfter(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup := newTestRedisLuaLimiter(t, BucketConfig{})
	defer cleanup()

	key := "chat:expensive/model"
	limiter.SetBucketConfig(key, BucketConfig{
		Capacity:   3,
		RefillRate: 0.000001,
	})

	for i := 0; i < 3; i++ {
		allowed, retryAfter, err := limiter.Allow(ctx, key, 1)
		if err != nil {
			t.Fatalf("unexpected error on allowed call %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true on call %d", i)
		}
		if retryAfter != 0 {
			t.Fatalf("expected retryAfter=0 on allowed call %d, got %v", i, retryAfter)
		}
	}

	allowed, retryAfter, err := limiter.Allow(ctx, key, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected limiter to deny once capacity exhausted")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retryAfter when capacity exhausted, got %v", retryAfter)
	}
}

func TestAllow_BucketsAreIsolated(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup := newTestRedisLuaLimiter(t, BucketConfig{})
	defer cleanup()

	limiter.SetBucketConfig("chat:a", BucketConfig{Capacity: 1, RefillRate: 0.000001})
	limiter.SetBucketConfig("chat:b", BucketConfig{Capacity: 1, RefillRate: 0.000001})

	if allowed, _, _ := limiter.Allow(ctx, "chat:a", 1); !allowed {
		t.Fatalf("first call on chat:a should pass")
	}
	if allowed, _, _ := limiter.Allow(ctx, "chat:a", 1); allowed {
		t.Fatalf("second call on chat:a should be denied")
	}
	if allowed, _, _ := limiter.Allow(ctx, "chat:b", 1); !allowed {
		t.Fatalf("chat:b must not be affected by chat:a exhaustion")
	}
}

func TestNewBucketConfig(t *testing.T) {
	cfg := NewBucketConfig(60, 10)
	if cfg.Capacity != 10 {
		t.Fatalf("Capacity = %d, want 10", cfg.Capacity)
	}
	if cfg.RefillRate != 1.0 {
		t.Fatalf("RefillRate = %v, want 1.0", cfg.RefillRate)
	}

	noBurst := NewBucketConfig(120, 0)
	if noBurst.Capacity != 120 {
		t.Fatalf("Capacity = %d, want 120 when burst unset", noBurst.Capacity)
	}

	zero := NewBucketConfig(0, 5)
	if zero.Capacity != 0 || zero.RefillRate != 0 {
		t.Fatalf("expected zero config for non-positive perMinute, got %+v", zero)
	}
}

func TestSetBucketConfigNilSafe(_ *testing.T) {
	var limiter *RedisLuaLimiter
	limiter.SetBucketConfig("key", BucketConfig{Capacity: 1, RefillRate: 1})
}

func TestWarmFromPostgres_NoPoolOrRedis_NoError(t *testing.T) {
	limiter := &RedisLuaLimiter{}
	if err := limiter.WarmFromPostgres(context.Background()); err != nil {
		t.Fatalf("expected no error from WarmFromPostgres with nil pool/redis, got %v", err)
	}
}
