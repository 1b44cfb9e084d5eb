package app

import (
	"context"
)

// Pinger is the minimal interface for a backend capable of Ping. Both the
// pgx pool and the dispatch notifier satisfy it.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// BuildReadinessChecks returns the db, redis, and kafka readiness probes.
// A nil dependency yields a nil check, which /readyz skips: a backend the
// deployment does not use must not fail readiness.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, broker Pinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	var dbCheck, redisCheck, kafkaCheck func(ctx context.Context) error
	if pool != nil {
		dbCheck = pool.Ping
	}
	if rdb != nil {
		redisCheck = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	if broker != nil {
		kafkaCheck = broker.Ping
	}
	return dbCheck, redisCheck, kafkaCheck
}
