package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakePingResult struct{ err error }

func (f fakePingResult) Err() error { return f.err }

type fakeRedis struct{ err error }

func (f fakeRedis) Ping(context.Context) RedisPingResult { return fakePingResult{err: f.err} }

func TestBuildReadinessChecksSkipsAbsentBackends(t *testing.T) {
	db, rd, kafka := BuildReadinessChecks(nil, nil, nil)
	assert.Nil(t, db)
	assert.Nil(t, rd)
	assert.Nil(t, kafka)
}

func TestBuildReadinessChecksPassThrough(t *testing.T) {
	ctx := context.Background()
	db, rd, kafka := BuildReadinessChecks(fakePinger{}, fakeRedis{}, fakePinger{})
	require.NotNil(t, db)
	require.NotNil(t, rd)
	require.NotNil(t, kafka)
	assert.NoError(t, db(ctx))
	assert.NoError(t, rd(ctx))
	assert.NoError(t, kafka(ctx))
}

func TestBuildReadinessChecksSurfaceErrors(t *testing.T) {
	ctx := context.Background()
	dbErr := errors.New("pool exhausted")
	rdErr := errors.New("connection refused")
	brokerErr := errors.New("no reachable brokers")

	db, rd, kafka := BuildReadinessChecks(fakePinger{err: dbErr}, fakeRedis{err: rdErr}, fakePinger{err: brokerErr})
	assert.ErrorIs(t, db(ctx), dbErr)
	assert.ErrorIs(t, rd(ctx), rdErr)
	assert.ErrorIs(t, kafka(ctx), brokerErr)
}
