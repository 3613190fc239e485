package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/common/promslog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s := NewRedisFromClient(client, promslog.NewNopLogger())
	t.Cleanup(func() { s.Close() })

	return s, mr
}

func TestPing(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	mr.Close()
	require.Error(t, s.Ping(ctx))
}

func TestGetSet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Missing keys yield empty values, not errors
	val, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, s.Set(ctx, "key", "value", 0))

	val, err = s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", val)

	exists, err := s.Exists(ctx, "key")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSetNX(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	written, err := s.SetNX(ctx, "key", "first", 0)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = s.SetNX(ctx, "key", "second", 0)
	require.NoError(t, err)
	assert.False(t, written)

	val, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "first", val)
}

func TestTTLAndExpire(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Missing key
	ttl, err := s.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Negative(t, ttl)

	// Key without expiry
	require.NoError(t, s.Set(ctx, "key", "value", 0))

	ttl, err = s.TTL(ctx, "key")
	require.NoError(t, err)
	assert.Negative(t, ttl)

	require.NoError(t, s.Expire(ctx, "key", time.Hour))

	ttl, err = s.TTL(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)
}

func TestRPush(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RPush(ctx, "log", "one"))
	require.NoError(t, s.RPush(ctx, "log", "two"))

	entries, err := mr.List("log")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, entries)
}

func TestHashOperations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Missing hashes yield empty maps
	fields, err := s.HGetAll(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, fields)

	exists, err := s.HExists(ctx, "stats", FieldFirstOccurrence)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.HSet(ctx, "stats", map[string]interface{}{
		FieldDuration:        1.5,
		FieldFirstOccurrence: 1577836800,
	}))

	exists, err = s.HExists(ctx, "stats", FieldFirstOccurrence)
	require.NoError(t, err)
	assert.True(t, exists)

	count, err := s.HIncrBy(ctx, "stats", FieldTotalCounter, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = s.HIncrBy(ctx, "stats", FieldTotalCounter, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	fields, err = s.HGetAll(ctx, "stats")
	require.NoError(t, err)
	assert.Equal(t, "1.5", fields[FieldDuration])
	assert.Equal(t, "1577836800", fields[FieldFirstOccurrence])
	assert.Equal(t, "2", fields[FieldTotalCounter])
}

func TestSortedSetOperations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Missing members are reported, not errored
	_, exists, err := s.ZScore(ctx, "top", "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.ZAdd(ctx, "top", "fast", 1.5))
	require.NoError(t, s.ZAdd(ctx, "top", "slow", 30.5))

	score, exists, err := s.ZScore(ctx, "top", "slow")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.InDelta(t, 30.5, score, 0.001)

	members, err := s.ZRangeWithScoresDesc(ctx, "top")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, MemberScore{Member: "slow", Score: 30.5}, members[0])
	assert.Equal(t, MemberScore{Member: "fast", Score: 1.5}, members[1])
}

func TestIntervalStatsFromMap(t *testing.T) {
	assert.Nil(t, IntervalStatsFromMap(nil))
	assert.Nil(t, IntervalStatsFromMap(map[string]string{}))

	stats := IntervalStatsFromMap(map[string]string{
		FieldDuration:        "2.5",
		FieldTimestamp:       "1577836800",
		FieldEmittedDPs:      "1204",
		FieldFirstOccurrence: "1577830000",
		FieldTotalCounter:    "7",
		FieldTimeoutCounter:  "1",
		FieldTimeoutLast:     "1577835000",
	})
	require.NotNil(t, stats)
	assert.InDelta(t, 2.5, stats.Duration, 0.001)
	assert.Equal(t, int64(1577836800), stats.Timestamp)
	assert.Equal(t, int64(1204), stats.EmittedDPs)
	assert.Equal(t, int64(1577830000), stats.FirstOccurrence)
	assert.Equal(t, int64(7), stats.TotalCounter)
	assert.Equal(t, int64(1), stats.TimeoutCounter)
	assert.Equal(t, int64(1577835000), stats.TimeoutLast)
}
