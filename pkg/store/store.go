// Package store defines the stats store consumed by the protector and its
// Redis implementation. The store keeps per query historical execution
// statistics, the per query stats log and the hourly leaderboards.
package store

import (
	"context"
	"strconv"
	"time"
)

// Hash field names of the per interval stats record.
const (
	FieldDuration        = "duration"
	FieldTimestamp       = "timestamp"
	FieldEmittedDPs      = "emittedDPs"
	FieldFirstOccurrence = "first_occurrence"
	FieldTotalCounter    = "total_counter"
	FieldTimeoutCounter  = "timeout_counter"
	FieldTimeoutLast     = "timeout_last"
)

// IntervalStats is the historical execution record of one query identity in
// one interval bucket.
type IntervalStats struct {
	Duration        float64
	Timestamp       int64
	EmittedDPs      int64
	FirstOccurrence int64
	TotalCounter    int64
	TimeoutCounter  int64
	TimeoutLast     int64
}

// IntervalStatsFromMap decodes an IntervalStats from the raw hash fields.
// Returns nil for an empty map, meaning the query has no recorded history.
func IntervalStatsFromMap(fields map[string]string) *IntervalStats {
	if len(fields) == 0 {
		return nil
	}

	stats := &IntervalStats{}

	if v, err := strconv.ParseFloat(fields[FieldDuration], 64); err == nil {
		stats.Duration = v
	}

	for field, dest := range map[string]*int64{
		FieldTimestamp:       &stats.Timestamp,
		FieldEmittedDPs:      &stats.EmittedDPs,
		FieldFirstOccurrence: &stats.FirstOccurrence,
		FieldTotalCounter:    &stats.TotalCounter,
		FieldTimeoutCounter:  &stats.TimeoutCounter,
		FieldTimeoutLast:     &stats.TimeoutLast,
	} {
		if v, err := strconv.ParseInt(fields[field], 10, 64); err == nil {
			*dest = v
		}
	}

	return stats
}

// MemberScore is one sorted set entry.
type MemberScore struct {
	Member string
	Score  float64
}

// Store is the key value store backing all historical data. Implementations
// must provide atomic set-once and atomic hash field increments. All
// operations are best effort from the caller's point of view; connectivity
// failures never fail a request.
type Store interface {
	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Get returns the string value of key. Missing keys return an empty
	// string and no error.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a string value. A zero ttl stores the key without expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// SetNX stores a string value only when the key does not exist yet.
	// Reports whether the value was written.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Exists reports whether key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// RPush appends value to the list.
	RPush(ctx context.Context, list string, value string) error

	// TTL returns the remaining time to live of key. Negative values follow
	// Redis semantics: -1 for keys without expiry, -2 for missing keys.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Expire sets the time to live of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// HExists reports whether field exists in the hash.
	HExists(ctx context.Context, hash string, field string) (bool, error)

	// HSet writes the given fields of the hash.
	HSet(ctx context.Context, hash string, fields map[string]interface{}) error

	// HGetAll returns all fields of the hash. Missing hashes return an empty
	// map and no error.
	HGetAll(ctx context.Context, hash string) (map[string]string, error)

	// HIncrBy atomically increments an integer hash field.
	HIncrBy(ctx context.Context, hash string, field string, delta int64) (int64, error)

	// ZScore returns the score of member. The second return reports whether
	// the member exists.
	ZScore(ctx context.Context, set string, member string) (float64, bool, error)

	// ZAdd inserts or updates a member with the given score.
	ZAdd(ctx context.Context, set string, member string, score float64) error

	// ZRangeWithScoresDesc returns all members of the sorted set in
	// descending score order.
	ZRangeWithScoresDesc(ctx context.Context, set string) ([]MemberScore, error)

	// Close releases the underlying connections.
	Close() error
}
