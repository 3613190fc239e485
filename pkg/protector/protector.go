// Package protector implements the per request admission decision and the
// historical stats feedback loop behind it.
package protector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/adobe/opentsdb-protector/pkg/guard"
	"github.com/adobe/opentsdb-protector/pkg/query"
	"github.com/adobe/opentsdb-protector/pkg/rules"
	"github.com/adobe/opentsdb-protector/pkg/store"
	"github.com/adobe/opentsdb-protector/pkg/telemetry"
)

// Custom errors.
var (
	ErrUnknownLeaderboard = errors.New("unknown leaderboard kind")
)

// Leaderboard kinds served by Top.
const (
	TopDuration = "duration"
	TopDPs      = "dps"
)

// BlockedlistRule is the rule label reported for block list denials.
const BlockedlistRule = "blockedlist"

// Config makes a protector from its configuration.
type Config struct {
	Logger      *slog.Logger
	Guard       *guard.Guard
	Store       store.Store
	Metrics     *telemetry.Metrics
	SafeMode    bool
	Blockedlist []string
	Allowedlist []string
	// Expire is the TTL applied to every stats store key on creation. Zero
	// disables expiration.
	Expire time.Duration
}

// Protector orchestrates the admission decision: pattern based block and
// allow lists, stats loading, guard invocation, stats recording after the
// backend reply and the top-N leaderboards. Constructed once at startup and
// shared by all requests.
type Protector struct {
	logger      *slog.Logger
	guard       *guard.Guard
	store       store.Store
	metrics     *telemetry.Metrics
	safeMode    bool
	blockedlist []*regexp.Regexp
	allowedlist []*regexp.Regexp
	expire      time.Duration
}

// statsLogRecord is one entry of the per query stats log list.
type statsLogRecord struct {
	Timestamp int64              `json:"timestamp"`
	Start     int64              `json:"start"`
	End       interface{}        `json:"end"`
	Duration  float64            `json:"duration"`
	Summary   map[string]float64 `json:"summary"`
	Timeout   bool               `json:"timeout"`
}

// New returns a new protector instance.
func New(c *Config) (*Protector, error) {
	blockedlist, err := compilePatterns(c.Blockedlist)
	if err != nil {
		return nil, fmt.Errorf("invalid blockedlist pattern: %w", err)
	}

	allowedlist, err := compilePatterns(c.Allowedlist)
	if err != nil {
		return nil, fmt.Errorf("invalid allowedlist pattern: %w", err)
	}

	p := &Protector{
		logger:      c.Logger,
		guard:       c.Guard,
		store:       c.Store,
		metrics:     c.Metrics,
		safeMode:    c.SafeMode,
		blockedlist: blockedlist,
		allowedlist: allowedlist,
		expire:      c.Expire,
	}

	if c.SafeMode {
		p.metrics.SafeMode.Set(1)
	} else {
		p.metrics.SafeMode.Set(0)
	}

	return p, nil
}

// compilePatterns compiles left anchored metric name patterns.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))

	for _, pattern := range patterns {
		re, err := regexp.Compile("^(?:" + pattern + ")")
		if err != nil {
			return nil, err
		}

		compiled = append(compiled, re)
	}

	return compiled, nil
}

// SafeMode reports whether denials are suppressed and merely metered.
func (p *Protector) SafeMode() bool {
	return p.safeMode
}

// Check runs the admission decision for a parsed query.
func (p *Protector) Check(ctx context.Context, q *query.Query) rules.Result {
	if q == nil {
		return p.guard.IsAllowed(nil)
	}

	p.logger.Debug("Checking query", "id", q.ID())

	metricNames := q.MetricNames()

	for _, name := range metricNames {
		p.metrics.RequestsMetrics.WithLabelValues(name).Inc()
	}

	for _, pattern := range p.blockedlist {
		for _, name := range metricNames {
			if pattern.MatchString(name) {
				return rules.DenyRule(BlockedlistRule, fmt.Sprintf("Metric name: %s is blocked", name))
			}
		}
	}

	// When every metric of the query is covered by the allowed list the
	// rule evaluation is bypassed entirely
	if len(p.allowedlist) > 0 && p.allMetricsAllowed(metricNames) {
		p.metrics.AllowedlistMatched.Inc()
		p.logger.Info("Allowed list matched", "id", q.ID())

		return rules.Ok()
	}

	p.loadStats(ctx, q)

	return p.guard.IsAllowed(q)
}

// allMetricsAllowed reports whether every metric matches at least one
// allowed list pattern.
func (p *Protector) allMetricsAllowed(metricNames []string) bool {
	if len(metricNames) == 0 {
		return false
	}

	for _, name := range metricNames {
		matched := false

		for _, pattern := range p.allowedlist {
			if pattern.MatchString(name) {
				matched = true

				break
			}
		}

		if !matched {
			return false
		}
	}

	return true
}

// loadStats attaches the historical stats of the query's interval bucket.
// Store failures degrade silently to "no stats".
func (p *Protector) loadStats(ctx context.Context, q *query.Query) {
	if err := p.store.Ping(ctx); err != nil {
		p.logger.Error("Stats store connection issue", "err", err)

		return
	}

	key, err := q.StatsKey()
	if err != nil {
		return
	}

	fields, err := p.store.HGetAll(ctx, key)
	if err != nil {
		p.logger.Error("Failed to load stats", "id", q.ID(), "err", err)

		return
	}

	if stats := store.IntervalStatsFromMap(fields); stats != nil {
		p.logger.Debug("Found previous stats for interval", "id", q.ID(), "key", key)
		q.SetStats(stats)
	}
}

// SaveStats records the outcome of a backend exchange. All store operations
// are best effort: failures are logged, never surfaced.
func (p *Protector) SaveStats(ctx context.Context, q *query.Query, resp *query.Response, duration time.Duration, timedOut bool) {
	if err := p.store.Ping(ctx); err != nil {
		p.logger.Error("Stats store connection issue", "err", err)

		return
	}

	interval, err := q.Interval()
	if err != nil {
		p.logger.Error("Failed to compute query interval", "id", q.ID(), "err", err)

		return
	}

	now := time.Now()
	nowSec := now.Unix()
	bucket := fmt.Sprintf("%s_%d", q.ID(), interval)

	p.logger.Debug("Saving stats", "id", q.ID(), "interval_minutes", interval, "timeout", timedOut)

	p.saveQueryDocument(ctx, q)
	p.appendStatsLog(ctx, q, resp, nowSec, duration, timedOut)
	p.upsertIntervalStats(ctx, bucket, resp, nowSec, duration, timedOut)

	if !timedOut && resp != nil {
		dps := resp.EmittedDPs()
		p.metrics.DatapointsServed.Add(float64(dps))
		p.updateLeaderboard(ctx, fmt.Sprintf("top_dps_%d_%d", now.Day(), now.Hour()), bucket, float64(dps))
	}

	p.updateLeaderboard(ctx, fmt.Sprintf("top_duration_%d_%d", now.Day(), now.Hour()), bucket, duration.Seconds())
}

// saveQueryDocument stores the outbound query document once per identity.
func (p *Protector) saveQueryDocument(ctx context.Context, q *query.Query) {
	doc, err := q.OutboundJSON()
	if err != nil {
		return
	}

	if _, err := p.store.SetNX(ctx, q.ID()+"_query", string(doc), p.expire); err != nil {
		p.logger.Error("Failed to save query document", "id", q.ID(), "err", err)
	}
}

// appendStatsLog appends one record to the per query stats log.
func (p *Protector) appendStatsLog(ctx context.Context, q *query.Query, resp *query.Response, nowSec int64, duration time.Duration, timedOut bool) {
	startTS, err := q.StartTS()
	if err != nil {
		return
	}

	record := statsLogRecord{
		Timestamp: nowSec,
		Start:     startTS,
		End:       q.End(),
		Duration:  duration.Seconds(),
		Summary:   map[string]float64{},
		Timeout:   timedOut,
	}

	if resp != nil {
		record.Summary = resp.Summary()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return
	}

	key := q.ID() + "_stats"

	if err := p.store.RPush(ctx, key, string(payload)); err != nil {
		p.logger.Error("Failed to append stats log", "id", q.ID(), "err", err)

		return
	}

	p.expireFreshKey(ctx, key)
}

// upsertIntervalStats updates the per interval stats hash. The counters are
// atomic increments; first_occurrence is written once and never overwritten.
func (p *Protector) upsertIntervalStats(ctx context.Context, bucket string, resp *query.Response, nowSec int64, duration time.Duration, timedOut bool) {
	fields := map[string]interface{}{
		store.FieldDuration:  duration.Seconds(),
		store.FieldTimestamp: nowSec,
	}

	if timedOut {
		fields[store.FieldTimeoutLast] = nowSec
	} else if resp != nil {
		fields[store.FieldEmittedDPs] = resp.EmittedDPs()
	}

	if exists, err := p.store.HExists(ctx, bucket, store.FieldFirstOccurrence); err == nil && !exists {
		fields[store.FieldFirstOccurrence] = nowSec
	}

	if err := p.store.HSet(ctx, bucket, fields); err != nil {
		p.logger.Error("Failed to save interval stats", "key", bucket, "err", err)

		return
	}

	if _, err := p.store.HIncrBy(ctx, bucket, store.FieldTotalCounter, 1); err != nil {
		p.logger.Error("Failed to increment total counter", "key", bucket, "err", err)
	}

	if timedOut {
		if _, err := p.store.HIncrBy(ctx, bucket, store.FieldTimeoutCounter, 1); err != nil {
			p.logger.Error("Failed to increment timeout counter", "key", bucket, "err", err)
		}
	}

	p.expireFreshKey(ctx, bucket)
}

// updateLeaderboard inserts the member or raises its score. Monotonic max
// semantics; the check then set is best effort since leaderboards are
// advisory.
func (p *Protector) updateLeaderboard(ctx context.Context, key string, member string, score float64) {
	current, exists, err := p.store.ZScore(ctx, key, member)
	if err != nil {
		p.logger.Error("Failed to read leaderboard score", "key", key, "err", err)

		return
	}

	if exists && score <= current {
		return
	}

	if err := p.store.ZAdd(ctx, key, member, score); err != nil {
		p.logger.Error("Failed to update leaderboard", "key", key, "err", err)

		return
	}

	if !exists {
		p.expireFreshKey(ctx, key)
	}
}

// expireFreshKey applies the configured TTL to keys that carry none yet.
// Existing TTLs are never extended.
func (p *Protector) expireFreshKey(ctx context.Context, key string) {
	if p.expire == 0 {
		return
	}

	ttl, err := p.store.TTL(ctx, key)
	if err != nil || ttl >= 0 {
		return
	}

	if err := p.store.Expire(ctx, key, p.expire); err != nil {
		p.logger.Error("Failed to set key expiry", "key", key, "err", err)
	}
}

// Top returns the leaderboard of the current day, keyed by hour from the
// current hour back to hour 0, each entry a [bucket_key, score] pair in
// descending score order.
func (p *Protector) Top(ctx context.Context, kind string) (map[int][][]interface{}, error) {
	if kind != TopDuration && kind != TopDPs {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLeaderboard, kind)
	}

	now := time.Now()
	top := make(map[int][][]interface{}, now.Hour()+1)

	for hour := now.Hour(); hour >= 0; hour-- {
		key := fmt.Sprintf("top_%s_%d_%d", kind, now.Day(), hour)

		members, err := p.store.ZRangeWithScoresDesc(ctx, key)
		if err != nil {
			p.logger.Error("Failed to read leaderboard", "key", key, "err", err)

			members = nil
		}

		entries := make([][]interface{}, 0, len(members))
		for _, member := range members {
			entries = append(entries, []interface{}{member.Member, member.Score})
		}

		top[hour] = entries
	}

	return top, nil
}
