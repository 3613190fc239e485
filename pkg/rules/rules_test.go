package rules

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/adobe/opentsdb-protector/pkg/query"
	"github.com/adobe/opentsdb-protector/pkg/store"
)

// mustQuery parses a query payload with the given start token and attaches
// the stats snapshot, when one is given.
func mustQuery(t *testing.T, start string, stats *store.IntervalStats) *query.Query {
	t.Helper()

	q, err := query.Parse([]byte(fmt.Sprintf(
		`{"start": %q, "queries": [{"metric": "sys.cpu.user", "aggregator": "sum", "tags": {"host": "web01"}}]}`,
		start,
	)))
	require.NoError(t, err)

	if stats != nil {
		q.SetStats(stats)
	}

	return q
}

func intParam(v int64) Param {
	return Param{Int: &v}
}

func TestParamUnmarshalYAML(t *testing.T) {
	var config map[string]Param

	err := yaml.Unmarshal([]byte(`
query_old_data: 180
query_no_tags_filters:
exceed_time_limit:
  limit: 20
  throttle: 300
`), &config)
	require.NoError(t, err)

	require.NotNil(t, config["query_old_data"].Int)
	assert.Equal(t, int64(180), *config["query_old_data"].Int)

	assert.Nil(t, config["query_no_tags_filters"].Int)
	assert.Nil(t, config["query_no_tags_filters"].TimeLimit)

	require.NotNil(t, config["exceed_time_limit"].TimeLimit)
	assert.InDelta(t, 20.0, config["exceed_time_limit"].TimeLimit.Limit, 0.001)
	assert.Equal(t, int64(300), config["exceed_time_limit"].TimeLimit.Throttle)
}

func TestNewUnknownRule(t *testing.T) {
	_, err := New("no_such_rule", Param{})
	require.ErrorIs(t, err, ErrUnknownRule)
}

func TestNewMissingParam(t *testing.T) {
	for _, name := range []string{RuleQueryOldData, RuleTooManyDatapoints, RuleExceedFrequency} {
		_, err := New(name, Param{})
		require.ErrorIs(t, err, ErrBadParam, name)
	}

	_, err := New(RuleExceedTimeLimit, Param{})
	require.ErrorIs(t, err, ErrBadParam)

	// Neither static nor adaptive mode configured
	_, err = New(RuleExceedTimeLimit, Param{TimeLimit: &TimeLimitParam{}})
	require.ErrorIs(t, err, ErrBadParam)
}

func TestDescriptions(t *testing.T) {
	descriptions := Descriptions()
	require.Len(t, descriptions, len(CanonicalOrder))

	for _, name := range CanonicalOrder {
		assert.NotEmpty(t, descriptions[name])
	}
}

func TestQueryOldData(t *testing.T) {
	rule, err := New(RuleQueryOldData, intParam(90))
	require.NoError(t, err)

	assert.True(t, rule.Check(mustQuery(t, "1h-ago", nil)).IsOk())
	assert.True(t, rule.Check(mustQuery(t, "89d-ago", nil)).IsOk())

	result := rule.Check(mustQuery(t, "120d-ago", nil))
	assert.False(t, result.IsOk())
	assert.Contains(t, result.Reason, "prohibited")
}

func TestQueryNoTagsFilters(t *testing.T) {
	rule, err := New(RuleQueryNoTagsFilters, Param{})
	require.NoError(t, err)

	tests := []struct {
		name    string
		subs    string
		allowed bool
	}{
		{
			name:    "tags set",
			subs:    `{"metric": "m", "aggregator": "sum", "tags": {"host": "web01"}}`,
			allowed: true,
		},
		{
			name:    "filters set",
			subs:    `{"metric": "m", "aggregator": "sum", "filters": [{"type": "literal_or", "tagk": "host"}]}`,
			allowed: true,
		},
		{
			name:    "both empty",
			subs:    `{"metric": "m", "aggregator": "sum", "tags": {}, "filters": []}`,
			allowed: false,
		},
		{
			name:    "both absent",
			subs:    `{"metric": "m", "aggregator": "sum"}`,
			allowed: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			q, err := query.Parse([]byte(`{"start": "1h-ago", "queries": [` + test.subs + `]}`))
			require.NoError(t, err)

			result := rule.Check(q)
			assert.Equal(t, test.allowed, result.IsOk())

			if !test.allowed {
				assert.Equal(t, "Both tags and filters are empty", result.Reason)
			}
		})
	}
}

func TestQueryNoAggregator(t *testing.T) {
	rule, err := New(RuleQueryNoAggregator, Param{})
	require.NoError(t, err)

	q, err := query.Parse([]byte(
		`{"start": "1h-ago", "queries": [{"metric": "m", "aggregator": "none", "tags": {"host": "web01"}}]}`,
	))
	require.NoError(t, err)

	result := rule.Check(q)
	assert.False(t, result.IsOk())
	assert.Equal(t, "No aggregator specified", result.Reason)

	assert.True(t, rule.Check(mustQuery(t, "1h-ago", nil)).IsOk())
}

func TestTooManyDatapoints(t *testing.T) {
	rule, err := New(RuleTooManyDatapoints, intParam(1000))
	require.NoError(t, err)

	// Unknown queries have no history to judge
	assert.True(t, rule.Check(mustQuery(t, "1h-ago", nil)).IsOk())

	assert.True(t, rule.Check(mustQuery(t, "1h-ago", &store.IntervalStats{EmittedDPs: 1000})).IsOk())

	result := rule.Check(mustQuery(t, "1h-ago", &store.IntervalStats{EmittedDPs: 5000}))
	assert.False(t, result.IsOk())
	assert.Contains(t, result.Reason, "5000 data points")
}

func TestExceedTimeLimitStatic(t *testing.T) {
	rule, err := New(RuleExceedTimeLimit, Param{TimeLimit: &TimeLimitParam{Limit: 20, Throttle: 300}})
	require.NoError(t, err)

	now := time.Now().Unix()

	// No history
	assert.True(t, rule.Check(mustQuery(t, "1h-ago", nil)).IsOk())

	// Fast query ran recently
	assert.True(t, rule.Check(mustQuery(t, "1h-ago", &store.IntervalStats{Duration: 5, Timestamp: now - 10})).IsOk())

	// Slow query ran recently
	result := rule.Check(mustQuery(t, "1h-ago", &store.IntervalStats{Duration: 30, Timestamp: now - 10}))
	assert.False(t, result.IsOk())
	assert.Contains(t, result.Reason, "Query duration exceeded")

	// Slow query outside the throttle period
	assert.True(t, rule.Check(mustQuery(t, "1h-ago", &store.IntervalStats{Duration: 30, Timestamp: now - 400})).IsOk())
}

func TestExceedTimeLimitAdaptive(t *testing.T) {
	rule, err := New(RuleExceedTimeLimit, Param{TimeLimit: &TimeLimitParam{Adaptive: 10}})
	require.NoError(t, err)

	now := time.Now().Unix()

	// 30s duration holds the query back for 300s
	result := rule.Check(mustQuery(t, "1h-ago", &store.IntervalStats{Duration: 30, Timestamp: now - 100}))
	assert.False(t, result.IsOk())
	assert.Contains(t, result.Reason, "Query throttled")

	assert.True(t, rule.Check(mustQuery(t, "1h-ago", &store.IntervalStats{Duration: 30, Timestamp: now - 400})).IsOk())
}

func TestExceedTimeLimitAdaptivePreemptsStatic(t *testing.T) {
	rule, err := New(RuleExceedTimeLimit, Param{TimeLimit: &TimeLimitParam{Limit: 20, Throttle: 300, Adaptive: 2}})
	require.NoError(t, err)

	now := time.Now().Unix()

	// Static mode would deny this slow query but the adaptive hold back
	// period of 60s has passed
	assert.True(t, rule.Check(mustQuery(t, "1h-ago", &store.IntervalStats{Duration: 30, Timestamp: now - 100})).IsOk())
}

func TestExceedFrequency(t *testing.T) {
	rule, err := New(RuleExceedFrequency, intParam(60))
	require.NoError(t, err)

	now := time.Now().Unix()

	assert.True(t, rule.Check(mustQuery(t, "1h-ago", nil)).IsOk())

	result := rule.Check(mustQuery(t, "1h-ago", &store.IntervalStats{Timestamp: now - 10}))
	assert.False(t, result.IsOk())
	assert.Contains(t, result.Reason, "Query frequency exceeded")

	assert.True(t, rule.Check(mustQuery(t, "1h-ago", &store.IntervalStats{Timestamp: now - 120})).IsOk())
}

func TestResultAttribution(t *testing.T) {
	result := Deny("nope").WithRule(RuleExceedFrequency)
	assert.False(t, result.IsOk())
	assert.Equal(t, RuleExceedFrequency, result.Rule)
	assert.Equal(t, "nope", result.Reason)

	assert.True(t, Ok().IsOk())
}
