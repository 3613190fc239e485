package query

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "invalid JSON",
			body: `{"start": "1h-ago",`,
		},
		{
			name: "missing queries",
			body: `{"start": "1h-ago"}`,
		},
		{
			name: "empty queries",
			body: `{"start": "1h-ago", "queries": []}`,
		},
		{
			name: "missing start",
			body: `{"queries": [{"metric": "sys.cpu.user", "aggregator": "sum"}]}`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.body))
			require.ErrorIs(t, err, ErrBadQuery)
		})
	}
}

func TestFingerprintIgnoresTimeWindow(t *testing.T) {
	first, err := Parse([]byte(
		`{"start": "1h-ago", "queries": [{"metric": "sys.cpu.user", "aggregator": "sum", "tags": {"host": "web01"}}]}`,
	))
	require.NoError(t, err)

	// Same query shape with a shifted window and extra window keys
	second, err := Parse([]byte(
		`{"start": 1577836800, "end": 1577840400, "timezone": "UTC", "padding": true,
		  "queries": [{"metric": "sys.cpu.user", "aggregator": "sum", "tags": {"host": "web01"}}]}`,
	))
	require.NoError(t, err)

	assert.Equal(t, first.ID(), second.ID())

	// A different query shape must map to a different identity
	third, err := Parse([]byte(
		`{"start": "1h-ago", "queries": [{"metric": "sys.cpu.sys", "aggregator": "sum", "tags": {"host": "web01"}}]}`,
	))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), third.ID())
}

func TestFingerprintKeyOrderIndependent(t *testing.T) {
	first, err := Parse([]byte(
		`{"start": "1h-ago", "queries": [{"metric": "sys.cpu.user", "aggregator": "sum"}]}`,
	))
	require.NoError(t, err)

	second, err := Parse([]byte(
		`{"queries": [{"aggregator": "sum", "metric": "sys.cpu.user"}], "start": "1h-ago"}`,
	))
	require.NoError(t, err)

	assert.Equal(t, first.ID(), second.ID())
}

func TestOutboundDirectives(t *testing.T) {
	q, err := Parse([]byte(
		`{"start": "1h-ago", "queries": [{"metric": "sys.cpu.user", "aggregator": "sum"}]}`,
	))
	require.NoError(t, err)

	outbound, err := q.OutboundJSON()
	require.NoError(t, err)

	var doc map[string]interface{}

	require.NoError(t, json.Unmarshal(outbound, &doc))
	assert.Equal(t, true, doc["showStats"])
	assert.Equal(t, true, doc["showQuery"])
}

func TestStartTSRelative(t *testing.T) {
	tests := []struct {
		token string
		ago   time.Duration
	}{
		{token: "90s-ago", ago: 90 * time.Second},
		{token: "15m-ago", ago: 15 * time.Minute},
		{token: "1h-ago", ago: time.Hour},
		{token: "2d-ago", ago: 48 * time.Hour},
		{token: "1w-ago", ago: 7 * 24 * time.Hour},
		{token: "1n-ago", ago: 30 * 24 * time.Hour},
		{token: "1y-ago", ago: 365 * 24 * time.Hour},
	}

	for _, test := range tests {
		t.Run(test.token, func(t *testing.T) {
			q, err := Parse([]byte(
				`{"start": "` + test.token + `", "queries": [{"metric": "sys.cpu.user", "aggregator": "sum"}]}`,
			))
			require.NoError(t, err)

			startTS, err := q.StartTS()
			require.NoError(t, err)

			expected := time.Now().Add(-test.ago).Unix()
			assert.InDelta(t, expected, startTS, 5)
		})
	}
}

func TestStartTSAbsolute(t *testing.T) {
	// Seconds resolution
	q, err := Parse([]byte(
		`{"start": 1577836800, "queries": [{"metric": "sys.cpu.user", "aggregator": "sum"}]}`,
	))
	require.NoError(t, err)

	startTS, err := q.StartTS()
	require.NoError(t, err)
	assert.Equal(t, int64(1577836800), startTS)

	// Millisecond resolution timestamps are longer than 12 digits
	q, err = Parse([]byte(
		`{"start": 1577836800000, "queries": [{"metric": "sys.cpu.user", "aggregator": "sum"}]}`,
	))
	require.NoError(t, err)

	startTS, err = q.StartTS()
	require.NoError(t, err)
	assert.Equal(t, int64(1577836800), startTS)
}

func TestStartTSUnparseable(t *testing.T) {
	q, err := Parse([]byte(
		`{"start": "yesterday", "queries": [{"metric": "sys.cpu.user", "aggregator": "sum"}]}`,
	))
	require.NoError(t, err)

	_, err = q.StartTS()
	require.ErrorIs(t, err, ErrBadQuery)
}

func TestEndTSDefaultsToNow(t *testing.T) {
	q, err := Parse([]byte(
		`{"start": "1h-ago", "queries": [{"metric": "sys.cpu.user", "aggregator": "sum"}]}`,
	))
	require.NoError(t, err)

	endTS, err := q.EndTS()
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), endTS, 5)
	assert.Nil(t, q.End())
}

func TestIntervalAndStatsKey(t *testing.T) {
	q, err := Parse([]byte(
		`{"start": 1577836800, "end": 1577840400, "queries": [{"metric": "sys.cpu.user", "aggregator": "sum"}]}`,
	))
	require.NoError(t, err)

	interval, err := q.Interval()
	require.NoError(t, err)
	assert.Equal(t, int64(60), interval)

	key, err := q.StatsKey()
	require.NoError(t, err)
	assert.Equal(t, q.ID()+"_60", key)
}

func TestMetricNames(t *testing.T) {
	q, err := Parse([]byte(
		`{"start": "1h-ago", "queries": [
			{"metric": "sys.cpu.user", "aggregator": "sum"},
			{"metric": "sys.cpu.sys", "aggregator": "avg"}
		]}`,
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"sys.cpu.user", "sys.cpu.sys"}, q.MetricNames())
	assert.Len(t, q.SubQueries(), 2)
}
