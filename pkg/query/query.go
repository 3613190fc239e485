// Package query implements parsing, normalisation and fingerprinting of
// OpenTSDB JSON queries and decoding of OpenTSDB responses.
package query

import (
	"bytes"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/adobe/opentsdb-protector/pkg/store"
)

// Custom errors.
var (
	ErrBadQuery = errors.New("invalid OpenTSDB query")
)

// Keys that must not contribute to the query identity. Shifting the time
// window around must map to the same fingerprint so that stats accumulate
// per query shape.
var identityIgnoredKeys = []string{"start", "end", "timezone", "options", "padding"}

// Relative time token grammar.
// Ref: http://opentsdb.net/docs/build/html/user_guide/query/dates.html
var relativeTime = regexp.MustCompile(`^(\d+)(ms|s|m|h|d|w|n|y)-ago$`)

// Query is a parsed OpenTSDB query document.
type Query struct {
	doc   map[string]interface{}
	id    string
	stats *store.IntervalStats
}

// Parse parses an OpenTSDB query payload. The query gets fingerprinted and
// the showStats/showQuery directives are set on the document so that the
// backend returns the summary block used for stats collection.
func Parse(body []byte) (*Query, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadQuery, err)
	}

	// Reject queries without sub queries or start time
	subQueries, ok := doc["queries"].([]interface{})
	if !ok || len(subQueries) == 0 {
		return nil, fmt.Errorf("%w: missing or empty queries", ErrBadQuery)
	}

	if start, ok := doc["start"]; !ok || start == nil || start == "" {
		return nil, fmt.Errorf("%w: missing start time", ErrBadQuery)
	}

	q := &Query{doc: doc}

	// Fingerprint must be computed before mutating the document
	id, err := fingerprint(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadQuery, err)
	}

	q.id = id

	// Reserved directives. Set once on ingestion, never mutated again.
	doc["showStats"] = true
	doc["showQuery"] = true

	return q, nil
}

// fingerprint returns the hex MD5 of the canonical JSON serialisation of the
// document with the time window keys removed. encoding/json sorts map keys
// recursively which makes the serialisation byte deterministic.
func fingerprint(doc map[string]interface{}) (string, error) {
	temp := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		temp[k] = v
	}

	for _, k := range identityIgnoredKeys {
		delete(temp, k)
	}

	canonical, err := json.Marshal(temp)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(canonical) //nolint:gosec

	return hex.EncodeToString(sum[:]), nil
}

// ID returns the query fingerprint.
func (q *Query) ID() string {
	return q.id
}

// SetStats attaches the historical stats snapshot loaded from the stats store.
func (q *Query) SetStats(stats *store.IntervalStats) {
	q.stats = stats
}

// Stats returns the attached historical stats. Nil when the query has no
// recorded history.
func (q *Query) Stats() *store.IntervalStats {
	return q.stats
}

// SubQueries returns the raw sub query documents.
func (q *Query) SubQueries() []map[string]interface{} {
	raw, _ := q.doc["queries"].([]interface{})

	subQueries := make([]map[string]interface{}, 0, len(raw))

	for _, sq := range raw {
		if m, ok := sq.(map[string]interface{}); ok {
			subQueries = append(subQueries, m)
		}
	}

	return subQueries
}

// MetricNames returns the metric of each sub query, in order.
func (q *Query) MetricNames() []string {
	var names []string

	for _, sq := range q.SubQueries() {
		if name, ok := sq["metric"].(string); ok {
			names = append(names, name)
		}
	}

	return names
}

// StartTS returns the query start time as epoch seconds. Both absolute
// timestamps and relative tokens of the form N{ms|s|m|h|d|w|n|y}-ago are
// supported. Absolute values longer than 12 digits are milliseconds.
func (q *Query) StartTS() (int64, error) {
	raw := stringValue(q.doc["start"])

	if ts, ok := parseEpoch(raw); ok {
		return ts, nil
	}

	m := relativeTime.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("%w: cannot parse start time %q", ErrBadQuery, raw)
	}

	val, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: cannot parse start time %q", ErrBadQuery, raw)
	}

	var unit time.Duration

	switch m[2] {
	case "ms":
		unit = time.Millisecond
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	case "n":
		// Months expand to 30 days
		unit = 30 * 24 * time.Hour
	case "y":
		// Years expand to 365 days
		unit = 365 * 24 * time.Hour
	}

	return time.Now().Add(-time.Duration(val) * unit).Unix(), nil
}

// EndTS returns the query end time as epoch seconds. Default is now.
func (q *Query) EndTS() (int64, error) {
	end, ok := q.doc["end"]
	if !ok || end == nil || end == "" {
		return time.Now().Unix(), nil
	}

	raw := stringValue(end)

	ts, isEpoch := parseEpoch(raw)
	if !isEpoch {
		return 0, fmt.Errorf("%w: cannot parse end time %q", ErrBadQuery, raw)
	}

	return ts, nil
}

// End returns the raw end value of the document, nil when absent.
func (q *Query) End() interface{} {
	return q.doc["end"]
}

// Interval returns the queried window size in whole minutes. Stats are
// partitioned by this value.
func (q *Query) Interval() (int64, error) {
	startTS, err := q.StartTS()
	if err != nil {
		return 0, err
	}

	endTS, err := q.EndTS()
	if err != nil {
		return 0, err
	}

	return (endTS - startTS) / 60, nil
}

// StatsKey returns the interval bucket key id_interval used by the stats
// store.
func (q *Query) StatsKey() (string, error) {
	interval, err := q.Interval()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s_%d", q.id, interval), nil
}

// OutboundJSON serialises the query document, including the showStats and
// showQuery directives, for forwarding to the backend.
func (q *Query) OutboundJSON() ([]byte, error) {
	return json.Marshal(q.doc)
}

// stringValue renders a raw JSON value to its string form.
func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// parseEpoch parses an absolute timestamp. Values longer than 12 digits are
// treated as milliseconds.
func parseEpoch(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}

	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}

	if len(s) > 12 {
		return val / 1000, true
	}

	return val, true
}
