package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// summaryKey is the reserved member carried by the trailing response element
// when the showStats directive was set on the outbound query.
const summaryKey = "statsSummary"

// Response is a parsed OpenTSDB query response. It retains the per series
// entries and extracts the summary statistics block, if present.
type Response struct {
	series  []interface{}
	summary map[string]float64
}

// ParseResponse parses an OpenTSDB response body. The trailing statsSummary
// element, if any, is consumed into the summary map. A response without a
// summary parses successfully with an empty summary.
func ParseResponse(body []byte) (*Response, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var elements []interface{}
	if err := dec.Decode(&elements); err != nil {
		return nil, fmt.Errorf("cannot parse OpenTSDB response: %w", err)
	}

	resp := &Response{summary: make(map[string]float64)}

	for i, element := range elements {
		entry, ok := element.(map[string]interface{})
		if !ok {
			resp.series = append(resp.series, element)

			continue
		}

		// Only the last element may carry the summary block
		if summary, ok := entry[summaryKey].(map[string]interface{}); ok && i == len(elements)-1 {
			resp.flattenSummary(summary)

			continue
		}

		resp.series = append(resp.series, element)
	}

	return resp, nil
}

// flattenSummary copies top level numeric fields of the summary block. The
// nested queryIdx_* blocks are discarded.
func (r *Response) flattenSummary(summary map[string]interface{}) {
	for k, v := range summary {
		switch val := v.(type) {
		case json.Number:
			if f, err := val.Float64(); err == nil {
				r.summary[k] = f
			}
		case float64:
			r.summary[k] = val
		}
	}
}

// Summary returns the flattened summary statistics.
func (r *Response) Summary() map[string]float64 {
	return r.summary
}

// EmittedDPs returns the number of datapoints the backend emitted for the
// query, zero when the summary does not carry it.
func (r *Response) EmittedDPs() int64 {
	dps, ok := r.summary["emittedDPs"]
	if !ok {
		return 0
	}

	// Round through string conversion to avoid float drift on large counts
	val, err := strconv.ParseInt(strconv.FormatFloat(dps, 'f', 0, 64), 10, 64)
	if err != nil {
		return 0
	}

	return val
}

// ClientJSON re-emits the retained series entries only, with the summary
// block stripped.
func (r *Response) ClientJSON() ([]byte, error) {
	if r.series == nil {
		return []byte("[]"), nil
	}

	return json.Marshal(r.series)
}
