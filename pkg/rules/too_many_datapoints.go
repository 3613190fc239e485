package rules

import (
	"fmt"

	"github.com/adobe/opentsdb-protector/pkg/query"
)

// RuleTooManyDatapoints is the configuration name of the rule.
const RuleTooManyDatapoints = "too_many_datapoints"

// tooManyDatapoints denies queries that historically emitted more datapoints
// than the configured threshold.
type tooManyDatapoints struct {
	maxDatapoints int64
}

func newTooManyDatapoints(param Param) (Rule, error) {
	maxDatapoints, err := param.requireInt(RuleTooManyDatapoints)
	if err != nil {
		return nil, err
	}

	return tooManyDatapoints{maxDatapoints: maxDatapoints}, nil
}

func (tooManyDatapoints) Name() string {
	return RuleTooManyDatapoints
}

func (tooManyDatapoints) Description() string {
	return "Prevent too many data points per query"
}

func (r tooManyDatapoints) Check(q *query.Query) Result {
	stats := q.Stats()
	if stats == nil {
		return Ok()
	}

	if stats.EmittedDPs > r.maxDatapoints {
		return Deny(fmt.Sprintf(
			"%d data points from that query, which is above the threshold! "+
				"Limit the number of data points (%d) or decrease the interval",
			stats.EmittedDPs, r.maxDatapoints,
		))
	}

	return Ok()
}
