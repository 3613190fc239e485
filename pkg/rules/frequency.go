package rules

import (
	"fmt"
	"time"

	"github.com/adobe/opentsdb-protector/pkg/query"
)

// RuleExceedFrequency is the configuration name of the rule.
const RuleExceedFrequency = "exceed_frequency"

// exceedFrequency denies queries repeated within the configured number of
// seconds of their last attempt.
type exceedFrequency struct {
	minInterval int64
}

func newExceedFrequency(param Param) (Rule, error) {
	minInterval, err := param.requireInt(RuleExceedFrequency)
	if err != nil {
		return nil, err
	}

	return exceedFrequency{minInterval: minInterval}, nil
}

func (exceedFrequency) Name() string {
	return RuleExceedFrequency
}

func (exceedFrequency) Description() string {
	return "Prevent query flooding"
}

func (r exceedFrequency) Check(q *query.Query) Result {
	stats := q.Stats()
	if stats == nil {
		return Ok()
	}

	sinceLast := time.Now().Unix() - stats.Timestamp
	if sinceLast <= r.minInterval {
		return Deny(fmt.Sprintf("Query frequency exceeded: %ds Limit: %ds", sinceLast, r.minInterval))
	}

	return Ok()
}
