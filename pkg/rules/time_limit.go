package rules

import (
	"fmt"
	"time"

	"github.com/adobe/opentsdb-protector/pkg/query"
)

// RuleExceedTimeLimit is the configuration name of the rule.
const RuleExceedTimeLimit = "exceed_time_limit"

// exceedTimeLimit throttles queries that take too long on the backend. In
// static mode a query whose last run reached the duration limit is held back
// for the throttle period. In adaptive mode the hold back period scales with
// the last observed duration. Adaptive mode preempts static mode when both
// are configured.
type exceedTimeLimit struct {
	limit    float64
	throttle int64
	adaptive float64
}

func newExceedTimeLimit(param Param) (Rule, error) {
	if param.TimeLimit == nil {
		return nil, fmt.Errorf("%w: rule %s requires a mapping parameter", ErrBadParam, RuleExceedTimeLimit)
	}

	if param.TimeLimit.Adaptive == 0 && (param.TimeLimit.Limit == 0 || param.TimeLimit.Throttle == 0) {
		return nil, fmt.Errorf(
			"%w: rule %s requires either limit/throttle or adaptive", ErrBadParam, RuleExceedTimeLimit,
		)
	}

	return exceedTimeLimit{
		limit:    param.TimeLimit.Limit,
		throttle: param.TimeLimit.Throttle,
		adaptive: param.TimeLimit.Adaptive,
	}, nil
}

func (exceedTimeLimit) Name() string {
	return RuleExceedTimeLimit
}

func (exceedTimeLimit) Description() string {
	return "Prevent lengthy queries"
}

func (r exceedTimeLimit) Check(q *query.Query) Result {
	stats := q.Stats()
	if stats == nil {
		return Ok()
	}

	sinceLast := time.Now().Unix() - stats.Timestamp

	if r.adaptive > 0 {
		holdBack := stats.Duration * r.adaptive
		if float64(sinceLast) < holdBack {
			return Deny(fmt.Sprintf(
				"Query throttled: last duration %gs, hold back period %gs, elapsed %ds",
				stats.Duration, holdBack, sinceLast,
			))
		}

		return Ok()
	}

	if stats.Duration >= r.limit && sinceLast < r.throttle {
		return Deny(fmt.Sprintf(
			"Query duration exceeded: %gs Limit: %gs Throttled for: %ds",
			stats.Duration, r.limit, r.throttle-sinceLast,
		))
	}

	return Ok()
}
