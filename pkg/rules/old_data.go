package rules

import (
	"fmt"
	"time"

	"github.com/adobe/opentsdb-protector/pkg/query"
)

// RuleQueryOldData is the configuration name of the rule.
const RuleQueryOldData = "query_old_data"

// queryOldData denies queries reaching further back than the configured
// number of days.
type queryOldData struct {
	maxAgeDays int64
}

func newQueryOldData(param Param) (Rule, error) {
	maxAgeDays, err := param.requireInt(RuleQueryOldData)
	if err != nil {
		return nil, err
	}

	return queryOldData{maxAgeDays: maxAgeDays}, nil
}

func (queryOldData) Name() string {
	return RuleQueryOldData
}

func (queryOldData) Description() string {
	return "Prevent querying for very old data"
}

func (r queryOldData) Check(q *query.Query) Result {
	startTS, err := q.StartTS()
	if err != nil {
		// Unparseable start times are rejected upstream
		return Ok()
	}

	minStart := time.Now().AddDate(0, 0, -int(r.maxAgeDays))
	start := time.Unix(startTS, 0)

	if start.Before(minStart) {
		return Deny(fmt.Sprintf(
			"Querying for data before %s is prohibited. Your query start date is %s, which is before that.",
			minStart.Format("2006-01-02"), start.Format("2006-01-02"),
		))
	}

	return Ok()
}
