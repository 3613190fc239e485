package rules

import (
	"github.com/adobe/opentsdb-protector/pkg/query"
)

// RuleQueryNoAggregator is the configuration name of the rule.
const RuleQueryNoAggregator = "query_no_aggregator"

// queryNoAggregator denies queries fetching raw data with aggregator=none.
type queryNoAggregator struct{}

func newQueryNoAggregator(_ Param) (Rule, error) {
	return queryNoAggregator{}, nil
}

func (queryNoAggregator) Name() string {
	return RuleQueryNoAggregator
}

func (queryNoAggregator) Description() string {
	return "Prevent queries with aggregator=none"
}

func (queryNoAggregator) Check(q *query.Query) Result {
	for _, sq := range q.SubQueries() {
		if aggregator, ok := sq["aggregator"].(string); ok && aggregator == "none" {
			return Deny("No aggregator specified")
		}
	}

	return Ok()
}
