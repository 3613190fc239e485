package rules

import (
	"github.com/adobe/opentsdb-protector/pkg/query"
)

// RuleQueryNoTagsFilters is the configuration name of the rule.
const RuleQueryNoTagsFilters = "query_no_tags_filters"

// queryNoTagsFilters denies sub queries that restrict the data set neither
// by tags nor by filters.
type queryNoTagsFilters struct{}

func newQueryNoTagsFilters(_ Param) (Rule, error) {
	return queryNoTagsFilters{}, nil
}

func (queryNoTagsFilters) Name() string {
	return RuleQueryNoTagsFilters
}

func (queryNoTagsFilters) Description() string {
	return "Prevent no tag/filter queries"
}

func (queryNoTagsFilters) Check(q *query.Query) Result {
	for _, sq := range q.SubQueries() {
		if collectionLen(sq["tags"]) == 0 && collectionLen(sq["filters"]) == 0 {
			return Deny("Both tags and filters are empty")
		}
	}

	return Ok()
}

// collectionLen returns the length of a raw JSON object or array value.
func collectionLen(v interface{}) int {
	switch val := v.(type) {
	case map[string]interface{}:
		return len(val)
	case []interface{}:
		return len(val)
	default:
		return 0
	}
}
