// Package guard composes the configured admission rules and yields the
// first denial.
package guard

import (
	"log/slog"

	"github.com/adobe/opentsdb-protector/pkg/query"
	"github.com/adobe/opentsdb-protector/pkg/rules"
)

// Guard holds the active rule set. Immutable after construction and shared
// read only by all concurrent requests.
type Guard struct {
	rules  []rules.Rule
	logger *slog.Logger
}

// New builds a guard from the rule configuration. Rules that fail to load
// are logged and skipped; the remaining rules form the active set, evaluated
// in canonical order.
func New(config map[string]rules.Param, logger *slog.Logger) *Guard {
	var active []rules.Rule

	for _, name := range rules.CanonicalOrder {
		param, ok := config[name]
		if !ok {
			continue
		}

		rule, err := rules.New(name, param)
		if err != nil {
			logger.Error("Could not load rule", "rule", name, "err", err)

			continue
		}

		logger.Debug("Rule loaded", "rule", name)

		active = append(active, rule)
	}

	return &Guard{rules: active, logger: logger}
}

// Rules returns the names of the active rules in evaluation order.
func (g *Guard) Rules() []string {
	names := make([]string, 0, len(g.rules))
	for _, rule := range g.rules {
		names = append(names, rule.Name())
	}

	return names
}

// IsAllowed checks the query against all active rules. The first denial
// short circuits the evaluation.
func (g *Guard) IsAllowed(q *query.Query) rules.Result {
	if q == nil {
		return rules.Deny("Empty query")
	}

	for _, rule := range g.rules {
		if result := rule.Check(q); !result.IsOk() {
			return result.WithRule(rule.Name())
		}
	}

	return rules.Ok()
}
