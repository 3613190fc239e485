// Package rules implements the admission rules evaluated against incoming
// OpenTSDB queries and their historical execution stats. Rules are pure:
// they read only the query and its attached stats snapshot and are safe for
// concurrent use.
package rules

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/adobe/opentsdb-protector/pkg/query"
)

// Custom errors.
var (
	ErrUnknownRule = errors.New("unknown rule")
	ErrBadParam    = errors.New("invalid rule parameter")
)

// Result is the outcome of a rule check.
type Result struct {
	Rule   string `json:"rule,omitempty"`
	Reason string `json:"msg,omitempty"`
	denied bool
}

// Ok returns an allowing result.
func Ok() Result {
	return Result{}
}

// Deny returns a denying result with the given reason.
func Deny(reason string) Result {
	return Result{Reason: reason, denied: true}
}

// DenyRule returns a denying result attributed to a rule.
func DenyRule(rule string, reason string) Result {
	return Result{Rule: rule, Reason: reason, denied: true}
}

// IsOk reports whether the query was allowed.
func (r Result) IsOk() bool {
	return !r.denied
}

// WithRule returns a copy of the result attributed to a rule.
func (r Result) WithRule(rule string) Result {
	r.Rule = rule

	return r
}

// TimeLimitParam is the mapping form of the exceed_time_limit parameter.
// Static mode uses limit/throttle, adaptive mode uses the adaptive factor.
type TimeLimitParam struct {
	Limit    float64 `yaml:"limit"`
	Throttle int64   `yaml:"throttle"`
	Adaptive float64 `yaml:"adaptive"`
}

// Param is the configuration parameter of one rule: null, an integer or a
// time limit mapping.
type Param struct {
	Int       *int64
	TimeLimit *TimeLimitParam
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (p *Param) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		// Rules without parameters are configured as bare keys
		if value.Tag == "!!null" {
			return nil
		}

		var val int64
		if err := value.Decode(&val); err != nil {
			return fmt.Errorf("%w: %s", ErrBadParam, err)
		}

		p.Int = &val
	case yaml.MappingNode:
		var val TimeLimitParam
		if err := value.Decode(&val); err != nil {
			return fmt.Errorf("%w: %s", ErrBadParam, err)
		}

		p.TimeLimit = &val
	default:
		return fmt.Errorf("%w: unsupported YAML node", ErrBadParam)
	}

	return nil
}

// requireInt returns the integer form of the parameter.
func (p Param) requireInt(rule string) (int64, error) {
	if p.Int == nil {
		return 0, fmt.Errorf("%w: rule %s requires an integer parameter", ErrBadParam, rule)
	}

	return *p.Int, nil
}

// Rule checks one admission property of a query.
type Rule interface {
	// Name returns the configuration name of the rule.
	Name() string

	// Description returns a short description of what the rule prevents.
	Description() string

	// Check inspects the query and its attached stats.
	Check(q *query.Query) Result
}

// Constructor builds a rule from its configuration parameter.
type Constructor func(param Param) (Rule, error)

// registry maps rule names to constructors at compile time.
var registry = map[string]Constructor{
	RuleQueryOldData:       newQueryOldData,
	RuleQueryNoTagsFilters: newQueryNoTagsFilters,
	RuleQueryNoAggregator:  newQueryNoAggregator,
	RuleTooManyDatapoints:  newTooManyDatapoints,
	RuleExceedTimeLimit:    newExceedTimeLimit,
	RuleExceedFrequency:    newExceedFrequency,
}

// CanonicalOrder is the stable evaluation order of the rules. The configured
// rule set is always evaluated in this order.
var CanonicalOrder = []string{
	RuleQueryOldData,
	RuleQueryNoTagsFilters,
	RuleQueryNoAggregator,
	RuleTooManyDatapoints,
	RuleExceedTimeLimit,
	RuleExceedFrequency,
}

// New instantiates a registered rule from its configuration parameter.
func New(name string, param Param) (Rule, error) {
	constructor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}

	return constructor(param)
}

// Descriptions returns name and description of every registered rule in
// canonical order.
func Descriptions() map[string]string {
	descriptions := make(map[string]string, len(registry))

	for _, name := range CanonicalOrder {
		// Instantiate with a permissive parameter just for the description
		one := int64(1)

		rule, err := New(name, Param{Int: &one, TimeLimit: &TimeLimitParam{Limit: 1, Throttle: 1}})
		if err != nil {
			continue
		}

		descriptions[name] = rule.Description()
	}

	return descriptions
}
