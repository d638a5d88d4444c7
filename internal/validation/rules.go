package validation

import (
	"fmt"
	"regexp"
)

// Kind is the closed set of field rule types. Adding a kind requires
// updating every switch in this package.
type Kind int

const (
	KindString Kind = iota
	KindText
	KindInteger
	KindFloat
	KindDate
	KindEmail
	KindURL
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindText:
		return "text"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindDate:
		return "date"
	case KindEmail:
		return "email"
	case KindURL:
		return "url"
	case KindEnum:
		return "enum"
	}
	return "unknown"
}

// NumericConstraint bounds integer and float fields. Nil means unbounded.
type NumericConstraint struct {
	Min *float64
	Max *float64
}

// LengthConstraint bounds string and text fields. Zero MaxLength means
// unbounded.
type LengthConstraint struct {
	MinLength int
	MaxLength int
}

// Rule declares how one field is validated. Rules are built once at process
// start and are immutable at request-handling time.
type Rule struct {
	Field    string
	Kind     Kind
	Required bool

	Numeric NumericConstraint
	Length  LengthConstraint
	Pattern *regexp.Regexp
	Allowed []string
}

// RuleSet is an immutable field→rule table. Fields absent from the table
// fall back to a free-form string rule: sanitized, never rejected.
type RuleSet struct {
	rules map[string]Rule
}

// NewRuleSet builds a rule table, rejecting duplicate field declarations.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	table := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if r.Field == "" {
			return nil, fmt.Errorf("rule with empty field name")
		}
		if _, dup := table[r.Field]; dup {
			return nil, fmt.Errorf("duplicate rule for field %q", r.Field)
		}
		if r.Kind == KindEnum && len(r.Allowed) == 0 {
			return nil, fmt.Errorf("enum rule for field %q has no allowed values", r.Field)
		}
		table[r.Field] = r
	}
	return &RuleSet{rules: table}, nil
}

// Lookup returns the rule for field and whether one was declared. Unknown
// fields get the default free-form string rule.
func (rs *RuleSet) Lookup(field string) (Rule, bool) {
	if r, ok := rs.rules[field]; ok {
		return r, true
	}
	return Rule{Field: field, Kind: KindString}, false
}

// Fields returns the declared field names.
func (rs *RuleSet) Fields() []string {
	out := make([]string, 0, len(rs.rules))
	for f := range rs.rules {
		out = append(out, f)
	}
	return out
}
