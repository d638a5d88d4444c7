package validation

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/inkwellhq/aegis/internal/events"
	"github.com/inkwellhq/aegis/internal/metrics"
)

// Result carries the outcome of a validation pass. Errors is keyed by field
// and accumulates every violation found for that field.
type Result struct {
	OK     bool
	Errors map[string][]string
}

// Hook transforms a field value during sanitization. Hooks are supplied at
// construction, never discovered at call time.
type Hook func(field, value string) string

// Engine evaluates records against a declared rule set and applies per-type
// sanitizing transforms. Validate and Sanitize are independent passes:
// sanitize never fixes a value into validity.
type Engine struct {
	rules *RuleSet
	rec   events.Recorder
	pre   []Hook
	post  []Hook
}

// Option configures an Engine.
type Option func(*Engine)

// WithPreSanitize runs hooks before the per-type transform.
func WithPreSanitize(hooks ...Hook) Option {
	return func(e *Engine) { e.pre = append(e.pre, hooks...) }
}

// WithPostSanitize runs hooks after the per-type transform.
func WithPostSanitize(hooks ...Hook) Option {
	return func(e *Engine) { e.post = append(e.post, hooks...) }
}

// NewEngine builds an Engine over an immutable rule set.
func NewEngine(rules *RuleSet, rec events.Recorder, opts ...Option) *Engine {
	e := &Engine{rules: rules, rec: rec}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

const dateLayout = "2006-01-02"

var markupTag = regexp.MustCompile(`<[^>]*>`)

// Validate checks every declared rule against record. Missing required
// fields error and skip further checks; a type mismatch stops further
// checks for that field; otherwise all constraint violations accumulate.
// Fields present in record but absent from the rule table are never
// rejected.
func (e *Engine) Validate(record map[string]string) Result {
	errs := make(map[string][]string)

	for _, field := range e.rules.Fields() {
		rule, _ := e.rules.Lookup(field)
		value, present := record[field]

		if !present || value == "" {
			if rule.Required {
				errs[field] = append(errs[field], "value is required")
			}
			continue
		}

		if msg := checkType(rule, value); msg != "" {
			errs[field] = append(errs[field], msg)
			continue
		}

		errs[field] = append(errs[field], checkConstraints(rule, value)...)
		if len(errs[field]) == 0 {
			delete(errs, field)
		}
	}

	ok := len(errs) == 0
	if !ok {
		metrics.IncValidationFailure()
		if e.rec != nil {
			fields := make([]string, 0, len(errs))
			for f := range errs {
				fields = append(fields, f)
			}
			e.rec.Record(events.Event{
				Type:     "validation.failed",
				Severity: events.SeverityLow,
				Details:  map[string]string{"fields": strings.Join(fields, ",")},
			})
		}
	}
	return Result{OK: ok, Errors: errs}
}

// Sanitize applies the per-type transform to every field in record. It
// always succeeds: unparsable input degrades to a safe zero value. Callers
// must still check Validate before trusting the output for persistence.
func (e *Engine) Sanitize(record map[string]string) map[string]string {
	out := make(map[string]string, len(record))
	for field, value := range record {
		rule, _ := e.rules.Lookup(field)
		for _, h := range e.pre {
			value = h(field, value)
		}
		value = transform(rule, value)
		for _, h := range e.post {
			value = h(field, value)
		}
		out[field] = value
	}
	return out
}

func checkType(rule Rule, value string) string {
	switch rule.Kind {
	case KindInteger:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return "value must be an integer"
		}
	case KindFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return "value must be a number"
		}
	case KindDate:
		if _, err := time.Parse(dateLayout, value); err != nil {
			return "value must be a date (YYYY-MM-DD)"
		}
	case KindEmail:
		if _, err := mail.ParseAddress(value); err != nil {
			return "value must be an email address"
		}
	case KindURL:
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "value must be an http(s) URL"
		}
	case KindString, KindText, KindEnum:
		// free-form; constraints carry the checks
	}
	return ""
}

func checkConstraints(rule Rule, value string) []string {
	var violations []string

	switch rule.Kind {
	case KindInteger, KindFloat:
		n, _ := strconv.ParseFloat(value, 64)
		if rule.Numeric.Min != nil && n < *rule.Numeric.Min {
			violations = append(violations, fmt.Sprintf("value must be at least %v", *rule.Numeric.Min))
		}
		if rule.Numeric.Max != nil && n > *rule.Numeric.Max {
			violations = append(violations, fmt.Sprintf("value must be at most %v", *rule.Numeric.Max))
		}
	case KindString, KindText:
		if rule.Length.MinLength > 0 && len(value) < rule.Length.MinLength {
			violations = append(violations, fmt.Sprintf("value must be at least %d characters", rule.Length.MinLength))
		}
		if rule.Length.MaxLength > 0 && len(value) > rule.Length.MaxLength {
			violations = append(violations, fmt.Sprintf("value must be at most %d characters", rule.Length.MaxLength))
		}
	case KindEnum:
		found := false
		for _, allowed := range rule.Allowed {
			if value == allowed {
				found = true
				break
			}
		}
		if !found {
			violations = append(violations, "value is not one of the allowed options")
		}
	case KindDate, KindEmail, KindURL:
		// type check is the whole constraint
	}

	if rule.Pattern != nil && !rule.Pattern.MatchString(value) {
		violations = append(violations, "value has an invalid format")
	}
	return violations
}

func transform(rule Rule, value string) string {
	switch rule.Kind {
	case KindInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return "0"
		}
		return strconv.FormatInt(n, 10)
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return "0"
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	case KindDate:
		v := strings.TrimSpace(value)
		for _, layout := range []string{dateLayout, time.RFC3339, "2006-01-02 15:04:05", "01/02/2006"} {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.Format(dateLayout)
			}
		}
		return ""
	case KindEmail:
		addr, err := mail.ParseAddress(strings.TrimSpace(value))
		if err != nil {
			return ""
		}
		return strings.ToLower(addr.Address)
	case KindURL:
		u, err := url.Parse(strings.TrimSpace(value))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ""
		}
		return u.String()
	case KindEnum:
		for _, allowed := range rule.Allowed {
			if value == allowed {
				return value
			}
		}
		return ""
	case KindText:
		v := strings.ReplaceAll(value, "\r\n", "\n")
		v = markupTag.ReplaceAllString(v, "")
		return strings.TrimSpace(v)
	case KindString:
		v := markupTag.ReplaceAllString(value, "")
		v = strings.Join(strings.Fields(v), " ")
		return v
	}
	return value
}
