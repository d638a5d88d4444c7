package querygate

import (
	"errors"
	"regexp"
	"strings"

	"github.com/inkwellhq/aegis/internal/events"
	"github.com/inkwellhq/aegis/internal/metrics"
)

// ErrFragmentRejected is returned for any fragment matching an injection
// signature. The matched pattern is logged, never returned to the caller.
var ErrFragmentRejected = errors.New("query fragment rejected")

// Injection signatures. This gate is a defense-in-depth net behind bound
// parameters, aimed at dynamically assembled ORDER BY / JOIN fragments.
var signatures = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"multi-statement", regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|create|alter|truncate)\b`)},
	{"stacked-keyword", regexp.MustCompile(`(?i)\b(union\s+(all\s+)?select|insert\s+into|delete\s+from|drop\s+(table|database)|truncate\s+table|update\s+\w+\s+set|load_file|into\s+(out|dump)file)\b`)},
	{"comment-terminator", regexp.MustCompile(`(--|/\*|\*/|#\s*$)`)},
	{"schema-introspection", regexp.MustCompile(`(?i)\b(information_schema|sqlite_master|pg_catalog|sysobjects|mysql\.user)\b`)},
	{"sleep-probe", regexp.MustCompile(`(?i)\b(sleep|benchmark|waitfor\s+delay|pg_sleep)\s*\(`)},
}

var (
	numericEquality = regexp.MustCompile(`(\d+)\s*=\s*(\d+)`)
	quotedEquality  = regexp.MustCompile(`'([^']*)'\s*=\s*'([^']*)'`)
	identifierForm  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Gate rejects raw query fragments matching injection signatures and gates
// dynamic table-name interpolation through an allow-list registry.
type Gate struct {
	tables map[string]struct{}
	rec    events.Recorder
}

// New builds a Gate over an immutable table registry.
func New(allowedTables []string, rec events.Recorder) *Gate {
	tables := make(map[string]struct{}, len(allowedTables))
	for _, t := range allowedTables {
		tables[strings.ToLower(t)] = struct{}{}
	}
	return &Gate{tables: tables, rec: rec}
}

// Guard inspects a raw fragment before it may join a query. A clean
// fragment is returned trimmed; anything matching an injection signature
// or a boolean tautology is rejected.
func (g *Gate) Guard(fragment string) (string, error) {
	for _, sig := range signatures {
		if sig.pattern.MatchString(fragment) {
			g.reject(fragment, sig.name)
			return "", ErrFragmentRejected
		}
	}
	if hasTautology(fragment) {
		g.reject(fragment, "boolean-tautology")
		return "", ErrFragmentRejected
	}
	return strings.TrimSpace(fragment), nil
}

// IsAllowedTable reports whether name may be interpolated as a table name.
func (g *Gate) IsAllowedTable(name string) bool {
	if !identifierForm.MatchString(name) {
		return false
	}
	_, ok := g.tables[strings.ToLower(name)]
	return ok
}

func (g *Gate) reject(fragment, signature string) {
	metrics.IncQueryRejected()
	if g.rec != nil {
		g.rec.Record(events.Event{
			Type:     "query.rejected",
			Severity: events.SeverityHigh,
			Details: map[string]string{
				"signature": signature,
				"fragment":  fragment,
			},
		})
	}
}

// hasTautology reports whether the fragment contains an always-true
// equality such as 1=1 or 'a'='a'. RE2 has no backreferences, so the
// captured sides are compared here.
func hasTautology(fragment string) bool {
	for _, m := range numericEquality.FindAllStringSubmatch(fragment, -1) {
		if m[1] == m[2] {
			return true
		}
	}
	for _, m := range quotedEquality.FindAllStringSubmatch(fragment, -1) {
		if m[1] == m[2] {
			return true
		}
	}
	return false
}
