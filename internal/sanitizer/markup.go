package sanitizer

import (
	"html"
	"regexp"

	"github.com/microcosm-cc/bluemonday"

	"github.com/inkwellhq/aegis/internal/events"
	"github.com/inkwellhq/aegis/internal/metrics"
)

// Profile selects which allow-list applies to a markup fragment.
type Profile string

const (
	// ProfileEditorial is the permissive list for first-party content.
	ProfileEditorial Profile = "editorial"
	// ProfileComment is the strict list for untrusted third-party content.
	ProfileComment Profile = "comment"
)

// Deny patterns catch dangerous content smuggled inside otherwise-allowed
// markup. Absence from the allow-list is already the default rejection;
// these exist only for anomaly reporting.
var (
	dangerousScheme = regexp.MustCompile(`(?i)\b(?:javascript|vbscript|data|file)\s*:`)
	eventHandler    = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
	scriptElement   = regexp.MustCompile(`(?i)<\s*(?:script|style|iframe|object|embed|form)\b`)
)

// Sanitizer filters markup down to an explicit allow-list per profile.
type Sanitizer struct {
	editorial *bluemonday.Policy
	comment   *bluemonday.Policy
	rec       events.Recorder
}

// New builds a Sanitizer reporting anomalies to rec.
func New(rec events.Recorder) *Sanitizer {
	return &Sanitizer{
		editorial: editorialPolicy(),
		comment:   commentPolicy(),
		rec:       rec,
	}
}

// FilterMarkup strips any element or attribute not present in the profile's
// allow-list. Script, style, iframe, object, embed and form elements never
// survive, nor do event-handler attributes or dangerous URI schemes.
func (s *Sanitizer) FilterMarkup(raw string, profile Profile) string {
	policy := s.editorial
	if profile == ProfileComment {
		policy = s.comment
	}

	if dangerousScheme.MatchString(raw) || eventHandler.MatchString(raw) || scriptElement.MatchString(raw) {
		metrics.IncMarkupFiltered()
		if s.rec != nil {
			s.rec.Record(events.Event{
				Type:     "markup.dangerous_content",
				Severity: events.SeverityMedium,
				Details:  map[string]string{"fragment": Truncate(raw, 256)},
			})
		}
	}

	return policy.Sanitize(raw)
}

// EscapeText entity-escapes s entirely; no tag survives.
func (s *Sanitizer) EscapeText(raw string) string {
	return html.EscapeString(raw)
}

// editorialPolicy allows the markup first-party authors may use.
func editorialPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.AllowElements("p", "br", "em", "strong", "b", "i", "u", "s",
		"ul", "ol", "li", "blockquote", "code", "pre", "hr",
		"h1", "h2", "h3", "h4", "h5", "h6", "table", "thead", "tbody",
		"tr", "th", "td", "figure", "figcaption")
	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowElements("a", "img")
	return p
}

// commentPolicy is the stricter list applied to untrusted commenters.
func commentPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.RequireNoFollowOnLinks(true)
	p.AllowElements("p", "br", "em", "strong", "code", "blockquote")
	p.AllowAttrs("href").OnElements("a")
	p.AllowElements("a")
	return p
}
