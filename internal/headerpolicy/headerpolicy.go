package headerpolicy

import (
	"strings"
	"sync"
)

// Entry describes one response header in the policy table. Value holds a
// scalar; Values holds an ordered list joined with Separator. HTTPSOnly
// entries are skipped when the channel is not secure.
type Entry struct {
	Enabled   bool
	Value     string
	Values    []string
	Separator string
	HTTPSOnly bool
}

func (e Entry) render() string {
	if len(e.Values) > 0 {
		sep := e.Separator
		if sep == "" {
			sep = "; "
		}
		return strings.Join(e.Values, sep)
	}
	return e.Value
}

// Builder composes HTTP response header sets from a declarative policy
// table. Building is read-only and safe across concurrent requests; the
// table itself is mutated only through explicit administrative calls
// between requests.
type Builder struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// ContentSecurityPolicy is the header name carrying the CSP directive list.
const ContentSecurityPolicy = "Content-Security-Policy"

// NewDefault returns a Builder with the stock policy table.
func NewDefault() *Builder {
	return &Builder{entries: map[string]Entry{
		ContentSecurityPolicy: {
			Enabled: true,
			Values: []string{
				"default-src 'self'",
				"script-src 'self'",
				"style-src 'self' 'unsafe-inline'",
				"img-src 'self' data: https:",
				"font-src 'self' data:",
				"connect-src 'self'",
				"frame-src 'none'",
				"object-src 'none'",
				"base-uri 'self'",
				"form-action 'self'",
			},
			Separator: "; ",
		},
		"Strict-Transport-Security": {
			Enabled:   true,
			Value:     "max-age=31536000; includeSubDomains; preload",
			HTTPSOnly: true,
		},
		"X-Frame-Options":        {Enabled: true, Value: "SAMEORIGIN"},
		"X-Content-Type-Options": {Enabled: true, Value: "nosniff"},
		"X-XSS-Protection":       {Enabled: true, Value: "1; mode=block"},
		"Referrer-Policy":        {Enabled: true, Value: "strict-origin-when-cross-origin"},
		"Permissions-Policy": {
			Enabled: true,
			Values: []string{
				"accelerometer=()",
				"camera=()",
				"geolocation=()",
				"microphone=()",
				"payment=()",
				"usb=()",
			},
			Separator: ", ",
		},
	}}
}

// New returns a Builder over a caller-supplied table.
func New(entries map[string]Entry) *Builder {
	table := make(map[string]Entry, len(entries))
	for k, v := range entries {
		table[k] = v
	}
	return &Builder{entries: table}
}

// Build renders the concrete header set for a response. Disabled entries
// and, on insecure channels, HTTPSOnly entries are skipped.
func (b *Builder) Build(isSecureChannel bool) map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]string, len(b.entries))
	for name, entry := range b.entries {
		if !entry.Enabled {
			continue
		}
		if entry.HTTPSOnly && !isSecureChannel {
			continue
		}
		out[name] = entry.render()
	}
	return out
}

// SetEnabled toggles a header on or off. Unknown names are ignored.
func (b *Builder) SetEnabled(name string, enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[name]; ok {
		entry.Enabled = enabled
		b.entries[name] = entry
	}
}

// SetValue replaces a scalar header value, enabling the entry.
func (b *Builder) SetValue(name, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.entries[name]
	entry.Enabled = true
	entry.Value = value
	entry.Values = nil
	b.entries[name] = entry
}

// AddDirective finds the CSP directive sharing prefix and replaces it, or
// appends when absent. The rest of the list is untouched.
func (b *Builder) AddDirective(directive string) {
	prefix := directivePrefix(directive)
	if prefix == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entries[ContentSecurityPolicy]
	for i, existing := range entry.Values {
		if directivePrefix(existing) == prefix {
			entry.Values[i] = directive
			b.entries[ContentSecurityPolicy] = entry
			return
		}
	}
	entry.Values = append(entry.Values, directive)
	b.entries[ContentSecurityPolicy] = entry
}

// RemoveDirective removes the CSP directive sharing prefix, preserving the
// order of the remainder.
func (b *Builder) RemoveDirective(prefix string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entries[ContentSecurityPolicy]
	kept := entry.Values[:0]
	for _, existing := range entry.Values {
		if directivePrefix(existing) != prefix {
			kept = append(kept, existing)
		}
	}
	entry.Values = kept
	b.entries[ContentSecurityPolicy] = entry
}

// Snapshot returns a copy of the policy table for read-only display.
func (b *Builder) Snapshot() map[string]Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Entry, len(b.entries))
	for k, v := range b.entries {
		cp := v
		cp.Values = append([]string(nil), v.Values...)
		out[k] = cp
	}
	return out
}

func directivePrefix(directive string) string {
	fields := strings.Fields(directive)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
