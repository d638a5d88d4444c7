package events

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/inkwellhq/aegis/internal/logger"
	"github.com/inkwellhq/aegis/internal/models"
)

// Severity classifies how serious a security event is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Event is one entry in the security audit trail. Details values are
// redacted and truncated before storage so attacker-supplied content never
// lands verbatim in the log.
type Event struct {
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	Subject   int64             `json:"subject"`
	OriginIP  string            `json:"origin_ip"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Recorder is the write interface other components hold. Only the Log
// mutates the ring; everyone else appends through Record.
type Recorder interface {
	Record(e Event)
}

const maxDetailLen = 256

var ctrlChars = regexp.MustCompile(`[\x00-\x1F\x7F]+`)

// Log is an append-only, bounded ring of security events with optional
// archival to the database and alerting for high-severity entries.
// Archive or alert failures are logged and dropped; they never propagate
// to the request path.
type Log struct {
	mu      sync.Mutex
	ring    []Event
	next    int
	filled  bool
	db      *gorm.DB
	alerts  []string
	nowFunc func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithArchive persists every recorded event to the database.
func WithArchive(db *gorm.DB) Option {
	return func(l *Log) { l.db = db }
}

// WithAlerts sends high-severity events to the given shoutrrr URLs.
func WithAlerts(urls []string) Option {
	return func(l *Log) { l.alerts = urls }
}

// New creates a Log retaining the most recent capacity events.
func New(capacity int, opts ...Option) *Log {
	if capacity <= 0 {
		capacity = 512
	}
	l := &Log{
		ring:    make([]Event, capacity),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends an event to the ring, evicting the oldest entry when full.
// Safe for concurrent use.
func (l *Log) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.nowFunc()
	}
	if e.Severity == "" {
		e.Severity = SeverityLow
	}
	e.Details = redactDetails(e.Details)

	l.mu.Lock()
	l.ring[l.next] = e
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.filled = true
	}
	l.mu.Unlock()

	l.archive(e)

	if e.Severity == SeverityHigh && len(l.alerts) > 0 {
		go l.alert(e)
	}
}

// Recent returns up to n events, newest first.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.filled {
		size = len(l.ring)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

func (l *Log) archive(e Event) {
	if l.db == nil {
		return
	}
	details := ""
	if len(e.Details) > 0 {
		if raw, err := json.Marshal(e.Details); err == nil {
			details = string(raw)
		}
	}
	rec := models.SecurityEventRecord{
		UUID:      uuid.NewString(),
		Type:      e.Type,
		Severity:  string(e.Severity),
		Subject:   e.Subject,
		OriginIP:  e.OriginIP,
		Details:   details,
		CreatedAt: e.Timestamp,
	}
	if err := l.db.Create(&rec).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"type": e.Type,
		}).WithError(err).Warn("security event archive dropped")
	}
}

func (l *Log) alert(e Event) {
	msg := fmt.Sprintf("[%s] %s security event from %s (subject %d)",
		strings.ToUpper(string(e.Severity)), e.Type, e.OriginIP, e.Subject)
	for _, url := range l.alerts {
		if err := shoutrrr.Send(url, msg); err != nil {
			logger.WithFields(map[string]interface{}{
				"type": e.Type,
			}).WithError(err).Warn("security alert dropped")
		}
	}
}

func redactDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		v = strings.ReplaceAll(v, "\r\n", " ")
		v = strings.ReplaceAll(v, "\n", " ")
		v = ctrlChars.ReplaceAllString(v, " ")
		if len(v) > maxDetailLen {
			v = v[:maxDetailLen] + "…"
		}
		out[k] = v
	}
	return out
}
