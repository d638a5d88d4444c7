package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/inkwellhq/aegis/internal/events"
	"github.com/inkwellhq/aegis/internal/headerpolicy"
	"github.com/inkwellhq/aegis/internal/logger"
	"github.com/inkwellhq/aegis/internal/models"
	"github.com/inkwellhq/aegis/internal/querygate"
	"github.com/inkwellhq/aegis/internal/token"
	"github.com/inkwellhq/aegis/internal/upload"
	"github.com/inkwellhq/aegis/internal/validation"
)

// ErrRejected is the single caller-facing rejection. The real reason lives
// in the event log only.
var ErrRejected = errors.New("request rejected")

// ErrInvalidLevel is returned for an unknown security level on update.
var ErrInvalidLevel = errors.New("invalid security level")

// Surface classifies the protected entry point a request arrived through.
type Surface string

const (
	SurfaceForm   Surface = "form"
	SurfaceAsync  Surface = "async"
	SurfaceAPI    Surface = "api"
	SurfaceUpload Surface = "upload"
)

// Request is everything the coordinator needs to clear one mutating
// request.
type Request struct {
	Token   string
	Action  string
	Context token.RequestContext
	Fields  map[string]string
	Upload  *upload.Candidate
}

// Result is handed to the caller-supplied continuation on success. On
// failure Err is always ErrRejected; nothing about the reason leaks.
type Result struct {
	OK              bool
	SanitizedFields map[string]string
	SafeUploadName  string
	Err             error
}

// Coordinator is the façade wiring every protection into the request
// lifecycle. It owns the enabled flags and the security level; the other
// components own their own mechanics.
type Coordinator struct {
	db        *gorm.DB
	tokens    *token.Authority
	validator *validation.Engine
	uploads   *upload.Guard
	queries   *querygate.Gate
	headers   *headerpolicy.Builder
	log       *events.Log

	mu       sync.RWMutex
	settings models.GuardSettings

	cron    *cron.Cron
	sweepID cron.EntryID
}

// Deps carries the constructed components. All are required except DB,
// which enables settings persistence when present.
type Deps struct {
	DB        *gorm.DB
	Tokens    *token.Authority
	Validator *validation.Engine
	Uploads   *upload.Guard
	Queries   *querygate.Gate
	Headers   *headerpolicy.Builder
	Log       *events.Log
}

// New builds a Coordinator, loading persisted settings when a database is
// available.
func New(deps Deps, level string) (*Coordinator, error) {
	c := &Coordinator{
		db:        deps.DB,
		tokens:    deps.Tokens,
		validator: deps.Validator,
		uploads:   deps.Uploads,
		queries:   deps.Queries,
		headers:   deps.Headers,
		log:       deps.Log,
		settings:  models.DefaultGuardSettings(level),
	}

	if c.db != nil {
		var saved models.GuardSettings
		err := c.db.Where("name = ?", "default").First(&saved).Error
		switch {
		case err == nil:
			c.settings = saved
		case errors.Is(err, gorm.ErrRecordNotFound):
			// keep defaults
		default:
			return nil, fmt.Errorf("load guard settings: %w", err)
		}
	}

	c.applyStrictness()
	return c, nil
}

// Protect clears one inbound mutating request: token check, field
// validation, then the surface-specific guard. Any failure returns a
// uniform rejection; sanitized data is only produced on full success.
func (c *Coordinator) Protect(ctx context.Context, surface Surface, req Request) Result {
	s := c.Settings()

	if s.TokensEnabled {
		if !c.tokens.Verify(ctx, req.Token, req.Action, req.Context) {
			return Result{Err: ErrRejected}
		}
	}

	// Form and async submissions always carry the field record, so an
	// empty one still fails required rules. API and upload surfaces
	// validate only when a record is attached; their payloads bind and
	// check in the handler.
	if s.ValidationEnabled && (surface == SurfaceForm || surface == SurfaceAsync || len(req.Fields) > 0) {
		if res := c.validator.Validate(req.Fields); !res.OK {
			return Result{Err: ErrRejected}
		}
	}

	out := Result{OK: true}

	if surface == SurfaceUpload && req.Upload != nil && s.UploadsEnabled {
		res, err := c.uploads.Inspect(*req.Upload)
		if err != nil {
			return Result{Err: ErrRejected}
		}
		out.SafeUploadName = res.SafeName
	}

	if len(req.Fields) > 0 {
		out.SanitizedFields = c.validator.Sanitize(req.Fields)
	}
	return out
}

// GuardQuery forwards a raw fragment to the query gate when enabled.
// Disabled gating passes fragments through untouched; parameterization
// remains the primary defense either way.
func (c *Coordinator) GuardQuery(fragment string) (string, error) {
	if !c.Settings().QueryGateEnabled {
		return fragment, nil
	}
	safe, err := c.queries.Guard(fragment)
	if err != nil {
		return "", ErrRejected
	}
	return safe, nil
}

// IsAllowedTable gates dynamic table-name interpolation.
func (c *Coordinator) IsAllowedTable(name string) bool {
	return c.queries.IsAllowedTable(name)
}

// IssueToken mints a token for rendering into a protected surface.
func (c *Coordinator) IssueToken(ctx context.Context, action string, rctx token.RequestContext) (string, error) {
	return c.tokens.Issue(ctx, action, rctx)
}

// Headers exposes the policy builder for response emission.
func (c *Coordinator) Headers() *headerpolicy.Builder {
	return c.headers
}

// HeadersEnabled reports whether policy headers should be attached.
func (c *Coordinator) HeadersEnabled() bool {
	return c.Settings().HeadersEnabled
}

// RecentEvents returns the newest n audit events for the dashboard.
func (c *Coordinator) RecentEvents(n int) []events.Event {
	return c.log.Recent(n)
}

// Settings returns a copy of the current settings.
func (c *Coordinator) Settings() models.GuardSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// UpdateSettings validates, persists and applies new settings. Admin-only;
// never called on the request path.
func (c *Coordinator) UpdateSettings(s models.GuardSettings) error {
	switch s.SecurityLevel {
	case "low", "medium", "high":
	default:
		return ErrInvalidLevel
	}
	s.Name = "default"

	if c.db != nil {
		var existing models.GuardSettings
		err := c.db.Where("name = ?", s.Name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if s.UUID == "" {
				s.UUID = uuid.NewString()
			}
			if err := c.db.Create(&s).Error; err != nil {
				return fmt.Errorf("create guard settings: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load guard settings: %w", err)
		default:
			s.ID = existing.ID
			s.UUID = existing.UUID
			if err := c.db.Save(&s).Error; err != nil {
				return fmt.Errorf("save guard settings: %w", err)
			}
		}
	}

	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	c.applyStrictness()

	c.log.Record(events.Event{
		Type:     "guard.settings_updated",
		Severity: events.SeverityLow,
		Details:  map[string]string{"level": s.SecurityLevel},
	})
	return nil
}

// StartSweeps schedules the periodic token metadata sweep. The sweep is
// idempotent, so any schedule is safe.
func (c *Coordinator) StartSweeps(schedule string) error {
	if c.cron != nil {
		return nil
	}
	c.cron = cron.New()
	id, err := c.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.RunSweep(ctx)
	})
	if err != nil {
		c.cron = nil
		return fmt.Errorf("schedule token sweep: %w", err)
	}
	c.sweepID = id
	c.cron.Start()
	return nil
}

// StopSweeps halts the sweep scheduler and waits for a running sweep.
func (c *Coordinator) StopSweeps() {
	if c.cron == nil {
		return
	}
	ctx := c.cron.Stop()
	<-ctx.Done()
	c.cron = nil
}

// RunSweep triggers one token metadata sweep immediately.
func (c *Coordinator) RunSweep(ctx context.Context) {
	removed, err := c.tokens.Sweep(ctx)
	if err != nil {
		logger.Log().WithError(err).Warn("token metadata sweep failed")
		return
	}
	if removed > 0 {
		logger.WithFields(map[string]interface{}{"removed": removed}).Info("token metadata sweep")
	}
}

// applyStrictness maps the security level onto the token context checks:
// low disables both, medium keeps the user-agent check, high hardens both.
// Explicit strict flags only ever tighten.
func (c *Coordinator) applyStrictness() {
	s := c.Settings()
	var ip, ua bool
	switch s.SecurityLevel {
	case "low":
	case "high":
		ip, ua = true, true
	default:
		ua = true
	}
	c.tokens.SetStrictness(ip || s.StrictIPCheck, ua || s.StrictUACheck)
}
