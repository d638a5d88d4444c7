package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/inkwellhq/aegis/internal/api/middleware"
	"github.com/inkwellhq/aegis/internal/guard"
	"github.com/inkwellhq/aegis/internal/models"
)

// SecurityHandler exposes the coordinator's audit trail, settings and
// header policy to the admin dashboard.
type SecurityHandler struct {
	guard *guard.Coordinator
}

// NewSecurityHandler creates a new SecurityHandler.
func NewSecurityHandler(g *guard.Coordinator) *SecurityHandler {
	return &SecurityHandler{guard: g}
}

// GetStatus returns the enabled state of every protection.
func (h *SecurityHandler) GetStatus(c *gin.Context) {
	s := h.guard.Settings()
	c.JSON(http.StatusOK, gin.H{
		"security_level": s.SecurityLevel,
		"tokens":         gin.H{"enabled": s.TokensEnabled},
		"validation":     gin.H{"enabled": s.ValidationEnabled},
		"uploads":        gin.H{"enabled": s.UploadsEnabled},
		"query_gate":     gin.H{"enabled": s.QueryGateEnabled},
		"headers":        gin.H{"enabled": s.HeadersEnabled},
	})
}

// GetEvents returns the most recent audit events, newest first.
func (h *SecurityHandler) GetEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": h.guard.RecentEvents(limit)})
}

// GetSettings returns the persisted guard settings.
func (h *SecurityHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.guard.Settings())
}

// UpdateSettings validates and applies new guard settings.
func (h *SecurityHandler) UpdateSettings(c *gin.Context) {
	var req models.GuardSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings payload"})
		return
	}
	if err := h.guard.UpdateSettings(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "settings rejected"})
		return
	}
	c.JSON(http.StatusOK, h.guard.Settings())
}

// GetHeaderPolicy returns the declarative header policy table.
func (h *SecurityHandler) GetHeaderPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, h.guard.Headers().Snapshot())
}

type directiveRequest struct {
	Directive string `json:"directive" binding:"required"`
}

// AddCSPDirective finds-or-appends a CSP directive by prefix.
func (h *SecurityHandler) AddCSPDirective(c *gin.Context) {
	var req directiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "directive is required"})
		return
	}
	h.guard.Headers().AddDirective(req.Directive)
	c.JSON(http.StatusOK, gin.H{"csp": h.guard.Headers().Build(true)["Content-Security-Policy"]})
}

// RemoveCSPDirective removes a CSP directive by prefix.
func (h *SecurityHandler) RemoveCSPDirective(c *gin.Context) {
	var req directiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "directive is required"})
		return
	}
	h.guard.Headers().RemoveDirective(req.Directive)
	c.JSON(http.StatusOK, gin.H{"csp": h.guard.Headers().Build(true)["Content-Security-Policy"]})
}

type issueTokenRequest struct {
	Action string `json:"action" binding:"required"`
}

// IssueToken mints a token for a protected surface about to be rendered.
func (h *SecurityHandler) IssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action is required"})
		return
	}

	tok, err := h.guard.IssueToken(c.Request.Context(), req.Action, middleware.RequestContext(c))
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("token issuance failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "action": req.Action})
}
