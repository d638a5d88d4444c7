package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/inkwellhq/aegis/internal/events"
	"github.com/inkwellhq/aegis/internal/headerpolicy"
	"github.com/inkwellhq/aegis/internal/models"
	"github.com/inkwellhq/aegis/internal/querygate"
	"github.com/inkwellhq/aegis/internal/store"
	"github.com/inkwellhq/aegis/internal/token"
	"github.com/inkwellhq/aegis/internal/upload"
	"github.com/inkwellhq/aegis/internal/validation"
)

func testCoordinator(t *testing.T, db *gorm.DB, level string) *Coordinator {
	t.Helper()

	log := events.New(64)
	tokens, err := token.New("test-secret", store.NewMemory(), log)
	require.NoError(t, err)

	rules, err := validation.NewRuleSet([]Rule{
		{Field: "title", Kind: validation.KindString, Required: true, Length: validation.LengthConstraint{MaxLength: 255}},
		{Field: "slug", Kind: validation.KindString, Pattern: regexp.MustCompile(`^[a-z0-9-]*$`)},
	})
	require.NoError(t, err)

	c, err := New(Deps{
		DB:        db,
		Tokens:    tokens,
		Validator: validation.NewEngine(rules, log),
		Uploads:   upload.New(log),
		Queries:   querygate.New([]string{"posts"}, log),
		Headers:   headerpolicy.NewDefault(),
		Log:       log,
	}, level)
	require.NoError(t, err)
	return c
}

// Rule aliases keep the fixture table readable.
type Rule = validation.Rule

func rctx() token.RequestContext {
	return token.RequestContext{Subject: 42, OriginIP: "203.0.113.7", UserAgent: "test-agent"}
}

func TestProtect_FullPass(t *testing.T) {
	c := testCoordinator(t, nil, "medium")
	ctx := context.Background()

	tok, err := c.IssueToken(ctx, "edit-post", rctx())
	require.NoError(t, err)

	res := c.Protect(ctx, SurfaceForm, Request{
		Token:   tok,
		Action:  "edit-post",
		Context: rctx(),
		Fields:  map[string]string{"title": "  My   Post  ", "slug": "my-post"},
	})
	require.NoError(t, res.Err)
	assert.True(t, res.OK)
	assert.Equal(t, "My Post", res.SanitizedFields["title"])
}

func TestProtect_BadTokenUniformRejection(t *testing.T) {
	c := testCoordinator(t, nil, "medium")
	ctx := context.Background()

	res := c.Protect(ctx, SurfaceForm, Request{
		Token:   "garbage",
		Action:  "edit-post",
		Context: rctx(),
		Fields:  map[string]string{"title": "ok"},
	})
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrRejected)
	assert.Nil(t, res.SanitizedFields)
}

func TestProtect_ValidationFailure(t *testing.T) {
	c := testCoordinator(t, nil, "medium")
	ctx := context.Background()

	tok, err := c.IssueToken(ctx, "edit-post", rctx())
	require.NoError(t, err)

	res := c.Protect(ctx, SurfaceForm, Request{
		Token:   tok,
		Action:  "edit-post",
		Context: rctx(),
		Fields:  map[string]string{"slug": "UPPER CASE!"},
	})
	assert.ErrorIs(t, res.Err, ErrRejected)
}

func TestProtect_EmptyFormStillValidated(t *testing.T) {
	c := testCoordinator(t, nil, "medium")
	ctx := context.Background()

	tok, err := c.IssueToken(ctx, "edit-post", rctx())
	require.NoError(t, err)

	// No fields at all: the required title rule must still fail the record.
	res := c.Protect(ctx, SurfaceForm, Request{
		Token:   tok,
		Action:  "edit-post",
		Context: rctx(),
	})
	assert.ErrorIs(t, res.Err, ErrRejected)
}

func TestProtect_TokenCheckSkippedWhenDisabled(t *testing.T) {
	c := testCoordinator(t, nil, "medium")
	s := c.Settings()
	s.TokensEnabled = false
	require.NoError(t, c.UpdateSettings(s))

	res := c.Protect(context.Background(), SurfaceAPI, Request{
		Action:  "edit-post",
		Context: rctx(),
		Fields:  map[string]string{"title": "ok"},
	})
	assert.True(t, res.OK)
}

func TestGuardQuery(t *testing.T) {
	c := testCoordinator(t, nil, "medium")

	safe, err := c.GuardQuery("created_at DESC")
	assert.NoError(t, err)
	assert.Equal(t, "created_at DESC", safe)

	_, err = c.GuardQuery("1=1 UNION SELECT password FROM users")
	assert.ErrorIs(t, err, ErrRejected)

	assert.True(t, c.IsAllowedTable("posts"))
	assert.False(t, c.IsAllowedTable("users"))
}

func TestUpdateSettings_PersistsAcrossRestart(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.GuardSettings{}))

	c := testCoordinator(t, db, "medium")
	s := c.Settings()
	s.SecurityLevel = "high"
	s.QueryGateEnabled = false
	require.NoError(t, c.UpdateSettings(s))

	// A fresh coordinator over the same database sees the saved row.
	c2 := testCoordinator(t, db, "medium")
	got := c2.Settings()
	assert.Equal(t, "high", got.SecurityLevel)
	assert.False(t, got.QueryGateEnabled)
}

func TestUpdateSettings_RejectsUnknownLevel(t *testing.T) {
	c := testCoordinator(t, nil, "medium")
	s := c.Settings()
	s.SecurityLevel = "paranoid"
	assert.ErrorIs(t, c.UpdateSettings(s), ErrInvalidLevel)
}

func TestHighLevelHardensContextChecks(t *testing.T) {
	c := testCoordinator(t, nil, "high")
	ctx := context.Background()

	tok, err := c.IssueToken(ctx, "edit-post", rctx())
	require.NoError(t, err)

	moved := rctx()
	moved.OriginIP = "198.51.100.1"
	res := c.Protect(ctx, SurfaceForm, Request{Token: tok, Action: "edit-post", Context: moved})
	assert.ErrorIs(t, res.Err, ErrRejected)
}

func TestRecentEvents(t *testing.T) {
	c := testCoordinator(t, nil, "medium")

	_, _ = c.GuardQuery("1=1 --")
	recent := c.RecentEvents(5)
	require.NotEmpty(t, recent)
	assert.Equal(t, "query.rejected", recent[0].Type)
}

func TestMiddleware_AttachesPolicyHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := testCoordinator(t, nil, "medium")

	router := gin.New()
	router.Use(c.Middleware())
	router.GET("/", func(ctx *gin.Context) { ctx.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, "SAMEORIGIN", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
	// Plain HTTP: HSTS stays off.
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestMiddleware_SkipsHeadersWhenDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := testCoordinator(t, nil, "medium")
	s := c.Settings()
	s.HeadersEnabled = false
	require.NoError(t, c.UpdateSettings(s))

	router := gin.New()
	router.Use(c.Middleware())
	router.GET("/", func(ctx *gin.Context) { ctx.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, w.Header().Get("X-Frame-Options"))
}

func TestRunSweep(t *testing.T) {
	c := testCoordinator(t, nil, "medium")
	// Idempotent: safe with nothing to sweep.
	c.RunSweep(context.Background())
}
