package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwellhq/aegis/internal/events"
	"github.com/inkwellhq/aegis/internal/guard"
	"github.com/inkwellhq/aegis/internal/headerpolicy"
	"github.com/inkwellhq/aegis/internal/querygate"
	"github.com/inkwellhq/aegis/internal/store"
	"github.com/inkwellhq/aegis/internal/token"
	"github.com/inkwellhq/aegis/internal/upload"
	"github.com/inkwellhq/aegis/internal/validation"
)

func testDeps(t *testing.T) (*guard.Coordinator, *upload.Guard) {
	t.Helper()

	log := events.New(64)
	tokens, err := token.New("test-secret", store.NewMemory(), log)
	require.NoError(t, err)

	rules, err := validation.NewRuleSet(nil)
	require.NoError(t, err)

	inspector := upload.New(log)
	coord, err := guard.New(guard.Deps{
		Tokens:    tokens,
		Validator: validation.NewEngine(rules, log),
		Uploads:   inspector,
		Queries:   querygate.New([]string{"posts"}, log),
		Headers:   headerpolicy.NewDefault(),
		Log:       log,
	}, "medium")
	require.NoError(t, err)
	return coord, inspector
}

func securityRouter(t *testing.T) (*gin.Engine, *guard.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	coord, _ := testDeps(t)
	h := NewSecurityHandler(coord)

	router := gin.New()
	router.GET("/security/status", h.GetStatus)
	router.GET("/security/events", h.GetEvents)
	router.GET("/security/settings", h.GetSettings)
	router.PUT("/security/settings", h.UpdateSettings)
	router.GET("/security/headers", h.GetHeaderPolicy)
	router.POST("/security/headers/csp", h.AddCSPDirective)
	router.DELETE("/security/headers/csp", h.RemoveCSPDirective)
	router.POST("/security/tokens", h.IssueToken)
	return router, coord
}

func TestGetStatus(t *testing.T) {
	router, _ := securityRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/security/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "medium", body["security_level"])
}

func TestUpdateSettings_RejectsBadLevel(t *testing.T) {
	router, _ := securityRouter(t)

	payload := `{"security_level":"paranoid"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/security/settings", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateSettings_AppliesLevel(t *testing.T) {
	router, coord := securityRouter(t)

	s := coord.Settings()
	s.SecurityLevel = "high"
	raw, err := json.Marshal(s)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/security/settings", bytes.NewBuffer(raw))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "high", coord.Settings().SecurityLevel)
}

func TestIssueToken(t *testing.T) {
	router, _ := securityRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/security/tokens", bytes.NewBufferString(`{"action":"edit-post"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["token"])
	assert.Equal(t, "edit-post", body["action"])
}

func TestIssueToken_MissingAction(t *testing.T) {
	router, _ := securityRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/security/tokens", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCSPDirectiveRoundTrip(t *testing.T) {
	router, coord := securityRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/security/headers/csp", bytes.NewBufferString(`{"directive":"worker-src 'none'"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, coord.Headers().Build(true)["Content-Security-Policy"], "worker-src 'none'")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/security/headers/csp", bytes.NewBufferString(`{"directive":"worker-src"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, coord.Headers().Build(true)["Content-Security-Policy"], "worker-src")
}

func TestGetEvents(t *testing.T) {
	router, coord := securityRouter(t)
	_, _ = coord.GuardQuery("1=1 --")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/security/events?limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Events []events.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Events)
	assert.Equal(t, "query.rejected", body.Events[0].Type)
}

func uploadRouter(t *testing.T, dir string) (*gin.Engine, *guard.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	coord, inspector := testDeps(t)
	// Exercise the pipeline without a rendered form in the loop.
	s := coord.Settings()
	s.TokensEnabled = false
	require.NoError(t, coord.UpdateSettings(s))

	h := NewUploadHandler(coord, inspector, dir)
	router := gin.New()
	router.POST("/uploads", h.Upload)
	return router, coord
}

// multipartFile builds a form body with an explicit part content type;
// CreateFormFile would declare application/octet-stream, which the guard
// rejects outright.
func multipartFile(t *testing.T, filename, declaredMIME string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", declaredMIME)
	fw, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, 8, 8), color.Palette{color.White, color.Black})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUpload_AcceptsImage(t *testing.T) {
	dir := t.TempDir()
	router, _ := uploadRouter(t, dir)

	body, contentType := multipartFile(t, "photo.png", "image/png", pngBytes(t))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["name"])

	_, err := os.Stat(filepath.Join(dir, resp["name"]))
	assert.NoError(t, err)
}

func TestUpload_RejectsDisguisedScript(t *testing.T) {
	dir := t.TempDir()
	router, _ := uploadRouter(t, dir)

	body, contentType := multipartFile(t, "photo.png", "image/png", []byte("<?php system($_GET['cmd']); ?>"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpload_MissingFile(t *testing.T) {
	router, _ := uploadRouter(t, t.TempDir())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/uploads", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", HealthHandler)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}
