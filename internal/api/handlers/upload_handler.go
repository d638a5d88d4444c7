package handlers

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/inkwellhq/aegis/internal/api/middleware"
	"github.com/inkwellhq/aegis/internal/guard"
	"github.com/inkwellhq/aegis/internal/upload"
)

// UploadHandler drives multipart intake through the coordinator and the
// upload guard before anything lands in the media directory.
type UploadHandler struct {
	guard     *guard.Coordinator
	inspector *upload.Guard
	dir       string
}

// NewUploadHandler creates a new UploadHandler storing accepted files
// under dir.
func NewUploadHandler(g *guard.Coordinator, inspector *upload.Guard, dir string) *UploadHandler {
	return &UploadHandler{guard: g, inspector: inspector, dir: dir}
}

// Upload spools the multipart file, clears it through the coordinator and
// moves it to permanent storage under a sanitized name. A post-store
// recheck removes anything that changed between spool and store.
func (h *UploadHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	tmp, err := os.CreateTemp("", "aegis-upload-*")
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("upload spool failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := c.SaveUploadedFile(file, tmpPath); err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("upload spool failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}

	res := h.guard.Protect(c.Request.Context(), guard.SurfaceUpload, guard.Request{
		Token:   c.PostForm("token"),
		Action:  c.PostForm("action"),
		Context: middleware.RequestContext(c),
		Upload: &upload.Candidate{
			DeclaredName: file.Filename,
			DeclaredMIME: file.Header.Get("Content-Type"),
			Size:         file.Size,
			TempPath:     tmpPath,
		},
	})
	if res.Err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "upload rejected"})
		return
	}

	name := res.SafeUploadName
	if name == "" {
		// inspection disabled in settings; the stored name still gets rewritten
		name = upload.SafeName(file.Filename)
	}
	dest := filepath.Join(h.dir, name)
	if err := os.Rename(tmpPath, dest); err != nil {
		// cross-device temp dirs fall back to copy via SaveUploadedFile
		if err := c.SaveUploadedFile(file, dest); err != nil {
			middleware.GetRequestLogger(c).WithError(err).Error("upload store failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
			return
		}
	}

	if err := h.inspector.Recheck(dest, file.Header.Get("Content-Type")); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "upload rejected"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"name": name})
}
