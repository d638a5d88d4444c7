package upload

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwellhq/aegis/internal/events"
)

func writeTemp(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func gifBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{color.White, color.Black})
	require.NoError(t, gif.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestInspect_AcceptsValidPNG(t *testing.T) {
	g := New(nil)
	content := pngBytes(t, 8, 8)

	res, err := g.Inspect(Candidate{
		DeclaredName: "poster.png",
		DeclaredMIME: "image/png",
		Size:         int64(len(content)),
		TempPath:     writeTemp(t, "poster.png", content),
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, strings.HasPrefix(res.SafeName, "poster-"))
	assert.True(t, strings.HasSuffix(res.SafeName, ".png"))
}

func TestInspect_SizeStage(t *testing.T) {
	g := New(nil, WithMaxBytes(10))

	res, err := g.Inspect(Candidate{DeclaredName: "a.png", DeclaredMIME: "image/png", Size: 0})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StageSize, res.Stage)

	res, _ = g.Inspect(Candidate{DeclaredName: "a.png", DeclaredMIME: "image/png", Size: 11})
	assert.Equal(t, StageSize, res.Stage)
}

func TestInspect_DangerousExtensionStage(t *testing.T) {
	g := New(nil)

	for _, name := range []string{"shell.php", "run.exe", "script.sh", "bundle.zip", "conf.htaccess", "noext"} {
		res, err := g.Inspect(Candidate{DeclaredName: name, DeclaredMIME: "image/png", Size: 100})
		assert.ErrorIs(t, err, ErrRejected, "name %q", name)
		assert.Equal(t, StageExtension, res.Stage, "name %q", name)
	}
}

func TestInspect_DeclaredTypeStage(t *testing.T) {
	g := New(nil)

	res, err := g.Inspect(Candidate{DeclaredName: "a.svg", DeclaredMIME: "image/svg+xml", Size: 100})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StageDeclared, res.Stage)
}

func TestInspect_ConsistencyStage(t *testing.T) {
	g := New(nil)

	// png extension declared as jpeg: extension not registered for the type.
	res, err := g.Inspect(Candidate{DeclaredName: "a.png", DeclaredMIME: "image/jpeg", Size: 100})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StageConsistency, res.Stage)
}

func TestInspect_ContentStage_SniffMismatch(t *testing.T) {
	g := New(nil)
	content := gifBytes(t)

	// Named and declared png, bytes are a GIF.
	res, err := g.Inspect(Candidate{
		DeclaredName: "poster.png",
		DeclaredMIME: "image/png",
		Size:         int64(len(content)),
		TempPath:     writeTemp(t, "poster.png", content),
	})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StageContent, res.Stage)
}

func TestInspect_ContentStage_DisguisedScript(t *testing.T) {
	g := New(nil)
	content := []byte("<?php system($_GET['cmd']); ?>")

	res, err := g.Inspect(Candidate{
		DeclaredName: "photo.jpg",
		DeclaredMIME: "image/jpeg",
		Size:         int64(len(content)),
		TempPath:     writeTemp(t, "photo.jpg", content),
	})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StageContent, res.Stage)
}

func TestInspect_ContentStage_OversizedImage(t *testing.T) {
	g := New(nil, WithMaxPixels(16))
	content := pngBytes(t, 32, 8)

	res, err := g.Inspect(Candidate{
		DeclaredName: "wide.png",
		DeclaredMIME: "image/png",
		Size:         int64(len(content)),
		TempPath:     writeTemp(t, "wide.png", content),
	})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StageContent, res.Stage)
}

func TestInspect_PatternStage(t *testing.T) {
	g := New(nil)
	content := []byte("plain text first\n<script>fetch('/steal')</script>\nmore text")

	res, err := g.Inspect(Candidate{
		DeclaredName: "notes.txt",
		DeclaredMIME: "text/plain",
		Size:         int64(len(content)),
		TempPath:     writeTemp(t, "notes.txt", content),
	})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StagePattern, res.Stage)
}

func TestInspect_ShebangRejected(t *testing.T) {
	g := New(nil)
	content := []byte("#!/bin/sh\nrm -rf /\n")

	res, err := g.Inspect(Candidate{
		DeclaredName: "notes.txt",
		DeclaredMIME: "text/plain",
		Size:         int64(len(content)),
		TempPath:     writeTemp(t, "notes.txt", content),
	})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StagePattern, res.Stage)
}

func TestInspect_AcceptsPlainText(t *testing.T) {
	g := New(nil)
	content := []byte("just some harmless notes\nwith two lines\n")

	res, err := g.Inspect(Candidate{
		DeclaredName: "notes.txt",
		DeclaredMIME: "text/plain",
		Size:         int64(len(content)),
		TempPath:     writeTemp(t, "notes.txt", content),
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestInspect_RejectionRecordsEvent(t *testing.T) {
	log := events.New(4)
	g := New(log)

	_, err := g.Inspect(Candidate{DeclaredName: "evil.php", DeclaredMIME: "text/plain", Size: 10})
	assert.Error(t, err)

	recent := log.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "upload.rejected", recent[0].Type)
	assert.Equal(t, events.SeverityHigh, recent[0].Severity)
	assert.Equal(t, StageExtension, recent[0].Details["stage"])
}

func TestRecheck_DeletesTamperedFile(t *testing.T) {
	g := New(nil)

	// File mutated after acceptance: the post-store pass removes it.
	path := writeTemp(t, "stored.txt", []byte("<script>alert(1)</script>"))
	err := g.Recheck(path, "text/plain")
	assert.ErrorIs(t, err, ErrRejected)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRecheck_KeepsCleanFile(t *testing.T) {
	g := New(nil)

	path := writeTemp(t, "stored.txt", []byte("still harmless"))
	assert.NoError(t, g.Recheck(path, "text/plain"))

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestSafeName(t *testing.T) {
	name := SafeName("../we ird$$name!!.png")
	assert.True(t, strings.HasSuffix(name, ".png"))
	assert.NotContains(t, name, " ")
	assert.NotContains(t, name, "$")
	assert.NotContains(t, name, "/")

	// Random suffix keeps two uploads of the same name distinct.
	assert.NotEqual(t, SafeName("a.png"), SafeName("a.png"))

	assert.NotEmpty(t, SafeName("..."))
}
