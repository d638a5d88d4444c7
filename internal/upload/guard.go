package upload

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/inkwellhq/aegis/internal/events"
	"github.com/inkwellhq/aegis/internal/metrics"
)

// ErrRejected is returned whenever a candidate fails any pipeline stage.
// The failing stage is carried in the Result and the event log, not in the
// error.
var ErrRejected = errors.New("upload rejected")

// Pipeline stages, in evaluation order. The pipeline is terminal on the
// first rejection.
const (
	StageSize        = "size"
	StageExtension   = "extension"
	StageDeclared    = "declared-type"
	StageConsistency = "type-consistency"
	StageContent     = "content-verification"
	StagePattern     = "pattern-scan"
)

const (
	// headerBytes is how much of the file content verification reads.
	headerBytes = 64 * 1024
	// scanBytes is how much of the prefix the malicious-pattern scan covers.
	scanBytes = 4 * 1024

	defaultMaxBytes  = int64(10 << 20)
	defaultMaxPixels = 10000
)

// dangerousExtensions are rejected outright: executables, script
// interpreters, server config files, and archive formats known to smuggle
// executables.
var dangerousExtensions = map[string]struct{}{
	"php": {}, "php3": {}, "php4": {}, "php5": {}, "php7": {}, "phtml": {},
	"exe": {}, "com": {}, "bat": {}, "cmd": {}, "msi": {}, "scr": {}, "dll": {}, "so": {},
	"sh": {}, "bash": {}, "zsh": {}, "pl": {}, "py": {}, "rb": {}, "cgi": {},
	"asp": {}, "aspx": {}, "jsp": {}, "js": {}, "mjs": {}, "vbs": {}, "ps1": {},
	"htaccess": {}, "htpasswd": {}, "ini": {}, "conf": {},
	"jar": {}, "war": {}, "zip": {}, "rar": {}, "7z": {}, "tar": {}, "gz": {}, "tgz": {},
}

// defaultAllowedTypes maps permitted declared MIME types to the file
// extensions registered for them.
var defaultAllowedTypes = map[string][]string{
	"image/jpeg":      {"jpg", "jpeg"},
	"image/png":       {"png"},
	"image/gif":       {"gif"},
	"image/webp":      {"webp"},
	"application/pdf": {"pdf"},
	"text/plain":      {"txt", "md"},
	"text/csv":        {"csv"},
}

// allowedImageFormats are the sniffed formats accepted for image uploads.
var allowedImageFormats = map[string]struct{}{
	"image/jpeg": {}, "image/png": {}, "image/gif": {}, "image/webp": {},
}

var scanPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)<\?php`),
	regexp.MustCompile(`(?i)<\?=`),
	regexp.MustCompile(`(?i)\b(eval|base64_decode|shell_exec|passthru|system|exec|assert)\s*\(`),
	regexp.MustCompile(`(?i)data:text/html\s*;\s*base64`),
	regexp.MustCompile(`^#!`),
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Candidate describes a file awaiting inspection. TempPath points at the
// spooled upload; rejected candidates never leave it.
type Candidate struct {
	DeclaredName string
	DeclaredMIME string
	Size         int64
	TempPath     string
}

// Result reports the pipeline outcome. Stage names the rejecting stage
// when OK is false; SafeName carries the storage-safe filename when OK.
type Result struct {
	OK       bool
	Stage    string
	SafeName string
}

// Guard runs upload candidates through the acceptance pipeline.
type Guard struct {
	maxBytes     int64
	maxPixels    int
	allowedTypes map[string][]string
	rec          events.Recorder
}

// Option configures a Guard.
type Option func(*Guard)

// WithMaxBytes overrides the size ceiling.
func WithMaxBytes(n int64) Option {
	return func(g *Guard) { g.maxBytes = n }
}

// WithMaxPixels overrides the per-dimension image ceiling.
func WithMaxPixels(n int) Option {
	return func(g *Guard) { g.maxPixels = n }
}

// WithAllowedTypes replaces the declared MIME→extensions table.
func WithAllowedTypes(table map[string][]string) Option {
	return func(g *Guard) { g.allowedTypes = table }
}

// New builds a Guard with the default acceptance tables.
func New(rec events.Recorder, opts ...Option) *Guard {
	g := &Guard{
		maxBytes:     defaultMaxBytes,
		maxPixels:    defaultMaxPixels,
		allowedTypes: defaultAllowedTypes,
		rec:          rec,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Inspect runs the candidate through every stage and, on acceptance,
// returns the safe storage name. The pipeline is terminal on the first
// rejection and every rejection is recorded with its stage.
func (g *Guard) Inspect(c Candidate) (Result, error) {
	if stage := g.checkStatic(c); stage != "" {
		return g.rejectResult(c, stage)
	}

	header, err := readHeader(c.TempPath, headerBytes)
	if err != nil {
		return g.rejectResult(c, StageContent)
	}
	if stage := g.checkContent(c, header); stage != "" {
		return g.rejectResult(c, stage)
	}

	return Result{OK: true, SafeName: SafeName(c.DeclaredName)}, nil
}

// Recheck re-validates content after the file has landed in permanent
// storage and deletes it when the post-write check fails. Defense in depth
// against write races.
func (g *Guard) Recheck(path, declaredMIME string) error {
	header, err := readHeader(path, headerBytes)
	if err != nil {
		return fmt.Errorf("recheck %s: %w", filepath.Base(path), err)
	}

	c := Candidate{DeclaredName: filepath.Base(path), DeclaredMIME: declaredMIME, TempPath: path}
	if stage := g.checkContent(c, header); stage != "" {
		_ = os.Remove(path)
		_, err := g.rejectResult(c, stage)
		return err
	}
	return nil
}

// checkStatic covers the stages that need no file content.
func (g *Guard) checkStatic(c Candidate) string {
	if c.Size <= 0 || c.Size > g.maxBytes {
		return StageSize
	}

	ext := extension(c.DeclaredName)
	if ext == "" {
		return StageExtension
	}
	if _, bad := dangerousExtensions[ext]; bad {
		return StageExtension
	}

	registered, ok := g.allowedTypes[c.DeclaredMIME]
	if !ok {
		return StageDeclared
	}

	match := false
	for _, allowed := range registered {
		if ext == allowed {
			match = true
			break
		}
	}
	if !match {
		return StageConsistency
	}
	return ""
}

// checkContent covers the sniffing and pattern stages.
func (g *Guard) checkContent(c Candidate, header []byte) string {
	sniffed := mimetype.Detect(header)

	if strings.HasPrefix(c.DeclaredMIME, "image/") {
		if _, ok := allowedImageFormats[sniffed.String()]; !ok {
			return StageContent
		}
		if !sniffed.Is(c.DeclaredMIME) {
			return StageContent
		}
		// webp is not in the stdlib decoders; bounds are enforced for
		// the formats image.DecodeConfig understands.
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(header)); err == nil {
			if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > g.maxPixels || cfg.Height > g.maxPixels {
				return StageContent
			}
		}
	} else {
		if !sniffed.Is(c.DeclaredMIME) && !mimeCompatible(sniffed, c.DeclaredMIME) {
			return StageContent
		}
	}

	scan := header
	if len(scan) > scanBytes {
		scan = scan[:scanBytes]
	}
	for _, pattern := range scanPatterns {
		if pattern.Match(scan) {
			return StagePattern
		}
	}
	return ""
}

func (g *Guard) rejectResult(c Candidate, stage string) (Result, error) {
	metrics.IncUploadRejected(stage)
	if g.rec != nil {
		g.rec.Record(events.Event{
			Type:     "upload.rejected",
			Severity: events.SeverityHigh,
			Details: map[string]string{
				"stage":    stage,
				"filename": c.DeclaredName,
				"declared": c.DeclaredMIME,
			},
		})
	}
	return Result{OK: false, Stage: stage}, ErrRejected
}

// SafeName strips unsafe characters from the filename and appends a random
// suffix before the extension.
func SafeName(name string) string {
	ext := extension(name)
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	base = unsafeNameChars.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-.")
	if base == "" {
		base = "upload"
	}
	suffix := strings.Split(uuid.NewString(), "-")[0]
	if ext == "" {
		return base + "-" + suffix
	}
	return base + "-" + suffix + "." + ext
}

// mimeCompatible tolerates text supersets: CSV and markdown sniff as
// text/plain.
func mimeCompatible(sniffed *mimetype.MIME, declared string) bool {
	if !strings.HasPrefix(declared, "text/") {
		return false
	}
	for m := sniffed; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func readHeader(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}
