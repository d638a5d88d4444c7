package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/inkwellhq/aegis/internal/config"
	"github.com/inkwellhq/aegis/internal/database"
	"github.com/inkwellhq/aegis/internal/events"
	"github.com/inkwellhq/aegis/internal/guard"
	"github.com/inkwellhq/aegis/internal/headerpolicy"
	"github.com/inkwellhq/aegis/internal/logger"
	"github.com/inkwellhq/aegis/internal/metrics"
	"github.com/inkwellhq/aegis/internal/querygate"
	"github.com/inkwellhq/aegis/internal/sanitizer"
	"github.com/inkwellhq/aegis/internal/server"
	"github.com/inkwellhq/aegis/internal/store"
	"github.com/inkwellhq/aegis/internal/token"
	"github.com/inkwellhq/aegis/internal/upload"
	"github.com/inkwellhq/aegis/internal/validation"
	"github.com/inkwellhq/aegis/internal/version"
)

func main() {
	logDir := filepath.Join("data", "logs")
	_ = os.MkdirAll(logDir, 0o755)

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "aegis.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	out := io.MultiWriter(os.Stdout, rotator)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.Init(cfg.Environment == "development", out)

	logger.WithFields(map[string]interface{}{
		"version": version.Full(),
		"level":   cfg.SecurityLevel,
	}).Info("starting " + version.Name)

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		logger.Log().WithError(err).Fatal("connect database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tokenStore store.Store
	if cfg.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rs, err := store.NewRedis(dialCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			logger.Log().WithError(err).Warn("redis unavailable, using in-memory token store")
			tokenStore = store.NewMemory()
		} else {
			defer rs.Close()
			tokenStore = rs
		}
	} else {
		tokenStore = store.NewMemory()
	}

	var logOpts []events.Option
	logOpts = append(logOpts, events.WithArchive(db))
	if cfg.AlertURLs != "" {
		logOpts = append(logOpts, events.WithAlerts(strings.Split(cfg.AlertURLs, ",")))
	}
	eventLog := events.New(512, logOpts...)

	san := sanitizer.New(eventLog)

	rules, err := validation.NewRuleSet(contentRules())
	if err != nil {
		logger.Log().WithError(err).Fatal("build validation rules")
	}
	validator := validation.NewEngine(rules, eventLog,
		validation.WithPreSanitize(markupHook(san)),
	)

	tokens, err := token.New(cfg.SigningSecret, tokenStore, eventLog)
	if err != nil {
		logger.Log().WithError(err).Fatal("build token authority")
	}
	tokens.RegisterAction("content.save", 30*time.Minute, false)
	tokens.RegisterAction("comment.post", 10*time.Minute, true)
	tokens.RegisterAction("media.upload", 30*time.Minute, true)
	tokens.RegisterAction("settings.update", 15*time.Minute, true)

	inspector := upload.New(eventLog)
	queries := querygate.New([]string{"posts", "comments", "media", "tags"}, eventLog)

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	coord, err := guard.New(guard.Deps{
		DB:        db,
		Tokens:    tokens,
		Validator: validator,
		Uploads:   inspector,
		Queries:   queries,
		Headers:   headerpolicy.NewDefault(),
		Log:       eventLog,
	}, cfg.SecurityLevel)
	if err != nil {
		logger.Log().WithError(err).Fatal("build security coordinator")
	}

	if err := coord.StartSweeps("@every 10m"); err != nil {
		logger.Log().WithError(err).Fatal("start token sweeps")
	}
	defer coord.StopSweeps()

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		logger.Log().WithError(err).Fatal("ensure upload directory")
	}

	srv, err := server.New(cfg, coord, inspector, registry)
	if err != nil {
		logger.Log().WithError(err).Fatal("build server")
	}

	logger.WithFields(map[string]interface{}{"port": cfg.HTTPPort}).Info("listening")
	if err := srv.Run(ctx); err != nil {
		logger.Log().WithError(err).Fatal("server error")
	}
}

// contentRules declares the validation table for the editorial surfaces.
// Fields outside this table fall back to free-form string handling.
func contentRules() []validation.Rule {
	return []validation.Rule{
		{Field: "title", Kind: validation.KindString, Required: true, Length: validation.LengthConstraint{MinLength: 1, MaxLength: 200}},
		{Field: "slug", Kind: validation.KindString, Length: validation.LengthConstraint{MaxLength: 120}},
		{Field: "body", Kind: validation.KindText, Length: validation.LengthConstraint{MaxLength: 65535}},
		{Field: "summary", Kind: validation.KindText, Length: validation.LengthConstraint{MaxLength: 1024}},
		{Field: "author_email", Kind: validation.KindEmail},
		{Field: "canonical_url", Kind: validation.KindURL},
		{Field: "published_on", Kind: validation.KindDate},
		{Field: "status", Kind: validation.KindEnum, Allowed: []string{"draft", "review", "published", "archived"}},
	}
}

// markupHook runs the allow-list markup filter over the fields that carry
// markup before the per-type transform flattens them, so dangerous content
// is removed and reported even when the stored form is plain text.
func markupHook(san *sanitizer.Sanitizer) validation.Hook {
	markupFields := map[string]sanitizer.Profile{
		"body":    sanitizer.ProfileEditorial,
		"summary": sanitizer.ProfileEditorial,
		"comment": sanitizer.ProfileComment,
	}
	return func(field, value string) string {
		if profile, ok := markupFields[field]; ok {
			return san.FilterMarkup(value, profile)
		}
		return value
	}
}
