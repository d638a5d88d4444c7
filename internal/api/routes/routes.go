package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkwellhq/aegis/internal/api/handlers"
	"github.com/inkwellhq/aegis/internal/api/middleware"
	"github.com/inkwellhq/aegis/internal/config"
	"github.com/inkwellhq/aegis/internal/guard"
	"github.com/inkwellhq/aegis/internal/upload"
)

// settingsAction gates the mutating admin endpoints; registered at startup.
const settingsAction = "settings.update"

// Register wires up API routes. Schema migration happens in
// database.Connect, before the coordinator loads its settings row.
func Register(router *gin.Engine, cfg config.Config, coord *guard.Coordinator, inspector *upload.Guard, registry *prometheus.Registry) error {
	router.GET("/api/v1/health", handlers.HealthHandler)
	if registry != nil {
		router.GET("/api/v1/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	api.Use(coord.Middleware())

	securityHandler := handlers.NewSecurityHandler(coord)
	api.GET("/security/status", securityHandler.GetStatus)
	api.GET("/security/events", securityHandler.GetEvents)
	api.GET("/security/settings", securityHandler.GetSettings)
	api.GET("/security/headers", securityHandler.GetHeaderPolicy)
	api.POST("/security/tokens", securityHandler.IssueToken)

	// Mutating admin endpoints clear the same protection path they manage.
	admin := api.Group("/security")
	admin.Use(middleware.Protected(coord, settingsAction))
	admin.PUT("/settings", securityHandler.UpdateSettings)
	admin.POST("/headers/csp", securityHandler.AddCSPDirective)
	admin.DELETE("/headers/csp", securityHandler.RemoveCSPDirective)

	uploadHandler := handlers.NewUploadHandler(coord, inspector, cfg.UploadDir)
	api.POST("/uploads", uploadHandler.Upload)

	return nil
}
