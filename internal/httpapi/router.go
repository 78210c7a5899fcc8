package httpapi

import (
	"github.com/gin-gonic/gin"
)

type RouterConfig struct {
	AdminAPIKey string
}

// SetupRoutes wires the health check and admin surface onto router.
// otelgin/recovery/logging middleware are installed by the caller
// (cmd/server), mirroring the order the teacher's server composes them.
func SetupRoutes(router *gin.Engine, admin *AdminHandler, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	adminGroup := router.Group("/admin")
	adminGroup.Use(RequireAdminAPIKey(cfg.AdminAPIKey))
	{
		adminGroup.GET("/requests/due", admin.ListDue)
		adminGroup.GET("/requests/:id", admin.GetRequest)
		adminGroup.POST("/discover/tick", admin.DiscoverTick)
		adminGroup.POST("/schedule/tick", admin.ScheduleTick)
		adminGroup.GET("/schema/:eventType", admin.SchemaForEventType)
	}
}
