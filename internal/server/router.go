package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/coursegraph/coursegraph-backend/internal/handlers"
	"github.com/coursegraph/coursegraph-backend/internal/middleware"
	"github.com/coursegraph/coursegraph-backend/internal/platform/envutil"
)

type RouterConfig struct {
	TreeHandler       *handlers.TreeHandler
	GenerationHandler *handlers.GenerationHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := strings.Split(envutil.String("CORS_ALLOW_ORIGINS", "http://localhost:3000"), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Tenant-ID", "X-Request-ID"},
		AllowCredentials: true,
	}))
	router.Use(middleware.RequestTrace())

	router.GET("/healthcheck", handlers.HealthCheck)

	// Auth and tenancy live at the gateway; it forwards the tenant in
	// X-Tenant-ID.
	api := router.Group("/api")
	{
		api.GET("/courses/:course_id/tree", cfg.TreeHandler.GetTree)
		api.POST("/courses/:course_id/nodes", cfg.TreeHandler.CreateNode)
		api.POST("/courses/:course_id/generate", cfg.GenerationHandler.TriggerGeneration)

		api.POST("/nodes/:id/entries", cfg.TreeHandler.CreateEntry)
		api.POST("/nodes/:id/move", cfg.TreeHandler.MoveNode)
		api.POST("/nodes/:id/reorder", cfg.TreeHandler.ReorderNode)
		api.DELETE("/nodes/:id", cfg.TreeHandler.DeleteNode)

		api.GET("/jobs/:id", cfg.GenerationHandler.GetJob)
		api.POST("/jobs/:id/retry", cfg.GenerationHandler.RetryJob)
		api.POST("/entries/:id/retry", cfg.GenerationHandler.RetryEntry)
		api.GET("/snapshots/:id", cfg.GenerationHandler.GetSnapshot)
	}

	return router
}
