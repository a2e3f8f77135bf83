package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kurihiro0119/github-fork-cleaner/internal/auth"
)

// SetupRoutes sets up the API routes
func SetupRoutes(handler *Handler, authHandler *AuthHandler, sessions *auth.SessionManager, corsOrigins []string, logger logrus.FieldLogger) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(Recovery())
	router.Use(CORS(corsOrigins))
	router.Use(Logger(logger))

	// Health check
	router.GET("/health", handler.HealthCheck)

	requireSession := auth.RequireSession(sessions)

	// Sign-in
	authGroup := router.Group("/auth")
	{
		authGroup.GET("/login", authHandler.Login)
		authGroup.GET("/callback", authHandler.Callback)
		authGroup.POST("/logout", requireSession, authHandler.Logout)
	}

	// API v1
	v1 := router.Group("/api/v1")
	v1.Use(requireSession)
	{
		v1.GET("/me", authHandler.Me)
		v1.GET("/integration", handler.GetIntegration)

		repos := v1.Group("/repositories")
		{
			repos.GET("", handler.ListRepositories)
			repos.DELETE("/:owner/:name", handler.DeleteRepository)
		}

		batches := v1.Group("/batches")
		{
			batches.GET("", handler.ListBatches)
			batches.POST("", handler.StartBatch)
			batches.GET("/summary", handler.GetBatchSummary)
			batches.GET("/:id", handler.GetBatch)
			batches.GET("/:id/wait", handler.WaitBatch)
			batches.POST("/:id/cancel", handler.CancelBatch)
			batches.GET("/:id/events", handler.StreamBatch)
		}
	}

	return router
}
