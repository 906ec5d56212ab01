package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handlers bundles everything the router needs.
type Handlers struct {
	Auth      *AuthHandler
	Transfer  *TransferHandler
	Model     *ModelHandler
	Node      *NodeHandler
	Resource  *ResourceHandler
	Health    *HealthHandler
	JWTSecret string

	// NodeAPIKeyHash resolves a peer ID to its stored API key hash.
	NodeAPIKeyHash func(peerID string) (string, error)
}

// NewRouter builds the admin node HTTP API.
func NewRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := router.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", h.Auth.Register)
			auth.POST("/login", h.Auth.Login)
		}

		nodes := api.Group("/nodes")
		{
			nodes.POST("/register", h.Node.Register)
			nodes.GET("", JWTMiddleware(h.JWTSecret), h.Node.ListNodes)
			nodes.POST("/heartbeat", NodeAuthMiddleware(h.NodeAPIKeyHash), h.Node.Heartbeat)
			nodes.GET("/sessions/:id/key", NodeAuthMiddleware(h.NodeAPIKeyHash), h.Transfer.SessionKey)
		}

		models := api.Group("/models")
		models.Use(JWTMiddleware(h.JWTSecret))
		{
			models.GET("", h.Model.ListModels)
			models.GET("/:id/manifest", h.Model.GetManifest)
			models.POST("/export", h.Model.ExportModel)
		}

		transfers := api.Group("/transfers")
		transfers.Use(JWTMiddleware(h.JWTSecret))
		{
			transfers.POST("", h.Transfer.StartTransfer)
			transfers.GET("/:id/progress", h.Transfer.GetProgress)
			transfers.POST("/:id/pause", h.Transfer.PauseTransfer)
			transfers.POST("/:id/resume", h.Transfer.ResumeTransfer)
			transfers.POST("/:id/cancel", h.Transfer.CancelTransfer)
		}

		resources := api.Group("/resources")
		resources.Use(JWTMiddleware(h.JWTSecret))
		{
			resources.POST("/request", h.Resource.RequestResources)
			resources.DELETE("/allocations/:id", h.Resource.ReleaseResources)
			resources.GET("/utilization", h.Resource.GetUtilization)
		}

		system := api.Group("/system")
		system.Use(JWTMiddleware(h.JWTSecret))
		{
			system.GET("/health", h.Health.Overall)
			system.GET("/health/:id", h.Health.GetEntity)
			system.GET("/notifications", h.Health.ListNotifications)
			system.POST("/notifications/:id/acknowledge", h.Health.AcknowledgeNotification)
			system.GET("/failover/events", h.Health.ListFailoverEvents)
			system.POST("/backups", h.Health.RegisterBackup)
			system.GET("/backups", h.Health.ListBackups)
			system.POST("/degradation", h.Health.SetDegradation)
		}
	}

	return router
}
