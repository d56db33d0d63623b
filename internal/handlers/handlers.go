package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"proofofart/internal/middleware"
	"proofofart/internal/models"
	"proofofart/internal/queue"
	"proofofart/internal/service"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type QueueStats interface {
	Counts(ctx context.Context) (map[queue.JobState]int64, error)
}

type ImageStats interface {
	CountByStatus(ctx context.Context) (map[models.ImageStatus]int64, error)
}

type Deps struct {
	Uploads       *service.UploadService
	Status        *service.StatusReporter
	Proofs        *service.ProofService
	Claims        *service.ClaimService
	Keys          *service.KeyService
	Notifications *service.NotificationService
	Users         middleware.UserLookup
	Queue         QueueStats
	Images        ImageStats
	Checks        map[string]HealthCheck
	JWTSecret     string
	Environment   string
}

type HandlerSet struct {
	log  zerolog.Logger
	deps Deps
}

func NewHandlerSet(log zerolog.Logger, deps Deps) HandlerSet {
	return HandlerSet{log: log, deps: deps}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	auth := middleware.Auth(h.deps.JWTSecret, h.deps.Users)
	optionalAuth := middleware.OptionalAuth(h.deps.JWTSecret, h.deps.Users)

	v1 := router.Group("/v1")
	{
		v1.POST("/images", optionalAuth, h.UploadImage)
		v1.GET("/images/:id/status", h.ImageStatus)
		v1.GET("/images/:id/events", h.ImageEvents)

		v1.POST("/verify", h.VerifyFile)
		v1.GET("/artworks/:id/verify", h.VerifyArtwork)
		v1.GET("/artworks/:id/history", h.OwnershipHistory)
		v1.GET("/keys/:kid", h.GetKey)
	}

	protected := v1.Group("")
	protected.Use(auth)
	{
		protected.GET("/artworks", h.ListArtworks)
		protected.GET("/images/:id/artwork", h.GetImageArtwork)
		protected.GET("/artworks/:id", h.GetArtwork)
		protected.GET("/artworks/:id/download", h.DownloadArtwork)
		protected.POST("/artworks/:id/claims", h.CreateClaim)
		protected.GET("/artworks/:id/claims", h.ListArtworkClaims)

		protected.GET("/claims", h.ListMyClaims)
		protected.POST("/claims/:id/approve", h.ApproveClaim)
		protected.POST("/claims/:id/reject", h.RejectClaim)

		protected.POST("/keys", h.RegisterKey)
		protected.GET("/keys", h.ListMyKeys)
		protected.DELETE("/keys/:kid", h.RevokeKey)

		protected.GET("/notifications", h.ListNotifications)
		protected.GET("/notifications/unread-count", h.UnreadNotificationCount)
		protected.DELETE("/notifications/:id", h.DeleteNotification)
		protected.POST("/notifications/:id/read", h.MarkNotificationRead)
		protected.POST("/notifications/read-all", h.MarkAllNotificationsRead)
	}

	admin := v1.Group("/admin")
	admin.Use(
		auth,
		middleware.RequireRoles(models.UserRoleAdmin, models.UserRoleSuperAdmin),
	)
	admin.GET("/stats", h.AdminStats)
	admin.POST("/artworks/:id/transfer", h.AdminTransfer)
}
