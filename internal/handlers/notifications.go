package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"proofofart/internal/middleware"
	"proofofart/internal/models"
)

type notificationResponse struct {
	ID        string                  `json:"id"`
	Type      models.NotificationType `json:"type"`
	Title     string                  `json:"title"`
	Message   string                  `json:"message"`
	ArtworkID *string                 `json:"artworkId,omitempty"`
	ClaimID   *string                 `json:"claimId,omitempty"`
	Read      bool                    `json:"read"`
	CreatedAt time.Time               `json:"createdAt"`
}

func (h HandlerSet) ListNotifications(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	unread := c.Query("unread") == "true"

	user, _ := middleware.CurrentUser(c)
	list, err := h.deps.Notifications.List(c.Request.Context(), user.ID, unread, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		items = append(items, notificationResponse{
			ID:        n.ID,
			Type:      n.Type,
			Title:     n.Title,
			Message:   n.Message,
			ArtworkID: n.ArtworkID,
			ClaimID:   n.ClaimID,
			Read:      n.Read,
			CreatedAt: n.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h HandlerSet) MarkNotificationRead(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	if err := h.deps.Notifications.MarkRead(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) MarkAllNotificationsRead(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	n, err := h.deps.Notifications.MarkAllRead(c.Request.Context(), user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func (h HandlerSet) UnreadNotificationCount(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	n, err := h.deps.Notifications.UnreadCount(c.Request.Context(), user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

func (h HandlerSet) DeleteNotification(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	if err := h.deps.Notifications.Delete(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
