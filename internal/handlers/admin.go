package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"proofofart/internal/middleware"
)

func (h HandlerSet) AdminStats(c *gin.Context) {
	ctx := c.Request.Context()

	jobs, err := h.deps.Queue.Counts(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	images, err := h.deps.Images.CountByStatus(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"images": images,
	})
}

type transferRequest struct {
	NewOwnerID string `json:"newOwnerId" binding:"required"`
}

func (h HandlerSet) AdminTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_payload", "newOwnerId is required")
		return
	}

	admin, _ := middleware.CurrentUser(c)
	transfer, err := h.deps.Claims.AdminTransfer(c.Request.Context(), admin.ID, c.Param("id"), req.NewOwnerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTransferResponse(transfer))
}
