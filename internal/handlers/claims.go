package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"proofofart/internal/middleware"
	"proofofart/internal/models"
)

type claimResponse struct {
	ID           string             `json:"id"`
	ArtworkID    string             `json:"artworkId"`
	RequesterID  string             `json:"requesterId"`
	Reason       *string            `json:"reason,omitempty"`
	Status       models.ClaimStatus `json:"status"`
	ReviewedByID *string            `json:"reviewedById,omitempty"`
	ReviewedAt   *time.Time         `json:"reviewedAt,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
}

func newClaimResponse(c models.ArtworkClaim) claimResponse {
	return claimResponse{
		ID:           c.ID,
		ArtworkID:    c.ArtworkID,
		RequesterID:  c.RequesterID,
		Reason:       c.Reason,
		Status:       c.Status,
		ReviewedByID: c.ReviewedByID,
		ReviewedAt:   c.ReviewedAt,
		CreatedAt:    c.CreatedAt,
	}
}

func claimList(claims []models.ArtworkClaim) gin.H {
	items := make([]claimResponse, 0, len(claims))
	for _, claim := range claims {
		items = append(items, newClaimResponse(claim))
	}
	return gin.H{"items": items}
}

type createClaimRequest struct {
	Reason *string `json:"reason"`
}

func (h HandlerSet) CreateClaim(c *gin.Context) {
	var req createClaimRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid_payload", "request body must be JSON")
			return
		}
	}

	user, _ := middleware.CurrentUser(c)
	claim, err := h.deps.Claims.CreateClaim(c.Request.Context(), user.ID, c.Param("id"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newClaimResponse(claim))
}

func (h HandlerSet) ListArtworkClaims(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	claims, err := h.deps.Claims.ListForArtwork(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claimList(claims))
}

func (h HandlerSet) ListMyClaims(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	claims, err := h.deps.Claims.ListMine(c.Request.Context(), user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claimList(claims))
}

func (h HandlerSet) ApproveClaim(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	transfer, err := h.deps.Claims.Approve(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.ClaimApproved, "transfer": newTransferResponse(transfer)})
}

func (h HandlerSet) RejectClaim(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	if err := h.deps.Claims.Reject(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.ClaimRejected})
}
