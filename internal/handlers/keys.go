package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"proofofart/internal/middleware"
	"proofofart/internal/models"
)

type keyResponse struct {
	Kid          string              `json:"kid"`
	PublicKeyPEM string              `json:"publicKeyPem"`
	OwnerType    models.KeyOwnerType `json:"ownerType"`
	OwnerID      *string             `json:"ownerId,omitempty"`
	Revoked      bool                `json:"revoked"`
	RevokedAt    *time.Time          `json:"revokedAt,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
}

func newKeyResponse(k models.KeyRecord) keyResponse {
	return keyResponse{
		Kid:          k.Kid,
		PublicKeyPEM: k.PublicKeyPEM,
		OwnerType:    k.OwnerType,
		OwnerID:      k.OwnerID,
		Revoked:      k.Revoked,
		RevokedAt:    k.RevokedAt,
		CreatedAt:    k.CreatedAt,
	}
}

type registerKeyRequest struct {
	Kid          string `json:"kid" binding:"required"`
	PublicKeyPEM string `json:"publicKeyPem" binding:"required"`
}

func (h HandlerSet) RegisterKey(c *gin.Context) {
	var req registerKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_payload", "kid and publicKeyPem are required")
		return
	}

	user, _ := middleware.CurrentUser(c)
	record, err := h.deps.Keys.RegisterArtistKey(c.Request.Context(), user.ID, req.Kid, req.PublicKeyPEM)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newKeyResponse(record))
}

func (h HandlerSet) ListMyKeys(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	records, err := h.deps.Keys.ListMine(c.Request.Context(), user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := make([]keyResponse, 0, len(records))
	for _, r := range records {
		items = append(items, newKeyResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h HandlerSet) GetKey(c *gin.Context) {
	record, err := h.deps.Keys.Get(c.Request.Context(), c.Param("kid"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newKeyResponse(record))
}

func (h HandlerSet) RevokeKey(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	if err := h.deps.Keys.Revoke(c.Request.Context(), user.ID, c.Param("kid")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
