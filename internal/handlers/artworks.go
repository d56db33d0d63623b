package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"proofofart/internal/middleware"
	"proofofart/internal/models"
	"proofofart/internal/service"
)

type artworkResponse struct {
	ID                 string          `json:"id"`
	ImageID            string          `json:"imageId"`
	OriginalUploaderID string          `json:"originalUploaderId"`
	CurrentOwnerID     string          `json:"currentOwnerId"`
	EmbeddedProof      json.RawMessage `json:"embeddedProof,omitempty"`
	ProofMetadata      json.RawMessage `json:"proofMetadata,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

func newArtworkResponse(a models.Artwork) artworkResponse {
	return artworkResponse{
		ID:                 a.ID,
		ImageID:            a.ImageID,
		OriginalUploaderID: a.OriginalUploaderID,
		CurrentOwnerID:     a.CurrentOwnerID,
		EmbeddedProof:      a.EmbeddedProof,
		ProofMetadata:      a.ProofMetadata,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

type transferResponse struct {
	ID              string              `json:"id"`
	ArtworkID       string              `json:"artworkId"`
	PreviousOwnerID *string             `json:"previousOwnerId"`
	NewOwnerID      string              `json:"newOwnerId"`
	TransferType    models.TransferType `json:"transferType"`
	ClaimID         *string             `json:"claimId,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
}

func newTransferResponse(t models.OwnershipTransfer) transferResponse {
	return transferResponse{
		ID:              t.ID,
		ArtworkID:       t.ArtworkID,
		PreviousOwnerID: t.PreviousOwnerID,
		NewOwnerID:      t.NewOwnerID,
		TransferType:    t.TransferType,
		ClaimID:         t.ClaimID,
		CreatedAt:       t.CreatedAt,
	}
}

func (h HandlerSet) GetArtwork(c *gin.Context) {
	artwork, err := h.deps.Claims.Artwork(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newArtworkResponse(artwork))
}

func (h HandlerSet) OwnershipHistory(c *gin.Context) {
	ledger, err := h.deps.Claims.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := make([]transferResponse, 0, len(ledger))
	for _, row := range ledger {
		items = append(items, newTransferResponse(row))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ListArtworks serves the caller's gallery. filter is all, uploaded or
// claimed; limit and offset page through it.
func (h HandlerSet) ListArtworks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	filter := service.GalleryFilter(c.DefaultQuery("filter", string(service.GalleryOwned)))

	user, _ := middleware.CurrentUser(c)
	list, err := h.deps.Claims.Gallery(c.Request.Context(), user.ID, filter, limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := make([]artworkResponse, 0, len(list))
	for _, a := range list {
		items = append(items, newArtworkResponse(a))
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"count":  len(items),
		"filter": filter,
		"offset": offset,
	})
}

func (h HandlerSet) GetImageArtwork(c *gin.Context) {
	artwork, err := h.deps.Claims.ArtworkForImage(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newArtworkResponse(artwork))
}
