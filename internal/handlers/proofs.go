package handlers

import (
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"

	"proofofart/internal/middleware"
)

func (h HandlerSet) DownloadArtwork(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	result, err := h.deps.Proofs.Download(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
	c.Header("X-Proof-Signer", result.Attestation.SignerKid)
	c.Data(http.StatusOK, result.MIME, result.Data)
}

func (h HandlerSet) VerifyFile(c *gin.Context) {
	data, _, declared, ok := readFormFile(c)
	if !ok {
		return
	}
	result, err := h.deps.Proofs.VerifyEmbedded(c.Request.Context(), data, declared)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h HandlerSet) VerifyArtwork(c *gin.Context) {
	result, err := h.deps.Proofs.VerifyArtwork(c.Request.Context(), c.Param("id"), c.Query("hash"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
