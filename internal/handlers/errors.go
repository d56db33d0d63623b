package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"proofofart/internal/apperr"
	"proofofart/internal/middleware"
)

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperr.ErrExternal):
		return http.StatusBadGateway, "upstream_unavailable"
	}
	return http.StatusInternalServerError, "internal_server_error"
}

// writeError renders err without leaking internals. Server side failures are
// logged with the request id.
func (h HandlerSet) writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", c.Request.URL.Path).
			Str("request_id", middleware.RequestIDFrom(c)).
			Msg("request failed")
		if status == http.StatusInternalServerError {
			c.AbortWithStatusJSON(status, gin.H{"error": code})
			return
		}
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": apperr.PublicMessage(err)})
}

func badRequest(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}
