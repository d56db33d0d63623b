package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"proofofart/internal/middleware"
	"proofofart/internal/models"
	"proofofart/internal/service"
)

const maxUploadBytes = 25 << 20

type imageResponse struct {
	ID          string    `json:"id"`
	ContentHash string    `json:"contentHash"`
	URL         string    `json:"url"`
	Filename    string    `json:"filename"`
	MimeType    string    `json:"mimeType"`
	SizeBytes   int64     `json:"sizeBytes"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

type uploadResponse struct {
	Image     imageResponse    `json:"image"`
	Artwork   *artworkResponse `json:"artwork,omitempty"`
	Duplicate bool             `json:"duplicate"`
	JobKey    string           `json:"jobKey"`
}

func newImageResponse(img models.Image) imageResponse {
	return imageResponse{
		ID:          img.ID,
		ContentHash: img.ContentHash,
		URL:         img.SourceURL,
		Filename:    img.Filename,
		MimeType:    img.MimeType,
		SizeBytes:   img.SizeBytes,
		Status:      string(img.Status),
		CreatedAt:   img.CreatedAt,
	}
}

func (h HandlerSet) UploadImage(c *gin.Context) {
	data, filename, mime, ok := readFormFile(c)
	if !ok {
		return
	}

	input := service.UploadInput{Filename: filename, DeclaredMIME: mime, Data: data}
	if user, ok := middleware.CurrentUser(c); ok {
		input.UserID = user.ID
	}

	result, err := h.deps.Uploads.Upload(c.Request.Context(), input)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := uploadResponse{
		Image:     newImageResponse(result.Image),
		Duplicate: result.Duplicate,
		JobKey:    result.JobKey,
	}
	if result.Artwork != nil {
		artwork := newArtworkResponse(*result.Artwork)
		resp.Artwork = &artwork
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

func (h HandlerSet) ImageStatus(c *gin.Context) {
	snap, err := h.deps.Status.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ImageEvents streams status changes as server-sent events until the image
// reaches a terminal status or the client goes away.
func (h HandlerSet) ImageEvents(c *gin.Context) {
	sub, err := h.deps.Status.Subscribe(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer sub.Cancel()

	w := c.Writer
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for ev := range sub.Events {
		if ev.Heartbeat {
			_, err = io.WriteString(w, ": heartbeat\n\n")
		} else {
			err = writeEvent(w, ev)
		}
		if err != nil {
			return
		}
		w.Flush()
	}
}

func writeEvent(w io.Writer, ev service.StatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// readFormFile reads the "file" form field. It writes the error response
// itself and returns ok=false on failure.
func readFormFile(c *gin.Context) (data []byte, filename, mime string, ok bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+1<<20)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "file_required", "multipart field \"file\" is required")
		return nil, "", "", false
	}
	defer file.Close()

	data, err = io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		badRequest(c, "invalid_file", "file could not be read")
		return nil, "", "", false
	}
	if len(data) > maxUploadBytes {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return nil, "", "", false
	}
	return data, header.Filename, header.Header.Get("Content-Type"), true
}
