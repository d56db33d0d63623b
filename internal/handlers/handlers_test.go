package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proofofart/internal/apperr"
	"proofofart/internal/config"
	"proofofart/internal/keys"
	"proofofart/internal/media/attest"
	"proofofart/internal/models"
	"proofofart/internal/policy"
	"proofofart/internal/proof"
	"proofofart/internal/queue"
	"proofofart/internal/repository/memory"
	"proofofart/internal/security"
	"proofofart/internal/service"
	"proofofart/internal/storage"
)

const testSecret = "handler-test-secret"

type testAPI struct {
	router *gin.Engine
	store  *memory.Store
	queue  *queue.MemoryBackend
}

func newTestAPI(t *testing.T, checks map[string]HealthCheck) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := zerolog.Nop()

	store := memory.NewStore()
	assets := storage.NewMemoryStore("https://assets.test")
	backend := queue.NewMemoryBackend(0, 0)

	codec, err := attest.Select(attest.ModeAuto, 0, logger)
	require.NoError(t, err)
	registry := keys.NewRegistry(store.Keys)
	systemKey, err := proof.LoadSystemKey(config.ProofConfig{SystemKeyID: "system-test"}, logger)
	require.NoError(t, err)
	require.NoError(t, systemKey.Register(ctx, registry))
	engine, err := policy.NewEngine(ctx)
	require.NoError(t, err)

	for _, u := range []models.User{
		{ID: "u1", Role: models.UserRoleUser, Status: models.UserStatusActive},
		{ID: "u2", Role: models.UserRoleUser, Status: models.UserStatusActive},
		{ID: "banned", Role: models.UserRoleUser, Status: models.UserStatusSuspended},
		{ID: "admin", Role: models.UserRoleAdmin, Status: models.UserStatusActive},
	} {
		require.NoError(t, store.Users.Upsert(ctx, u))
	}

	notifications := service.NewNotificationService(store.Notifications, store.Users, logger)
	deps := Deps{
		Uploads:       service.NewUploadService(store.Images, store.Artworks, assets, backend, codec, logger),
		Status:        service.NewStatusReporter(store.Images, backend, 5*time.Millisecond, time.Second, logger),
		Proofs:        service.NewProofService(store.Images, store.Artworks, assets, codec, registry, proof.NewSigner(), systemKey, logger),
		Claims:        service.NewClaimService(store.Artworks, store.Claims, store.Users, notifications, engine, logger),
		Keys:          service.NewKeyService(registry, store.Users, logger),
		Notifications: notifications,
		Users:         store.Users,
		Queue:         backend,
		Images:        store.Images,
		Checks:        checks,
		JWTSecret:     testSecret,
		Environment:   "test",
	}

	router := gin.New()
	NewHandlerSet(logger, deps).Register(&router.RouterGroup)
	return &testAPI{router: router, store: store, queue: backend}
}

func (a *testAPI) do(t *testing.T, method, path, userID string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) upload(t *testing.T, userID string, data []byte) uploadResponse {
	t.Helper()
	body, contentType := multipartFile(t, "art.png", data)
	rec := a.do(t, http.MethodPost, "/v1/images", userID, body, contentType)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := security.GenerateAccessToken(testSecret, userID, "user", time.Hour)
	require.NoError(t, err)
	return tok
}

func multipartFile(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func testPNG(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.NRGBA{R: seed, G: uint8(x * 16), B: uint8(y * 16), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.Invalid("op", "bad"), http.StatusBadRequest, "invalid_argument"},
		{apperr.NotFound("op", "gone"), http.StatusNotFound, "not_found"},
		{apperr.Forbidden("op", "no"), http.StatusForbidden, "forbidden"},
		{apperr.Conflict("op", "race"), http.StatusConflict, "conflict"},
		{apperr.External("op", "analyzer", errors.New("dial")), http.StatusBadGateway, "upstream_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_server_error"},
		{fmt.Errorf("wrapped: %w", apperr.NotFound("op", "gone")), http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		status, code := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestHealthDegraded(t *testing.T) {
	api := newTestAPI(t, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	rec := api.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Checks["postgres"])
	assert.Equal(t, "error", resp.Checks["redis"])
}

func TestUploadAnonymousAndDuplicate(t *testing.T) {
	api := newTestAPI(t, nil)
	data := testPNG(t, 1)

	first := api.upload(t, "", data)
	assert.Equal(t, string(models.ImageStatusQueued), first.Image.Status)
	assert.Nil(t, first.Artwork)
	assert.False(t, first.Duplicate)
	assert.NotEmpty(t, first.JobKey)

	body, contentType := multipartFile(t, "again.png", data)
	rec := api.do(t, http.MethodPost, "/v1/images", "", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code)
	var second uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Image.ID, second.Image.ID)
}

func TestUploadRequiresFile(t *testing.T) {
	api := newTestAPI(t, nil)
	rec := api.do(t, http.MethodPost, "/v1/images", "", strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "file_required", decodeError(t, rec))
}

func TestUploadWithUserCreatesArtwork(t *testing.T) {
	api := newTestAPI(t, nil)
	resp := api.upload(t, "u1", testPNG(t, 2))
	require.NotNil(t, resp.Artwork)
	assert.Equal(t, "u1", resp.Artwork.CurrentOwnerID)
	assert.Equal(t, "u1", resp.Artwork.OriginalUploaderID)
}

func TestAuthRejections(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(t, http.MethodGet, "/v1/claims", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_token", decodeError(t, rec))

	req := httptest.NewRequest(http.MethodGet, "/v1/claims", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", decodeError(t, rec))

	rec = api.do(t, http.MethodGet, "/v1/claims", "banned", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/admin/stats", "u1", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminStats(t *testing.T) {
	api := newTestAPI(t, nil)
	api.upload(t, "", testPNG(t, 3))

	rec := api.do(t, http.MethodGet, "/v1/admin/stats", "admin", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs   map[string]int64 `json:"jobs"`
		Images map[string]int64 `json:"images"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Jobs[string(queue.StateWaiting)])
	assert.Equal(t, int64(1), resp.Images[string(models.ImageStatusQueued)])
}

func TestDownloadAndVerify(t *testing.T) {
	api := newTestAPI(t, nil)
	uploaded := api.upload(t, "u1", testPNG(t, 4))
	require.NotNil(t, uploaded.Artwork)
	path := "/v1/artworks/" + uploaded.Artwork.ID + "/download"

	rec := api.do(t, http.MethodGet, path, "u2", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeError(t, rec))

	rec = api.do(t, http.MethodGet, path, "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "system-test", rec.Header().Get("X-Proof-Signer"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attested")
	downloaded := rec.Body.Bytes()

	body, contentType := multipartFile(t, "art-attested.png", downloaded)
	rec = api.do(t, http.MethodPost, "/v1/verify", "", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result service.VerificationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.IsValid)
	assert.True(t, result.SignatureValid)
	assert.True(t, result.HashMatches)

	rec = api.do(t, http.MethodGet, "/v1/artworks/"+uploaded.Artwork.ID+"/verify?hash=deadbeef", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.IsValid)
	assert.True(t, result.WasEdited)
}

func TestClaimFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t, nil)
	uploaded := api.upload(t, "u1", testPNG(t, 5))
	require.NotNil(t, uploaded.Artwork)
	artworkID := uploaded.Artwork.ID

	rec := api.do(t, http.MethodPost, "/v1/artworks/"+artworkID+"/claims", "u1",
		strings.NewReader(`{"reason":"mine"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/artworks/"+artworkID+"/claims", "u2",
		strings.NewReader(`{"reason":"  I painted it  "}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var claim claimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.Equal(t, models.ClaimPending, claim.Status)

	rec = api.do(t, http.MethodPost, "/v1/claims/"+claim.ID+"/approve", "u2", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/claims/"+claim.ID+"/approve", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/v1/claims/"+claim.ID+"/approve", "u1", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/artworks/"+artworkID+"/history", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Items []transferResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Items, 2)
	assert.Equal(t, models.TransferUpload, history.Items[0].TransferType)
	assert.Equal(t, "u2", history.Items[1].NewOwnerID)

	rec = api.do(t, http.MethodGet, "/v1/notifications?unread=true", "u2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var notes struct {
		Items []notificationResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &notes))
	assert.NotEmpty(t, notes.Items)

	rec = api.do(t, http.MethodPost, "/v1/notifications/read-all", "u2", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestImageEventsForFinishedImage(t *testing.T) {
	api := newTestAPI(t, nil)
	uploaded := api.upload(t, "", testPNG(t, 6))
	require.NoError(t, api.store.Images.UpdateStatus(context.Background(), uploaded.Image.ID, models.ImageStatusCompleted))

	rec := api.do(t, http.MethodGet, "/v1/images/"+uploaded.Image.ID+"/events", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, frames, 2)
	assert.True(t, strings.HasPrefix(frames[0], `data: {"type":"connected"`))
	assert.True(t, strings.HasPrefix(frames[1], `data: {"type":"complete"`))
	assert.Contains(t, frames[1], `"progress":100`)
}

func TestImageEventsUnknownImage(t *testing.T) {
	api := newTestAPI(t, nil)
	rec := api.do(t, http.MethodGet, "/v1/images/missing/events", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGalleryAndImageArtworkOverHTTP(t *testing.T) {
	api := newTestAPI(t, nil)
	first := api.upload(t, "u1", testPNG(t, 7))
	second := api.upload(t, "u1", testPNG(t, 8))
	require.NotNil(t, first.Artwork)
	require.NotNil(t, second.Artwork)

	rec := api.do(t, http.MethodPost, "/v1/admin/artworks/"+second.Artwork.ID+"/transfer", "admin",
		strings.NewReader(`{"newOwnerId":"u2"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var gallery struct {
		Items  []artworkResponse `json:"items"`
		Count  int               `json:"count"`
		Filter string            `json:"filter"`
	}
	rec = api.do(t, http.MethodGet, "/v1/artworks", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gallery))
	assert.Equal(t, "all", gallery.Filter)
	require.Equal(t, 1, gallery.Count)
	assert.Equal(t, first.Artwork.ID, gallery.Items[0].ID)

	rec = api.do(t, http.MethodGet, "/v1/artworks?filter=uploaded", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gallery))
	assert.Equal(t, 2, gallery.Count)

	rec = api.do(t, http.MethodGet, "/v1/artworks?filter=claimed", "u2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gallery))
	require.Equal(t, 1, gallery.Count)
	assert.Equal(t, second.Artwork.ID, gallery.Items[0].ID)

	rec = api.do(t, http.MethodGet, "/v1/artworks?filter=bogus", "u1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.do(t, http.MethodGet, "/v1/artworks", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/images/"+first.Image.ID+"/artwork", "u2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var artwork artworkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &artwork))
	assert.Equal(t, first.Artwork.ID, artwork.ID)

	rec = api.do(t, http.MethodGet, "/v1/images/missing/artwork", "u2", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotificationCountAndDeleteOverHTTP(t *testing.T) {
	api := newTestAPI(t, nil)
	uploaded := api.upload(t, "u1", testPNG(t, 9))
	require.NotNil(t, uploaded.Artwork)
	rec := api.do(t, http.MethodPost, "/v1/artworks/"+uploaded.Artwork.ID+"/claims", "u2",
		strings.NewReader(`{"reason":"mine"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var count struct {
		Unread int64 `json:"unread"`
	}
	rec = api.do(t, http.MethodGet, "/v1/notifications/unread-count", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &count))
	assert.Equal(t, int64(1), count.Unread)

	rec = api.do(t, http.MethodGet, "/v1/notifications", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var notes struct {
		Items []notificationResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &notes))
	require.Len(t, notes.Items, 1)

	rec = api.do(t, http.MethodDelete, "/v1/notifications/"+notes.Items[0].ID, "u2", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = api.do(t, http.MethodDelete, "/v1/notifications/"+notes.Items[0].ID, "u1", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/notifications/unread-count", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &count))
	assert.Zero(t, count.Unread)
}
