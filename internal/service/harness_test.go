package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"proofofart/internal/analyzer"
	"proofofart/internal/config"
	"proofofart/internal/detection"
	"proofofart/internal/keys"
	"proofofart/internal/media/attest"
	"proofofart/internal/models"
	"proofofart/internal/policy"
	"proofofart/internal/proof"
	"proofofart/internal/queue"
	"proofofart/internal/repository/memory"
	"proofofart/internal/storage"
)

type harness struct {
	store         *memory.Store
	assets        *storage.MemoryStore
	queue         *queue.MemoryBackend
	codec         attest.Codec
	registry      *keys.Registry
	systemKey     *proof.SystemKey
	notifications *NotificationService
	uploads       *UploadService
	proofs        *ProofService
	claims        *ClaimService
	keys          *KeyService
	status        *StatusReporter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	h := &harness{
		store:  memory.NewStore(),
		assets: storage.NewMemoryStore("https://assets.test"),
		queue:  queue.NewMemoryBackend(0, 0),
	}

	codec, err := attest.Select(attest.ModeAuto, 0, logger)
	require.NoError(t, err)
	h.codec = codec

	h.registry = keys.NewRegistry(h.store.Keys)
	h.systemKey, err = proof.LoadSystemKey(config.ProofConfig{SystemKeyID: "system-test"}, logger)
	require.NoError(t, err)
	require.NoError(t, h.systemKey.Register(ctx, h.registry))

	engine, err := policy.NewEngine(ctx)
	require.NoError(t, err)

	h.notifications = NewNotificationService(h.store.Notifications, h.store.Users, logger)
	h.uploads = NewUploadService(h.store.Images, h.store.Artworks, h.assets, h.queue, codec, logger)
	h.proofs = NewProofService(h.store.Images, h.store.Artworks, h.assets, codec, h.registry, proof.NewSigner(), h.systemKey, logger)
	h.claims = NewClaimService(h.store.Artworks, h.store.Claims, h.store.Users, h.notifications, engine, logger)
	h.keys = NewKeyService(h.registry, h.store.Users, logger)
	h.status = NewStatusReporter(h.store.Images, h.queue, 5*time.Millisecond, 20*time.Millisecond, logger)

	for _, u := range []models.User{
		{ID: "u1", Role: models.UserRoleUser},
		{ID: "u2", Role: models.UserRoleUser},
		{ID: "u3", Role: models.UserRoleUser},
		{ID: "admin", Role: models.UserRoleAdmin},
	} {
		require.NoError(t, h.store.Users.Upsert(ctx, u))
	}
	return h
}

// detect runs the detection worker once for imageID against an analyzer that
// reports the given confidence.
func (h *harness) detect(t *testing.T, imageID string, aiGenerated bool, confidence float64) {
	t.Helper()
	body := `{"predictions":{"is_ai_generated":false,"confidence":0.1},"tampering":{"detected":false}}`
	if aiGenerated {
		body = `{"predictions":{"is_ai_generated":true,"confidence":` + formatFloat(confidence) + `},"tampering":{"detected":false}}`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	image, err := h.store.Images.GetByID(context.Background(), imageID)
	require.NoError(t, err)

	worker := detection.NewWorker(h.store.Images, analyzer.NewClient(srv.URL), h.assets, "multihead_model", zerolog.Nop())
	job := queue.Job{
		Key:      queue.JobKey(imageID),
		Payload:  queue.Payload{ImageID: imageID, ImageURL: image.SourceURL},
		Attempts: 1,
	}
	require.NoError(t, worker.Handle(context.Background(), job, func(int) {}))
}

func (h *harness) upload(t *testing.T, userID string, data []byte) UploadResult {
	t.Helper()
	res, err := h.uploads.Upload(context.Background(), UploadInput{
		UserID:   userID,
		Filename: "art.png",
		Data:     data,
	})
	require.NoError(t, err)
	return res
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

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
