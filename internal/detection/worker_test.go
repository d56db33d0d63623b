package detection

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proofofart/internal/analyzer"
	"proofofart/internal/apperr"
	"proofofart/internal/models"
	"proofofart/internal/queue"
	"proofofart/internal/repository/memory"
)

type maskRecorder struct {
	mu    sync.Mutex
	masks map[string][]byte
}

func (m *maskRecorder) PutMask(_ context.Context, imageID string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.masks == nil {
		m.masks = make(map[string][]byte)
	}
	m.masks[imageID] = data
	return "https://assets.test/masks/" + imageID + ".png", nil
}

type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) record(pct int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, pct)
}

func analyzerServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// sequencedAnalyzer answers each analyze call with the next body, repeating
// the last one.
func sequencedAnalyzer(t *testing.T, bodies ...string) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		i := min(int(calls.Add(1))-1, len(bodies)-1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(bodies[i]))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// failingImages wraps the in-memory image store and fails selected writes.
type failingImages struct {
	*memory.Images
	completeFailures atomic.Int32
	findingsErr      error
}

func (f *failingImages) UpdateStatus(ctx context.Context, id string, status models.ImageStatus) error {
	if status == models.ImageStatusCompleted && f.completeFailures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return f.Images.UpdateStatus(ctx, id, status)
}

func (f *failingImages) ReplaceFindings(ctx context.Context, imageID string, findings []models.TamperFinding) error {
	if f.findingsErr != nil {
		return f.findingsErr
	}
	return f.Images.ReplaceFindings(ctx, imageID, findings)
}

func seedImage(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	_, created, err := store.Images.Create(context.Background(), models.Image{
		ID:          id,
		ContentHash: "hash-" + id,
		SourceURL:   "https://assets.test/" + id + ".png",
		Status:      models.ImageStatusQueued,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func jobFor(id string, attempts int) queue.Job {
	return queue.Job{
		Key:      queue.JobKey(id),
		Payload:  queue.Payload{ImageID: id, ImageURL: "https://assets.test/" + id + ".png"},
		State:    queue.StateActive,
		Attempts: attempts,
	}
}

func TestWorkerRecordsAIGeneratedReport(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedImage(t, store, "img-1")

	srv := analyzerServer(t, http.StatusOK,
		`{"predictions":{"is_ai_generated":true,"confidence":0.92},"tampering":{"detected":false}}`)
	worker := NewWorker(store.Images, analyzer.NewClient(srv.URL), nil, "multihead_model", zerolog.Nop())

	progress := &progressLog{}
	require.NoError(t, worker.Handle(ctx, jobFor("img-1", 1), progress.record))

	image, err := store.Images.GetByID(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusCompleted, image.Status)

	report, err := store.Images.GetReport(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, models.LabelAIGenerated, report.DetectedLabel)
	assert.InDelta(t, 0.92, report.AIProbability, 1e-9)
	assert.Equal(t, "multihead_model", report.ModelName)
	assert.Nil(t, report.HeatmapRef)

	findings, err := store.Images.ListFindings(ctx, "img-1")
	require.NoError(t, err)
	assert.Empty(t, findings)

	assert.Equal(t, []int{10, 20, 30, 60, 80, 90, 100}, progress.values)

	snap := worker.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.JobsProcessed)
	assert.EqualValues(t, 1, snap.JobsCompleted)
	assert.Equal(t, "100.00%", snap.SuccessRate)
}

func TestWorkerStoresTamperFinding(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedImage(t, store, "img-2")

	mask := base64.StdEncoding.EncodeToString([]byte("mask-bytes"))
	srv := analyzerServer(t, http.StatusOK,
		`{"predictions":{"is_ai_generated":false,"confidence":0.1},"tampering":{"is_edited":true,"mask_base64":"`+mask+`","edited_area_ratio":0.25,"edited_pixels":4096}}`)
	masks := &maskRecorder{}
	worker := NewWorker(store.Images, analyzer.NewClient(srv.URL), masks, "m", zerolog.Nop())

	require.NoError(t, worker.Handle(ctx, jobFor("img-2", 1), func(int) {}))

	report, err := store.Images.GetReport(ctx, "img-2")
	require.NoError(t, err)
	assert.Equal(t, models.LabelOriginal, report.DetectedLabel)
	require.NotNil(t, report.HeatmapRef)

	findings, err := store.Images.ListFindings(ctx, "img-2")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.InDelta(t, 0.25, findings[0].EditedAreaRatio, 1e-9)
	assert.EqualValues(t, 4096, findings[0].EditedPixels)
	assert.Equal(t, report.HeatmapRef, findings[0].MaskRef)
	assert.Equal(t, []byte("mask-bytes"), masks.masks["img-2"])
}

func TestWorkerAnalyzerFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedImage(t, store, "img-3")

	srv := analyzerServer(t, http.StatusBadGateway, `upstream down`)
	worker := NewWorker(store.Images, analyzer.NewClient(srv.URL), nil, "m", zerolog.Nop())

	err := worker.Handle(ctx, jobFor("img-3", 1), func(int) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrExternal)
	assert.True(t, apperr.Retryable(err))

	image, err := store.Images.GetByID(ctx, "img-3")
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusProcessing, image.Status)

	worker.Exhausted(ctx, jobFor("img-3", 3), err)
	image, err = store.Images.GetByID(ctx, "img-3")
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusFailed, image.Status)

	snap := worker.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.JobsFailed)
	assert.EqualValues(t, 1, snap.JobsExhausted)
	assert.Equal(t, "0.00%", snap.SuccessRate)
	assert.Contains(t, snap.LastError, "analyzer unavailable")
}

func TestWorkerRejectsNonHTTPURL(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedImage(t, store, "img-4")

	worker := NewWorker(store.Images, analyzer.NewClient("http://127.0.0.1:1"), nil, "m", zerolog.Nop())
	job := jobFor("img-4", 1)
	job.Payload.ImageURL = "ftp://assets.test/img-4.png"

	err := worker.Handle(ctx, job, func(int) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	assert.False(t, apperr.Retryable(err))
}

func TestWorkerSkipsFinishedImage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedImage(t, store, "img-5")
	require.NoError(t, store.Images.UpdateStatus(ctx, "img-5", models.ImageStatusCompleted))

	worker := NewWorker(store.Images, analyzer.NewClient("http://127.0.0.1:1"), nil, "m", zerolog.Nop())
	require.NoError(t, worker.Handle(ctx, jobFor("img-5", 1), func(int) {}))

	_, err := store.Images.GetReport(ctx, "img-5")
	assert.Error(t, err)
}

func TestWorkerMissingImageIsNotRetried(t *testing.T) {
	worker := NewWorker(memory.NewStore().Images, analyzer.NewClient("http://127.0.0.1:1"), nil, "m", zerolog.Nop())
	err := worker.Handle(context.Background(), jobFor("ghost", 1), func(int) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.False(t, apperr.Retryable(err))
}

func TestWorkerThroughConsumer(t *testing.T) {
	store := memory.NewStore()
	seedImage(t, store, "img-6")

	srv := analyzerServer(t, http.StatusOK,
		`{"predictions":{"is_ai_generated":true,"confidence":0.92},"tampering":{}}`)
	worker := NewWorker(store.Images, analyzer.NewClient(srv.URL), nil, "m", zerolog.Nop())

	backend := queue.NewMemoryBackend(0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	consumer := queue.NewConsumer(backend, worker, queue.NewMemoryLimiter(100), queue.ConsumerConfig{
		Concurrency: 1,
		MaxAttempts: 3,
		Block:       10 * time.Millisecond,
	}, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	created, err := backend.Enqueue(ctx, jobFor("img-6", 0).Payload)
	require.NoError(t, err)
	require.True(t, created)

	require.Eventually(t, func() bool {
		job, err := backend.Status(ctx, queue.JobKey("img-6"))
		return err == nil && job.State == queue.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	image, err := store.Images.GetByID(ctx, "img-6")
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusCompleted, image.Status)
}

func TestWorkerRetryReplacesFindings(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedImage(t, store, "img-7")

	srv := sequencedAnalyzer(t,
		`{"predictions":{"is_ai_generated":false,"confidence":0.2},"tampering":{"is_edited":true,"edited_area_ratio":0.4,"edited_pixels":900}}`,
		`{"predictions":{"is_ai_generated":false,"confidence":0.1},"tampering":{"detected":false}}`)
	images := &failingImages{Images: store.Images}
	images.completeFailures.Store(1)
	worker := NewWorker(images, analyzer.NewClient(srv.URL), nil, "m", zerolog.Nop())

	err := worker.Handle(ctx, jobFor("img-7", 1), func(int) {})
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
	findings, err := store.Images.ListFindings(ctx, "img-7")
	require.NoError(t, err)
	require.Len(t, findings, 1, "first attempt wrote its finding before failing")

	require.NoError(t, worker.Handle(ctx, jobFor("img-7", 2), func(int) {}))

	findings, err = store.Images.ListFindings(ctx, "img-7")
	require.NoError(t, err)
	assert.Empty(t, findings)
	report, err := store.Images.GetReport(ctx, "img-7")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, report.AIProbability, 1e-9)
	image, err := store.Images.GetByID(ctx, "img-7")
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusCompleted, image.Status)
}

func TestWorkerReportSurvivesExhaustion(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedImage(t, store, "img-8")

	srv := analyzerServer(t, http.StatusOK,
		`{"predictions":{"is_ai_generated":true,"confidence":0.77},"tampering":{"detected":false}}`)
	images := &failingImages{Images: store.Images, findingsErr: errors.New("deadlock detected")}
	worker := NewWorker(images, analyzer.NewClient(srv.URL), nil, "m", zerolog.Nop())

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		lastErr = worker.Handle(ctx, jobFor("img-8", attempt), func(int) {})
		require.Error(t, lastErr)
		assert.Contains(t, lastErr.Error(), "save tamper findings")
	}
	worker.Exhausted(ctx, jobFor("img-8", 3), lastErr)

	image, err := store.Images.GetByID(ctx, "img-8")
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusFailed, image.Status)

	report, err := store.Images.GetReport(ctx, "img-8")
	require.NoError(t, err)
	assert.Equal(t, models.LabelAIGenerated, report.DetectedLabel)
	assert.InDelta(t, 0.77, report.AIProbability, 1e-9)
}
