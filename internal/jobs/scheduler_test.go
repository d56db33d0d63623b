package jobs

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proofofart/internal/config"
	"proofofart/internal/detection"
	"proofofart/internal/models"
	"proofofart/internal/queue"
	"proofofart/internal/repository/memory"
)

func seedImage(t *testing.T, store *memory.Store, id string, status models.ImageStatus) {
	t.Helper()
	_, created, err := store.Images.Create(context.Background(), models.Image{
		ID:          id,
		ContentHash: "hash-" + id,
		SourceURL:   "https://assets.test/originals/" + id + ".png",
		Status:      status,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestRequeueStale(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	backend := queue.NewMemoryBackend(0, 0)

	seedImage(t, store, "lost", models.ImageStatusQueued)
	seedImage(t, store, "waiting", models.ImageStatusQueued)
	seedImage(t, store, "running", models.ImageStatusProcessing)
	_, err := backend.Enqueue(ctx, queue.Payload{ImageID: "waiting", ImageURL: "https://assets.test/originals/waiting.png"})
	require.NoError(t, err)

	s := NewScheduler(store.Images, backend, nil, config.SchedulerConfig{StaleAfter: 15 * time.Minute}, zerolog.Nop())
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := s.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := backend.Status(ctx, queue.JobKey("lost"))
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, "https://assets.test/originals/lost.png", job.Payload.ImageURL)

	_, err = backend.Status(ctx, queue.JobKey("running"))
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestRequeueSkipsFreshImages(t *testing.T) {
	store := memory.NewStore()
	backend := queue.NewMemoryBackend(0, 0)
	seedImage(t, store, "fresh", models.ImageStatusQueued)

	s := NewScheduler(store.Images, backend, nil, config.SchedulerConfig{StaleAfter: 15 * time.Minute}, zerolog.Nop())
	n, err := s.RequeueStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLogStats(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	backend := queue.NewMemoryBackend(0, 0)
	seedImage(t, store, "a", models.ImageStatusQueued)
	_, err := backend.Enqueue(ctx, queue.Payload{ImageID: "a"})
	require.NoError(t, err)

	var buf bytes.Buffer
	s := NewScheduler(store.Images, backend, detection.NewMetrics(time.Now), config.SchedulerConfig{}, zerolog.New(&buf))
	require.NoError(t, s.LogStats(ctx))

	out := buf.String()
	assert.Contains(t, out, `"jobs_waiting":1`)
	assert.Contains(t, out, `"images_QUEUED":1`)
	assert.Contains(t, out, `"success_rate":"0%"`)
}

func TestStartRejectsBadSpec(t *testing.T) {
	store := memory.NewStore()
	s := NewScheduler(store.Images, queue.NewMemoryBackend(0, 0), nil, config.SchedulerConfig{RequeueSpec: "not a cron"}, zerolog.Nop())
	assert.Error(t, s.Start())
}
