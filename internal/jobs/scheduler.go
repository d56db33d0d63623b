package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"proofofart/internal/config"
	"proofofart/internal/detection"
	"proofofart/internal/models"
	"proofofart/internal/queue"
)

const requeueBatch = 100

type ImageSource interface {
	ListStale(ctx context.Context, status models.ImageStatus, before time.Time, limit int) ([]models.Image, error)
	CountByStatus(ctx context.Context) (map[models.ImageStatus]int64, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, payload queue.Payload) (bool, error)
	Counts(ctx context.Context) (map[queue.JobState]int64, error)
}

// Scheduler runs periodic maintenance next to the detection workers: images
// left QUEUED without a live job are enqueued again, and queue totals are
// logged.
type Scheduler struct {
	cron    *cron.Cron
	images  ImageSource
	queue   JobQueue
	metrics *detection.Metrics
	cfg     config.SchedulerConfig
	now     func() time.Time
	log     zerolog.Logger
}

func NewScheduler(images ImageSource, q JobQueue, metrics *detection.Metrics, cfg config.SchedulerConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		images:  images,
		queue:   q,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
		log:     log,
	}
}

func (s *Scheduler) Start() error {
	if s.cfg.RequeueSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.RequeueSpec, s.requeue); err != nil {
			return err
		}
	}
	if s.cfg.StatsSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.StatsSpec, s.stats); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits up to five seconds for running tasks.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("scheduler tasks still running at shutdown")
	}
}

func (s *Scheduler) requeue() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.RequeueStale(ctx); err != nil {
		s.log.Error().Err(err).Msg("requeue stale images failed")
	}
}

func (s *Scheduler) stats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.LogStats(ctx); err != nil {
		s.log.Error().Err(err).Msg("collect queue stats failed")
	}
}

// RequeueStale enqueues images that have been QUEUED longer than StaleAfter.
// Images whose job still exists are left alone by the queue's dedup.
func (s *Scheduler) RequeueStale(ctx context.Context) (int, error) {
	before := s.now().Add(-s.cfg.StaleAfter)
	stale, err := s.images.ListStale(ctx, models.ImageStatusQueued, before, requeueBatch)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, img := range stale {
		created, err := s.queue.Enqueue(ctx, queue.Payload{ImageID: img.ID, ImageURL: img.SourceURL})
		if err != nil {
			s.log.Warn().Err(err).Str("image_id", img.ID).Msg("requeue failed")
			continue
		}
		if created {
			requeued++
		}
	}
	if requeued > 0 {
		s.log.Info().Int("requeued", requeued).Int("stale", len(stale)).Msg("stale images requeued")
	}
	return requeued, nil
}

func (s *Scheduler) LogStats(ctx context.Context) error {
	jobs, err := s.queue.Counts(ctx)
	if err != nil {
		return err
	}
	images, err := s.images.CountByStatus(ctx)
	if err != nil {
		return err
	}

	ev := s.log.Info()
	for _, state := range queue.AllStates {
		ev = ev.Int64("jobs_"+string(state), jobs[state])
	}
	for _, status := range []models.ImageStatus{
		models.ImageStatusQueued,
		models.ImageStatusProcessing,
		models.ImageStatusCompleted,
		models.ImageStatusFailed,
	} {
		ev = ev.Int64("images_"+string(status), images[status])
	}
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		ev = ev.Int64("processed", snap.JobsProcessed).
			Str("success_rate", snap.SuccessRate).
			Dur("uptime", snap.Uptime)
	}
	ev.Msg("detection stats")
	return nil
}
