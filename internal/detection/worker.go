// Package detection runs queued AI-detection jobs against the external
// analyzer and records their outcome.
package detection

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"proofofart/internal/analyzer"
	"proofofart/internal/apperr"
	"proofofart/internal/ids"
	"proofofart/internal/models"
	"proofofart/internal/queue"
	"proofofart/internal/repository"
)

// Progress milestones published while a job runs.
const (
	progressStarted   = 10
	progressValidated = 20
	progressReachable = 30
	progressAnalyzed  = 60
	progressParsed    = 80
	progressPersisted = 90
	progressDone      = 100
)

type ImageStore interface {
	GetByID(ctx context.Context, id string) (models.Image, error)
	UpdateStatus(ctx context.Context, id string, status models.ImageStatus) error
	UpsertReport(ctx context.Context, report models.DetectionReport) error
	ReplaceFindings(ctx context.Context, imageID string, findings []models.TamperFinding) error
}

type Analyzer interface {
	Ping(ctx context.Context) error
	Analyze(ctx context.Context, imageURL string) (analyzer.Result, error)
}

// MaskStore persists tamper masks and returns a reference to them.
type MaskStore interface {
	PutMask(ctx context.Context, imageID string, data []byte) (string, error)
}

type Worker struct {
	images    ImageStore
	analyzer  Analyzer
	masks     MaskStore
	modelName string
	metrics   *Metrics
	logger    zerolog.Logger
}

func NewWorker(images ImageStore, a Analyzer, masks MaskStore, modelName string, logger zerolog.Logger) *Worker {
	return &Worker{
		images:    images,
		analyzer:  a,
		masks:     masks,
		modelName: modelName,
		metrics:   NewMetrics(time.Now),
		logger:    logger,
	}
}

func (w *Worker) Metrics() *Metrics {
	return w.metrics
}

// Handle runs one attempt of the detection pipeline. A report written here
// stays in place even if a later step fails.
func (w *Worker) Handle(ctx context.Context, job queue.Job, progress queue.ProgressFunc) error {
	err := w.run(ctx, job, progress)
	w.metrics.recordAttempt(err)
	return err
}

func (w *Worker) run(ctx context.Context, job queue.Job, progress queue.ProgressFunc) error {
	const op = "detection.Handle"
	imageID := job.Payload.ImageID
	logger := w.logger.With().Str("image_id", imageID).Int("attempt", job.Attempts).Logger()

	image, err := w.images.GetByID(ctx, imageID)
	if err != nil {
		if errors.Is(err, repository.ErrImageNotFound) {
			return apperr.NotFound(op, "image not found")
		}
		return err
	}
	if image.Status.Terminal() {
		logger.Info().Str("status", string(image.Status)).Msg("image already finished, skipping job")
		return nil
	}

	if err := w.images.UpdateStatus(ctx, imageID, models.ImageStatusProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	progress(progressStarted)

	if err := validateImageURL(job.Payload.ImageURL); err != nil {
		return err
	}
	progress(progressValidated)

	if err := w.analyzer.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("analyzer ping failed, continuing")
	}
	progress(progressReachable)

	result, err := w.analyzer.Analyze(ctx, job.Payload.ImageURL)
	progress(progressAnalyzed)
	if err != nil {
		return err
	}
	progress(progressParsed)
	logger.Info().
		Bool("is_ai_generated", result.IsAIGenerated).
		Float64("confidence", result.Confidence).
		Bool("tampered", result.Tampering.Edited()).
		Msg("analyzer response received")

	maskRef := w.storeMask(ctx, imageID, result.Tampering.MaskBase64, logger)

	label := models.LabelOriginal
	if result.IsAIGenerated {
		label = models.LabelAIGenerated
	}
	if err := w.images.UpsertReport(ctx, models.DetectionReport{
		ImageID:       imageID,
		AIProbability: result.Confidence,
		DetectedLabel: label,
		ModelName:     w.modelName,
		HeatmapRef:    maskRef,
	}); err != nil {
		return fmt.Errorf("save detection report: %w", err)
	}

	var findings []models.TamperFinding
	if result.Tampering.Edited() {
		findings = append(findings, models.TamperFinding{
			ID:              ids.New(),
			ImageID:         imageID,
			MaskRef:         maskRef,
			EditedAreaRatio: result.Tampering.EditedAreaRatio,
			EditedPixels:    result.Tampering.EditedPixels,
		})
	}
	if err := w.images.ReplaceFindings(ctx, imageID, findings); err != nil {
		return fmt.Errorf("save tamper findings: %w", err)
	}
	progress(progressPersisted)

	if err := w.images.UpdateStatus(ctx, imageID, models.ImageStatusCompleted); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	progress(progressDone)
	logger.Info().Str("label", string(label)).Msg("detection completed")
	return nil
}

// Exhausted marks the image FAILED once no attempts remain.
func (w *Worker) Exhausted(ctx context.Context, job queue.Job, cause error) {
	w.metrics.recordExhausted()
	imageID := job.Payload.ImageID
	if err := w.images.UpdateStatus(ctx, imageID, models.ImageStatusFailed); err != nil {
		w.logger.Error().Err(err).Str("image_id", imageID).Msg("set image status to FAILED")
		return
	}
	w.logger.Warn().Err(cause).Str("image_id", imageID).Int("attempts", job.Attempts).Msg("image status set to FAILED after retries")
}

func (w *Worker) storeMask(ctx context.Context, imageID, encoded string, logger zerolog.Logger) *string {
	if encoded == "" || w.masks == nil {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		logger.Warn().Err(err).Msg("tamper mask is not valid base64")
		return nil
	}
	ref, err := w.masks.PutMask(ctx, imageID, data)
	if err != nil {
		logger.Warn().Err(err).Msg("store tamper mask")
		return nil
	}
	return &ref
}

func validateImageURL(raw string) error {
	const op = "detection.validateImageURL"
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.Invalid(op, "image url must be an absolute http or https url")
	}
	return nil
}
