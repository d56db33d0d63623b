package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"proofofart/internal/apperr"
	"proofofart/internal/models"
	"proofofart/internal/queue"
	"proofofart/internal/repository"
)

type EventType string

const (
	EventConnected EventType = "connected"
	EventStatus    EventType = "status"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
)

type ReportSummary struct {
	AIProbability  float64              `json:"aiProbability"`
	DetectedLabel  models.DetectedLabel `json:"detectedLabel"`
	ModelName      string               `json:"modelName"`
	TamperDetected bool                 `json:"tamperDetected"`
}

type StatusSnapshot struct {
	ImageID   string             `json:"imageId"`
	Status    models.ImageStatus `json:"status"`
	Progress  int                `json:"progress"`
	JobState  queue.JobState     `json:"jobState,omitempty"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"lastError,omitempty"`
	HasReport bool               `json:"hasReport"`
	Report    *ReportSummary     `json:"report,omitempty"`
}

// StatusEvent is one frame of a status stream. Heartbeat events carry no
// data.
type StatusEvent struct {
	Type      EventType       `json:"type"`
	Heartbeat bool            `json:"-"`
	Snapshot  *StatusSnapshot `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type StatusReporter struct {
	images    ImageStore
	jobs      JobStatusReader
	poll      time.Duration
	heartbeat time.Duration
	log       zerolog.Logger
}

func NewStatusReporter(images ImageStore, jobs JobStatusReader, poll, heartbeat time.Duration, log zerolog.Logger) *StatusReporter {
	return &StatusReporter{images: images, jobs: jobs, poll: poll, heartbeat: heartbeat, log: log}
}

// Snapshot combines the image status with the last known job state. It never
// waits for the job.
func (r *StatusReporter) Snapshot(ctx context.Context, imageID string) (StatusSnapshot, error) {
	const op = "service.Snapshot"

	image, err := r.images.GetByID(ctx, imageID)
	if err != nil {
		return StatusSnapshot{}, mapImageErr(op, err)
	}
	snap := StatusSnapshot{ImageID: image.ID, Status: image.Status}

	job, err := r.jobs.Status(ctx, queue.JobKey(image.ID))
	switch {
	case err == nil:
		snap.JobState = job.State
		snap.Attempts = job.Attempts
		snap.Progress = job.Progress
		snap.LastError = job.LastError
	case !errors.Is(err, queue.ErrJobNotFound):
		r.log.Warn().Err(err).Str("image_id", imageID).Msg("read job status")
	}
	if image.Status == models.ImageStatusCompleted {
		snap.Progress = 100
	}

	report, err := r.images.GetReport(ctx, image.ID)
	switch {
	case err == nil:
		findings, err := r.images.ListFindings(ctx, image.ID)
		if err != nil {
			return StatusSnapshot{}, fmt.Errorf("load tamper findings: %w", err)
		}
		snap.HasReport = true
		snap.Report = &ReportSummary{
			AIProbability:  report.AIProbability,
			DetectedLabel:  report.DetectedLabel,
			ModelName:      report.ModelName,
			TamperDetected: len(findings) > 0,
		}
	case !errors.Is(err, repository.ErrReportNotFound):
		return StatusSnapshot{}, fmt.Errorf("load detection report: %w", err)
	}
	return snap, nil
}

// maxPollFailures consecutive failed polls end a status stream.
const maxPollFailures = 5

// Subscription is a live status stream. Events is closed after a terminal
// event, after the image disappears or polling keeps failing, or on Cancel.
type Subscription struct {
	Events <-chan StatusEvent
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops polling and heartbeats and waits for the stream to close.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

// Subscribe starts polling imageID. The first event is connected; the
// stream ends after complete. A failed poll sends an error event and polling
// continues. Cancelling ctx has the same effect as Cancel.
func (r *StatusReporter) Subscribe(ctx context.Context, imageID string) (*Subscription, error) {
	first, err := r.Snapshot(ctx, imageID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan StatusEvent)
	sub := &Subscription{Events: events, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer close(events)
		r.run(ctx, imageID, first, events)
	}()
	return sub, nil
}

func (r *StatusReporter) run(ctx context.Context, imageID string, snap StatusSnapshot, events chan<- StatusEvent) {
	send := func(ev StatusEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(StatusEvent{Type: EventConnected, Snapshot: &snap}) {
		return
	}
	if snap.Status.Terminal() {
		send(StatusEvent{Type: EventComplete, Snapshot: &snap})
		return
	}

	poll := time.NewTicker(r.poll)
	defer poll.Stop()
	heartbeat := time.NewTicker(r.heartbeat)
	defer heartbeat.Stop()

	last := snap
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if !send(StatusEvent{Heartbeat: true}) {
				return
			}
		case <-poll.C:
			next, err := r.Snapshot(ctx, imageID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				r.log.Warn().Err(err).Str("image_id", imageID).Int("failures", failures).Msg("status stream poll failed")
				if !send(StatusEvent{Type: EventError, Message: apperr.PublicMessage(err)}) {
					return
				}
				if errors.Is(err, apperr.ErrNotFound) || failures >= maxPollFailures {
					return
				}
				continue
			}
			failures = 0
			if next.Status.Terminal() {
				send(StatusEvent{Type: EventComplete, Snapshot: &next})
				return
			}
			if changed(last, next) {
				if !send(StatusEvent{Type: EventStatus, Snapshot: &next}) {
					return
				}
				heartbeat.Reset(r.heartbeat)
				last = next
			}
		}
	}
}

func changed(a, b StatusSnapshot) bool {
	return a.Status != b.Status || a.Progress != b.Progress || a.JobState != b.JobState || a.Attempts != b.Attempts
}
