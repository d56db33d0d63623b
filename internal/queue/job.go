// Package queue is the durable, deduplicated detection job queue and the
// consumer that drives jobs through their retries.
package queue

import (
	"context"
	"errors"
	"time"
)

type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateDelayed   JobState = "delayed"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// AllStates lists states in lifecycle order.
var AllStates = []JobState{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}

const jobKeyPrefix = "detect-"

var ErrJobNotFound = errors.New("job not found")

// JobKey derives the job key from the image id. It is the only dedup key.
func JobKey(imageID string) string {
	return jobKeyPrefix + imageID
}

type Payload struct {
	ImageID  string `json:"imageId"`
	ImageURL string `json:"imageUrl"`
}

type Job struct {
	Key       string
	Payload   Payload
	State     JobState
	Attempts  int
	Progress  int
	LastError string
	UpdatedAt time.Time
}

// Delivery is a job handed to one consumer. Ref identifies the delivery to
// the backend for acknowledgement.
type Delivery struct {
	Ref string
	Job Job
}

type Backend interface {
	// Enqueue adds a waiting job unless one with the same key is already
	// known. created is false for the no-op case.
	Enqueue(ctx context.Context, payload Payload) (created bool, err error)
	// Receive waits up to block for a ready job, marks it active and counts
	// the attempt. It returns ok=false when nothing arrived.
	Receive(ctx context.Context, block time.Duration) (Delivery, bool, error)
	// Progress records the advisory percentage and counts as a heartbeat.
	Progress(ctx context.Context, d Delivery, pct int) error
	// Touch resets the idle time Reclaim measures for a live delivery.
	Touch(ctx context.Context, d Delivery) error
	Complete(ctx context.Context, d Delivery) error
	Retry(ctx context.Context, d Delivery, delay time.Duration, cause error) error
	Fail(ctx context.Context, d Delivery, cause error) error
	// Promote moves delayed jobs whose delay has elapsed back to waiting.
	Promote(ctx context.Context) (int, error)
	// Reclaim takes over deliveries left active by a consumer that stopped
	// acknowledging for at least minIdle.
	Reclaim(ctx context.Context, minIdle time.Duration) ([]Delivery, error)
	Status(ctx context.Context, key string) (Job, error)
	Counts(ctx context.Context) (map[JobState]int64, error)
}
