package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"proofofart/internal/apperr"
)

// ProgressFunc publishes an advisory completion percentage for the running job.
type ProgressFunc func(pct int)

type Handler interface {
	Handle(ctx context.Context, job Job, progress ProgressFunc) error
	// Exhausted is called once when a job fails for the last time.
	Exhausted(ctx context.Context, job Job, err error)
}

type ConsumerConfig struct {
	Concurrency     int
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	ClaimInterval   time.Duration
	PromoteInterval time.Duration
	Block           time.Duration
}

type Consumer struct {
	backend Backend
	handler Handler
	limiter Limiter
	cfg     ConsumerConfig
	logger  zerolog.Logger
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
}

func NewConsumer(backend Backend, handler Handler, limiter Limiter, cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &Consumer{
		backend: backend,
		handler: handler,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		running: make(map[string]struct{}),
	}
}

// Start runs the fetch, promote and reclaim loops until ctx is cancelled,
// then waits for jobs already dispatched to finish.
func (c *Consumer) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.fetchLoop(gctx) })
	g.Go(func() error { return c.promoteLoop(gctx) })
	if c.cfg.ClaimInterval > 0 {
		g.Go(func() error { return c.reclaimLoop(gctx) })
	}
	err := g.Wait()
	c.wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// acquire takes a concurrency slot and waits for the rate limiter.
func (c *Consumer) acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.sem.Release(1)
			return err
		}
	}
	return nil
}

func (c *Consumer) fetchLoop(ctx context.Context) error {
	for {
		if err := c.acquire(ctx); err != nil {
			return err
		}

		d, ok, err := c.backend.Receive(ctx, c.cfg.Block)
		if err != nil {
			c.sem.Release(1)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error().Err(err).Msg("queue receive error")
			if err := sleep(ctx, 2*time.Second); err != nil {
				return err
			}
			continue
		}
		if !ok {
			c.sem.Release(1)
			continue
		}
		if !c.dispatch(ctx, d) {
			c.logger.Warn().Str("job_key", d.Job.Key).Msg("job already running here, delivery skipped")
			c.sem.Release(1)
		}
	}
}

// dispatch runs the job detached from ctx so shutdown does not abort work
// that has already started. The caller holds a concurrency slot, which is
// released when the job ends. It returns false without running anything when
// this consumer is already running the same job.
func (c *Consumer) dispatch(ctx context.Context, d Delivery) bool {
	if !c.begin(d.Job.Key) {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		defer c.end(d.Job.Key)
		c.process(context.WithoutCancel(ctx), d)
	}()
	return true
}

func (c *Consumer) begin(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[key]; ok {
		return false
	}
	c.running[key] = struct{}{}
	return true
}

func (c *Consumer) end(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, key)
}

// Running reports whether this consumer is executing the job right now.
func (c *Consumer) Running(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[key]
	return ok
}

// heartbeat keeps the delivery from looking idle to Reclaim while the
// handler runs.
func (c *Consumer) heartbeat(ctx context.Context, d Delivery, logger zerolog.Logger) (stop func()) {
	if c.cfg.ClaimInterval <= 0 {
		return func() {}
	}
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.ClaimInterval / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if err := c.backend.Touch(hctx, d); err != nil && hctx.Err() == nil {
					logger.Warn().Err(err).Msg("delivery heartbeat failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Consumer) process(ctx context.Context, d Delivery) {
	job := d.Job
	logger := c.logger.With().
		Str("job_key", job.Key).
		Str("image_id", job.Payload.ImageID).
		Int("attempt", job.Attempts).
		Logger()
	logger.Info().Msg("job started")

	progress := func(pct int) {
		if err := c.backend.Progress(ctx, d, pct); err != nil {
			logger.Warn().Err(err).Int("progress", pct).Msg("progress update failed")
		}
	}

	stop := c.heartbeat(ctx, d, logger)
	err := c.handle(ctx, job, progress)
	stop()
	switch {
	case err == nil:
		if err := c.backend.Complete(ctx, d); err != nil {
			logger.Error().Err(err).Msg("mark job completed failed")
			return
		}
		logger.Info().Msg("job completed")

	case !apperr.Retryable(err) || job.Attempts >= c.cfg.MaxAttempts:
		if ferr := c.backend.Fail(ctx, d, err); ferr != nil {
			logger.Error().Err(ferr).Msg("mark job failed failed")
		}
		logger.Error().Err(err).Int("max_attempts", c.cfg.MaxAttempts).Msg("job failed permanently")
		c.handler.Exhausted(ctx, job, err)

	default:
		delay := c.RetryDelay(job.Attempts)
		if rerr := c.backend.Retry(ctx, d, delay, err); rerr != nil {
			logger.Error().Err(rerr).Msg("schedule retry failed")
			return
		}
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, retry scheduled")
	}
}

func (c *Consumer) handle(ctx context.Context, job Job, progress ProgressFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Internal("queue.handle", panicError{value: r})
		}
	}()
	return c.handler.Handle(ctx, job, progress)
}

type panicError struct{ value any }

func (p panicError) Error() string {
	return fmt.Sprintf("panic in job handler: %v", p.value)
}

// RetryDelay is the exponential delay after the given attempt number.
func (c *Consumer) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffInitial
	b.MaxInterval = c.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (c *Consumer) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := c.backend.Promote(ctx); err != nil {
				c.logger.Error().Err(err).Msg("promote delayed jobs failed")
			} else if n > 0 {
				c.logger.Debug().Int("count", n).Msg("delayed jobs promoted")
			}
		}
	}
}

func (c *Consumer) reclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deliveries, err := c.backend.Reclaim(ctx, c.cfg.ClaimInterval)
			if err != nil {
				c.logger.Error().Err(err).Msg("claim error")
			}
			for _, d := range deliveries {
				if c.Running(d.Job.Key) {
					continue
				}
				if err := c.acquire(ctx); err != nil {
					return err
				}
				if !c.dispatch(ctx, d) {
					c.sem.Release(1)
					continue
				}
				c.logger.Warn().Str("job_key", d.Job.Key).Msg("reclaimed stalled job")
			}
		}
	}
}
