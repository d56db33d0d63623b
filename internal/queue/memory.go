package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend. Finished jobs are kept until their
// retention passes, so dedup behaves as it does against Redis.
type MemoryBackend struct {
	mu              sync.Mutex
	now             func() time.Time
	jobs            map[string]*memoryJob
	ready           []string
	schedule        map[string]time.Time
	inflight        map[string]memoryDelivery
	seq             int
	signal          chan struct{}
	retainCompleted time.Duration
	retainFailed    time.Duration
}

type memoryJob struct {
	job       Job
	expiresAt time.Time
}

type memoryDelivery struct {
	key   string
	since time.Time
}

func NewMemoryBackend(retainCompleted, retainFailed time.Duration) *MemoryBackend {
	return &MemoryBackend{
		now:             time.Now,
		jobs:            make(map[string]*memoryJob),
		schedule:        make(map[string]time.Time),
		inflight:        make(map[string]memoryDelivery),
		signal:          make(chan struct{}, 1),
		retainCompleted: retainCompleted,
		retainFailed:    retainFailed,
	}
}

// SetClock replaces the time source. Tests use it to step through retention
// and retry delays.
func (m *MemoryBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryBackend) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// lookupLocked drops expired jobs on access.
func (m *MemoryBackend) lookupLocked(key string) (*memoryJob, bool) {
	j, ok := m.jobs[key]
	if !ok {
		return nil, false
	}
	if !j.expiresAt.IsZero() && !m.now().Before(j.expiresAt) {
		delete(m.jobs, key)
		return nil, false
	}
	return j, true
}

func (m *MemoryBackend) Enqueue(_ context.Context, payload Payload) (bool, error) {
	key := JobKey(payload.ImageID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookupLocked(key); ok {
		return false, nil
	}
	m.jobs[key] = &memoryJob{job: Job{
		Key:       key,
		Payload:   payload,
		State:     StateWaiting,
		UpdatedAt: m.now().UTC(),
	}}
	m.ready = append(m.ready, key)
	m.notify()
	return true, nil
}

func (m *MemoryBackend) Receive(ctx context.Context, block time.Duration) (Delivery, bool, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()
	for {
		if d, ok := m.pop(); ok {
			return d, true, nil
		}
		select {
		case <-ctx.Done():
			return Delivery{}, false, ctx.Err()
		case <-timer.C:
			return Delivery{}, false, nil
		case <-m.signal:
		}
	}
}

func (m *MemoryBackend) pop() (Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.ready) > 0 {
		key := m.ready[0]
		m.ready = m.ready[1:]
		j, ok := m.lookupLocked(key)
		if !ok || j.job.State != StateWaiting {
			continue
		}
		return m.activateLocked(j), true
	}
	return Delivery{}, false
}

func (m *MemoryBackend) activateLocked(j *memoryJob) Delivery {
	j.job.Attempts++
	j.job.State = StateActive
	j.job.Progress = 0
	j.job.UpdatedAt = m.now().UTC()
	m.seq++
	ref := strconv.Itoa(m.seq)
	m.inflight[ref] = memoryDelivery{key: j.job.Key, since: m.now()}
	return Delivery{Ref: ref, Job: j.job}
}

func (m *MemoryBackend) Progress(_ context.Context, d Delivery, pct int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.lookupLocked(d.Job.Key)
	if !ok {
		return ErrJobNotFound
	}
	j.job.Progress = pct
	j.job.UpdatedAt = m.now().UTC()
	m.touchLocked(d)
	return nil
}

func (m *MemoryBackend) Touch(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(d)
	return nil
}

func (m *MemoryBackend) touchLocked(d Delivery) {
	if in, ok := m.inflight[d.Ref]; ok {
		in.since = m.now()
		m.inflight[d.Ref] = in
	}
}

func (m *MemoryBackend) finish(d Delivery, state JobState, retain time.Duration, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, d.Ref)
	j, ok := m.lookupLocked(d.Job.Key)
	if !ok {
		return ErrJobNotFound
	}
	j.job.State = state
	j.job.UpdatedAt = m.now().UTC()
	j.job.LastError = errorText(cause)
	if state == StateCompleted {
		j.job.Progress = 100
	}
	if retain > 0 {
		j.expiresAt = m.now().Add(retain)
	}
	return nil
}

func (m *MemoryBackend) Complete(_ context.Context, d Delivery) error {
	return m.finish(d, StateCompleted, m.retainCompleted, nil)
}

func (m *MemoryBackend) Fail(_ context.Context, d Delivery, cause error) error {
	return m.finish(d, StateFailed, m.retainFailed, cause)
}

func (m *MemoryBackend) Retry(_ context.Context, d Delivery, delay time.Duration, cause error) error {
	if err := m.finish(d, StateDelayed, 0, cause); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedule[d.Job.Key] = m.now().Add(delay)
	return nil
}

func (m *MemoryBackend) Promote(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	promoted := 0
	for key, due := range m.schedule {
		if due.After(now) {
			continue
		}
		delete(m.schedule, key)
		j, ok := m.lookupLocked(key)
		if !ok || j.job.State != StateDelayed {
			continue
		}
		j.job.State = StateWaiting
		j.job.UpdatedAt = now.UTC()
		m.ready = append(m.ready, key)
		promoted++
	}
	if promoted > 0 {
		m.notify()
	}
	return promoted, nil
}

func (m *MemoryBackend) Reclaim(_ context.Context, minIdle time.Duration) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Delivery
	for ref, d := range m.inflight {
		if now.Sub(d.since) < minIdle {
			continue
		}
		delete(m.inflight, ref)
		j, ok := m.lookupLocked(d.key)
		if !ok || j.job.State != StateActive {
			continue
		}
		out = append(out, m.activateLocked(j))
	}
	return out, nil
}

func (m *MemoryBackend) Status(_ context.Context, key string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.lookupLocked(key)
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j.job, nil
}

func (m *MemoryBackend) Counts(context.Context) (map[JobState]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[JobState]int64, len(AllStates))
	for _, s := range AllStates {
		counts[s] = 0
	}
	for key := range m.jobs {
		if j, ok := m.lookupLocked(key); ok {
			counts[j.job.State]++
		}
	}
	return counts, nil
}
