package detection

import (
	"fmt"
	"sync"
	"time"
)

type Metrics struct {
	mu            sync.Mutex
	now           func() time.Time
	startedAt     time.Time
	processed     int64
	completed     int64
	failed        int64
	exhausted     int64
	lastProcessed *time.Time
	lastError     string
}

// MetricsSnapshot is a copy of the counters. Failed counts failed attempts,
// Exhausted counts jobs that ran out of attempts.
type MetricsSnapshot struct {
	Uptime          time.Duration `json:"uptime"`
	JobsProcessed   int64         `json:"jobsProcessed"`
	JobsCompleted   int64         `json:"jobsCompleted"`
	JobsFailed      int64         `json:"jobsFailed"`
	JobsExhausted   int64         `json:"jobsExhausted"`
	LastProcessedAt *time.Time    `json:"lastJobProcessedAt"`
	LastError       string        `json:"lastError,omitempty"`
	SuccessRate     string        `json:"successRate"`
}

func NewMetrics(now func() time.Time) *Metrics {
	return &Metrics{now: now, startedAt: now()}
}

func (m *Metrics) recordAttempt(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.processed++
	m.lastProcessed = &now
	if err != nil {
		m.failed++
		m.lastError = err.Error()
		return
	}
	m.completed++
}

func (m *Metrics) recordExhausted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted++
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	rate := "0%"
	if m.processed > 0 {
		rate = fmt.Sprintf("%.2f%%", float64(m.completed)/float64(m.processed)*100)
	}
	return MetricsSnapshot{
		Uptime:          m.now().Sub(m.startedAt),
		JobsProcessed:   m.processed,
		JobsCompleted:   m.completed,
		JobsFailed:      m.failed,
		JobsExhausted:   m.exhausted,
		LastProcessedAt: m.lastProcessed,
		LastError:       m.lastError,
		SuccessRate:     rate,
	}
}

func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed, m.completed, m.failed, m.exhausted = 0, 0, 0, 0
	m.lastProcessed = nil
	m.lastError = ""
}
