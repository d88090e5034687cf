package reconciler

import (
	"sync"
	"time"
)

// Metrics summarizes remote operations performed by the reconciler.
type Metrics struct {
	Operations     int64
	Failures       int64
	Writes         int64
	Syncs          int64
	AverageLatency time.Duration
	LastSync       time.Time
	LastError      string
}

// ErrorRate is Failures over Operations, zero when nothing ran.
func (m Metrics) ErrorRate() float64 {
	if m.Operations == 0 {
		return 0
	}
	return float64(m.Failures) / float64(m.Operations)
}

type metrics struct {
	mu           sync.Mutex
	operations   int64
	failures     int64
	writes       int64
	syncs        int64
	totalLatency time.Duration
	lastSync     time.Time
	lastError    string
}

func (m *metrics) observe(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations++
	m.totalLatency += d
	if err != nil {
		m.failures++
		m.lastError = err.Error()
	}
}

func (m *metrics) wrote() {
	m.mu.Lock()
	m.writes++
	m.mu.Unlock()
}

func (m *metrics) synced(at time.Time) {
	m.mu.Lock()
	m.syncs++
	m.lastSync = at
	m.mu.Unlock()
}

func (m *metrics) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		Operations: m.operations,
		Failures:   m.failures,
		Writes:     m.writes,
		Syncs:      m.syncs,
		LastSync:   m.lastSync,
		LastError:  m.lastError,
	}
	if m.operations > 0 {
		out.AverageLatency = m.totalLatency / time.Duration(m.operations)
	}
	return out
}
