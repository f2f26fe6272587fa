package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime      time.Time
	requests       atomic.Int64
	serverErrors   atomic.Int64
	clientErrors   atomic.Int64
	changesApplied atomic.Int64
	conflicts      atomic.Int64
	pullRequests   atomic.Int64
	rateLimited    atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	Requests       int64   `json:"requests"`
	ServerErrors   int64   `json:"serverErrors"`
	ClientErrors   int64   `json:"clientErrors"`
	ChangesApplied int64   `json:"changesApplied"`
	Conflicts      int64   `json:"conflicts"`
	PullRequests   int64   `json:"pullRequests"`
	RateLimited    int64   `json:"rateLimited"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

// RecordPush adds the outcome of one push batch.
func (m *Metrics) RecordPush(applied, conflicts int) {
	m.changesApplied.Add(int64(applied))
	m.conflicts.Add(int64(conflicts))
}

// RecordPullRequest increments the pull request counter.
func (m *Metrics) RecordPullRequest() {
	m.pullRequests.Add(1)
}

// RecordRateLimited increments the rejected-by-rate-limit counter.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Add(1)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:  time.Since(m.startTime).Seconds(),
		Requests:       m.requests.Load(),
		ServerErrors:   m.serverErrors.Load(),
		ClientErrors:   m.clientErrors.Load(),
		ChangesApplied: m.changesApplied.Load(),
		Conflicts:      m.conflicts.Load(),
		PullRequests:   m.pullRequests.Load(),
		RateLimited:    m.rateLimited.Load(),
	}
}
