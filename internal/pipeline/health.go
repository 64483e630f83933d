package pipeline

import (
	"slices"
	"sync"
	"time"
)

// HealthStatus is the live-tail health of a pipeline.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusInactive  HealthStatus = "INACTIVE"

	// DefaultUnhealthyThreshold is the number of consecutive failed polls
	// after which the live tail is reported unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold is the P95 poll latency above which
	// the live tail is reported degraded.
	DefaultDegradedLatencyThreshold = 5 * time.Second

	latencyWindowSize = 10
)

// Health tracks poll outcomes for one event log source.
type Health struct {
	mu                       sync.RWMutex
	source                   string
	status                   HealthStatus
	consecutiveFailures      int
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	lastError                string
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
	nowFn                    func() time.Time
}

func NewHealth(source string) *Health {
	return &Health{
		source:                   source,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       DefaultUnhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
		nowFn:                    time.Now,
	}
}

func (h *Health) SetStatus(status HealthStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
}

// RecordSuccess records a successful poll and its latency. It returns true
// when the poll recovers the tail from UNHEALTHY.
func (h *Health) RecordSuccess(latency time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.nowFn()
	recovered := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.lastError = ""
	h.pushLatency(latency)
	if h.isLatencyDegraded() {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	return recovered
}

// RecordFailure records a failed poll. It returns true when this failure
// crosses the unhealthy threshold.
func (h *Health) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.nowFn()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		return true
	}
	if h.status == HealthStatusHealthy || h.status == HealthStatusUnknown {
		h.status = HealthStatusDegraded
	}
	return false
}

func (h *Health) pushLatency(d time.Duration) {
	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, d)
}

// isLatencyDegraded reports whether the P95 poll latency exceeds the
// threshold. Caller holds mu.
func (h *Health) isLatencyDegraded() bool {
	n := len(h.recentLatencies)
	if n < 2 {
		return false
	}
	sorted := slices.Clone(h.recentLatencies)
	slices.Sort(sorted)
	idx := (95*n - 1) / 100
	return sorted[min(max(idx, 0), n-1)] > h.degradedLatencyThreshold
}

func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Source:              h.source,
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		LastError:           h.lastError,
	}
}

// HealthSnapshot is a JSON-safe view of Health.
type HealthSnapshot struct {
	Source              string     `json:"source"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}
