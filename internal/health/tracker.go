// Package health tracks pipeline health and reports process state.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wakeup/audiostudio/internal/pipeline"
)

// Status is the overall health level.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Tracker counts consecutive pipeline failures. Any failure degrades the
// pipeline; reaching the threshold marks it failed; one success recovers it.
// Fields are protected by mu because executor observers write them from
// request goroutines while the health handler reads them.
type Tracker struct {
	mu          sync.Mutex
	threshold   int
	failures    int
	lastErr     string
	lastFail    time.Time
	lastSuccess time.Time
	runs        int
	now         func() time.Time
}

// NewTracker returns a tracker that reports failed after threshold
// consecutive failures.
func NewTracker(threshold int) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	return &Tracker{threshold: threshold, now: time.Now}
}

func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs++
	t.failures = 0
	t.lastSuccess = t.now()
}

func (t *Tracker) RecordFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs++
	t.failures++
	t.lastErr = err.Error()
	t.lastFail = t.now()
}

// ObserveRun records a pipeline outcome. Canceled runs are ignored; timeouts
// count as failures.
func (t *Tracker) ObserveRun(r pipeline.RunResult) {
	switch {
	case r.Err == nil:
		t.RecordSuccess()
	case errors.Is(r.Err, context.Canceled):
	default:
		t.RecordFailure(r.Err)
	}
}

// statusLocked computes health status. Caller must hold t.mu.
func (t *Tracker) statusLocked() Status {
	switch {
	case t.failures >= t.threshold:
		return StatusFailed
	case t.failures > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

// PipelineHealth is a consistent copy of the tracker state.
type PipelineHealth struct {
	Status              Status     `json:"status"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	Runs                int        `json:"runs"`
	LastError           string     `json:"lastError,omitempty"`
	LastFailure         *time.Time `json:"lastFailure,omitempty"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
}

func (t *Tracker) Snapshot() PipelineHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := PipelineHealth{
		Status:              t.statusLocked(),
		ConsecutiveFailures: t.failures,
		Runs:                t.runs,
		LastError:           t.lastErr,
	}
	if !t.lastFail.IsZero() {
		lf := t.lastFail
		h.LastFailure = &lf
	}
	if !t.lastSuccess.IsZero() {
		ls := t.lastSuccess
		h.LastSuccess = &ls
	}
	return h
}
