package pipeline

import (
	"encoding/json"
	"sync"
)

// Stage is the lifecycle position of a Job.
type Stage int

const (
	StageQueued Stage = iota
	StageRunning
	StageCompleted
	StageError
)

// Running is reported as "processing" on the wire.
var stageNames = map[Stage]string{
	StageQueued:    "queued",
	StageRunning:   "processing",
	StageCompleted: "completed",
	StageError:     "error",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// JobUpdate is one entry of a job's progress stream.
type JobUpdate struct {
	SessionID string
	Operation Operation
	Stage     Stage
	Percent   int
	Err       error
}

// Job tracks one pipeline invocation from queued to a terminal stage and
// emits an update to sink on every change. Percent never decreases.
type Job struct {
	sessionID string
	op        Operation
	sink      func(JobUpdate)

	mu      sync.Mutex
	stage   Stage
	percent int
}

// NewJob emits the queued update and returns the job.
func NewJob(sessionID string, op Operation, sink func(JobUpdate)) *Job {
	j := &Job{sessionID: sessionID, op: op, sink: sink, stage: StageQueued}
	j.emit(JobUpdate{SessionID: sessionID, Operation: op, Stage: StageQueued})
	return j
}

// Progress records a completion percentage. The first call moves the job
// to running.
func (j *Job) Progress(percent int) {
	j.mu.Lock()
	if j.stage == StageCompleted || j.stage == StageError {
		j.mu.Unlock()
		return
	}
	if percent > 100 {
		percent = 100
	}
	if j.stage == StageRunning && percent <= j.percent {
		j.mu.Unlock()
		return
	}
	if percent > j.percent {
		j.percent = percent
	}
	j.stage = StageRunning
	u := j.updateLocked(nil)
	j.mu.Unlock()
	j.emit(u)
}

// Finish moves the job to completed, or to error when err is non-nil.
// Later calls are ignored.
func (j *Job) Finish(err error) {
	j.mu.Lock()
	if j.stage == StageCompleted || j.stage == StageError {
		j.mu.Unlock()
		return
	}
	if err != nil {
		j.stage = StageError
	} else {
		j.stage = StageCompleted
		j.percent = 100
	}
	u := j.updateLocked(err)
	j.mu.Unlock()
	j.emit(u)
}

// Stage returns the current stage and percentage.
func (j *Job) Stage() (Stage, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage, j.percent
}

func (j *Job) updateLocked(err error) JobUpdate {
	return JobUpdate{
		SessionID: j.sessionID,
		Operation: j.op,
		Stage:     j.stage,
		Percent:   j.percent,
		Err:       err,
	}
}

func (j *Job) emit(u JobUpdate) {
	if j.sink != nil {
		j.sink(u)
	}
}
