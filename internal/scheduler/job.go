// Package scheduler implements the admission-controlled download scheduler:
// job registry, FIFO admission queue, space wait set, bounded worker slots,
// periodic space monitor and the job state machine.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is a job's position in the state machine.
type Status string

// Job statuses. Completed, Failed and Cancelled are terminal.
const (
	StatusPending      Status = "pending"
	StatusQueued       Status = "queued"
	StatusWaitingSpace Status = "waiting_space"
	StatusDownloading  Status = "downloading"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the central scheduling entity. Status and paths are written by the
// scheduler; progress fields are written by the running transfer only while
// the job is downloading. Everything is read through snapshots.
type Job struct {
	ID              string
	OwnerID         int64
	Filename        string
	SizeBytes       int64
	DestinationRoot string
	Source          string

	mu              sync.RWMutex
	status          Status
	stagingPath     string
	finalPath       string
	createdDirs     []string
	progressPercent float64
	speedBps        int64
	etaSeconds      int64
	retryCount      int
	errorReason     string
	hash            string
	createdAt       time.Time
	startedAt       time.Time
	completedAt     time.Time

	cancelled atomic.Bool
	waitSeq   uint64
}

func newJob(id string, req SubmitRequest) *Job {
	return &Job{
		ID:              id,
		OwnerID:         req.OwnerID,
		Filename:        req.Filename,
		SizeBytes:       req.SizeBytes,
		DestinationRoot: req.DestinationRoot,
		Source:          req.Source,
		status:          StatusPending,
		etaSeconds:      -1,
		createdAt:       time.Now(),
	}
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// setStatus moves the job to status and returns the previous one.
func (j *Job) setStatus(status Status) Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	old := j.status
	j.status = status

	switch status {
	case StatusDownloading:
		j.startedAt = time.Now()
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.completedAt = time.Now()
	}

	return old
}

// RequestCancel flags the job for cooperative cancellation. Queued and
// waiting jobs are dropped at their next dequeue or scan; a running transfer
// stops at its next progress tick.
func (j *Job) RequestCancel() {
	j.cancelled.Store(true)
}

// CancelRequested reports whether cancellation has been flagged.
func (j *Job) CancelRequested() bool {
	return j.cancelled.Load()
}

// setStaging assigns the staging path. Assigned exactly once, before the
// transfer starts.
func (j *Job) setStaging(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stagingPath = path
}

// StagingPath returns the staging path ("" until assigned).
func (j *Job) StagingPath() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.stagingPath
}

// setPlan records the immutable final path and the directories created
// while preparing it.
func (j *Job) setPlan(finalPath string, createdDirs []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finalPath = finalPath
	j.createdDirs = createdDirs
}

// setProgress updates the live transfer fields.
func (j *Job) setProgress(percent float64, speedBps, etaSeconds int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progressPercent = percent
	j.speedBps = speedBps
	j.etaSeconds = etaSeconds
}

func (j *Job) incRetry() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.retryCount++
}

func (j *Job) setError(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errorReason = reason
}

func (j *Job) setHash(hash string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hash = hash
}

// Snapshot is a point-in-time copy of a job.
type Snapshot struct {
	ID              string
	OwnerID         int64
	Filename        string
	SizeBytes       int64
	DestinationRoot string
	Source          string
	Status          Status
	StagingPath     string
	FinalPath       string
	ProgressPercent float64
	SpeedBps        int64
	ETASeconds      int64
	RetryCount      int
	ErrorReason     string
	Hash            string
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}

// Snapshot returns a point-in-time copy of the job.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return Snapshot{
		ID:              j.ID,
		OwnerID:         j.OwnerID,
		Filename:        j.Filename,
		SizeBytes:       j.SizeBytes,
		DestinationRoot: j.DestinationRoot,
		Source:          j.Source,
		Status:          j.status,
		StagingPath:     j.stagingPath,
		FinalPath:       j.finalPath,
		ProgressPercent: j.progressPercent,
		SpeedBps:        j.speedBps,
		ETASeconds:      j.etaSeconds,
		RetryCount:      j.retryCount,
		ErrorReason:     j.errorReason,
		Hash:            j.hash,
		CreatedAt:       j.createdAt,
		StartedAt:       j.startedAt,
		CompletedAt:     j.completedAt,
	}
}
