package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/mediakeep/mediakeep/internal/events"
	"github.com/mediakeep/mediakeep/internal/finalize"
	"github.com/mediakeep/mediakeep/internal/history"
	"github.com/mediakeep/mediakeep/internal/space"
	"github.com/mediakeep/mediakeep/internal/transfer"
)

// Default scheduler tuning.
const (
	DefaultMaxConcurrent   = 3
	DefaultMonitorInterval = 30 * time.Second

	shutdownTimeout = 30 * time.Second
	persistTimeout  = 5 * time.Second
)

// Executor runs a transfer into the staging area.
type Executor interface {
	Run(ctx context.Context, req transfer.Request, cb transfer.Callbacks) error
}

// Finalizer owns destination preparation, the final move and rollback.
type Finalizer interface {
	Prepare(req finalize.Request) (finalize.Plan, error)
	Commit(ctx context.Context, plan finalize.Plan, stagingPath string) (finalize.Outcome, error)
	Discard(plan finalize.Plan, stagingPath string)
}

// Recorder persists lifecycle records. Calls are fire-and-forget: failures
// are logged and never block scheduling.
type Recorder interface {
	Save(ctx context.Context, rec history.Record) error
}

// SubmitRequest describes a new file to schedule.
type SubmitRequest struct {
	OwnerID         int64
	Filename        string
	SizeBytes       int64
	DestinationRoot string
	Source          string
}

// Scheduler is the admission-controlled download scheduler. Jobs pass
// through a FIFO admission queue guarded by a free-space check, run on a
// bounded set of worker slots, and finish through the finalizer.
type Scheduler struct {
	stagingDir string
	probe      *space.Probe
	executor   Executor
	finalizer  Finalizer

	registry *Registry
	queue    *AdmissionQueue
	waiting  *SpaceWaitSet

	active   map[string]*Job
	activeMu sync.RWMutex

	maxConcurrent   int
	monitorInterval time.Duration

	bus      *events.Bus
	recorder Recorder
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option is a functional option for configuring the scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMaxConcurrent sets the number of worker slots.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		s.maxConcurrent = n
	}
}

// WithMonitorInterval sets the space monitor tick interval.
func WithMonitorInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.monitorInterval = d
	}
}

// WithEventBus sets the bus for progress and state-change notifications.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Scheduler) {
		s.bus = bus
	}
}

// WithRecorder sets the lifecycle record store.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// New creates a scheduler that stages transfers under stagingDir.
func New(stagingDir string, probe *space.Probe, executor Executor, finalizer Finalizer, opts ...Option) *Scheduler {
	s := &Scheduler{
		stagingDir:      stagingDir,
		probe:           probe,
		executor:        executor,
		finalizer:       finalizer,
		registry:        NewRegistry(),
		queue:           NewAdmissionQueue(),
		waiting:         NewSpaceWaitSet(),
		active:          make(map[string]*Job),
		maxConcurrent:   DefaultMaxConcurrent,
		monitorInterval: DefaultMonitorInterval,
		logger:          zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the worker slots and the space monitor.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for slot := range s.maxConcurrent {
		s.wg.Go(func() {
			s.slotLoop(runCtx, slot)
		})
	}

	s.wg.Go(func() {
		s.monitorLoop(runCtx)
	})

	s.publish(events.SystemStarted, nil, nil)
	s.logger.Info().
		Int("slots", s.maxConcurrent).
		Dur("monitor_interval", s.monitorInterval).
		Msg("scheduler started")

	return nil
}

// Stop halts the scheduler, waiting up to a timeout for in-flight work to
// observe cancellation.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.started = false
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("scheduler stopped")
	case <-time.After(shutdownTimeout):
		s.logger.Warn().Msg("scheduler stop timed out waiting for workers")
	}
}

// Submit registers a new job and routes it into the admission queue, or
// into the space wait set when free space is already known insufficient.
func (s *Scheduler) Submit(req SubmitRequest) (Snapshot, error) {
	if req.Filename == "" {
		return Snapshot{}, errors.New("filename is required")
	}
	if req.DestinationRoot == "" {
		return Snapshot{}, errors.New("destination root is required")
	}
	if req.SizeBytes < 0 {
		return Snapshot{}, errors.New("size must not be negative")
	}

	ok, free, err := s.probe.CanAdmit(req.DestinationRoot, uint64(req.SizeBytes))
	if err != nil {
		return Snapshot{}, fmt.Errorf("space probe failed: %w", err)
	}

	job := newJob(ulid.Make().String(), req)
	s.registry.Add(job)
	s.publish(events.JobSubmitted, job, nil)

	if ok {
		s.toQueued(job, "")
	} else {
		s.toWaitingSpace(job, free)
	}

	s.logger.Info().
		Str("id", job.ID).
		Str("filename", job.Filename).
		Int64("size", job.SizeBytes).
		Str("status", string(job.Status())).
		Msg("job submitted")

	return job.Snapshot(), nil
}

// slotLoop is one worker slot: it holds at most one downloading job at a
// time and blocks on the queue between jobs, so the number of concurrently
// downloading jobs never exceeds the slot count.
func (s *Scheduler) slotLoop(ctx context.Context, slot int) {
	logger := s.logger.With().Int("slot", slot).Logger()

	for {
		job, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}

		// Cancelled while queued: drop at dequeue
		if job.CancelRequested() {
			s.finishCancelled(job, "cancelled while queued")
			continue
		}

		// Space may have been consumed since enqueue; re-check before
		// committing the slot. A probe failure parks the job for the
		// monitor to retry rather than wedging the slot.
		ok, free, err := s.probe.CanAdmit(job.DestinationRoot, uint64(job.SizeBytes))
		if err != nil {
			logger.Warn().Err(err).Str("id", job.ID).Msg("space probe failed at dequeue")
			s.toWaitingSpace(job, 0)
			continue
		}
		if !ok {
			s.toWaitingSpace(job, free)
			continue
		}

		s.runJob(ctx, job, logger)
	}
}

// runJob occupies the calling slot for the full transfer duration.
func (s *Scheduler) runJob(ctx context.Context, job *Job, logger zerolog.Logger) {
	s.activeMu.Lock()
	s.active[job.ID] = job
	s.activeMu.Unlock()

	defer func() {
		s.activeMu.Lock()
		delete(s.active, job.ID)
		s.activeMu.Unlock()
	}()

	plan, err := s.finalizer.Prepare(finalize.Request{
		Filename:        job.Filename,
		DestinationRoot: job.DestinationRoot,
	})
	if err != nil {
		if errors.Is(err, finalize.ErrDestinationExists) {
			s.finishFailed(job, "destination already exists")
		} else {
			s.finishFailed(job, fmt.Sprintf("failed to prepare destination: %v", err))
		}
		return
	}

	job.setStaging(filepath.Join(s.stagingDir, job.ID+"_"+job.Filename))
	job.setPlan(plan.FinalPath, plan.CreatedDirs)

	old := job.setStatus(StatusDownloading)
	s.publishTransition(events.JobDownloading, job, old, "")
	s.persist(job)

	logger.Info().
		Str("id", job.ID).
		Str("filename", job.Filename).
		Str("staging", job.StagingPath()).
		Msg("transfer started")

	req := transfer.Request{
		Source:      job.Source,
		StagingPath: job.StagingPath(),
		Size:        job.SizeBytes,
	}

	cb := transfer.Callbacks{
		Progress: func(p transfer.Progress) {
			job.setProgress(p.Percent, p.BytesPerSec, p.ETASeconds)
			s.publish(events.JobProgress, job, map[string]any{
				"percent":     p.Percent,
				"speed_bps":   p.BytesPerSec,
				"eta_seconds": p.ETASeconds,
			})
		},
		Retry: func(_ int, _ error) {
			job.incRetry()
		},
		Cancelled: job.CancelRequested,
	}

	err = s.executor.Run(ctx, req, cb)

	switch {
	case errors.Is(err, transfer.ErrCancelled),
		err == nil && job.CancelRequested(),
		errors.Is(err, context.Canceled):
		s.finalizer.Discard(plan, job.StagingPath())
		s.finishCancelled(job, "cancelled during transfer")

	case err != nil:
		s.finalizer.Discard(plan, job.StagingPath())
		s.finishFailed(job, err.Error())

	default:
		outcome, commitErr := s.finalizer.Commit(ctx, plan, job.StagingPath())
		if commitErr != nil {
			s.finalizer.Discard(plan, job.StagingPath())
			if errors.Is(commitErr, finalize.ErrDestinationExists) {
				s.finishFailed(job, "destination already exists")
			} else {
				s.finishFailed(job, commitErr.Error())
			}
			return
		}

		job.setHash(outcome.Hash)
		s.finishCompleted(job)
	}
}

// monitorLoop periodically re-evaluates the space wait set and promotes
// eligible jobs back into the admission queue.
func (s *Scheduler) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanWaiting()
		}
	}
}

// scanWaiting walks the whole wait set in wait order every tick. Cancelled
// entries are always dropped; promotion is additionally gated on a free
// worker slot, so a saturated pool never delays a cancellation.
func (s *Scheduler) scanWaiting() {
	for _, job := range s.waiting.Jobs() {
		if job.CancelRequested() {
			s.waiting.Remove(job.ID)
			s.finishCancelled(job, "cancelled while waiting for space")
			continue
		}

		if s.freeSlots() <= 0 {
			continue
		}

		ok, _, err := s.probe.CanAdmit(job.DestinationRoot, uint64(job.SizeBytes))
		if err != nil {
			s.logger.Warn().Err(err).Str("id", job.ID).Msg("space probe failed during scan")
			continue
		}
		if !ok {
			continue
		}

		s.waiting.Remove(job.ID)
		s.toQueued(job, "space available")
	}
}

func (s *Scheduler) freeSlots() int {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return s.maxConcurrent - len(s.active)
}

// Cancel flags a job for cancellation. It returns false when the job is
// unknown or already terminal; repeating the call is a no-op.
func (s *Scheduler) Cancel(id string) bool {
	job, ok := s.registry.Get(id)
	if !ok || job.Status().Terminal() {
		return false
	}

	job.RequestCancel()
	s.logger.Info().Str("id", id).Msg("cancellation requested")
	return true
}

// CancelAll flags every non-terminal job and returns how many were flagged.
func (s *Scheduler) CancelAll() int {
	count := 0
	for _, job := range s.registry.All() {
		if s.Cancel(job.ID) {
			count++
		}
	}
	return count
}

// ActiveJobs returns snapshots of the jobs currently downloading.
func (s *Scheduler) ActiveJobs() []Snapshot {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()

	snapshots := make([]Snapshot, 0, len(s.active))
	for _, job := range s.active {
		snapshots = append(snapshots, job.Snapshot())
	}
	return snapshots
}

// Jobs returns snapshots of every job known to the scheduler.
func (s *Scheduler) Jobs() []Snapshot {
	jobs := s.registry.All()
	snapshots := make([]Snapshot, 0, len(jobs))
	for _, job := range jobs {
		snapshots = append(snapshots, job.Snapshot())
	}
	return snapshots
}

// Job returns a snapshot of a single job.
func (s *Scheduler) Job(id string) (Snapshot, bool) {
	job, ok := s.registry.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	return job.Snapshot(), true
}

// QueueDepth returns the admission queue length.
func (s *Scheduler) QueueDepth() int {
	return s.queue.Len()
}

// WaitingForSpaceCount returns the space wait set size.
func (s *Scheduler) WaitingForSpaceCount() int {
	return s.waiting.Len()
}

func (s *Scheduler) toQueued(job *Job, reason string) {
	old := job.setStatus(StatusQueued)
	s.publishTransition(events.JobQueued, job, old, reason)
	s.persist(job)
	s.queue.Push(job)
}

func (s *Scheduler) toWaitingSpace(job *Job, freeBytes uint64) {
	old := job.setStatus(StatusWaitingSpace)
	s.waiting.Add(job)
	s.publishTransition(events.JobWaitingSpace, job, old, "insufficient space")
	s.persist(job)

	s.logger.Info().
		Str("id", job.ID).
		Int64("size", job.SizeBytes).
		Uint64("free", freeBytes).
		Msg("job waiting for space")
}

// finishCompleted finishes a job terminally and evicts it. Exactly one
// terminal notification goes out per job.
func (s *Scheduler) finishCompleted(job *Job) {
	old := job.setStatus(StatusCompleted)
	s.publishTransition(events.JobCompleted, job, old, "")
	s.persist(job)
	s.registry.Remove(job.ID)

	snap := job.Snapshot()
	s.logger.Info().
		Str("id", job.ID).
		Str("final_path", snap.FinalPath).
		Dur("duration", snap.CompletedAt.Sub(snap.StartedAt)).
		Msg("job completed")
}

func (s *Scheduler) finishFailed(job *Job, reason string) {
	job.setError(reason)
	old := job.setStatus(StatusFailed)
	s.publishTransition(events.JobFailed, job, old, reason)
	s.persist(job)
	s.registry.Remove(job.ID)

	s.logger.Error().
		Str("id", job.ID).
		Str("reason", reason).
		Msg("job failed")
}

func (s *Scheduler) finishCancelled(job *Job, reason string) {
	old := job.setStatus(StatusCancelled)
	s.publishTransition(events.JobCancelled, job, old, reason)
	s.persist(job)
	s.registry.Remove(job.ID)

	s.logger.Info().
		Str("id", job.ID).
		Str("reason", reason).
		Msg("job cancelled")
}

func (s *Scheduler) publish(eventType events.Type, job *Job, data map[string]any) {
	if s.bus == nil {
		return
	}

	event := events.Event{Type: eventType, Data: data}
	if job != nil {
		snap := job.Snapshot()
		event.Subject = &snap
		if event.Data == nil {
			event.Data = map[string]any{}
		}
		event.Data["job_id"] = job.ID
	}

	s.bus.Publish(event)
}

func (s *Scheduler) publishTransition(eventType events.Type, job *Job, old Status, reason string) {
	data := map[string]any{
		"old_status": string(old),
		"new_status": string(job.Status()),
	}
	if reason != "" {
		data["reason"] = reason
	}
	s.publish(eventType, job, data)
}

// persist writes the lifecycle record asynchronously; storage failures are
// logged, never surfaced into scheduling.
func (s *Scheduler) persist(job *Job) {
	if s.recorder == nil {
		return
	}

	snap := job.Snapshot()
	rec := history.Record{
		JobID:       snap.ID,
		OwnerID:     snap.OwnerID,
		Filename:    snap.Filename,
		SizeBytes:   snap.SizeBytes,
		Status:      string(snap.Status),
		CreatedAt:   snap.CreatedAt,
		StartedAt:   snap.StartedAt,
		CompletedAt: snap.CompletedAt,
		FinalPath:   snap.FinalPath,
		Error:       snap.ErrorReason,
	}

	if !snap.StartedAt.IsZero() && !snap.CompletedAt.IsZero() {
		rec.DurationSecs = snap.CompletedAt.Sub(snap.StartedAt).Seconds()
		if rec.DurationSecs > 0 {
			rec.AvgSpeedBps = int64(float64(snap.SizeBytes) / rec.DurationSecs)
		}
	}

	// Not tracked by the worker WaitGroup: Submit is legal before Start and
	// after Stop, so these writes cannot share the workers' lifecycle. The
	// timeout bounds any straggler.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := s.recorder.Save(ctx, rec); err != nil {
			s.logger.Warn().Err(err).Str("id", rec.JobID).Msg("failed to persist lifecycle record")
		}
	}()
}
