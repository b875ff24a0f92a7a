package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Default executor tuning.
const (
	DefaultMaxAttempts      = 3
	DefaultRetryDelay       = 2 * time.Second
	DefaultRetryMultiplier  = 2.0
	DefaultProgressInterval = 2 * time.Second
)

// RetryPolicy bounds retries of the transfer step. Only transient transport
// errors are retried; cancellation and permanent errors stop immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// Multiplier grows the delay between consecutive retries.
	Multiplier float64
}

// DefaultRetryPolicy returns the standard transfer retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultRetryDelay,
		Multiplier:   DefaultRetryMultiplier,
	}
}

// Callbacks are the hooks the scheduler wires into a running transfer.
type Callbacks struct {
	// Progress receives throttled progress updates. May be nil.
	Progress ProgressFunc

	// Retry is invoked before each retry with the attempt number just
	// failed and its error. May be nil.
	Retry func(attempt int, err error)

	// Cancelled is polled at every progress tick; returning true aborts
	// the transfer with ErrCancelled. May be nil.
	Cancelled func() bool
}

// Executor runs transfers through a Transport with bounded retries and
// throttled progress reporting.
type Executor struct {
	transport Transport
	policy    RetryPolicy
	interval  time.Duration
	logger    zerolog.Logger
}

// ExecutorOption is a functional option for configuring the executor.
type ExecutorOption func(*Executor)

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(policy RetryPolicy) ExecutorOption {
	return func(e *Executor) {
		e.policy = policy
	}
}

// WithProgressInterval sets the minimum time between progress callbacks.
func WithProgressInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.interval = d
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor around the given transport.
func NewExecutor(transport Transport, opts ...ExecutorOption) *Executor {
	e := &Executor{
		transport: transport,
		policy:    DefaultRetryPolicy(),
		interval:  DefaultProgressInterval,
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run performs the transfer with retries. It returns nil once the staged
// file is on disk with the declared size, ErrCancelled if the owner's
// cancellation flag was observed, or the last transport error once retries
// are exhausted.
func (e *Executor) Run(ctx context.Context, req Request, cb Callbacks) error {
	attempt := 0

	operation := func() error {
		attempt++
		if err := e.runAttempt(ctx, req, cb); err != nil {
			if errors.Is(err, ErrCancelled) || IsPermanent(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	notify := func(err error, delay time.Duration) {
		e.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Str("source", req.Source).
			Msg("transfer attempt failed, retrying")

		if cb.Retry != nil {
			cb.Retry(attempt, err)
		}
	}

	err := backoff.RetryNotify(operation, e.newBackOff(ctx), notify)
	if err != nil {
		return err
	}

	e.logger.Debug().
		Str("source", req.Source).
		Str("staging", req.StagingPath).
		Int("attempts", attempt).
		Msg("transfer complete")

	return nil
}

func (e *Executor) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.InitialDelay
	bo.Multiplier = e.policy.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	retries := e.policy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
}

// runAttempt performs one transport attempt. Cancellation is cooperative:
// the tracker polls the flag on every transport callback and cancels the
// attempt context, so detection latency is bounded by the callback cadence.
func (e *Executor) runAttempt(ctx context.Context, req Request, cb Callbacks) error {
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	tracker := newProgressTracker(req.Size, e.interval, cb.Progress)
	cancelled := false

	err := e.transport.Fetch(attemptCtx, req, func(p Progress) {
		if cb.Cancelled != nil && cb.Cancelled() {
			cancelled = true
			cancelAttempt()
			return
		}
		tracker.observe(p.Transferred)
	})

	if cancelled {
		return ErrCancelled
	}
	if err != nil {
		return err
	}

	// Verify the staged file before declaring the attempt good.
	info, err := os.Stat(req.StagingPath)
	if err != nil {
		return Transient(fmt.Errorf("staged file missing after transfer: %w", err))
	}
	if req.Size > 0 && info.Size() != req.Size {
		return Transient(fmt.Errorf("staged size mismatch: expected %d, got %d", req.Size, info.Size()))
	}

	tracker.flush(info.Size())
	return nil
}

// progressTracker converts raw byte counts into throttled Progress updates.
type progressTracker struct {
	size     int64
	interval time.Duration
	sink     ProgressFunc
	started  time.Time
	lastEmit time.Time
}

func newProgressTracker(size int64, interval time.Duration, sink ProgressFunc) *progressTracker {
	return &progressTracker{
		size:     size,
		interval: interval,
		sink:     sink,
		started:  time.Now(),
	}
}

func (t *progressTracker) observe(transferred int64) {
	if t.sink == nil {
		return
	}

	now := time.Now()
	if !t.lastEmit.IsZero() && now.Sub(t.lastEmit) < t.interval {
		return
	}
	t.lastEmit = now

	t.sink(t.progress(transferred, now))
}

// flush emits a final update regardless of throttling.
func (t *progressTracker) flush(transferred int64) {
	if t.sink == nil {
		return
	}
	t.sink(t.progress(transferred, time.Now()))
}

func (t *progressTracker) progress(transferred int64, now time.Time) Progress {
	p := Progress{
		Transferred: transferred,
		ETASeconds:  -1,
	}

	if t.size > 0 {
		p.Percent = float64(transferred) / float64(t.size) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}

	elapsed := now.Sub(t.started).Seconds()
	if elapsed > 0 {
		p.BytesPerSec = int64(float64(transferred) / elapsed)
	}

	if p.BytesPerSec > 0 && t.size > transferred {
		p.ETASeconds = (t.size - transferred) / p.BytesPerSec
	}

	return p
}
