package transfer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediakeep/mediakeep/internal/transfer"
)

// scriptedTransport returns the scripted error for each attempt; a nil entry
// writes the staged file and reports progress in steps.
type scriptedTransport struct {
	mu       sync.Mutex
	attempts []error
	calls    int
	steps    int
}

func (s *scriptedTransport) Name() string { return "scripted" }

func (s *scriptedTransport) Fetch(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) error {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()

	var scripted error
	if idx < len(s.attempts) {
		scripted = s.attempts[idx]
	}
	if scripted != nil {
		return scripted
	}

	steps := s.steps
	if steps <= 0 {
		steps = 1
	}

	for i := 1; i <= steps; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if onProgress != nil {
			onProgress(transfer.Progress{Transferred: req.Size * int64(i) / int64(steps)})
		}
	}

	return os.WriteFile(req.StagingPath, make([]byte, req.Size), 0600)
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastPolicy(maxAttempts int) transfer.RetryPolicy {
	return transfer.RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		Multiplier:   1,
	}
}

func stagingRequest(t *testing.T, size int64) transfer.Request {
	t.Helper()
	return transfer.Request{
		Source:      "file.bin",
		StagingPath: filepath.Join(t.TempDir(), "file.bin"),
		Size:        size,
	}
}

func TestExecutorRun(t *testing.T) {
	t.Run("SucceedsFirstAttempt", func(t *testing.T) {
		transport := &scriptedTransport{}
		exec := transfer.NewExecutor(transport, transfer.WithRetryPolicy(fastPolicy(3)))
		req := stagingRequest(t, 64)

		err := exec.Run(context.Background(), req, transfer.Callbacks{})
		require.NoError(t, err)
		assert.Equal(t, 1, transport.callCount())

		info, err := os.Stat(req.StagingPath)
		require.NoError(t, err)
		assert.Equal(t, int64(64), info.Size())
	})

	t.Run("RetriesTransientErrors", func(t *testing.T) {
		transport := &scriptedTransport{
			attempts: []error{
				transfer.Transient(errors.New("connection reset")),
				transfer.Transient(errors.New("timeout")),
				nil,
			},
		}
		exec := transfer.NewExecutor(transport, transfer.WithRetryPolicy(fastPolicy(3)))
		req := stagingRequest(t, 16)

		var retries []int
		cb := transfer.Callbacks{
			Retry: func(attempt int, _ error) { retries = append(retries, attempt) },
		}

		err := exec.Run(context.Background(), req, cb)
		require.NoError(t, err)
		assert.Equal(t, 3, transport.callCount())
		assert.Equal(t, []int{1, 2}, retries)
	})

	t.Run("StopsOnPermanentError", func(t *testing.T) {
		transport := &scriptedTransport{
			attempts: []error{transfer.Permanent(errors.New("source deleted"))},
		}
		exec := transfer.NewExecutor(transport, transfer.WithRetryPolicy(fastPolicy(3)))

		err := exec.Run(context.Background(), stagingRequest(t, 16), transfer.Callbacks{})
		require.Error(t, err)
		assert.True(t, transfer.IsPermanent(err))
		assert.Equal(t, 1, transport.callCount())
	})

	t.Run("ExhaustsRetries", func(t *testing.T) {
		transient := transfer.Transient(errors.New("flaky link"))
		transport := &scriptedTransport{
			attempts: []error{transient, transient, transient},
		}
		exec := transfer.NewExecutor(transport, transfer.WithRetryPolicy(fastPolicy(3)))

		err := exec.Run(context.Background(), stagingRequest(t, 16), transfer.Callbacks{})
		require.Error(t, err)
		assert.True(t, transfer.IsTransient(err))
		assert.Equal(t, 3, transport.callCount())
	})

	t.Run("CancellationObservedAtProgressTick", func(t *testing.T) {
		transport := &scriptedTransport{steps: 10}
		exec := transfer.NewExecutor(transport, transfer.WithRetryPolicy(fastPolicy(3)))

		cb := transfer.Callbacks{
			Cancelled: func() bool { return true },
		}

		err := exec.Run(context.Background(), stagingRequest(t, 100), cb)
		require.Error(t, err)
		assert.ErrorIs(t, err, transfer.ErrCancelled)
		// Cancellation is terminal, not retried
		assert.Equal(t, 1, transport.callCount())
	})

	t.Run("ThrottlesProgress", func(t *testing.T) {
		transport := &scriptedTransport{steps: 50}
		exec := transfer.NewExecutor(transport,
			transfer.WithRetryPolicy(fastPolicy(1)),
			transfer.WithProgressInterval(time.Hour),
		)
		req := stagingRequest(t, 1000)

		var updates []transfer.Progress
		cb := transfer.Callbacks{
			Progress: func(p transfer.Progress) { updates = append(updates, p) },
		}

		require.NoError(t, exec.Run(context.Background(), req, cb))

		// First tick plus the final flush; everything in between is throttled.
		require.Len(t, updates, 2)
		final := updates[len(updates)-1]
		assert.Equal(t, int64(1000), final.Transferred)
		assert.InDelta(t, 100.0, final.Percent, 0.01)
	})

	t.Run("SizeMismatchIsTransient", func(t *testing.T) {
		// Transport leaves a truncated file behind
		shortTransport := transportFunc(func(_ context.Context, r transfer.Request, _ transfer.ProgressFunc) error {
			return os.WriteFile(r.StagingPath, make([]byte, 10), 0600)
		})
		exec := transfer.NewExecutor(shortTransport, transfer.WithRetryPolicy(fastPolicy(1)))

		err := exec.Run(context.Background(), stagingRequest(t, 64), transfer.Callbacks{})
		require.Error(t, err)
		assert.True(t, transfer.IsTransient(err))
		assert.Contains(t, err.Error(), "size mismatch")
	})
}

// transportFunc adapts a function to the Transport interface.
type transportFunc func(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) error

func (f transportFunc) Fetch(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) error {
	return f(ctx, req, onProgress)
}

func (f transportFunc) Name() string { return "func" }
