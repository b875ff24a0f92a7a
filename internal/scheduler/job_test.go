package scheduler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mediakeep/mediakeep/internal/scheduler"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []scheduler.Status{
		scheduler.StatusCompleted,
		scheduler.StatusFailed,
		scheduler.StatusCancelled,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "status %q", s)
	}

	live := []scheduler.Status{
		scheduler.StatusPending,
		scheduler.StatusQueued,
		scheduler.StatusWaitingSpace,
		scheduler.StatusDownloading,
	}
	for _, s := range live {
		assert.False(t, s.Terminal(), "status %q", s)
	}
}

func TestRequestCancel(t *testing.T) {
	job := &scheduler.Job{ID: "j"}
	assert.False(t, job.CancelRequested())

	job.RequestCancel()
	assert.True(t, job.CancelRequested())

	// Repeating the request changes nothing
	job.RequestCancel()
	assert.True(t, job.CancelRequested())
}
