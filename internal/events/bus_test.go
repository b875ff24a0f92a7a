package events_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediakeep/mediakeep/internal/events"
)

func TestNew(t *testing.T) {
	t.Run("creates bus with defaults", func(t *testing.T) {
		bus := events.New()
		require.NotNil(t, bus)
		assert.Equal(t, 0, bus.SubscriberCount())
	})

	t.Run("applies buffer size option", func(t *testing.T) {
		bus := events.New(events.WithBufferSize(50))
		sub := bus.Subscribe()

		// Buffer holds 50 events without a reader
		for range 50 {
			bus.Publish(events.Event{Type: events.JobProgress})
		}
		for range 50 {
			select {
			case <-sub:
			case <-time.After(100 * time.Millisecond):
				t.Fatal("expected to receive all 50 events")
			}
		}
		bus.Unsubscribe(sub)
	})
}

func TestSubscribe(t *testing.T) {
	t.Run("subscribes to specific event types", func(t *testing.T) {
		bus := events.New()
		sub := bus.Subscribe(events.JobCompleted, events.JobFailed)

		assert.Equal(t, 1, bus.SubscriberCount())

		bus.Publish(events.Event{Type: events.JobCompleted, Data: map[string]any{"job_id": "job-1"}})

		select {
		case event := <-sub:
			assert.Equal(t, events.JobCompleted, event.Type)
			assert.Equal(t, "job-1", event.Data["job_id"])
		case <-time.After(100 * time.Millisecond):
			t.Fatal("expected to receive event")
		}

		// Non-matching type is filtered out
		bus.Publish(events.Event{Type: events.JobProgress, Data: map[string]any{"job_id": "job-2"}})

		select {
		case <-sub:
			t.Fatal("should not receive non-matching event")
		case <-time.After(50 * time.Millisecond):
		}

		bus.Unsubscribe(sub)
	})

	t.Run("multiple subscribers receive same event", func(t *testing.T) {
		bus := events.New()
		sub1 := bus.Subscribe()
		sub2 := bus.Subscribe()

		bus.Publish(events.Event{Type: events.JobQueued})

		for _, sub := range []events.Subscription{sub1, sub2} {
			select {
			case event := <-sub:
				assert.Equal(t, events.JobQueued, event.Type)
			case <-time.After(100 * time.Millisecond):
				t.Fatal("expected to receive event")
			}
		}

		bus.Unsubscribe(sub1)
		bus.Unsubscribe(sub2)
	})
}

func TestPublish(t *testing.T) {
	t.Run("sets timestamp if not provided", func(t *testing.T) {
		bus := events.New()
		sub := bus.Subscribe()

		before := time.Now()
		bus.Publish(events.Event{Type: events.JobSubmitted})

		event := <-sub
		assert.False(t, event.Timestamp.IsZero())
		assert.False(t, event.Timestamp.Before(before))

		bus.Unsubscribe(sub)
	})

	t.Run("drops event when buffer full", func(t *testing.T) {
		bus := events.New(events.WithBufferSize(2))
		sub := bus.Subscribe()

		bus.Publish(events.Event{Type: events.JobProgress, Data: map[string]any{"id": "1"}})
		bus.Publish(events.Event{Type: events.JobProgress, Data: map[string]any{"id": "2"}})
		// Buffer is full, this one is dropped
		bus.Publish(events.Event{Type: events.JobProgress, Data: map[string]any{"id": "3"}})

		var received []string
		for range 3 {
			select {
			case event := <-sub:
				id, _ := event.Data["id"].(string)
				received = append(received, id)
			case <-time.After(50 * time.Millisecond):
			}
		}

		assert.Equal(t, []string{"1", "2"}, received)

		bus.Unsubscribe(sub)
	})

	t.Run("skips closed subscribers", func(_ *testing.T) {
		bus := events.New()
		sub := bus.Subscribe()
		bus.Unsubscribe(sub)

		// Should not panic
		bus.Publish(events.Event{Type: events.JobSubmitted})
	})
}

func TestUnsubscribe(t *testing.T) {
	t.Run("closes channel and removes subscriber", func(t *testing.T) {
		bus := events.New()
		sub := bus.Subscribe()

		bus.Unsubscribe(sub)

		_, ok := <-sub
		assert.False(t, ok)
		assert.Equal(t, 0, bus.SubscriberCount())
	})

	t.Run("handles double unsubscribe", func(_ *testing.T) {
		bus := events.New()
		sub := bus.Subscribe()

		bus.Unsubscribe(sub)
		// Should not panic
		bus.Unsubscribe(sub)
	})

	t.Run("remaining subscribers still receive", func(t *testing.T) {
		bus := events.New()
		sub1 := bus.Subscribe()
		sub2 := bus.Subscribe()

		bus.Unsubscribe(sub1)
		bus.Publish(events.Event{Type: events.JobQueued})

		select {
		case <-sub2:
		case <-time.After(100 * time.Millisecond):
			t.Fatal("sub2 should receive event")
		}

		bus.Unsubscribe(sub2)
	})
}

func TestClose(t *testing.T) {
	t.Run("closes all subscriber channels", func(t *testing.T) {
		bus := events.New()
		sub1 := bus.Subscribe()
		sub2 := bus.Subscribe()

		bus.Close()

		for _, sub := range []events.Subscription{sub1, sub2} {
			_, ok := <-sub
			assert.False(t, ok)
		}

		assert.Equal(t, 0, bus.SubscriberCount())
	})
}

func TestConcurrency(t *testing.T) {
	t.Run("concurrent subscribe and publish", func(_ *testing.T) {
		bus := events.New(events.WithBufferSize(1000))
		var wg sync.WaitGroup

		for range 10 {
			wg.Go(func() {
				for range 100 {
					bus.Publish(events.Event{Type: events.JobProgress})
				}
			})
		}

		subs := make([]events.Subscription, 5)
		for i := range 5 {
			subs[i] = bus.Subscribe()
		}

		wg.Wait()

		for _, sub := range subs {
			bus.Unsubscribe(sub)
		}
	})
}

func TestEventTypes(t *testing.T) {
	t.Run("all event types are distinct", func(t *testing.T) {
		types := []events.Type{
			events.SystemStarted,
			events.JobSubmitted,
			events.JobQueued,
			events.JobWaitingSpace,
			events.JobDownloading,
			events.JobProgress,
			events.JobCompleted,
			events.JobFailed,
			events.JobCancelled,
		}

		seen := make(map[events.Type]bool)
		for _, et := range types {
			assert.False(t, seen[et], "duplicate event type: %s", et)
			seen[et] = true
		}
	})
}
