package scheduler

import (
	"context"
	"sort"
	"sync"
)

// AdmissionQueue is the FIFO of jobs awaiting a worker slot. Pop blocks
// until an item arrives or the context ends. Cancellation of a queued job
// is O(1): the flag is set on the job and the worker drops it at dequeue.
type AdmissionQueue struct {
	mu     sync.Mutex
	items  []*Job
	wakeup chan struct{}
}

// NewAdmissionQueue creates an empty queue.
func NewAdmissionQueue() *AdmissionQueue {
	return &AdmissionQueue{
		wakeup: make(chan struct{}, 1),
	}
}

// Push appends a job to the tail.
func (q *AdmissionQueue) Push(job *Job) {
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()

	q.signal()
}

// Pop removes and returns the head, blocking until an item is available.
func (q *AdmissionQueue) Pop(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()

			// Other waiters may still have work
			if remaining > 0 {
				q.signal()
			}
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wakeup:
		}
	}
}

// Len returns the current queue depth.
func (q *AdmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *AdmissionQueue) signal() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// SpaceWaitSet holds jobs blocked purely on insufficient free space.
// Membership is unordered with O(1) removal; a wait sequence is recorded so
// promotions back into the admission queue preserve relative insertion order.
type SpaceWaitSet struct {
	mu      sync.Mutex
	entries map[string]*Job
	nextSeq uint64
}

// NewSpaceWaitSet creates an empty wait set.
func NewSpaceWaitSet() *SpaceWaitSet {
	return &SpaceWaitSet{entries: make(map[string]*Job)}
}

// Add inserts a job, stamping its wait sequence.
func (w *SpaceWaitSet) Add(job *Job) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.entries[job.ID]; ok {
		return
	}
	w.nextSeq++
	job.waitSeq = w.nextSeq
	w.entries[job.ID] = job
}

// Remove deletes a job by id, reporting whether it was present.
func (w *SpaceWaitSet) Remove(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.entries[id]
	delete(w.entries, id)
	return ok
}

// Len returns the number of waiting jobs.
func (w *SpaceWaitSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Jobs returns the waiting jobs in wait-sequence order (oldest first).
func (w *SpaceWaitSet) Jobs() []*Job {
	w.mu.Lock()
	jobs := make([]*Job, 0, len(w.entries))
	for _, job := range w.entries {
		jobs = append(jobs, job)
	}
	w.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].waitSeq < jobs[j].waitSeq
	})
	return jobs
}
