package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/lists/doublylinkedlist"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
)

// ErrEmpty is returned by Dequeue when no job arrived before the timeout.
var ErrEmpty = errors.New("queue: empty")

// Queue is a bounded FIFO of jobs. It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	items    *doublylinkedlist.List
	reserved int
	capacity int
	seq      uint64

	// notify holds at most one wake-up token for blocked consumers.
	notify chan struct{}
}

// New creates a queue that holds at most capacity jobs.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:    doublylinkedlist.New(),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue appends j at the tail and assigns its sequence number.
// It returns courier.ErrQueueFull when the queue is at capacity.
func (q *Queue) Enqueue(j *job.Job) error {
	r, err := q.Reserve()
	if err != nil {
		return err
	}
	r.Commit(j)
	return nil
}

// Reserve claims a slot without enqueuing anything yet. Reserved slots
// count toward capacity until committed or cancelled.
func (q *Queue) Reserve() (*Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Size()+q.reserved >= q.capacity {
		return nil, fmt.Errorf("%w: %d/%d", courier.ErrQueueFull, q.items.Size()+q.reserved, q.capacity)
	}
	q.reserved++
	q.seq++
	return &Reservation{q: q, seq: q.seq}, nil
}

// Requeue appends j at the tail, keeping its sequence number. It ignores
// capacity: j already held a slot and must not be dropped.
func (q *Queue) Requeue(j *job.Job) {
	q.mu.Lock()
	q.items.Add(j)
	q.mu.Unlock()
	q.signal()
}

// Dequeue removes and returns the head of the queue, waiting up to timeout
// for a job to arrive. It returns ErrEmpty on timeout and ctx.Err() if ctx
// is done first.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*job.Job, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if j, ok := q.pop(); ok {
			return j, nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			if j, ok := q.pop(); ok {
				return j, nil
			}
			return nil, ErrEmpty
		case <-q.notify:
		}
	}
}

// Remove deletes the queued job with the given ID and returns it. The
// boolean is false when no such job is queued.
func (q *Queue) Remove(jobID string) (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	var found *job.Job
	it := q.items.Iterator()
	for it.Next() {
		if j := it.Value().(*job.Job); j.ID == jobID {
			idx, found = it.Index(), j
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	q.items.Remove(idx)
	return found, true
}

// Len returns the number of queued jobs, excluding open reservations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Size()
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.capacity }

func (q *Queue) pop() (*job.Job, bool) {
	q.mu.Lock()
	v, ok := q.items.Get(0)
	if ok {
		q.items.Remove(0)
	}
	more := q.items.Size() > 0
	q.mu.Unlock()

	if more {
		// Pass the wake-up on to the next blocked consumer.
		q.signal()
	}
	if !ok {
		return nil, false
	}
	return v.(*job.Job), true
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Reservation is a claimed queue slot. Exactly one of Commit or Cancel
// takes effect; later calls are no-ops.
type Reservation struct {
	q    *Queue
	seq  uint64
	once sync.Once
}

// Seq returns the sequence number Commit will assign. Sequence numbers
// follow reservation order.
func (r *Reservation) Seq() uint64 { return r.seq }

// Commit enqueues j into the reserved slot and assigns its sequence number.
func (r *Reservation) Commit(j *job.Job) {
	r.once.Do(func() {
		q := r.q
		q.mu.Lock()
		q.reserved--
		j.Seq = r.seq
		q.items.Add(j)
		q.mu.Unlock()
		q.signal()
	})
}

// Cancel releases the reserved slot.
func (r *Reservation) Cancel() {
	r.once.Do(func() {
		r.q.mu.Lock()
		r.q.reserved--
		r.q.mu.Unlock()
	})
}
