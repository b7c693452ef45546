package concurrent

import (
	"errors"
	"sync/atomic"
)

// ErrLoopShutdown fails promises of tasks that are still outstanding when
// the owning loop terminates.
var ErrLoopShutdown = errors.New("event loop is shutting down")

const indexNotInQueue = -1

// taskIDGen hands out scheduled-task identities. Intentional shared mutable
// state: initialized once at process start, never reset.
var taskIDGen atomic.Int64

// ScheduledTask is a cancellable, optionally periodic unit of work keyed by
// an absolute monotonic deadline. All fields except the cancel flag are
// owned by the loop goroutine once the task is enqueued.
type ScheduledTask struct {
	id       int64
	fn       func()
	deadline int64
	// period selects the firing mode: 0 one-shot, >0 fixed rate,
	// <0 fixed delay (magnitude is the delay).
	period    int64
	seq       int64
	index     int
	cancelled atomic.Bool
	promise   *Promise[struct{}]
}

func NewScheduledTask(fn func(), deadlineNanos, periodNanos int64) *ScheduledTask {
	return &ScheduledTask{
		id:       taskIDGen.Add(1),
		fn:       fn,
		deadline: deadlineNanos,
		period:   periodNanos,
		index:    indexNotInQueue,
		promise:  NewPromise[struct{}](),
	}
}

func (t *ScheduledTask) ID() int64 { return t.id }

func (t *ScheduledTask) DeadlineNanos() int64 { return t.deadline }

func (t *ScheduledTask) Periodic() bool { return t.period != 0 }

func (t *ScheduledTask) Future() *Future[struct{}] { return t.promise.Future() }

// Cancel marks the task so it will not fire. A task already popped for
// execution can no longer be cancelled.
func (t *ScheduledTask) Cancel() {
	if t.cancelled.CompareAndSwap(false, true) {
		t.promise.Cancel()
	}
}

func (t *ScheduledTask) IsCancelled() bool { return t.cancelled.Load() }

// Fire runs the task body and reports whether the task must be re-enqueued.
// For periodic tasks the next deadline is computed here: fixed rate advances
// from the previous deadline so drift does not accumulate, fixed delay
// advances from the completion time.
func (t *ScheduledTask) Fire(nowNanos func() int64) (reschedule bool) {
	if t.cancelled.Load() {
		return false
	}
	t.fn()
	if t.period == 0 {
		t.promise.SetSuccess(struct{}{})
		return false
	}
	if t.cancelled.Load() {
		return false
	}
	if t.period > 0 {
		t.deadline = DeadlineNanos(t.deadline, t.period)
	} else {
		t.deadline = DeadlineNanos(nowNanos(), -t.period)
	}
	return true
}

// ScheduledQueue is a deadline-ordered priority queue of tasks. Ordering is
// a total order: deadline first, insertion sequence second, so simultaneous
// deadlines fire FIFO. Each task stores its live heap index so removal by
// identity stays O(log n). The queue must only be touched by the owning
// loop goroutine.
type ScheduledQueue struct {
	tasks []*ScheduledTask
	seq   int64
}

func NewScheduledQueue() *ScheduledQueue {
	return &ScheduledQueue{}
}

func (q *ScheduledQueue) Len() int { return len(q.tasks) }

func (q *ScheduledQueue) Push(t *ScheduledTask) {
	q.seq++
	t.seq = q.seq
	t.index = len(q.tasks)
	q.tasks = append(q.tasks, t)
	q.siftUp(t.index)
}

func (q *ScheduledQueue) Peek() *ScheduledTask {
	if len(q.tasks) == 0 {
		return nil
	}
	return q.tasks[0]
}

// PollReady pops and returns at most one task whose deadline has been
// reached, or nil.
func (q *ScheduledQueue) PollReady(nowNanos int64) *ScheduledTask {
	t := q.Peek()
	if t == nil || t.deadline > nowNanos {
		return nil
	}
	q.removeAt(0)
	return t
}

// NextDelayNanos reports the time until the next task is due, clamped at
// zero, or -1 if the queue is empty.
func (q *ScheduledQueue) NextDelayNanos(nowNanos int64) int64 {
	t := q.Peek()
	if t == nil {
		return -1
	}
	if d := t.deadline - nowNanos; d > 0 {
		return d
	}
	return 0
}

// HasReady reports whether a task is due at the given time.
func (q *ScheduledQueue) HasReady(nowNanos int64) bool {
	t := q.Peek()
	return t != nil && t.deadline <= nowNanos
}

// Remove removes a task by identity. Removing a task that is not in the
// queue is a no-op.
func (q *ScheduledQueue) Remove(t *ScheduledTask) {
	if t.index == indexNotInQueue || t.index >= len(q.tasks) || q.tasks[t.index] != t {
		return
	}
	q.removeAt(t.index)
}

// CancelAll cancels every outstanding task and empties the queue. Tasks that
// already completed are unaffected by the cancel.
func (q *ScheduledQueue) CancelAll() {
	for _, t := range q.tasks {
		t.Cancel()
		t.index = indexNotInQueue
	}
	q.tasks = q.tasks[:0]
}

func (q *ScheduledQueue) removeAt(i int) {
	t := q.tasks[i]
	last := len(q.tasks) - 1
	q.swap(i, last)
	q.tasks[last] = nil
	q.tasks = q.tasks[:last]
	if i < last {
		q.siftDown(i)
		q.siftUp(i)
	}
	t.index = indexNotInQueue
}

func (q *ScheduledQueue) less(i, j int) bool {
	a, b := q.tasks[i], q.tasks[j]
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

func (q *ScheduledQueue) swap(i, j int) {
	q.tasks[i], q.tasks[j] = q.tasks[j], q.tasks[i]
	q.tasks[i].index = i
	q.tasks[j].index = j
}

func (q *ScheduledQueue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			return
		}
		q.swap(i, parent)
		i = parent
	}
}

func (q *ScheduledQueue) siftDown(i int) {
	n := len(q.tasks)
	for {
		smallest := i
		if l := 2*i + 1; l < n && q.less(l, smallest) {
			smallest = l
		}
		if r := 2*i + 2; r < n && q.less(r, smallest) {
			smallest = r
		}
		if smallest == i {
			return
		}
		q.swap(i, smallest)
		i = smallest
	}
}
