package loop

import "sync"

// taskQueue is the multi-producer single-consumer pending-task queue. Locking
// is confined to the queue boundary; the consumer swaps the whole slice out
// under the lock and runs tasks outside it.
type taskQueue struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *taskQueue) add(f func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, f)
	q.mu.Unlock()
}

func (q *taskQueue) poll() func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	f := q.tasks[0]
	q.tasks = q.tasks[1:]
	return f
}

func (q *taskQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) == 0
}
