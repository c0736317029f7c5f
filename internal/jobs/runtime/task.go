package runtime

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrCancelled = errors.New("job cancelled")

// Task is the cooperative cancellation handle for one running job. The worker
// creates it, the pipeline polls Cancelled between batches and the service
// flips it through Tasks.Cancel.
type Task struct {
	JobID uuid.UUID

	mu        sync.Mutex
	cancelled bool
	reason    string
	done      chan struct{}
	err       error
	finished  bool
}

func NewTask(jobID uuid.UUID) *Task {
	return &Task{JobID: jobID, done: make(chan struct{})}
}

// Cancel raises the flag. It returns false when the task already finished.
func (t *Task) Cancel(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	if !t.cancelled {
		t.cancelled = true
		t.reason = reason
	}
	return true
}

func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Finish records the handler outcome and releases Done waiters. Later calls are ignored.
func (t *Task) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	t.err = err
	close(t.done)
}

func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Tasks indexes the jobs running in this process.
type Tasks struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task
}

func NewTasks() *Tasks {
	return &Tasks{tasks: make(map[uuid.UUID]*Task)}
}

// Start registers a fresh task for jobID, replacing a stale entry.
func (r *Tasks) Start(jobID uuid.UUID) *Task {
	t := NewTask(jobID)
	r.mu.Lock()
	r.tasks[jobID] = t
	r.mu.Unlock()
	return t
}

func (r *Tasks) Get(jobID uuid.UUID) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[jobID]
	return t, ok
}

// Cancel flags the in-process task for jobID. False means nothing is running here.
func (r *Tasks) Cancel(jobID uuid.UUID, reason string) bool {
	t, ok := r.Get(jobID)
	if !ok {
		return false
	}
	return t.Cancel(reason)
}

// Finish completes the task and drops it from the index.
func (r *Tasks) Finish(t *Task, err error) {
	if t == nil {
		return
	}
	t.Finish(err)
	r.mu.Lock()
	if cur, ok := r.tasks[t.JobID]; ok && cur == t {
		delete(r.tasks, t.JobID)
	}
	r.mu.Unlock()
}

func (r *Tasks) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
