package receiver

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// taskQueue runs submitted tasks one at a time in submission order. A task
// failure is logged and does not stop the worker; ordering is the queue's
// only guarantee.
type taskQueue struct {
	mu     sync.Mutex
	tasks  chan func() error
	done   chan struct{}
	closed bool
	log    *logrus.Entry
}

func newTaskQueue(log *logrus.Entry) *taskQueue {
	q := &taskQueue{
		tasks: make(chan func() error, 128),
		done:  make(chan struct{}),
		log:   log,
	}
	go q.run()
	return q
}

func (q *taskQueue) run() {
	defer close(q.done)
	for task := range q.tasks {
		if err := task(); err != nil {
			q.log.WithError(err).Warn("queued task failed")
		}
	}
}

// submit enqueues a task. Tasks submitted after close are dropped.
func (q *taskQueue) submit(task func() error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.tasks <- task
}

// close stops accepting tasks and waits for the in-flight backlog to drain.
func (q *taskQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	<-q.done
}
