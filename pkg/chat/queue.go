package chat

import (
	"sync"

	"github.com/gammazero/deque"
)

// TaskChain is a single-consumer ordered queue of asynchronous
// continuations. Tasks complete out of real-time order (text filtering runs
// on worker goroutines) but their side effects apply strictly in submission
// order: Advance never runs a task while an earlier one is outstanding.
type TaskChain struct {
	mu    sync.Mutex
	tasks deque.Deque[*chainTask]
}

type chainTask struct {
	ready <-chan struct{}
	run   func()
}

var closedReady = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Append queues a continuation to run once ready is signalled and every
// earlier task has run.
func (c *TaskChain) Append(ready <-chan struct{}, run func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks.PushBack(&chainTask{ready: ready, run: run})
}

// Immediate queues a continuation with no asynchronous dependency. It still
// waits behind earlier tasks.
func (c *TaskChain) Immediate(run func()) {
	c.Append(closedReady, run)
}

// Advance runs, in order, every queued task whose dependency has completed,
// stopping at the first still outstanding. Called once per tick from the
// owning thread; returns the number of tasks run.
func (c *TaskChain) Advance() int {
	ran := 0
	for {
		c.mu.Lock()
		if c.tasks.Len() == 0 {
			c.mu.Unlock()
			return ran
		}
		task := c.tasks.Front()
		select {
		case <-task.ready:
		default:
			c.mu.Unlock()
			return ran
		}
		c.tasks.PopFront()
		c.mu.Unlock()

		task.run()
		ran++
	}
}

// Len returns the number of queued tasks.
func (c *TaskChain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks.Len()
}
