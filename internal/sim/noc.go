package sim

import (
	"fmt"
	"sync"
)

// nocQueue is a core's outbound command queue. One goroutine drains it in
// issue order, so a write queued before another lands before it everywhere.
type nocQueue struct {
	cmds chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	failed error
}

func newNOCQueue(depth int) *nocQueue {
	q := &nocQueue{cmds: make(chan func(), depth)}
	q.wg.Go(q.run)
	return q
}

func (q *nocQueue) run() {
	for cmd := range q.cmds {
		q.exec(cmd)
	}
}

func (q *nocQueue) exec(cmd func()) {
	defer func() {
		if rec := recover(); rec != nil {
			q.mu.Lock()
			if q.failed == nil {
				q.failed = fmt.Errorf("panic in noc command: %v", rec)
			}
			q.mu.Unlock()
		}
	}()
	cmd()
}

func (q *nocQueue) issue(cmd func()) { q.cmds <- cmd }

// barrier returns once every command issued before it has landed.
func (q *nocQueue) barrier() {
	done := make(chan struct{})
	q.cmds <- func() { close(done) }
	<-done
}

// close drains the queue and reports the first command failure.
func (q *nocQueue) close() error {
	close(q.cmds)
	q.wg.Wait()
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed
}
