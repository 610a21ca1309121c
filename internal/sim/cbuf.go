package sim

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/coreplan/internal/cb"
)

// ringBuffer is the runtime side of one declared circular buffer, shared by
// the three engines of a core. Producers reserve and push, consumers wait
// and pop.
type ringBuffer struct {
	decl  cb.CircularBuffer
	abort *atomic.Bool

	mu       sync.Mutex
	cond     *sync.Cond
	pushed   int // pages published
	popped   int // pages freed
	reserved int
	waited   int
}

func newRingBuffer(decl cb.CircularBuffer, abort *atomic.Bool) *ringBuffer {
	r := &ringBuffer{decl: decl, abort: abort}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *ringBuffer) checkRequest(op string, n int) {
	if n < 1 || n > r.decl.Pages {
		panic(fmt.Sprintf("sim: %s %d pages on %s of %d pages", op, n, r.decl.Channel, r.decl.Pages))
	}
}

// pageAddr is the L1 address of ring slot seq.
func (r *ringBuffer) pageAddr(seq int) uint32 {
	return r.decl.Address + uint32((seq%r.decl.Pages)*r.decl.PageSize)
}

func (r *ringBuffer) checkContiguous(op string, seq, n int) {
	if seq%r.decl.Pages+n > r.decl.Pages {
		panic(fmt.Sprintf("sim: %s %d pages at slot %d wraps %s of %d pages",
			op, n, seq%r.decl.Pages, r.decl.Channel, r.decl.Pages))
	}
}

// reserveBack blocks until n pages are free and returns their address.
func (r *ringBuffer) reserveBack(n int) uint32 {
	r.checkRequest("reserve", n)
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.decl.Pages-(r.pushed-r.popped) < n {
		r.wait()
	}
	r.checkContiguous("reserve", r.pushed, n)
	r.reserved = n
	return r.pageAddr(r.pushed)
}

func (r *ringBuffer) pushBack(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.reserved {
		panic(fmt.Sprintf("sim: push %d pages on %s with %d reserved", n, r.decl.Channel, r.reserved))
	}
	r.reserved -= n
	r.pushed += n
	r.cond.Broadcast()
}

// waitFront blocks until n pages are published and returns their address.
func (r *ringBuffer) waitFront(n int) uint32 {
	r.checkRequest("wait", n)
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.pushed-r.popped < n {
		r.wait()
	}
	r.checkContiguous("wait", r.popped, n)
	r.waited = n
	return r.pageAddr(r.popped)
}

func (r *ringBuffer) popFront(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.waited {
		panic(fmt.Sprintf("sim: pop %d pages on %s after waiting for %d", n, r.decl.Channel, r.waited))
	}
	r.waited -= n
	r.popped += n
	r.cond.Broadcast()
}

// wait parks on the condition. A launch aborted by a failing engine wakes
// every waiter so the whole program unwinds instead of hanging.
func (r *ringBuffer) wait() {
	if r.abort.Load() {
		panic(errAborted)
	}
	r.cond.Wait()
	if r.abort.Load() {
		panic(errAborted)
	}
}

func (r *ringBuffer) wake() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}
