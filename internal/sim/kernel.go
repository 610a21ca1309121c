package sim

import (
	"bytes"
	"fmt"
	"maps"
	"math"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/mcast"
	"github.com/samcharles93/coreplan/internal/program"
	"github.com/samcharles93/coreplan/internal/topology"
)

// KernelFunc is the body of a simulated kernel. It runs to completion on its
// engine; blocking happens only in circular buffer and semaphore waits.
type KernelFunc func(k *Kernel)

// Registry maps kernel source paths to their simulated bodies.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]KernelFunc
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]KernelFunc)}
}

// Register binds source to fn, replacing any earlier binding.
func (r *Registry) Register(source string, fn KernelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[source] = fn
}

func (r *Registry) Lookup(source string) (KernelFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[source]
	return fn, ok
}

func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.fns))
}

// Kernel is the device-side context of one running kernel instance.
type Kernel struct {
	dev   *Device
	core  *coreState
	inst  program.KernelInstance
	args  []uint32
	abort *atomic.Bool
}

var _ mcast.CoreIO = (*Kernel)(nil)

func (k *Kernel) Core() topology.CoreCoord    { return k.core.logical }
func (k *Kernel) Routing() topology.CoreCoord { return k.core.routing }
func (k *Kernel) Engine() program.Engine      { return k.inst.Spec.Engine }

// Arg returns runtime argument i. A missing argument is a kernel bug.
func (k *Kernel) Arg(i int) uint32 {
	if i < 0 || i >= len(k.args) {
		panic(fmt.Sprintf("sim: runtime arg %d of %d", i, len(k.args)))
	}
	return k.args[i]
}

func (k *Kernel) ArgInt(i int) int { return int(k.Arg(i)) }

func (k *Kernel) ArgFloat(i int) float32 { return math.Float32frombits(k.Arg(i)) }

func (k *Kernel) NumArgs() int { return len(k.args) }

func (k *Kernel) CompileArg(i int) uint32 {
	args := k.inst.Spec.CompileArgs
	if i < 0 || i >= len(args) {
		panic(fmt.Sprintf("sim: compile arg %d of %d", i, len(args)))
	}
	return args[i]
}

func (k *Kernel) Define(name string) (string, bool) {
	v, ok := k.inst.Spec.Defines[name]
	return v, ok
}

// DefineInt reads an integer define, or def when it is absent.
func (k *Kernel) DefineInt(name string, def int) int {
	v, ok := k.Define(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("sim: define %s=%q is not an integer", name, v))
	}
	return n
}

func (k *Kernel) ring(ch cb.Channel) *ringBuffer {
	r, ok := k.core.rings[ch]
	if !ok {
		panic(fmt.Sprintf("sim: %s not declared on core %v", ch, k.core.logical))
	}
	return r
}

// ReserveBack blocks until n pages of ch are free and returns the write
// address.
func (k *Kernel) ReserveBack(ch cb.Channel, n int) uint32 { return k.ring(ch).reserveBack(n) }

func (k *Kernel) PushBack(ch cb.Channel, n int) { k.ring(ch).pushBack(n) }

// WaitFront blocks until n pages of ch are available and returns the read
// address.
func (k *Kernel) WaitFront(ch cb.Channel, n int) uint32 { return k.ring(ch).waitFront(n) }

func (k *Kernel) PopFront(ch cb.Channel, n int) { k.ring(ch).popFront(n) }

// PageSize is the declared page size of ch.
func (k *Kernel) PageSize(ch cb.Channel) int { return k.ring(ch).decl.PageSize }

func (k *Kernel) Format(ch cb.Channel) cb.DataFormat { return k.ring(ch).decl.Format }

// L1 is a view of n bytes of this core's local memory.
func (k *Kernel) L1(addr uint32, n int) []byte { return k.core.l1.slice(addr, n) }

// AddrGen locates the pages of an interleaved DRAM buffer.
type AddrGen struct {
	Base     uint32
	PageSize int
}

// ReadPage copies one DRAM page into local memory and waits for it.
func (k *Kernel) ReadPage(gen AddrGen, page int, l1Addr uint32) {
	bank, off := k.dev.dram.location(uint64(gen.Base), gen.PageSize, page)
	k.dev.dram.read(bank, off, k.core.l1.slice(l1Addr, gen.PageSize))
}

// WritePage queues a copy of one local page out to DRAM. The page must stay
// untouched until WriteBarrier returns.
func (k *Kernel) WritePage(gen AddrGen, page int, l1Addr uint32) {
	bank, off := k.dev.dram.location(uint64(gen.Base), gen.PageSize, page)
	src := k.core.l1.slice(l1Addr, gen.PageSize)
	k.core.noc.issue(func() { k.dev.dram.write(bank, off, src) })
}

// WriteBarrier waits for every write this core has queued.
func (k *Kernel) WriteBarrier() { k.core.noc.barrier() }

func (k *Kernel) LoadSemaphore(addr uint32) uint32 { return k.core.l1.loadWord(addr) }

func (k *Kernel) StoreSemaphore(addr, v uint32) { k.core.l1.storeWord(addr, v) }

func (k *Kernel) MulticastWrite(dest topology.CoreRange, addr uint32, src []byte) {
	payload := bytes.Clone(src)
	targets := k.dev.multicastTargets(dest, k.core.routing)
	k.core.noc.issue(func() {
		for _, t := range targets {
			t.l1.write(addr, payload)
		}
	})
}

func (k *Kernel) MulticastSemaphore(dest topology.CoreRange, local, remote uint32) {
	targets := k.dev.multicastTargets(dest, k.core.routing)
	k.core.noc.issue(func() {
		v := k.core.l1.loadWord(local)
		for _, t := range targets {
			t.l1.storeWord(remote, v)
		}
	})
}

func (k *Kernel) AtomicIncrement(core topology.CoreCoord, addr, delta uint32) {
	target := k.dev.coreAt(core)
	k.core.noc.issue(func() { target.l1.addWord(addr, delta) })
}

// Yield gives up the engine while spinning on a semaphore.
func (k *Kernel) Yield() {
	if k.abort.Load() {
		panic(errAborted)
	}
	runtime.Gosched()
}
