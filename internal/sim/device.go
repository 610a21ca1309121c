// Package sim is an in-process device that runs programs: worker L1 memory,
// per-core ordered NOC queues, interleaved DRAM banks and three engine
// goroutines per core. Kernels are Go functions looked up by source path.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/kernelcache"
	"github.com/samcharles93/coreplan/internal/logger"
	"github.com/samcharles93/coreplan/internal/program"
	"github.com/samcharles93/coreplan/internal/topology"
)

// Runtime argument mailboxes live in the reserved region, one slot per
// engine. Word 0 of a slot holds the argument count.
const (
	RuntimeArgsBase = 0x1000
	RuntimeArgsSlot = 1024
	MaxRuntimeArgs  = RuntimeArgsSlot/4 - 1
	mailboxEnd      = RuntimeArgsBase + 3*RuntimeArgsSlot
	nocQueueDepth   = 64
)

type coreState struct {
	logical topology.CoreCoord
	routing topology.CoreCoord
	l1      *localMemory
	noc     *nocQueue
	rings   map[cb.Channel]*ringBuffer
}

// Device simulates one chip. It runs one program at a time.
type Device struct {
	topo     *topology.Topology
	log      logger.Logger
	registry *Registry
	dram     *dram

	mu       sync.Mutex
	cores    map[topology.CoreCoord]*coreState
	binaries map[kernelcache.Hash]KernelFunc
	current  *program.Program
	written  map[int]bool
	abort    *atomic.Bool
}

type Option func(*Device)

func WithLogger(log logger.Logger) Option {
	return func(d *Device) { d.log = log }
}

// WithRegistry shares a kernel registry between devices.
func WithRegistry(r *Registry) Option {
	return func(d *Device) { d.registry = r }
}

func New(t *topology.Topology, opts ...Option) (*Device, error) {
	dr, err := newDRAM(t)
	if err != nil {
		return nil, err
	}
	d := &Device{
		topo:     t,
		log:      logger.Discard(),
		registry: NewRegistry(),
		dram:     dr,
		cores:    make(map[topology.CoreCoord]*coreState),
		binaries: make(map[kernelcache.Hash]KernelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "sim")
	return d, nil
}

func (d *Device) Topology() *topology.Topology { return d.topo }

func (d *Device) Registry() *Registry { return d.registry }

// Close releases every core's local memory.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, c := range d.cores {
		errs = append(errs, c.l1.Close())
	}
	clear(d.cores)
	d.current = nil
	return errors.Join(errs...)
}

// AllocateBuffer reserves an interleaved DRAM buffer.
func (d *Device) AllocateBuffer(numPages, pageSize int) (*Buffer, error) {
	if numPages < 1 || pageSize < 1 {
		return nil, fmt.Errorf("%w: %d pages of %d bytes", ErrBufferSize, numPages, pageSize)
	}
	base, err := d.dram.allocate(numPages, pageSize)
	if err != nil {
		return nil, err
	}
	return &Buffer{dev: d, base: base, pageSize: pageSize, numPages: numPages}, nil
}

// NumBanks is the DRAM interleave factor.
func (d *Device) NumBanks() int { return d.dram.numBanks() }

// Compile resolves a kernel spec to its registered body.
func (d *Device) Compile(_ context.Context, h kernelcache.Hash, spec program.KernelSpec) error {
	fn, ok := d.registry.Lookup(spec.Source)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKernel, spec.Source)
	}
	d.mu.Lock()
	d.binaries[h] = fn
	d.mu.Unlock()
	d.log.Debug("kernel loaded", "source", spec.Source, "engine", spec.Engine, "hash", h.Short())
	return nil
}

// coreAt returns the state of a routing coordinate, creating its local
// memory on first use.
func (d *Device) coreAt(routing topology.CoreCoord) *coreState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coreLocked(routing)
}

func (d *Device) coreLocked(routing topology.CoreCoord) *coreState {
	c, ok := d.cores[routing]
	if !ok {
		logical, err := d.topo.WorkerCore(routing)
		if err != nil {
			panic(fmt.Sprintf("sim: %v", err))
		}
		c = &coreState{
			logical: logical,
			routing: routing,
			l1:      newLocalMemory(d.topo.Features().WorkerL1Size),
			rings:   make(map[cb.Channel]*ringBuffer),
		}
		d.cores[routing] = c
	}
	return c
}

// multicastTargets lists the cores of a routing rectangle other than the
// issuing core.
func (d *Device) multicastTargets(dest topology.CoreRange, from topology.CoreCoord) []*coreState {
	var out []*coreState
	for c := range dest.All() {
		if c == from {
			continue
		}
		out = append(out, d.coreAt(c))
	}
	return out
}

// Configure loads binaries, sets up circular buffers and writes initial
// semaphore values on every participating core.
func (d *Device) Configure(_ context.Context, p *program.Program) error {
	if p.Topology() != d.topo {
		return ErrTopologyMismatch
	}
	budget := p.Budget()
	if budget.L1Size > d.topo.Features().WorkerL1Size {
		return fmt.Errorf("sim: program budget of %d bytes exceeds worker l1 of %d",
			budget.L1Size, d.topo.Features().WorkerL1Size)
	}
	if budget.Reserved < mailboxEnd {
		return fmt.Errorf("sim: reserved region of %d bytes cannot hold the %d byte arg mailboxes",
			budget.Reserved, mailboxEnd)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range p.Kernels() {
		if _, ok := d.binaries[k.Hash]; !ok {
			return fmt.Errorf("%w: %s on %v (%s)", ErrNotCompiled, k.Spec.Source, k.Core, k.Hash.Short())
		}
	}

	abort := new(atomic.Bool)
	for _, logical := range p.Cores() {
		routing, err := d.topo.RoutingCore(logical)
		if err != nil {
			return err
		}
		c := d.coreLocked(routing)
		clear(c.l1.data)
		c.rings = make(map[cb.Channel]*ringBuffer)
		for _, buf := range p.Buffers(logical) {
			c.rings[buf.Channel] = newRingBuffer(buf, abort)
		}
	}
	for _, sem := range p.Semaphores() {
		for _, logical := range sem.Cores {
			routing, err := d.topo.RoutingCore(logical)
			if err != nil {
				return err
			}
			d.coreLocked(routing).l1.storeWord(sem.Address, sem.Initial)
		}
	}

	d.current = p
	d.written = make(map[int]bool)
	d.abort = abort
	d.log.Debug("program configured", "id", p.ID, "cores", len(p.Cores()))
	return nil
}

// WriteRuntimeArgs copies an argument vector into the engine's mailbox.
func (d *Device) WriteRuntimeArgs(_ context.Context, p *program.Program, k program.KernelInstance, args []program.Arg) error {
	if len(args) > MaxRuntimeArgs {
		return fmt.Errorf("%w: %d args, mailbox holds %d", ErrTooManyArgs, len(args), MaxRuntimeArgs)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != p {
		return ErrNotConfigured
	}
	c := d.coreLocked(k.Routing)
	slot := uint32(RuntimeArgsBase + int(k.Spec.Engine)*RuntimeArgsSlot)
	c.l1.storeWord(slot, uint32(len(args)))
	c.l1.write(slot+4, program.EncodeArgs(args))
	d.written[k.ID] = true
	return nil
}

func (d *Device) readArgs(c *coreState, e program.Engine) ([]uint32, error) {
	slot := uint32(RuntimeArgsBase + int(e)*RuntimeArgsSlot)
	n := int(c.l1.loadWord(slot))
	return program.DecodeArgs(c.l1.slice(slot+4, 4*n))
}

// Launch runs every kernel of the configured program and returns when all
// of them have finished. A panicking kernel fails the launch and unwinds the
// engines blocked behind it.
func (d *Device) Launch(ctx context.Context, p *program.Program) error {
	d.mu.Lock()
	if d.current != p {
		d.mu.Unlock()
		return ErrNotConfigured
	}
	type run struct {
		k    *Kernel
		body KernelFunc
	}
	var runs []run
	queues := make(map[topology.CoreCoord]*nocQueue)
	for _, inst := range p.Kernels() {
		if !d.written[inst.ID] {
			d.mu.Unlock()
			return fmt.Errorf("%w: kernel %d has no runtime args on device", program.ErrOutOfOrder, inst.ID)
		}
		c := d.coreLocked(inst.Routing)
		if _, ok := queues[inst.Routing]; !ok {
			c.noc = newNOCQueue(nocQueueDepth)
			queues[inst.Routing] = c.noc
		}
		args, err := d.readArgs(c, inst.Spec.Engine)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		runs = append(runs, run{
			k:    &Kernel{dev: d, core: c, inst: inst, args: args, abort: d.abort},
			body: d.binaries[inst.Hash],
		})
	}
	abort := d.abort
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		for _, q := range queues {
			_ = q.close()
		}
		return err
	}

	start := time.Now()
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	fail := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
		if abort.CompareAndSwap(false, true) {
			d.wakeAll(p)
		}
	}
	for _, r := range runs {
		wg.Go(func() {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == errAborted {
						return
					}
					fail(fmt.Errorf("panic in %s kernel %s on core %v: %v",
						r.k.Engine(), r.k.inst.Spec.Source, r.k.Core(), rec))
				}
			}()
			r.body(r.k)
		})
	}
	wg.Wait()

	for routing, q := range queues {
		if err := q.close(); err != nil {
			errs = append(errs, fmt.Errorf("core %v: %w", routing, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.log.Error("launch failed", "id", p.ID, "error", err)
		return err
	}
	d.log.Debug("launch finished", "id", p.ID, "kernels", len(runs), "elapsed", time.Since(start))
	return nil
}

func (d *Device) wakeAll(p *program.Program) {
	for _, logical := range p.Cores() {
		routing, err := d.topo.RoutingCore(logical)
		if err != nil {
			continue
		}
		for _, r := range d.coreAt(routing).rings {
			r.wake()
		}
	}
}
