// Package program assembles per-core kernel instances, circular buffers and
// runtime arguments into a Program, and drives the host sequence that puts
// one on a device: compile, configure, write arguments, launch.
package program

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/kernelcache"
	"github.com/samcharles93/coreplan/internal/logger"
	"github.com/samcharles93/coreplan/internal/topology"
)

// State is a Program's position in the host sequence.
type State int

const (
	StateBuilt State = iota
	StateCompiled
	StateConfigured
	StateArgsWritten
	StateLaunched
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateCompiled:
		return "compiled"
	case StateConfigured:
		return "configured"
	case StateArgsWritten:
		return "args_written"
	case StateLaunched:
		return "launched"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Compiler turns a kernel spec into a binary the device can load under h.
type Compiler interface {
	Compile(ctx context.Context, h kernelcache.Hash, spec KernelSpec) error
}

// Device is the launch target. Launch blocks until every core has finished.
type Device interface {
	Configure(ctx context.Context, p *Program) error
	WriteRuntimeArgs(ctx context.Context, p *Program, k KernelInstance, args []Arg) error
	Launch(ctx context.Context, p *Program) error
}

// Program describes one device configuration. It owns no data.
type Program struct {
	ID   string
	Name string

	topo    *topology.Topology
	log     logger.Logger
	alloc   *cb.Allocator
	kernels []KernelInstance
	cores   []topology.CoreCoord
	byCore  map[topology.CoreCoord][numEngines]int

	mu          sync.Mutex
	state       State
	runtimeArgs map[int][]Arg
}

func (p *Program) Topology() *topology.Topology { return p.topo }

func (p *Program) Budget() cb.Budget { return p.alloc.Budget() }

// Cores lists participating logical cores in first-use order.
func (p *Program) Cores() []topology.CoreCoord { return slices.Clone(p.cores) }

// Kernels returns every instance in declaration order.
func (p *Program) Kernels() []KernelInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.kernels)
}

func (p *Program) Kernel(id int) (KernelInstance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.kernels) {
		return KernelInstance{}, false
	}
	return p.kernels[id], true
}

// KernelOn returns the instance running on an engine of a core.
func (p *Program) KernelOn(core topology.CoreCoord, e Engine) (KernelInstance, bool) {
	slots, ok := p.byCore[core]
	if !ok || !e.Valid() {
		return KernelInstance{}, false
	}
	return p.Kernel(slots[e])
}

func (p *Program) Buffers(core topology.CoreCoord) []cb.CircularBuffer {
	return p.alloc.Buffers(core)
}

func (p *Program) Buffer(core topology.CoreCoord, ch cb.Channel) (cb.CircularBuffer, bool) {
	return p.alloc.Buffer(core, ch)
}

func (p *Program) Semaphores() []cb.Semaphore { return p.alloc.AllSemaphores() }

// L1Used reports budget bytes taken on core.
func (p *Program) L1Used(core topology.CoreCoord) int { return p.alloc.Used(core) }

func (p *Program) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetRuntimeArgs records the argument vector for a kernel instance. It may
// be called any time before the arguments are written to the device.
func (p *Program) SetRuntimeArgs(kernelID int, args ...Arg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kernelID < 0 || kernelID >= len(p.kernels) {
		return fmt.Errorf("%w: program %s: no kernel %d", ErrPrecondition, p.Name, kernelID)
	}
	if p.state >= StateArgsWritten {
		return fmt.Errorf("%w: program %s: runtime args set after they were written", ErrOutOfOrder, p.Name)
	}
	p.runtimeArgs[kernelID] = slices.Clone(args)
	return nil
}

func (p *Program) RuntimeArgs(kernelID int) ([]Arg, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	args, ok := p.runtimeArgs[kernelID]
	return slices.Clone(args), ok
}

func (p *Program) expect(want State, step string) error {
	if p.state != want {
		return fmt.Errorf("%w: program %s: %s needs state %s, program is %s",
			ErrOutOfOrder, p.Name, step, want, p.state)
	}
	return nil
}

// CompileStats counts what one Compile call did.
type CompileStats struct {
	Instances int `json:"instances"`
	Unique    int `json:"unique"`
	Compiled  int `json:"compiled"`
	CacheHits int `json:"cache_hits"`
}

// Compile hashes every instance and compiles each distinct binary that the
// cache has not seen. Distinct binaries compile concurrently. A hash another
// program is still compiling is waited on, and counts as a hit only once
// that compile succeeded.
func (p *Program) Compile(ctx context.Context, cache *kernelcache.Cache, compiler Compiler) (CompileStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.expect(StateBuilt, "compile"); err != nil {
		return CompileStats{}, err
	}

	start := time.Now()
	stats := CompileStats{Instances: len(p.kernels)}
	unique := make(map[kernelcache.Hash]KernelSpec)
	var order []kernelcache.Hash
	for i := range p.kernels {
		h := kernelcache.HashKernel(p.kernels[i].Spec.Key())
		p.kernels[i].Hash = h
		if _, seen := unique[h]; !seen {
			unique[h] = p.kernels[i].Spec
			order = append(order, h)
		}
	}
	stats.Unique = len(order)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, h := range order {
		spec := unique[h]
		wg.Go(func() {
			built, err := cache.Compile(ctx, h, func() error {
				return compiler.Compile(ctx, h, spec)
			})
			mu.Lock()
			defer mu.Unlock()
			if built {
				stats.Compiled++
			} else if err == nil {
				stats.CacheHits++
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("compile %s (%s): %w", spec.Source, h.Short(), err))
				return
			}
			if built {
				p.log.Debug("kernel compiled", "source", spec.Source, "engine", spec.Engine, "hash", h.Short())
			} else {
				p.log.Debug("kernel cache hit", "source", spec.Source, "engine", spec.Engine, "hash", h.Short())
			}
		})
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return stats, fmt.Errorf("program %s: %w", p.Name, err)
	}

	p.state = StateCompiled
	p.log.Info("program compiled", "id", p.ID, "unique", stats.Unique, "compiled", stats.Compiled,
		"cache_hits", stats.CacheHits, "elapsed", time.Since(start))
	return stats, nil
}

// Configure loads binaries and buffer configuration onto the device.
func (p *Program) Configure(ctx context.Context, dev Device) error {
	p.mu.Lock()
	if err := p.expect(StateCompiled, "configure"); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	if err := dev.Configure(ctx, p); err != nil {
		return fmt.Errorf("program %s: configure: %w", p.Name, err)
	}
	p.mu.Lock()
	p.state = StateConfigured
	p.mu.Unlock()
	return nil
}

// WriteRuntimeArgs writes every instance's arguments. A missing vector for
// any instance fails before anything is written.
func (p *Program) WriteRuntimeArgs(ctx context.Context, dev Device) error {
	p.mu.Lock()
	if err := p.expect(StateConfigured, "write runtime args"); err != nil {
		p.mu.Unlock()
		return err
	}
	kernels := slices.Clone(p.kernels)
	args := make([][]Arg, len(kernels))
	for i, k := range kernels {
		a, ok := p.runtimeArgs[k.ID]
		if !ok {
			p.mu.Unlock()
			return fmt.Errorf("%w: program %s: kernel %d (%s on %v) has no runtime args",
				ErrPrecondition, p.Name, k.ID, k.Spec.Engine, k.Core)
		}
		args[i] = a
	}
	p.mu.Unlock()

	for i, k := range kernels {
		if err := dev.WriteRuntimeArgs(ctx, p, k, args[i]); err != nil {
			return fmt.Errorf("program %s: write args for kernel %d: %w", p.Name, k.ID, err)
		}
		p.log.Debug("runtime args written", "kernel", k.ID, "core", k.Core, "engine", k.Spec.Engine, "words", len(args[i]))
	}

	p.mu.Lock()
	p.state = StateArgsWritten
	p.mu.Unlock()
	return nil
}

// Launch starts every core and blocks until all of them finish.
func (p *Program) Launch(ctx context.Context, dev Device) error {
	p.mu.Lock()
	if err := p.expect(StateArgsWritten, "launch"); err != nil {
		p.mu.Unlock()
		return err
	}
	p.state = StateLaunched
	p.mu.Unlock()

	start := time.Now()
	if err := dev.Launch(ctx, p); err != nil {
		return fmt.Errorf("program %s: launch: %w", p.Name, err)
	}
	p.log.Info("program completed", "id", p.ID, "cores", len(p.cores), "elapsed", time.Since(start))
	return nil
}
