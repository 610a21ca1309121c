package program

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/logger"
	"github.com/samcharles93/coreplan/internal/topology"
)

// Builder assembles a Program for one operator invocation. Cores are
// addressed by logical coordinate throughout.
type Builder struct {
	name    string
	topo    *topology.Topology
	log     logger.Logger
	alloc   *cb.Allocator
	kernels []KernelInstance
	// byCore holds kernel index+1 per engine so zero means unset.
	byCore map[topology.CoreCoord]*[numEngines]int
	cores  []topology.CoreCoord
	built  bool
}

type builderOptions struct {
	reserved int
	log      logger.Logger
}

type BuilderOption func(*builderOptions)

// WithReserved sets the firmware region excluded from every core's budget.
func WithReserved(n int) BuilderOption {
	return func(o *builderOptions) { o.reserved = n }
}

func WithLogger(log logger.Logger) BuilderOption {
	return func(o *builderOptions) { o.log = log }
}

func NewBuilder(topo *topology.Topology, name string, opts ...BuilderOption) (*Builder, error) {
	o := builderOptions{reserved: cb.DefaultReserved, log: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	alloc, err := cb.NewAllocator(cb.BudgetFor(topo, o.reserved))
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", name, err)
	}
	return &Builder{
		name:   name,
		topo:   topo,
		log:    o.log.With("program", name),
		alloc:  alloc,
		byCore: make(map[topology.CoreCoord]*[numEngines]int),
	}, nil
}

func (b *Builder) Topology() *topology.Topology { return b.topo }

// Budget is the per-core local memory budget buffers are checked against.
func (b *Builder) Budget() cb.Budget { return b.alloc.Budget() }

func (b *Builder) routing(core topology.CoreCoord) (topology.CoreCoord, error) {
	if b.built {
		return topology.CoreCoord{}, fmt.Errorf("%w: program %s already built", ErrPrecondition, b.name)
	}
	r, err := b.topo.RoutingCore(core)
	if err != nil {
		return topology.CoreCoord{}, fmt.Errorf("%w: program %s: %w", ErrPrecondition, b.name, err)
	}
	return r, nil
}

func (b *Builder) touch(core topology.CoreCoord) *[numEngines]int {
	slots, ok := b.byCore[core]
	if !ok {
		slots = new([numEngines]int)
		b.byCore[core] = slots
		b.cores = append(b.cores, core)
	}
	return slots
}

// CircularBuffer declares a buffer on a worker core.
func (b *Builder) CircularBuffer(core topology.CoreCoord, ch cb.Channel, pages, pageSize int, format cb.DataFormat, opts ...cb.Option) (cb.CircularBuffer, error) {
	if _, err := b.routing(core); err != nil {
		return cb.CircularBuffer{}, err
	}
	buf, err := b.alloc.Declare(core, ch, pages, pageSize, format, opts...)
	if err != nil {
		return cb.CircularBuffer{}, fmt.Errorf("program %s: %w", b.name, err)
	}
	b.touch(core)
	b.log.Debug("circular buffer declared", "core", core, "channel", ch, "pages", pages,
		"page_size", pageSize, "address", buf.Address)
	return buf, nil
}

// Semaphore declares one semaphore at the same address on every core.
func (b *Builder) Semaphore(cores []topology.CoreCoord, initial uint32) (cb.Semaphore, error) {
	if len(cores) == 0 {
		return cb.Semaphore{}, fmt.Errorf("%w: program %s: semaphore on no cores", ErrPrecondition, b.name)
	}
	for _, c := range cores {
		if _, err := b.routing(c); err != nil {
			return cb.Semaphore{}, err
		}
	}
	sem, err := b.alloc.Semaphore(cores, initial)
	if err != nil {
		return cb.Semaphore{}, fmt.Errorf("program %s: %w", b.name, err)
	}
	for _, c := range cores {
		b.touch(c)
	}
	b.log.Debug("semaphore declared", "id", sem.ID, "address", sem.Address, "cores", len(sem.Cores))
	return sem, nil
}

// Kernel binds spec to core and returns the instance id used for runtime
// arguments. Each engine of a core takes exactly one kernel.
func (b *Builder) Kernel(core topology.CoreCoord, spec KernelSpec) (int, error) {
	if !spec.Engine.Valid() {
		return 0, fmt.Errorf("%w: program %s: invalid engine %d", ErrPrecondition, b.name, int(spec.Engine))
	}
	if spec.Source == "" {
		return 0, fmt.Errorf("%w: program %s: kernel on %v has no source", ErrPrecondition, b.name, core)
	}
	routing, err := b.routing(core)
	if err != nil {
		return 0, err
	}
	if slots, ok := b.byCore[core]; ok && slots[spec.Engine] != 0 {
		prev := b.kernels[slots[spec.Engine]-1]
		return 0, fmt.Errorf("%w: program %s: core %v already runs %s on %s",
			ErrPrecondition, b.name, core, prev.Spec.Source, spec.Engine)
	}

	id := len(b.kernels)
	b.kernels = append(b.kernels, KernelInstance{
		ID:      id,
		Core:    core,
		Routing: routing,
		Spec:    spec.clone(),
	})
	b.touch(core)[spec.Engine] = id + 1
	return id, nil
}

// Build checks that every participating core runs all three engines and
// freezes the program.
func (b *Builder) Build() (*Program, error) {
	if b.built {
		return nil, fmt.Errorf("%w: program %s already built", ErrPrecondition, b.name)
	}
	if len(b.kernels) == 0 {
		return nil, fmt.Errorf("%w: program %s has no kernels", ErrPrecondition, b.name)
	}
	for _, core := range b.cores {
		slots := b.byCore[core]
		for _, e := range Engines {
			if slots[e] == 0 {
				return nil, fmt.Errorf("%w: program %s: core %v has no %s kernel",
					ErrIncompleteCore, b.name, core, e)
			}
		}
	}

	p := &Program{
		ID:          uuid.NewString(),
		Name:        b.name,
		topo:        b.topo,
		log:         b.log,
		alloc:       b.alloc,
		kernels:     b.kernels,
		cores:       b.cores,
		byCore:      make(map[topology.CoreCoord][numEngines]int, len(b.cores)),
		runtimeArgs: make(map[int][]Arg),
		state:       StateBuilt,
	}
	for _, core := range b.cores {
		slots := *b.byCore[core]
		for i := range slots {
			slots[i]--
		}
		p.byCore[core] = slots
	}
	b.log.Info("program built", "id", p.ID, "cores", len(p.cores), "kernels", len(p.kernels))
	b.built = true
	return p, nil
}
