// Package cb plans circular buffers and semaphores in each worker's local
// memory. It is a static capacity pass: every declaration is checked against
// the core's budget when it is made, and nothing is ever clipped.
package cb

import (
	"fmt"
	"slices"

	"github.com/samcharles93/coreplan/internal/topology"
)

// SemaphoreSize is the footprint of one semaphore cell. Cells are kept at
// NOC write alignment so a multicast flag write covers exactly one cell.
const SemaphoreSize = 16

// DefaultReserved is the firmware and mailbox region at the bottom of a
// worker's L1 that buffers may not use.
const DefaultReserved = 100 * 1024

// CircularBuffer is one declared ring buffer on one core.
type CircularBuffer struct {
	Core     topology.CoreCoord `json:"core"`
	Channel  Channel            `json:"channel"`
	Pages    int                `json:"pages"`
	PageSize int                `json:"page_size"`
	Address  uint32             `json:"address"`
	Format   DataFormat         `json:"format"`
}

// Size is the buffer's footprint in bytes.
func (b CircularBuffer) Size() int { return b.Pages * b.PageSize }

func (b CircularBuffer) end() uint32 { return b.Address + uint32(b.Size()) }

// limit is end computed without uint32 wraparound.
func (b CircularBuffer) limit() uint64 { return uint64(b.Address) + uint64(b.Size()) }

// Semaphore is a synchronization cell at the same address on every core it
// was declared on.
type Semaphore struct {
	ID      int                  `json:"id"`
	Address uint32               `json:"address"`
	Initial uint32               `json:"initial"`
	Cores   []topology.CoreCoord `json:"cores"`
}

// Budget describes one worker's local memory.
type Budget struct {
	L1Size   int `json:"l1_size"`
	Reserved int `json:"reserved"`
}

// BudgetFor derives the worker budget from a topology's features.
func BudgetFor(t *topology.Topology, reserved int) Budget {
	return Budget{L1Size: t.Features().WorkerL1Size, Reserved: reserved}
}

// Usable is the number of bytes buffers and semaphores may occupy.
func (b Budget) Usable() int { return b.L1Size - b.Reserved }

type coreState struct {
	buffers   []CircularBuffer
	byChannel map[Channel]int
	semIDs    []int
	used      int
}

// Allocator tracks declarations for one program. It is not safe for
// concurrent use; a program is built by one goroutine.
type Allocator struct {
	budget     Budget
	cores      map[topology.CoreCoord]*coreState
	order      []topology.CoreCoord
	semaphores []Semaphore
}

func NewAllocator(budget Budget) (*Allocator, error) {
	if budget.L1Size <= 0 || budget.Reserved < 0 || budget.Usable() <= 0 {
		return nil, fmt.Errorf("%w: l1 size %d with %d reserved leaves no room",
			ErrCapacityExceeded, budget.L1Size, budget.Reserved)
	}
	return &Allocator{
		budget: budget,
		cores:  make(map[topology.CoreCoord]*coreState),
	}, nil
}

func (a *Allocator) Budget() Budget { return a.budget }

type declareOptions struct {
	blockSize int
	address   uint32
	placed    bool
}

// Option adjusts a single declaration.
type Option func(*declareOptions)

// WithBlockSize requires the page count to be a multiple of b.
func WithBlockSize(b int) Option {
	return func(o *declareOptions) { o.blockSize = b }
}

// WithAddress places the buffer at an explicit address instead of the next
// free one.
func WithAddress(addr uint32) Option {
	return func(o *declareOptions) {
		o.address = addr
		o.placed = true
	}
}

// peek returns the core's state without registering a new core.
func (a *Allocator) peek(core topology.CoreCoord) *coreState {
	if s, ok := a.cores[core]; ok {
		return s
	}
	return &coreState{byChannel: make(map[Channel]int)}
}

func (a *Allocator) commit(core topology.CoreCoord, s *coreState) {
	if _, ok := a.cores[core]; !ok {
		a.cores[core] = s
		a.order = append(a.order, core)
	}
}

// Declare reserves pages*pageSize bytes on core for channel.
func (a *Allocator) Declare(core topology.CoreCoord, ch Channel, pages, pageSize int, format DataFormat, opts ...Option) (CircularBuffer, error) {
	var o declareOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !ch.Valid() {
		return CircularBuffer{}, fmt.Errorf("%w: channel id %d outside the channel namespace", ErrInvalidBuffer, uint8(ch))
	}
	if pages < 1 || pageSize < 1 {
		return CircularBuffer{}, fmt.Errorf("%w: %s on %v: %d pages of %d bytes", ErrInvalidBuffer, ch, core, pages, pageSize)
	}
	if format.TileSize() == 0 {
		return CircularBuffer{}, fmt.Errorf("%w: %s on %v: unknown data format", ErrInvalidBuffer, ch, core)
	}
	if o.blockSize < 0 {
		return CircularBuffer{}, fmt.Errorf("%w: block size %d", ErrInvalidBuffer, o.blockSize)
	}
	if o.blockSize > 0 && pages%o.blockSize != 0 {
		return CircularBuffer{}, fmt.Errorf("%w: %s on %v: %d pages, block size %d",
			ErrBlockMisaligned, ch, core, pages, o.blockSize)
	}

	s := a.peek(core)
	if _, dup := s.byChannel[ch]; dup {
		return CircularBuffer{}, fmt.Errorf("%w: %s on %v", ErrDuplicateChannel, ch, core)
	}

	if pages > a.budget.Usable()/pageSize {
		return CircularBuffer{}, fmt.Errorf("%w: %s on %v: %d pages of %d bytes exceed %d usable bytes",
			ErrCapacityExceeded, ch, core, pages, pageSize, a.budget.Usable())
	}
	size := pages * pageSize
	if s.used+size > a.budget.Usable() {
		return CircularBuffer{}, fmt.Errorf("%w: %s on %v needs %d bytes, %d of %d in use",
			ErrCapacityExceeded, ch, core, size, s.used, a.budget.Usable())
	}

	buf := CircularBuffer{
		Core:     core,
		Channel:  ch,
		Pages:    pages,
		PageSize: pageSize,
		Format:   format,
	}
	if o.placed {
		buf.Address = o.address
	} else {
		buf.Address = a.nextFree(s)
	}
	if err := a.checkPlacement(s, buf); err != nil {
		return CircularBuffer{}, err
	}

	s.byChannel[ch] = len(s.buffers)
	s.buffers = append(s.buffers, buf)
	s.used += size
	a.commit(core, s)
	return buf, nil
}

// nextFree is the end of the highest buffer on the core.
func (a *Allocator) nextFree(s *coreState) uint32 {
	next := uint32(a.budget.Reserved)
	for _, b := range s.buffers {
		next = max(next, b.end())
	}
	return next
}

// semaphoreFloor is the lowest address used by the semaphore region at the
// top of L1.
func (a *Allocator) semaphoreFloor(s *coreState) uint32 {
	floor := uint32(a.budget.L1Size)
	for _, id := range s.semIDs {
		floor = min(floor, a.semaphores[id].Address)
	}
	return floor
}

func (a *Allocator) checkPlacement(s *coreState, buf CircularBuffer) error {
	if uint64(buf.Address) < uint64(a.budget.Reserved) || buf.limit() > uint64(a.semaphoreFloor(s)) {
		return fmt.Errorf("%w: %s on %v at [%#x, %#x) outside usable window [%#x, %#x)",
			ErrCapacityExceeded, buf.Channel, buf.Core, buf.Address, buf.limit(),
			a.budget.Reserved, a.semaphoreFloor(s))
	}
	for _, other := range s.buffers {
		if buf.Address < other.end() && other.Address < buf.end() {
			return fmt.Errorf("%w: %s on %v overlaps %s", ErrInvalidBuffer, buf.Channel, buf.Core, other.Channel)
		}
	}
	return nil
}

// Semaphore reserves one cell at the same address on every listed core. The
// cell is taken from the top of L1 downward and counts against each core's
// budget.
func (a *Allocator) Semaphore(cores []topology.CoreCoord, initial uint32) (Semaphore, error) {
	if len(cores) == 0 {
		return Semaphore{}, fmt.Errorf("%w: semaphore on no cores", ErrInvalidBuffer)
	}
	seen := make(map[topology.CoreCoord]bool, len(cores))
	cores = slices.DeleteFunc(slices.Clone(cores), func(c topology.CoreCoord) bool {
		dup := seen[c]
		seen[c] = true
		return dup
	})

	// The first slot below every listed core's lowest cell. Cores can hold
	// gaps, so the count of their semaphores is not enough.
	slot := 0
	for _, c := range cores {
		if s, ok := a.cores[c]; ok {
			slot = max(slot, (a.budget.L1Size-int(a.semaphoreFloor(s)))/SemaphoreSize)
		}
	}
	addr := uint32(a.budget.L1Size - (slot+1)*SemaphoreSize)

	for _, c := range cores {
		s := a.peek(c)
		if s.used+SemaphoreSize > a.budget.Usable() || addr < a.nextFree(s) {
			return Semaphore{}, fmt.Errorf("%w: semaphore on %v, %d of %d bytes in use",
				ErrCapacityExceeded, c, s.used, a.budget.Usable())
		}
	}

	sem := Semaphore{ID: len(a.semaphores), Address: addr, Initial: initial, Cores: cores}
	a.semaphores = append(a.semaphores, sem)
	for _, c := range cores {
		s := a.peek(c)
		a.commit(c, s)
		s.semIDs = append(s.semIDs, sem.ID)
		s.used += SemaphoreSize
	}
	return sem, nil
}

// Buffers returns the buffers declared on core in declaration order.
func (a *Allocator) Buffers(core topology.CoreCoord) []CircularBuffer {
	s, ok := a.cores[core]
	if !ok {
		return nil
	}
	return slices.Clone(s.buffers)
}

func (a *Allocator) Buffer(core topology.CoreCoord, ch Channel) (CircularBuffer, bool) {
	s, ok := a.cores[core]
	if !ok {
		return CircularBuffer{}, false
	}
	i, ok := s.byChannel[ch]
	if !ok {
		return CircularBuffer{}, false
	}
	return s.buffers[i], true
}

// Semaphores returns every semaphore that includes core.
func (a *Allocator) Semaphores(core topology.CoreCoord) []Semaphore {
	s, ok := a.cores[core]
	if !ok {
		return nil
	}
	out := make([]Semaphore, 0, len(s.semIDs))
	for _, id := range s.semIDs {
		out = append(out, a.semaphores[id])
	}
	return out
}

// AllSemaphores returns every semaphore in declaration order.
func (a *Allocator) AllSemaphores() []Semaphore {
	return slices.Clone(a.semaphores)
}

// Used is the number of budget bytes taken on core.
func (a *Allocator) Used(core topology.CoreCoord) int {
	if s, ok := a.cores[core]; ok {
		return s.used
	}
	return 0
}

func (a *Allocator) Remaining(core topology.CoreCoord) int {
	return a.budget.Usable() - a.Used(core)
}

// Cores lists cores with at least one declaration, in first-use order.
func (a *Allocator) Cores() []topology.CoreCoord {
	return slices.Clone(a.order)
}
