package mcast

import (
	"fmt"

	"github.com/samcharles93/coreplan/internal/topology"
)

// Phase is a protocol state. Senders move ArmSemaphore → AwaitBarrier →
// Broadcast → AwaitBarrier ...; receivers move ArmSemaphore → AwaitAck →
// Done once per block.
type Phase int

const (
	PhaseArmSemaphore Phase = iota
	PhaseAwaitBarrier
	PhaseBroadcast
	PhaseAwaitAck
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseArmSemaphore:
		return "arm_semaphore"
	case PhaseAwaitBarrier:
		return "await_barrier"
	case PhaseBroadcast:
		return "broadcast"
	case PhaseAwaitAck:
		return "await_ack"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// CoreIO is one core's view of its local memory and the NOC. Multicast
// writes issued by a core travel on one ordered queue: a write issued
// earlier lands at every destination before a write issued later.
type CoreIO interface {
	LoadSemaphore(addr uint32) uint32
	StoreSemaphore(addr uint32, v uint32)
	// MulticastWrite copies src into addr on every core of dest.
	MulticastWrite(dest topology.CoreRange, addr uint32, src []byte)
	// MulticastSemaphore copies the local cell at local into remote on every
	// core of dest.
	MulticastSemaphore(dest topology.CoreRange, local, remote uint32)
	AtomicIncrement(core topology.CoreCoord, addr uint32, delta uint32)
	Yield()
}

// Addresses are the local memory cells the protocol uses. FlagAddr and
// DataAddr are the same on every participating core.
type Addresses struct {
	// CounterAddr is the sender's arrival counter.
	CounterAddr uint32
	// FlagAddr is each receiver's validity flag. On the sender it holds the
	// VALID value that gets multicast.
	FlagAddr uint32
	DataAddr uint32
}

// Sender runs the sending side for a sequence of blocks.
type Sender struct {
	io      CoreIO
	plan    Plan
	addr    Addresses
	phase   Phase
	pending []byte
	sent    int
}

func NewSender(io CoreIO, plan Plan, addr Addresses) *Sender {
	return &Sender{io: io, plan: plan, addr: addr, phase: PhaseArmSemaphore}
}

func (s *Sender) Phase() Phase { return s.phase }

// Sent is the number of blocks broadcast so far.
func (s *Sender) Sent() int { return s.sent }

// Queue sets the next block to broadcast.
func (s *Sender) Queue(block []byte) error {
	if s.pending != nil {
		return fmt.Errorf("%w: block %d still pending", ErrPrecondition, s.sent)
	}
	if s.phase == PhaseDone {
		return fmt.Errorf("%w: sender closed", ErrPrecondition)
	}
	s.pending = block
	return nil
}

// Step makes one non-blocking attempt to advance and reports whether the
// phase changed.
func (s *Sender) Step() bool {
	switch s.phase {
	case PhaseArmSemaphore:
		s.io.StoreSemaphore(s.addr.FlagAddr, Valid)
		s.phase = PhaseAwaitBarrier
		return true
	case PhaseAwaitBarrier:
		if s.pending == nil {
			return false
		}
		if s.io.LoadSemaphore(s.addr.CounterAddr) != uint32(s.plan.NumDests) {
			return false
		}
		s.io.StoreSemaphore(s.addr.CounterAddr, 0)
		s.phase = PhaseBroadcast
		return true
	case PhaseBroadcast:
		s.io.MulticastWrite(s.plan.Dest, s.addr.DataAddr, s.pending)
		s.io.MulticastSemaphore(s.plan.Dest, s.addr.FlagAddr, s.addr.FlagAddr)
		s.pending = nil
		s.sent++
		s.phase = PhaseAwaitBarrier
		return true
	default:
		return false
	}
}

// SendBlock broadcasts block, spinning on the barrier for as long as it
// takes.
func (s *Sender) SendBlock(block []byte) error {
	if err := s.Queue(block); err != nil {
		return err
	}
	for s.pending != nil {
		if !s.Step() {
			s.io.Yield()
		}
	}
	return nil
}

// Close ends the sequence. Receivers of the last block are not waited for.
func (s *Sender) Close() { s.phase = PhaseDone }

// Receiver runs one receiving core.
type Receiver struct {
	io       CoreIO
	sender   topology.CoreCoord
	addr     Addresses
	phase    Phase
	received int
}

// NewReceiver builds a receiver that acknowledges to the sender at routing
// coordinate sender.
func NewReceiver(io CoreIO, sender topology.CoreCoord, addr Addresses) *Receiver {
	return &Receiver{io: io, sender: sender, addr: addr, phase: PhaseArmSemaphore}
}

func (r *Receiver) Phase() Phase { return r.phase }

func (r *Receiver) Received() int { return r.received }

// Step makes one non-blocking attempt to advance. The flag is cleared before
// the sender is told this core is ready, so a VALID seen afterwards always
// belongs to the next block.
func (r *Receiver) Step() bool {
	switch r.phase {
	case PhaseArmSemaphore:
		r.io.StoreSemaphore(r.addr.FlagAddr, Invalid)
		r.io.AtomicIncrement(r.sender, r.addr.CounterAddr, 1)
		r.phase = PhaseAwaitAck
		return true
	case PhaseAwaitAck:
		if r.io.LoadSemaphore(r.addr.FlagAddr) != Valid {
			return false
		}
		r.received++
		r.phase = PhaseDone
		return true
	default:
		return false
	}
}

// Release hands the consumed block back and arms for the next one.
func (r *Receiver) Release() {
	if r.phase == PhaseDone {
		r.phase = PhaseArmSemaphore
	}
}

// ReceiveBlock releases the previous block if any and spins until the next
// one is valid at DataAddr.
func (r *Receiver) ReceiveBlock() {
	r.Release()
	for r.phase != PhaseDone {
		if !r.Step() {
			r.io.Yield()
		}
	}
}
