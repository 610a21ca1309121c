package ops

import (
	"fmt"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/mcast"
	"github.com/samcharles93/coreplan/internal/program"
	"github.com/samcharles93/coreplan/internal/topology"
	"github.com/samcharles93/coreplan/internal/workdist"
)

// ReplicatePlan records the decisions BuildMulticastReplicate made.
type ReplicatePlan struct {
	Multicast   mcast.Plan `json:"multicast"`
	BlockTiles  int        `json:"block_tiles"`
	NumBlocks   int        `json:"num_blocks"`
	CounterAddr uint32     `json:"counter_addr"`
	FlagAddr    uint32     `json:"flag_addr"`
	// Cores is the sender followed by the receivers, all logical; outs[i]
	// receives core i's copy.
	Cores []topology.CoreCoord `json:"cores"`
}

// BuildMulticastReplicate plans a copy of in into every out, one out per
// core. The sender reads blocks of tiles from DRAM and multicasts each one
// into the receivers' input buffer; every core then writes its copy back to
// DRAM. outs[0] belongs to the sender, the rest follow the receiver range in
// row-major order.
func BuildMulticastReplicate(t *topology.Topology, in Tensor, outs []Tensor, sender topology.CoreCoord, receivers topology.CoreRange, opts ...Option) (*program.Program, ReplicatePlan, error) {
	var plan ReplicatePlan
	if err := in.Validate(); err != nil {
		return nil, plan, fmt.Errorf("replicate: input: %w", err)
	}
	mc, err := mcast.NewPlan(t, sender, receivers)
	if err != nil {
		return nil, plan, fmt.Errorf("replicate: %w", err)
	}
	cores := []topology.CoreCoord{sender}
	for c := range receivers.All() {
		if c != sender {
			cores = append(cores, c)
		}
	}
	if len(outs) != len(cores) {
		return nil, plan, fmt.Errorf("%w: replicate to %d cores needs %d outputs, got %d",
			ErrShape, len(cores), len(cores), len(outs))
	}
	for i, out := range outs {
		if err := out.Validate(); err != nil {
			return nil, plan, fmt.Errorf("replicate: output %d: %w", i, err)
		}
		if out.Shape != in.Shape || out.Format != in.Format {
			return nil, plan, fmt.Errorf("%w: replicate output %d is %v %s, input is %v %s",
				ErrShape, i, out.Shape, out.Format, in.Shape, in.Format)
		}
	}

	tiles := in.Shape.Tiles()
	blockTiles := workdist.BlockSize(tiles)
	plan = ReplicatePlan{
		Multicast:  mc,
		BlockTiles: blockTiles,
		NumBlocks:  tiles / blockTiles,
		Cores:      cores,
	}

	cfg := newConfig(opts)
	b, err := cfg.builder(t, "mcast_replicate")
	if err != nil {
		return nil, plan, err
	}
	tileSize := in.Format.TileSize()

	// The receiver flag is declared first so it takes the same slot on the
	// sender, where it holds the VALID value that gets multicast.
	flag, err := b.Semaphore(cores, mcast.Invalid)
	if err != nil {
		return nil, plan, err
	}
	counter, err := b.Semaphore([]topology.CoreCoord{sender}, 0)
	if err != nil {
		return nil, plan, err
	}
	plan.FlagAddr, plan.CounterAddr = flag.Address, counter.Address

	// Blocks land at the same input address everywhere, so every core
	// declares an identical single-block input buffer.
	var dataAddr uint32
	var sets []argSet
	for i, core := range cores {
		in0, err := b.CircularBuffer(core, cb.In0, blockTiles, tileSize, in.Format)
		if err != nil {
			return nil, plan, err
		}
		if i == 0 {
			dataAddr = in0.Address
		} else if in0.Address != dataAddr {
			return nil, plan, fmt.Errorf("%w: replicate input buffer at %#x on %v, %#x on the sender",
				cb.ErrInvalidBuffer, in0.Address, core, dataAddr)
		}
		if _, err := b.CircularBuffer(core, cb.Out0, eltwisePages, tileSize, in.Format); err != nil {
			return nil, plan, err
		}

		readerSpec := program.KernelSpec{Source: KernelReaderMcastReceiver, Engine: program.EngineIngress}
		if i == 0 {
			readerSpec.Source = KernelReaderMcastSender
		}
		reader, err := b.Kernel(core, readerSpec)
		if err != nil {
			return nil, plan, err
		}
		writer, err := b.Kernel(core, program.KernelSpec{Source: KernelWriterUnary, Engine: program.EngineEgress})
		if err != nil {
			return nil, plan, err
		}
		compute, err := b.Kernel(core, program.KernelSpec{
			Source:      KernelCopyBlock,
			Engine:      program.EngineCompute,
			CompileArgs: []uint32{uint32(plan.NumBlocks), uint32(blockTiles)},
		})
		if err != nil {
			return nil, plan, err
		}

		var readerArgs []program.Arg
		if i == 0 {
			readerArgs = []program.Arg{
				program.Addr(in.Buffer.Address()),
				program.Count(plan.NumBlocks), program.Count(blockTiles),
				program.U32(uint32(mc.Dest.Start.X)), program.U32(uint32(mc.Dest.Start.Y)),
				program.U32(uint32(mc.Dest.End.X)), program.U32(uint32(mc.Dest.End.Y)),
				program.Count(mc.NumDests),
				program.Addr(counter.Address), program.Addr(flag.Address),
			}
		} else {
			readerArgs = []program.Arg{
				program.Count(plan.NumBlocks), program.Count(blockTiles),
				program.U32(uint32(mc.Sender.X)), program.U32(uint32(mc.Sender.Y)),
				program.Addr(counter.Address), program.Addr(flag.Address),
			}
		}
		dst := outs[i].Buffer
		bank := firstBank(dst)
		sets = append(sets,
			argSet{reader, readerArgs},
			argSet{writer, []program.Arg{
				program.Addr(dst.Address()), program.U32(uint32(bank.X)), program.U32(uint32(bank.Y)),
				program.Count(tiles), program.Count(0),
			}},
			argSet{compute, nil},
		)
	}

	p, err := b.Build()
	if err != nil {
		return nil, plan, err
	}
	if err := applyArgs(p, sets); err != nil {
		return nil, plan, err
	}
	return p, plan, nil
}
