package ops

import (
	"fmt"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/program"
	"github.com/samcharles93/coreplan/internal/topology"
	"github.com/samcharles93/coreplan/internal/workdist"
)

// Double-buffered input and output, one tile per page.
const eltwisePages = 2

// argSet holds a kernel's runtime arguments until the program is built.
type argSet struct {
	kernel int
	args   []program.Arg
}

func applyArgs(p *program.Program, sets []argSet) error {
	for _, s := range sets {
		if err := p.SetRuntimeArgs(s.kernel, s.args...); err != nil {
			return err
		}
	}
	return nil
}

// BuildEltwiseUnary plans out = op(in) over the worker grid. Tiles are
// spread with workdist.Distribute; core i takes a contiguous run of tiles
// starting at its offset.
func BuildEltwiseUnary(t *topology.Topology, in, out Tensor, op UnaryOp, opts ...Option) (*program.Program, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("eltwise %s: input: %w", op, err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("eltwise %s: output: %w", op, err)
	}
	if out.Shape != in.Shape || out.Format != in.Format {
		return nil, fmt.Errorf("%w: eltwise %s output %v %s does not match input %v %s",
			ErrShape, op, out.Shape, out.Format, in.Shape, in.Format)
	}
	if op.Func() == nil {
		return nil, fmt.Errorf("eltwise: unknown op %d", int(op))
	}

	cfg := newConfig(opts)
	grid := workdist.GridOf(t)
	placement, err := workdist.DistributeOnGrid(in.Shape.Tiles(), grid, cfg.coreLimit(grid))
	if err != nil {
		return nil, fmt.Errorf("eltwise %s: %w", op, err)
	}

	b, err := cfg.builder(t, "eltwise_"+op.String())
	if err != nil {
		return nil, err
	}
	tileSize := in.Format.TileSize()
	srcBank, dstBank := firstBank(in.Buffer), firstBank(out.Buffer)
	defines := map[string]string{"SFPU_OP": op.String()}

	var sets []argSet
	for i, core := range placement.Cores {
		for _, ch := range []cb.Channel{cb.In0, cb.Out0} {
			if _, err := b.CircularBuffer(core, ch, eltwisePages, tileSize, in.Format); err != nil {
				return nil, err
			}
		}
		reader, err := b.Kernel(core, program.KernelSpec{Source: KernelReaderUnary, Engine: program.EngineIngress})
		if err != nil {
			return nil, err
		}
		writer, err := b.Kernel(core, program.KernelSpec{Source: KernelWriterUnary, Engine: program.EngineEgress})
		if err != nil {
			return nil, err
		}
		compute, err := b.Kernel(core, program.KernelSpec{
			Source:      KernelEltwiseSFPU,
			Engine:      program.EngineCompute,
			CompileArgs: []uint32{uint32(placement.UnitsPerCore[i]), 1},
			Defines:     defines,
			Fidelity:    program.HiFi4,
		})
		if err != nil {
			return nil, err
		}

		n, start := placement.UnitsPerCore[i], placement.StartOffsets[i]
		sets = append(sets,
			argSet{reader, []program.Arg{
				program.Addr(in.Buffer.Address()), program.U32(uint32(srcBank.X)), program.U32(uint32(srcBank.Y)),
				program.Count(n), program.Count(start),
			}},
			argSet{writer, []program.Arg{
				program.Addr(out.Buffer.Address()), program.U32(uint32(dstBank.X)), program.U32(uint32(dstBank.Y)),
				program.Count(n), program.Count(start),
			}},
			argSet{compute, nil},
		)
	}

	p, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := applyArgs(p, sets); err != nil {
		return nil, err
	}
	return p, nil
}
