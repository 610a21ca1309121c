package ops

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/program"
	"github.com/samcharles93/coreplan/internal/topology"
	"github.com/samcharles93/coreplan/internal/workdist"
)

// LayerNormTileFormat is the only format the layernorm kernels handle.
const LayerNormTileFormat = cb.Float16B

// LayerNormParams are the optional affine tensors of a layernorm. Gamma and
// beta are [1 1 32 W] tensors whose first row holds the per-column values.
type LayerNormParams struct {
	Eps   float32
	Gamma *Tensor
	Beta  *Tensor
}

// layerNormBuffer is one row of the circular buffer table.
type layerNormBuffer struct {
	ch      cb.Channel
	pages   int
	blocked bool // page count must be a multiple of the block size
}

// layerNormBuffers sizes every buffer for a block size. Big buffers use 64
// pages for power of two blocks and 60 otherwise so block sizes 3, 5 and 6
// divide them; a block of 7 divides neither and fails allocation.
func layerNormBuffers(block int) []layerNormBuffer {
	big, half := 60, 30
	switch block {
	case 1, 2, 4, 8:
		big, half = 64, 32
	}
	return []layerNormBuffer{
		{cb.In0, big, true},
		{cb.Out0, big, true},
		{cb.Intermed1, 2, false},
		{cb.In2, 2, false}, // 1/W scaler from the reader
		{cb.In3, 2, false}, // epsilon from the reader
		{cb.In4, 2, false},
		{cb.Intermed2, 2, false},
		{cb.Intermed0, big, true},
		{cb.Intermed3, big, true},
		{cb.Intermed4, 8, false},
		{cb.Intermed5, 2 * block, false},
		{cb.In5, half, true}, // gamma
		{cb.In6, half, true}, // beta
	}
}

// LayerNormPlan records the decisions BuildLayerNorm made.
type LayerNormPlan struct {
	BlockSize    int                `json:"block_size"`
	RowsPerCore  int                `json:"rows_per_core"`
	Placement    workdist.Placement `json:"placement"`
	InputPages   int                `json:"input_pages"`
	GammaTiles   int                `json:"gamma_tiles"`
	BetaTiles    int                `json:"beta_tiles"`
	ScalerWInv   float32            `json:"scaler_winv"`
	EpsilonValue float32            `json:"eps"`
}

// BuildLayerNorm plans out = layernorm(in) over rows of W. Whole rows of
// tiles are the unit of work, so NC*Ht is split over the largest core count
// that divides it.
func BuildLayerNorm(t *topology.Topology, in, out Tensor, params LayerNormParams, opts ...Option) (*program.Program, LayerNormPlan, error) {
	var plan LayerNormPlan
	if err := checkLayerNormTensor("input", in); err != nil {
		return nil, plan, err
	}
	if err := checkLayerNormTensor("output", out); err != nil {
		return nil, plan, err
	}
	if out.Shape != in.Shape {
		return nil, plan, fmt.Errorf("%w: layernorm output %v does not match input %v", ErrShape, out.Shape, in.Shape)
	}
	wt, ht, nc := in.Shape.Wt(), in.Shape.Ht(), in.Shape.NC()
	for _, p := range []struct {
		name string
		t    *Tensor
	}{{"gamma", params.Gamma}, {"beta", params.Beta}} {
		if p.t == nil {
			continue
		}
		if err := checkLayerNormTensor(p.name, *p.t); err != nil {
			return nil, plan, err
		}
		if want := (Shape{N: 1, C: 1, H: 32, W: in.Shape.W}); p.t.Shape != want {
			return nil, plan, fmt.Errorf("%w: layernorm %s %v, want %v", ErrShape, p.name, p.t.Shape, want)
		}
	}

	block := workdist.FindMaxDivisor(wt, workdist.MaxBlockSize)
	buffers := layerNormBuffers(block)
	// Compute holds one row of tiles in the xmm buffer.
	if capacity := pagesOf(buffers, cb.Intermed0); wt > capacity {
		return nil, plan, fmt.Errorf("%w: W of %d tiles exceeds the %d tile row buffer", ErrShape, wt, capacity)
	}

	cfg := newConfig(opts)
	grid := workdist.GridOf(t)
	rows := nc * ht
	placement, err := workdist.SplitDividingOnGrid(rows, grid, cfg.coreLimit(grid))
	if err != nil {
		return nil, plan, fmt.Errorf("layernorm: %w", err)
	}
	tpc := placement.UnitsPerCore[0]

	plan = LayerNormPlan{
		BlockSize:    block,
		RowsPerCore:  tpc,
		Placement:    placement,
		InputPages:   pagesOf(buffers, cb.In0),
		ScalerWInv:   1 / float32(in.Shape.W),
		EpsilonValue: params.Eps,
	}
	var gammaAddr, betaAddr uint32
	if params.Gamma != nil {
		plan.GammaTiles = params.Gamma.Shape.Tiles()
		gammaAddr = params.Gamma.Buffer.Address()
	}
	if params.Beta != nil {
		plan.BetaTiles = params.Beta.Shape.Tiles()
		betaAddr = params.Beta.Buffer.Address()
	}

	b, err := cfg.builder(t, "layernorm")
	if err != nil {
		return nil, plan, err
	}
	tileSize := LayerNormTileFormat.TileSize()
	defines := map[string]string{"BLOCK_SIZE": strconv.Itoa(block)}
	computeArgs := []uint32{uint32(tpc), uint32(wt), boolWord(plan.GammaTiles > 0), boolWord(plan.BetaTiles > 0)}

	var sets []argSet
	for i, core := range placement.Cores {
		if err := declareLayerNormBuffers(b, core, buffers, block, tileSize); err != nil {
			return nil, plan, err
		}
		reader, err := b.Kernel(core, program.KernelSpec{Source: KernelReaderLayerNorm, Engine: program.EngineIngress, Defines: defines})
		if err != nil {
			return nil, plan, err
		}
		writer, err := b.Kernel(core, program.KernelSpec{Source: KernelWriterLayerNorm, Engine: program.EngineEgress, Defines: defines})
		if err != nil {
			return nil, plan, err
		}
		compute, err := b.Kernel(core, program.KernelSpec{
			Source:      KernelLayerNorm,
			Engine:      program.EngineCompute,
			CompileArgs: computeArgs,
			Defines:     defines,
			Fidelity:    program.HiFi4,
			MathApprox:  true,
		})
		if err != nil {
			return nil, plan, err
		}

		tiles := tpc * wt
		offset := tiles * i
		sets = append(sets,
			argSet{reader, []program.Arg{
				program.Addr(in.Buffer.Address()), program.U32(0), program.U32(0),
				program.Count(tiles), program.Count(offset),
				program.U32(0), program.U32(0), program.U32(0),
				program.F32(plan.ScalerWInv), program.F32(params.Eps),
				program.Count(plan.GammaTiles), program.Addr(gammaAddr),
				program.Count(plan.BetaTiles), program.Addr(betaAddr),
			}},
			argSet{writer, []program.Arg{
				program.Addr(out.Buffer.Address()), program.U32(0), program.U32(0),
				program.Count(tiles), program.Count(offset),
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

func declareLayerNormBuffers(b *program.Builder, core topology.CoreCoord, buffers []layerNormBuffer, block, tileSize int) error {
	for _, buf := range buffers {
		var opts []cb.Option
		if buf.blocked {
			opts = append(opts, cb.WithBlockSize(block))
		}
		if _, err := b.CircularBuffer(core, buf.ch, buf.pages, tileSize, LayerNormTileFormat, opts...); err != nil {
			return fmt.Errorf("layernorm: %w", err)
		}
	}
	return nil
}

func pagesOf(buffers []layerNormBuffer, ch cb.Channel) int {
	for _, b := range buffers {
		if b.ch == ch {
			return b.pages
		}
	}
	return 0
}

func checkLayerNormTensor(name string, t Tensor) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("layernorm %s: %w", name, err)
	}
	if t.Format != LayerNormTileFormat {
		return fmt.Errorf("%w: layernorm %s is %s, kernels read %s", ErrFormat, name, t.Format, LayerNormTileFormat)
	}
	return nil
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
