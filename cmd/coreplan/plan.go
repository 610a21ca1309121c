package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/kernelcache"
	"github.com/samcharles93/coreplan/internal/logger"
	"github.com/samcharles93/coreplan/internal/ops"
	"github.com/samcharles93/coreplan/internal/program"
	"github.com/samcharles93/coreplan/internal/sim"
	"github.com/samcharles93/coreplan/internal/tensor"
	"github.com/samcharles93/coreplan/internal/topology"
	"github.com/urfave/cli/v3"
)

// planOutput is what plan --json prints.
type planOutput struct {
	Program   program.Summary      `json:"program"`
	Compile   program.CompileStats `json:"compile"`
	LayerNorm *ops.LayerNormPlan   `json:"layernorm,omitempty"`
}

var (
	planShape    string
	planFormat   string
	planMaxCores int
	planJSON     bool
)

func planFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "shape", Usage: "tensor shape NxCxHxW", Value: "1x1x128x1024", Destination: &planShape},
		&cli.StringFlag{Name: "format", Usage: "tile data format", Value: "bfloat16", Destination: &planFormat},
		&cli.IntFlag{Name: "max-cores", Usage: "core limit (0 = whole grid)", Destination: &planMaxCores},
		&cli.BoolFlag{Name: "json", Usage: "print the full program as json", Destination: &planJSON},
	}
}

func planCmd() *cli.Command {
	var (
		op       string
		eps      float64
		hasGamma bool
		hasBeta  bool
	)

	return &cli.Command{
		Name:  "plan",
		Usage: "Build and compile an operator program without running it",
		Commands: []*cli.Command{
			{
				Name:  "eltwise",
				Usage: "Plan an element-wise unary op",
				Flags: append(planFlags(),
					&cli.StringFlag{Name: "op", Usage: "relu, exp, recip, sqrt or gelu", Value: "relu", Destination: &op},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					unary, err := ops.ParseUnaryOp(op)
					if err != nil {
						return err
					}
					return buildPlan(ctx, func(t *topology.Topology, in, out ops.Tensor, opts []ops.Option) (*program.Program, *ops.LayerNormPlan, error) {
						p, err := ops.BuildEltwiseUnary(t, in, out, unary, opts...)
						return p, nil, err
					})
				},
			},
			{
				Name:  "layernorm",
				Usage: "Plan a layer normalization over W",
				Flags: append(planFlags(),
					&cli.Float64Flag{Name: "eps", Usage: "variance epsilon", Value: 1e-5, Destination: &eps},
					&cli.BoolFlag{Name: "gamma", Usage: "include a gamma row", Destination: &hasGamma},
					&cli.BoolFlag{Name: "beta", Usage: "include a beta row", Destination: &hasBeta},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return buildPlan(ctx, func(t *topology.Topology, in, out ops.Tensor, opts []ops.Option) (*program.Program, *ops.LayerNormPlan, error) {
						params := ops.LayerNormParams{Eps: float32(eps)}
						affine := ops.Shape{N: 1, C: 1, H: tensor.TileDim, W: in.Shape.W}
						next := out.Buffer.Address() + uint32(out.Buffer.NumPages()*out.Buffer.PageSize())
						if hasGamma {
							g := plannedTensor(t, affine, in.Format, next)
							params.Gamma = &g
							next += uint32(affine.Tiles() * in.Format.TileSize())
						}
						if hasBeta {
							b := plannedTensor(t, affine, in.Format, next)
							params.Beta = &b
						}
						p, plan, err := ops.BuildLayerNorm(t, in, out, params, opts...)
						if err != nil {
							return nil, nil, err
						}
						return p, &plan, nil
					})
				},
			},
		},
	}
}

type planBuilder func(t *topology.Topology, in, out ops.Tensor, opts []ops.Option) (*program.Program, *ops.LayerNormPlan, error)

func buildPlan(ctx context.Context, build planBuilder) error {
	log := logger.FromContext(ctx)
	t, err := loadTopology()
	if err != nil {
		return err
	}
	shape, err := parseShape(planShape)
	if err != nil {
		return err
	}
	format, err := cb.ParseDataFormat(planFormat)
	if err != nil {
		return err
	}

	in := plannedTensor(t, shape, format, 0)
	out := plannedTensor(t, shape, format, uint32(shape.Tiles()*format.TileSize()))
	opts := []ops.Option{ops.WithMaxCores(planMaxCores), ops.WithReserved(l1Reserved), ops.WithLogger(log)}
	p, ln, err := build(t, in, out, opts)
	if err != nil {
		return err
	}

	dev, err := sim.New(t, sim.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()
	ops.RegisterKernels(dev.Registry())
	stats, err := p.Compile(ctx, kernelcache.New(), dev)
	if err != nil {
		return err
	}

	if planJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(planOutput{Program: p.Summary(), Compile: stats, LayerNorm: ln})
	}
	printPlan(p, stats, ln)
	return nil
}

func plannedTensor(t *topology.Topology, shape ops.Shape, format cb.DataFormat, addr uint32) ops.Tensor {
	return ops.Tensor{
		Shape:  shape,
		Format: format,
		Buffer: ops.PlanBuffer(t, addr, shape.Tiles(), format.TileSize()),
	}
}

func printPlan(p *program.Program, stats program.CompileStats, ln *ops.LayerNormPlan) {
	cores := p.Cores()
	fmt.Printf("program:   %s (%s)\n", p.Name, p.ID)
	fmt.Printf("cores:     %d\n", len(cores))
	fmt.Printf("kernels:   %d instances, %d distinct, %d compiled\n", stats.Instances, stats.Unique, stats.Compiled)
	if ln != nil {
		fmt.Printf("layernorm: block %d, %d rows per core, %d input pages\n", ln.BlockSize, ln.RowsPerCore, ln.InputPages)
	}
	if len(cores) == 0 {
		return
	}

	first := cores[0]
	budget := p.Budget()
	fmt.Printf("\nbuffers on %s (%d of %d bytes used):\n", first, p.L1Used(first), budget.Usable())
	for _, b := range p.Buffers(first) {
		fmt.Printf("  %-10s %#08x  %3d x %-5d %s\n", b.Channel, b.Address, b.Pages, b.PageSize, b.Format)
	}
	for _, s := range p.Semaphores() {
		fmt.Printf("  sem%-7d %#08x  init %d on %d cores\n", s.ID, s.Address, s.Initial, len(s.Cores))
	}
	for _, e := range []program.Engine{program.EngineIngress, program.EngineCompute, program.EngineEgress} {
		k, ok := p.KernelOn(first, e)
		if !ok {
			continue
		}
		args, _ := p.RuntimeArgs(k.ID)
		fmt.Printf("  %-10s %s %v\n", e, k.Spec.Source, args)
	}
}
