package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

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

var (
	runShape     string
	runFormat    string
	runMaxCores  int
	runSeed      uint64
	runTolerance float64
	runRepeat    int
)

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "shape", Usage: "tensor shape NxCxHxW", Value: "1x1x128x256", Destination: &runShape},
		&cli.StringFlag{Name: "format", Usage: "tile data format", Value: "bfloat16", Destination: &runFormat},
		&cli.IntFlag{Name: "max-cores", Usage: "core limit (0 = whole grid)", Destination: &runMaxCores},
		&cli.Uint64Flag{Name: "seed", Usage: "input data seed", Value: 1, Destination: &runSeed},
		&cli.Float64Flag{Name: "tolerance", Usage: "largest accepted absolute error", Value: 0.05, Destination: &runTolerance},
		&cli.IntFlag{Name: "repeat", Usage: "launch the op this many times; later runs hit the kernel cache", Value: 1, Destination: &runRepeat},
	}
}

// session is one simulated device with a runner and its input.
type session struct {
	runner *ops.Runner
	dev    *sim.Device
	log    logger.Logger
	input  ops.Tensor
	// host is the input as read back, after format rounding.
	host []float32
}

func openSession(ctx context.Context, shape ops.Shape, gen func(r *rand.Rand) float32) (*session, error) {
	log := logger.FromContext(ctx)
	t, err := loadTopology()
	if err != nil {
		return nil, err
	}
	format, err := cb.ParseDataFormat(runFormat)
	if err != nil {
		return nil, err
	}
	dev, err := sim.New(t, sim.WithLogger(log))
	if err != nil {
		return nil, err
	}
	r := ops.NewRunner(dev, kernelcache.New(),
		ops.WithMaxCores(runMaxCores), ops.WithReserved(l1Reserved), ops.WithLogger(log))

	rng := rand.New(rand.NewPCG(runSeed, runSeed^0x9e3779b97f4a7c15))
	data := make([]float32, shape.Volume())
	for i := range data {
		data[i] = gen(rng)
	}
	in, err := r.Upload(shape, format, data)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	host, err := r.Download(in)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return &session{runner: r, dev: dev, log: log, input: in, host: host}, nil
}

func (s *session) Close() error { return s.dev.Close() }

// repeat launches op runRepeat times and reports the first result.
func repeat[T any](s *session, name string, op func() (T, program.CompileStats, error)) (T, error) {
	var first T
	for i := range max(runRepeat, 1) {
		start := time.Now()
		out, stats, err := op()
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = out
		}
		s.log.Info("launch complete", "op", name, "run", i+1,
			"compiled", stats.Compiled, "cache_hits", stats.CacheHits, "elapsed", time.Since(start))
	}
	return first, nil
}

func verify(name string, got, want []float32) error {
	worst, at := 0.0, 0
	for i := range want {
		d := math.Abs(float64(got[i] - want[i]))
		if math.IsNaN(d) || d > worst {
			worst, at = d, i
		}
	}
	fmt.Printf("%s: %d values, max abs error %.3g\n", name, len(want), worst)
	if !(worst <= runTolerance) {
		return fmt.Errorf("%s: value %d is %v, want %v (tolerance %g)", name, at, got[at], want[at], runTolerance)
	}
	return nil
}

func runCmd() *cli.Command {
	var (
		op        string
		eps       float64
		hasGamma  bool
		hasBeta   bool
		sender    string
		receivers string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run an operator on the simulated device and check it against the host",
		Commands: []*cli.Command{
			{
				Name:  "eltwise",
				Usage: "Run an element-wise unary op",
				Flags: append(runFlags(),
					&cli.StringFlag{Name: "op", Usage: "relu, exp, recip, sqrt or gelu", Value: "relu", Destination: &op},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					unary, err := ops.ParseUnaryOp(op)
					if err != nil {
						return err
					}
					shape, err := parseShape(runShape)
					if err != nil {
						return err
					}
					s, err := openSession(ctx, shape, func(r *rand.Rand) float32 {
						// Positive inputs keep recip and sqrt defined.
						if unary == ops.Recip || unary == ops.Sqrt {
							return 0.5 + r.Float32()*4
						}
						return r.Float32()*8 - 4
					})
					if err != nil {
						return err
					}
					defer func() { _ = s.Close() }()

					out, err := repeat(s, unary.String(), func() (ops.Tensor, program.CompileStats, error) {
						return s.runner.EltwiseUnary(ctx, s.input, unary)
					})
					if err != nil {
						return err
					}
					got, err := s.runner.Download(out)
					if err != nil {
						return err
					}
					want := make([]float32, len(s.host))
					copy(want, s.host)
					tensor.Apply(want, unary.Func())
					return verify(unary.String(), got, want)
				},
			},
			{
				Name:  "layernorm",
				Usage: "Run a layer normalization over W",
				Flags: append(runFlags(),
					&cli.Float64Flag{Name: "eps", Usage: "variance epsilon", Value: 1e-5, Destination: &eps},
					&cli.BoolFlag{Name: "gamma", Usage: "scale by a random gamma row", Destination: &hasGamma},
					&cli.BoolFlag{Name: "beta", Usage: "shift by a random beta row", Destination: &hasBeta},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					shape, err := parseShape(runShape)
					if err != nil {
						return err
					}
					s, err := openSession(ctx, shape, func(r *rand.Rand) float32 { return float32(r.NormFloat64()) })
					if err != nil {
						return err
					}
					defer func() { _ = s.Close() }()

					params := ops.LayerNormParams{Eps: float32(eps)}
					affine := func(seed uint64) (*ops.Tensor, []float32, error) {
						rng := rand.New(rand.NewPCG(runSeed, seed))
						row := make([]float32, shape.W)
						for i := range row {
							row[i] = 0.5 + rng.Float32()
						}
						t, err := s.runner.Upload(ops.Shape{N: 1, C: 1, H: tensor.TileDim, W: shape.W}, s.input.Format, ops.BroadcastRow(row))
						if err != nil {
							return nil, nil, err
						}
						back, err := s.runner.Download(t)
						if err != nil {
							return nil, nil, err
						}
						return &t, back[:shape.W], nil
					}
					var gamma, beta []float32
					if hasGamma {
						if params.Gamma, gamma, err = affine(1); err != nil {
							return err
						}
					}
					if hasBeta {
						if params.Beta, beta, err = affine(2); err != nil {
							return err
						}
					}

					out, err := repeat(s, "layernorm", func() (ops.Tensor, program.CompileStats, error) {
						return s.runner.LayerNorm(ctx, s.input, params)
					})
					if err != nil {
						return err
					}
					got, err := s.runner.Download(out)
					if err != nil {
						return err
					}
					want := make([]float32, len(s.host))
					tensor.LayerNorm(want, s.host, shape.W, params.Eps, gamma, beta)
					return verify("layernorm", got, want)
				},
			},
			{
				Name:  "replicate",
				Usage: "Multicast a tensor from one core to a rectangle of receivers",
				Flags: append(runFlags(),
					&cli.StringFlag{Name: "sender", Usage: "sender logical core x-y", Value: "0-0", Destination: &sender},
					&cli.StringFlag{Name: "receivers", Usage: "receiver rectangle x-y:x-y (default: rest of row 0)", Destination: &receivers},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					shape, err := parseShape(runShape)
					if err != nil {
						return err
					}
					src, err := topology.ParseCoord(sender)
					if err != nil {
						return err
					}
					s, err := openSession(ctx, shape, func(r *rand.Rand) float32 { return r.Float32()*2 - 1 })
					if err != nil {
						return err
					}
					defer func() { _ = s.Close() }()

					dest, err := parseRange(receivers, s.dev.Topology())
					if err != nil {
						return err
					}
					outs, err := repeat(s, "replicate", func() ([]ops.Tensor, program.CompileStats, error) {
						return s.runner.MulticastReplicate(ctx, s.input, src, dest)
					})
					if err != nil {
						return err
					}
					for i, out := range outs {
						got, err := s.runner.Download(out)
						if err != nil {
							return err
						}
						if err := verify(fmt.Sprintf("copy %d", i), got, s.host); err != nil {
							return err
						}
					}
					return nil
				},
			},
		},
	}
}

// parseRange reads x-y:x-y. Empty means row 0 without its first core.
func parseRange(s string, t *topology.Topology) (topology.CoreRange, error) {
	if strings.TrimSpace(s) == "" {
		grid := t.WorkerGridSize()
		if grid.X < 2 {
			return topology.CoreRange{}, fmt.Errorf("worker grid %dx%d has no room for receivers", grid.X, grid.Y)
		}
		return topology.NewCoreRange(topology.CoreCoord{X: 1, Y: 0}, topology.CoreCoord{X: grid.X - 1, Y: 0}), nil
	}
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return topology.CoreRange{}, fmt.Errorf("range %q: expected x-y:x-y", s)
	}
	start, err := topology.ParseCoord(a)
	if err != nil {
		return topology.CoreRange{}, err
	}
	end, err := topology.ParseCoord(b)
	if err != nil {
		return topology.CoreRange{}, err
	}
	return topology.NewCoreRange(start, end), nil
}
