package ops

import (
	"context"
	"fmt"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/kernelcache"
	"github.com/samcharles93/coreplan/internal/program"
	"github.com/samcharles93/coreplan/internal/sim"
	"github.com/samcharles93/coreplan/internal/tensor"
	"github.com/samcharles93/coreplan/internal/topology"
)

// Runner executes operators on a simulated device. Its compile cache must
// only ever see this device: a cache hit skips loading the binary.
type Runner struct {
	dev  *sim.Device
	host *program.Host
	opts []Option
}

// NewRunner registers the operator kernels on dev and runs programs through
// one host with the given cache.
func NewRunner(dev *sim.Device, cache *kernelcache.Cache, opts ...Option) *Runner {
	RegisterKernels(dev.Registry())
	return &Runner{
		dev:  dev,
		host: &program.Host{Device: dev, Compiler: dev, Cache: cache},
		opts: opts,
	}
}

func (r *Runner) Device() *sim.Device { return r.dev }

// Allocate reserves an uninitialized tiled tensor.
func (r *Runner) Allocate(shape Shape, format cb.DataFormat) (Tensor, error) {
	if err := shape.Validate(); err != nil {
		return Tensor{}, err
	}
	if format.TileSize() == 0 {
		return Tensor{}, fmt.Errorf("%w: %s", ErrFormat, format)
	}
	buf, err := r.dev.AllocateBuffer(shape.Tiles(), format.TileSize())
	if err != nil {
		return Tensor{}, err
	}
	return Tensor{Shape: shape, Format: format, Buffer: buf}, nil
}

// Upload tilizes row-major data and writes it to a new device tensor.
func (r *Runner) Upload(shape Shape, format cb.DataFormat, data []float32) (Tensor, error) {
	if err := shape.Validate(); err != nil {
		return Tensor{}, err
	}
	if len(data) != shape.Volume() {
		return Tensor{}, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	t, err := r.Allocate(shape, format)
	if err != nil {
		return Tensor{}, err
	}
	tiled := tensor.Tilize(data, shape.NC(), shape.H, shape.W)
	size := format.TileSize()
	raw := make([]byte, shape.Tiles()*size)
	for i := range shape.Tiles() {
		if err := sim.EncodeTile(format, tiled[i*TileHW:(i+1)*TileHW], raw[i*size:(i+1)*size]); err != nil {
			return Tensor{}, err
		}
	}
	if err := t.Buffer.(*sim.Buffer).Write(raw); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// Download reads a device tensor back in row-major order.
func (r *Runner) Download(t Tensor) ([]float32, error) {
	buf, ok := t.Buffer.(*sim.Buffer)
	if !ok {
		return nil, fmt.Errorf("%w: tensor %v is not resident on the device", ErrShape, t.Shape)
	}
	raw := buf.Read()
	size := t.Format.TileSize()
	tiled := make([]float32, 0, t.Shape.Volume())
	for i := range t.Shape.Tiles() {
		vals, err := sim.DecodeTile(t.Format, raw[i*size:(i+1)*size])
		if err != nil {
			return nil, err
		}
		tiled = append(tiled, vals...)
	}
	return tensor.Untilize(tiled, t.Shape.NC(), t.Shape.H, t.Shape.W), nil
}

// EltwiseUnary runs op over in and returns the result tensor.
func (r *Runner) EltwiseUnary(ctx context.Context, in Tensor, op UnaryOp) (Tensor, program.CompileStats, error) {
	out, err := r.Allocate(in.Shape, in.Format)
	if err != nil {
		return Tensor{}, program.CompileStats{}, err
	}
	p, err := BuildEltwiseUnary(r.dev.Topology(), in, out, op, r.opts...)
	if err != nil {
		return Tensor{}, program.CompileStats{}, err
	}
	stats, err := r.host.Execute(ctx, p)
	return out, stats, err
}

// LayerNorm normalizes in over W.
func (r *Runner) LayerNorm(ctx context.Context, in Tensor, params LayerNormParams) (Tensor, program.CompileStats, error) {
	out, err := r.Allocate(in.Shape, in.Format)
	if err != nil {
		return Tensor{}, program.CompileStats{}, err
	}
	p, _, err := BuildLayerNorm(r.dev.Topology(), in, out, params, r.opts...)
	if err != nil {
		return Tensor{}, program.CompileStats{}, err
	}
	stats, err := r.host.Execute(ctx, p)
	return out, stats, err
}

// MulticastReplicate copies in to the sender and every receiver and returns
// the copies, sender first.
func (r *Runner) MulticastReplicate(ctx context.Context, in Tensor, sender topology.CoreCoord, receivers topology.CoreRange) ([]Tensor, program.CompileStats, error) {
	n := 1 + receivers.NumCores()
	if receivers.Contains(sender) {
		n--
	}
	outs := make([]Tensor, n)
	for i := range outs {
		out, err := r.Allocate(in.Shape, in.Format)
		if err != nil {
			return nil, program.CompileStats{}, err
		}
		outs[i] = out
	}
	p, _, err := BuildMulticastReplicate(r.dev.Topology(), in, outs, sender, receivers, r.opts...)
	if err != nil {
		return nil, program.CompileStats{}, err
	}
	stats, err := r.host.Execute(ctx, p)
	return outs, stats, err
}

// BroadcastRow builds the [1 1 32 W] tensor data whose first row is vals,
// the form layernorm takes gamma and beta in.
func BroadcastRow(vals []float32) []float32 {
	out := make([]float32, tensor.TileDim*len(vals))
	copy(out, vals)
	return out
}
