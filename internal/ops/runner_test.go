package ops

import (
	"context"
	"math"
	"testing"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/kernelcache"
	"github.com/samcharles93/coreplan/internal/sim"
	"github.com/samcharles93/coreplan/internal/tensor"
	"github.com/samcharles93/coreplan/internal/topology"
)

func newRunner(t *testing.T) *Runner {
	t.Helper()
	topo, err := topology.Synthetic(topology.SyntheticSpec{Cols: 4, Rows: 3, DRAMChannels: 2})
	if err != nil {
		t.Fatalf("Synthetic() error = %v", err)
	}
	dev, err := sim.New(topo)
	if err != nil {
		t.Fatalf("sim.New() error = %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return NewRunner(dev, kernelcache.New())
}

func ramp(n int, fn func(i int) float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = fn(i)
	}
	return out
}

// roundBF16 is what a value reads back as after a trip through bfloat16.
func roundBF16(v float32) float32 {
	return math.Float32frombits(uint32(sim.Bfloat16(v)) << 16)
}

func TestRunnerUploadDownload(t *testing.T) {
	t.Parallel()

	r := newRunner(t)
	shape := Shape{N: 1, C: 2, H: 64, W: 96}
	data := ramp(shape.Volume(), func(i int) float32 { return float32(i%251) - 125 })
	in, err := r.Upload(shape, cb.Float16B, data)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	got, err := r.Download(in)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("value %d = %v, want %v", i, got[i], data[i])
		}
	}
	if _, err := r.Upload(shape, cb.Float16B, data[:10]); err == nil {
		t.Fatal("Upload() accepted a short slice")
	}
}

func TestRunnerEltwiseUnary(t *testing.T) {
	t.Parallel()

	r := newRunner(t)
	ctx := context.Background()
	shape := Shape{N: 1, C: 1, H: 96, W: 64} // 6 tiles over 12 cores
	data := ramp(shape.Volume(), func(i int) float32 { return float32(i%9-4) * 0.5 })
	in, err := r.Upload(shape, cb.Float16B, data)
	if err != nil {
		t.Fatal(err)
	}

	out, stats, err := r.EltwiseUnary(ctx, in, Relu)
	if err != nil {
		t.Fatalf("EltwiseUnary(relu) error = %v", err)
	}
	if stats.Compiled != stats.Unique || stats.CacheHits != 0 {
		t.Fatalf("first run stats = %+v", stats)
	}
	got, err := r.Download(out)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range data {
		if got[i] != tensor.Relu(v) {
			t.Fatalf("relu value %d = %v, want %v", i, got[i], tensor.Relu(v))
		}
	}

	// Same shape and op again: every binary is already on the device.
	_, stats, err = r.EltwiseUnary(ctx, in, Relu)
	if err != nil {
		t.Fatalf("second EltwiseUnary(relu) error = %v", err)
	}
	if stats.Compiled != 0 || stats.CacheHits != stats.Unique {
		t.Fatalf("second run stats = %+v, want all cache hits", stats)
	}

	out, _, err = r.EltwiseUnary(ctx, in, Exp)
	if err != nil {
		t.Fatalf("EltwiseUnary(exp) error = %v", err)
	}
	got, err = r.Download(out)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range data {
		want := roundBF16(tensor.Exp(v))
		if got[i] != want {
			t.Fatalf("exp value %d = %v, want %v", i, got[i], want)
		}
	}
}

func TestRunnerEltwiseUnaryFloat32(t *testing.T) {
	t.Parallel()

	r := newRunner(t)
	shape := Shape{N: 2, C: 1, H: 32, W: 32}
	data := ramp(shape.Volume(), func(i int) float32 { return float32(i)/512 - 1 })
	in, err := r.Upload(shape, cb.Float32, data)
	if err != nil {
		t.Fatal(err)
	}
	out, _, err := r.EltwiseUnary(context.Background(), in, Gelu)
	if err != nil {
		t.Fatalf("EltwiseUnary(gelu) error = %v", err)
	}
	got, err := r.Download(out)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range data {
		if got[i] != tensor.Gelu(v) {
			t.Fatalf("gelu value %d = %v, want %v", i, got[i], tensor.Gelu(v))
		}
	}
}

func checkLayerNorm(t *testing.T, shape Shape, withGamma, withBeta bool) {
	t.Helper()
	r := newRunner(t)
	const eps = 1e-5

	data := ramp(shape.Volume(), func(i int) float32 {
		return roundBF16(float32(math.Sin(float64(i)*0.37)) * 3)
	})
	in, err := r.Upload(shape, cb.Float16B, data)
	if err != nil {
		t.Fatal(err)
	}
	params := LayerNormParams{Eps: eps}
	var gamma, beta []float32
	affine := Shape{N: 1, C: 1, H: 32, W: shape.W}
	if withGamma {
		gamma = ramp(shape.W, func(i int) float32 { return roundBF16(1 + float32(i%5)*0.25) })
		g, err := r.Upload(affine, cb.Float16B, BroadcastRow(gamma))
		if err != nil {
			t.Fatal(err)
		}
		params.Gamma = &g
	}
	if withBeta {
		beta = ramp(shape.W, func(i int) float32 { return roundBF16(float32(i%3) - 1) })
		b, err := r.Upload(affine, cb.Float16B, BroadcastRow(beta))
		if err != nil {
			t.Fatal(err)
		}
		params.Beta = &b
	}

	out, _, err := r.LayerNorm(context.Background(), in, params)
	if err != nil {
		t.Fatalf("LayerNorm() error = %v", err)
	}
	got, err := r.Download(out)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]float32, len(data))
	tensor.LayerNorm(want, data, shape.W, eps, gamma, beta)
	for i := range want {
		if diff := math.Abs(float64(got[i] - want[i])); diff > 0.05 {
			t.Fatalf("value %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRunnerLayerNorm(t *testing.T) {
	t.Parallel()

	t.Run("power of two block", func(t *testing.T) {
		t.Parallel()
		checkLayerNorm(t, Shape{N: 1, C: 2, H: 64, W: 256}, false, false)
	})
	t.Run("block of six with gamma", func(t *testing.T) {
		t.Parallel()
		checkLayerNorm(t, Shape{N: 1, C: 1, H: 32, W: 384}, true, false)
	})
	t.Run("gamma and beta", func(t *testing.T) {
		t.Parallel()
		checkLayerNorm(t, Shape{N: 1, C: 1, H: 64, W: 128}, true, true)
	})
}

func TestRunnerMulticastReplicate(t *testing.T) {
	t.Parallel()

	r := newRunner(t)
	shape := Shape{N: 1, C: 1, H: 128, W: 128} // 16 tiles, two blocks of 8
	data := ramp(shape.Volume(), func(i int) float32 { return float32(i % 97) })
	in, err := r.Upload(shape, cb.Float16B, data)
	if err != nil {
		t.Fatal(err)
	}
	sender := topology.CoreCoord{X: 0, Y: 2}
	receivers := topology.NewCoreRange(topology.CoreCoord{X: 0, Y: 0}, topology.CoreCoord{X: 3, Y: 1})

	outs, _, err := r.MulticastReplicate(context.Background(), in, sender, receivers)
	if err != nil {
		t.Fatalf("MulticastReplicate() error = %v", err)
	}
	if len(outs) != 9 {
		t.Fatalf("got %d copies, want 9", len(outs))
	}
	for n, out := range outs {
		got, err := r.Download(out)
		if err != nil {
			t.Fatal(err)
		}
		for i := range data {
			if got[i] != data[i] {
				t.Fatalf("copy %d value %d = %v, want %v", n, i, got[i], data[i])
			}
		}
	}
}
