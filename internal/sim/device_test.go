package sim

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/kernelcache"
	"github.com/samcharles93/coreplan/internal/program"
	"github.com/samcharles93/coreplan/internal/topology"
)

func newTestDevice(t *testing.T, spec topology.SyntheticSpec) *Device {
	t.Helper()
	topo, err := topology.Synthetic(spec)
	if err != nil {
		t.Fatalf("Synthetic() error = %v", err)
	}
	dev, err := New(topo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := dev.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return dev
}

func TestInterleavedPageLocations(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, topology.SyntheticSpec{Cols: 4, Rows: 2, DRAMChannels: 3})
	if dev.NumBanks() != 3 {
		t.Fatalf("NumBanks() = %d, want 3", dev.NumBanks())
	}
	buf, err := dev.AllocateBuffer(7, 64)
	if err != nil {
		t.Fatalf("AllocateBuffer() error = %v", err)
	}
	if buf.Address() != 0 || buf.Volume() != 7*64 {
		t.Fatalf("buffer = addr %#x volume %d", buf.Address(), buf.Volume())
	}
	for i := range 7 {
		core, off := buf.PageLocation(i)
		want := topology.CoreCoord{X: i%3 + 1, Y: 0}
		if core != want || off != uint64(i/3)*64 {
			t.Errorf("PageLocation(%d) = %v+%#x, want %v+%#x", i, core, off, want, (i/3)*64)
		}
	}
	if got := buf.NocCoordinates(); len(got) != 3 || got[0] != (topology.CoreCoord{X: 1, Y: 0}) {
		t.Fatalf("NocCoordinates() = %v", got)
	}

	// Three pages per bank at 64 bytes leave the next buffer at 192.
	next, err := dev.AllocateBuffer(2, 100)
	if err != nil {
		t.Fatalf("AllocateBuffer() error = %v", err)
	}
	if next.Address() != 192 {
		t.Fatalf("second Address() = %d, want 192", next.Address())
	}
	if got := next.NocCoordinates(); len(got) != 2 {
		t.Fatalf("NocCoordinates() of a two page buffer = %v", got)
	}
}

func TestBufferRoundTrip(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, topology.SyntheticSpec{Cols: 2, Rows: 2, DRAMChannels: 2})
	buf, err := dev.AllocateBuffer(5, 32)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, buf.Volume())
	for i := range data {
		data[i] = byte(i)
	}
	if err := buf.Write(data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := buf.Read(); !bytes.Equal(got, data) {
		t.Fatal("Read() does not match what was written")
	}
	if err := buf.Write(data[:10]); !errors.Is(err, ErrBufferSize) {
		t.Fatalf("short Write() error = %v, want ErrBufferSize", err)
	}
	if _, err := dev.AllocateBuffer(0, 32); !errors.Is(err, ErrBufferSize) {
		t.Fatalf("AllocateBuffer(0) error = %v, want ErrBufferSize", err)
	}
}

func TestAllocateBufferOutOfDRAM(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, topology.SyntheticSpec{Cols: 2, Rows: 2, DRAMChannels: 2, DRAMBankSize: 4096})
	if _, err := dev.AllocateBuffer(4, 2048); err != nil {
		t.Fatalf("AllocateBuffer() filling the banks error = %v", err)
	}
	if _, err := dev.AllocateBuffer(1, 32); !errors.Is(err, ErrOutOfDRAM) {
		t.Fatalf("AllocateBuffer() past the bank error = %v, want ErrOutOfDRAM", err)
	}
}

const (
	testReader  = "test/reader"
	testCompute = "test/add"
	testWriter  = "test/writer"
	testPage    = 64
)

// registerCopyKernels installs a reader, a byte-wise add and a writer:
// reader args {src, pages, start}, writer args {dst, pages, start}.
func registerCopyKernels(r *Registry) {
	r.Register(testReader, func(k *Kernel) {
		gen := AddrGen{Base: k.Arg(0), PageSize: k.PageSize(cb.In0)}
		for i := range k.ArgInt(1) {
			addr := k.ReserveBack(cb.In0, 1)
			k.ReadPage(gen, k.ArgInt(2)+i, addr)
			k.PushBack(cb.In0, 1)
		}
	})
	r.Register(testCompute, func(k *Kernel) {
		delta := byte(k.DefineInt("DELTA", 0))
		n := k.ArgInt(0)
		for range n {
			in := k.WaitFront(cb.In0, 1)
			out := k.ReserveBack(cb.Out0, 1)
			src := k.L1(in, k.PageSize(cb.In0))
			dst := k.L1(out, k.PageSize(cb.Out0))
			for i := range src {
				dst[i] = src[i] + delta
			}
			k.PushBack(cb.Out0, 1)
			k.PopFront(cb.In0, 1)
		}
	})
	r.Register(testWriter, func(k *Kernel) {
		gen := AddrGen{Base: k.Arg(0), PageSize: k.PageSize(cb.Out0)}
		for i := range k.ArgInt(1) {
			addr := k.WaitFront(cb.Out0, 1)
			k.WritePage(gen, k.ArgInt(2)+i, addr)
			k.WriteBarrier()
			k.PopFront(cb.Out0, 1)
		}
	})
}

func buildCopyProgram(t *testing.T, dev *Device, src, dst *Buffer, compute string) *program.Program {
	t.Helper()
	b, err := program.NewBuilder(dev.Topology(), "copy")
	if err != nil {
		t.Fatal(err)
	}
	cores := []topology.CoreCoord{{X: 0, Y: 0}, {X: 1, Y: 0}}
	perCore := src.NumPages() / len(cores)
	type ids struct{ reader, compute, writer int }
	var placed []ids
	for _, core := range cores {
		for _, ch := range []cb.Channel{cb.In0, cb.Out0} {
			if _, err := b.CircularBuffer(core, ch, 2, testPage, cb.Float16B); err != nil {
				t.Fatal(err)
			}
		}
		var id ids
		if id.reader, err = b.Kernel(core, program.KernelSpec{Source: testReader, Engine: program.EngineIngress}); err != nil {
			t.Fatal(err)
		}
		if id.writer, err = b.Kernel(core, program.KernelSpec{Source: testWriter, Engine: program.EngineEgress}); err != nil {
			t.Fatal(err)
		}
		if id.compute, err = b.Kernel(core, program.KernelSpec{
			Source:  compute,
			Engine:  program.EngineCompute,
			Defines: map[string]string{"DELTA": "3"},
		}); err != nil {
			t.Fatal(err)
		}
		placed = append(placed, id)
	}
	p, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	for i, id := range placed {
		start := i * perCore
		must(t, p.SetRuntimeArgs(id.reader, program.Addr(src.Address()), program.Count(perCore), program.Count(start)))
		must(t, p.SetRuntimeArgs(id.compute, program.Count(perCore)))
		must(t, p.SetRuntimeArgs(id.writer, program.Addr(dst.Address()), program.Count(perCore), program.Count(start)))
	}
	return p
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestLaunchRunsEveryCore(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, topology.SyntheticSpec{Cols: 2, Rows: 2, DRAMChannels: 2})
	registerCopyKernels(dev.Registry())

	src, err := dev.AllocateBuffer(10, testPage)
	must(t, err)
	dst, err := dev.AllocateBuffer(10, testPage)
	must(t, err)
	data := make([]byte, src.Volume())
	for i := range data {
		data[i] = byte(i % 200)
	}
	must(t, src.Write(data))

	p := buildCopyProgram(t, dev, src, dst, testCompute)
	host := &program.Host{Device: dev, Compiler: dev, Cache: kernelcache.New()}
	stats, err := host.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if stats.Unique != 3 || stats.Compiled != 3 {
		t.Fatalf("stats = %+v, want 3 unique binaries compiled once", stats)
	}

	got := dst.Read()
	for i := range data {
		if got[i] != data[i]+3 {
			t.Fatalf("byte %d = %d, want %d", i, got[i], data[i]+3)
		}
	}
}

func TestCompileUnknownKernel(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, topology.SyntheticSpec{Cols: 2, Rows: 2, DRAMChannels: 2})
	err := dev.Compile(context.Background(), kernelcache.Hash{}, program.KernelSpec{Source: "nope", Engine: program.EngineCompute})
	if !errors.Is(err, ErrUnknownKernel) {
		t.Fatalf("Compile() error = %v, want ErrUnknownKernel", err)
	}
}

func TestConfigureNeedsCompiledBinaries(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, topology.SyntheticSpec{Cols: 2, Rows: 2, DRAMChannels: 2})
	registerCopyKernels(dev.Registry())
	src, err := dev.AllocateBuffer(2, testPage)
	must(t, err)
	dst, err := dev.AllocateBuffer(2, testPage)
	must(t, err)
	p := buildCopyProgram(t, dev, src, dst, testCompute)

	// A cache that already knows every hash skips the device compile.
	cache := kernelcache.New()
	for _, k := range p.Kernels() {
		cache.Add(kernelcache.HashKernel(k.Spec.Key()))
	}
	if _, err := p.Compile(context.Background(), cache, dev); err != nil {
		t.Fatal(err)
	}
	if err := p.Configure(context.Background(), dev); !errors.Is(err, ErrNotCompiled) {
		t.Fatalf("Configure() error = %v, want ErrNotCompiled", err)
	}
}

func TestConfigureRejectsForeignTopology(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, topology.SyntheticSpec{Cols: 2, Rows: 2, DRAMChannels: 2})
	other := newTestDevice(t, topology.SyntheticSpec{Cols: 2, Rows: 2, DRAMChannels: 2})
	registerCopyKernels(other.Registry())
	src, err := other.AllocateBuffer(2, testPage)
	must(t, err)
	p := buildCopyProgram(t, other, src, src, testCompute)
	if _, err := p.Compile(context.Background(), kernelcache.New(), other); err != nil {
		t.Fatal(err)
	}
	if err := dev.Configure(context.Background(), p); !errors.Is(err, ErrTopologyMismatch) {
		t.Fatalf("Configure() error = %v, want ErrTopologyMismatch", err)
	}
}

func TestLaunchReportsKernelPanic(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, topology.SyntheticSpec{Cols: 2, Rows: 2, DRAMChannels: 2})
	registerCopyKernels(dev.Registry())
	dev.Registry().Register("test/boom", func(k *Kernel) {
		k.WaitFront(cb.In0, 1)
		panic("bad tile")
	})

	src, err := dev.AllocateBuffer(10, testPage)
	must(t, err)
	dst, err := dev.AllocateBuffer(10, testPage)
	must(t, err)
	p := buildCopyProgram(t, dev, src, dst, "test/boom")
	host := &program.Host{Device: dev, Compiler: dev, Cache: kernelcache.New()}

	_, err = host.Execute(context.Background(), p)
	if err == nil {
		t.Fatal("Execute() succeeded with a panicking kernel")
	}
	if !strings.Contains(err.Error(), "panic in compute kernel test/boom") ||
		!strings.Contains(err.Error(), "bad tile") {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestWriteRuntimeArgsMailbox(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, topology.SyntheticSpec{Cols: 2, Rows: 2, DRAMChannels: 2})
	registerCopyKernels(dev.Registry())
	src, err := dev.AllocateBuffer(2, testPage)
	must(t, err)
	p := buildCopyProgram(t, dev, src, src, testCompute)
	ctx := context.Background()

	k, _ := p.Kernel(0)
	if err := dev.WriteRuntimeArgs(ctx, p, k, []program.Arg{program.U32(1)}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("WriteRuntimeArgs() before Configure error = %v, want ErrNotConfigured", err)
	}
	if _, err := p.Compile(ctx, kernelcache.New(), dev); err != nil {
		t.Fatal(err)
	}
	must(t, p.Configure(ctx, dev))

	args := []program.Arg{program.U32(0xdead), program.I32(-2), program.F32(0.5)}
	must(t, dev.WriteRuntimeArgs(ctx, p, k, args))
	got, err := dev.readArgs(dev.coreAt(k.Routing), k.Spec.Engine)
	must(t, err)
	if len(got) != 3 || got[0] != 0xdead || int32(got[1]) != -2 || got[2] != 0x3f000000 {
		t.Fatalf("mailbox = %#v", got)
	}

	tooMany := make([]program.Arg, MaxRuntimeArgs+1)
	if err := dev.WriteRuntimeArgs(ctx, p, k, tooMany); !errors.Is(err, ErrTooManyArgs) {
		t.Fatalf("WriteRuntimeArgs() error = %v, want ErrTooManyArgs", err)
	}
}

func TestLaunchBeforeArgsWritten(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, topology.SyntheticSpec{Cols: 2, Rows: 2, DRAMChannels: 2})
	registerCopyKernels(dev.Registry())
	src, err := dev.AllocateBuffer(2, testPage)
	must(t, err)
	p := buildCopyProgram(t, dev, src, src, testCompute)
	ctx := context.Background()
	if _, err := p.Compile(ctx, kernelcache.New(), dev); err != nil {
		t.Fatal(err)
	}
	must(t, p.Configure(ctx, dev))
	if err := dev.Launch(ctx, p); !errors.Is(err, program.ErrOutOfOrder) {
		t.Fatalf("Launch() error = %v, want ErrOutOfOrder", err)
	}
}
