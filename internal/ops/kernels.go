package ops

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/mcast"
	"github.com/samcharles93/coreplan/internal/sim"
	"github.com/samcharles93/coreplan/internal/tensor"
	"github.com/samcharles93/coreplan/internal/topology"
)

// Kernel sources. The builders reference kernels by these paths and the
// simulator resolves them through its registry.
const (
	KernelReaderUnary         = "kernels/dataflow/reader_unary_start_id.cpp"
	KernelWriterUnary         = "kernels/dataflow/writer_unary_start_id.cpp"
	KernelEltwiseSFPU         = "kernels/compute/eltwise_sfpu.cpp"
	KernelReaderLayerNorm     = "kernels/dataflow/reader_unary_ln.cpp"
	KernelWriterLayerNorm     = "kernels/dataflow/writer_unary_ln.cpp"
	KernelLayerNorm           = "kernels/compute/layernorm.cpp"
	KernelReaderMcastSender   = "kernels/dataflow/reader_mcast_sender.cpp"
	KernelReaderMcastReceiver = "kernels/dataflow/reader_mcast_receiver.cpp"
	KernelCopyBlock           = "kernels/compute/copy_block.cpp"
)

// RegisterKernels installs the simulated body of every operator kernel.
func RegisterKernels(r *sim.Registry) {
	r.Register(KernelReaderUnary, readerUnary)
	r.Register(KernelWriterUnary, writerUnary)
	r.Register(KernelEltwiseSFPU, eltwiseSFPU)
	r.Register(KernelReaderLayerNorm, readerLayerNorm)
	r.Register(KernelWriterLayerNorm, writerLayerNorm)
	r.Register(KernelLayerNorm, computeLayerNorm)
	r.Register(KernelReaderMcastSender, readerMcastSender)
	r.Register(KernelReaderMcastReceiver, readerMcastReceiver)
	r.Register(KernelCopyBlock, copyBlock)
}

// readerUnary args: {src, bank x, bank y, num tiles, start tile}.
func readerUnary(k *sim.Kernel) {
	gen := sim.AddrGen{Base: k.Arg(0), PageSize: k.PageSize(cb.In0)}
	n, start := k.ArgInt(3), k.ArgInt(4)
	for i := range n {
		addr := k.ReserveBack(cb.In0, 1)
		k.ReadPage(gen, start+i, addr)
		k.PushBack(cb.In0, 1)
	}
}

// writerUnary args: {dst, bank x, bank y, num tiles, start tile}.
func writerUnary(k *sim.Kernel) {
	gen := sim.AddrGen{Base: k.Arg(0), PageSize: k.PageSize(cb.Out0)}
	n, start := k.ArgInt(3), k.ArgInt(4)
	for i := range n {
		addr := k.WaitFront(cb.Out0, 1)
		k.WritePage(gen, start+i, addr)
		k.WriteBarrier()
		k.PopFront(cb.Out0, 1)
	}
}

// eltwiseSFPU compile args: {block count, block size}. SFPU_OP names the op.
func eltwiseSFPU(k *sim.Kernel) {
	name, _ := k.Define("SFPU_OP")
	op, err := ParseUnaryOp(name)
	if err != nil {
		panic(err)
	}
	fn := op.Func()
	blocks, per := int(k.CompileArg(0)), int(k.CompileArg(1))
	inFmt, outFmt := k.Format(cb.In0), k.Format(cb.Out0)
	inPage, outPage := k.PageSize(cb.In0), k.PageSize(cb.Out0)

	for range blocks {
		out := k.ReserveBack(cb.Out0, per)
		for t := range per {
			in := k.WaitFront(cb.In0, 1)
			vals := mustDecode(inFmt, k.L1(in, inPage))
			tensor.Apply(vals, fn)
			mustEncode(outFmt, vals, k.L1(out+uint32(t*outPage), outPage))
			k.PopFront(cb.In0, 1)
		}
		k.PushBack(cb.Out0, per)
	}
}

// readerLayerNorm args: {src, 0, 0, num tiles, tile offset, 0, 0, 0,
// 1/W bits, eps bits, gamma tiles, gamma addr, beta tiles, beta addr}.
// After each row of input tiles it streams the gamma and beta rows.
func readerLayerNorm(k *sim.Kernel) {
	block := k.DefineInt("BLOCK_SIZE", 1)
	page := k.PageSize(cb.In0)
	pushScalar(k, cb.In2, k.Arg(8))
	pushScalar(k, cb.In3, k.Arg(9))

	src := sim.AddrGen{Base: k.Arg(0), PageSize: page}
	n, offset := k.ArgInt(3), k.ArgInt(4)
	numGamma, numBeta := k.ArgInt(10), k.ArgInt(12)
	gamma := sim.AddrGen{Base: k.Arg(11), PageSize: page}
	beta := sim.AddrGen{Base: k.Arg(13), PageSize: page}
	wt := max(numGamma, numBeta)

	for i := 0; i < n; i += block {
		readBlock(k, cb.In0, src, offset+i, block)
		if wt == 0 || (i+block)%wt != 0 {
			continue
		}
		for j := 0; j < numGamma; j += block {
			readBlock(k, cb.In5, gamma, j, block)
		}
		for j := 0; j < numBeta; j += block {
			readBlock(k, cb.In6, beta, j, block)
		}
	}
}

func readBlock(k *sim.Kernel, ch cb.Channel, gen sim.AddrGen, first, n int) {
	addr := k.ReserveBack(ch, n)
	for j := range n {
		k.ReadPage(gen, first+j, addr+uint32(j*gen.PageSize))
	}
	k.PushBack(ch, n)
}

// pushScalar publishes a single-word page.
func pushScalar(k *sim.Kernel, ch cb.Channel, bits uint32) {
	addr := k.ReserveBack(ch, 1)
	binary.LittleEndian.PutUint32(k.L1(addr, 4), bits)
	k.PushBack(ch, 1)
}

// writerLayerNorm args: {dst, 0, 0, num tiles, tile offset}.
func writerLayerNorm(k *sim.Kernel) {
	block := k.DefineInt("BLOCK_SIZE", 1)
	page := k.PageSize(cb.Out0)
	gen := sim.AddrGen{Base: k.Arg(0), PageSize: page}
	n, offset := k.ArgInt(3), k.ArgInt(4)
	for i := 0; i < n; i += block {
		addr := k.WaitFront(cb.Out0, block)
		for j := range block {
			k.WritePage(gen, offset+i+j, addr+uint32(j*page))
		}
		k.WriteBarrier()
		k.PopFront(cb.Out0, block)
	}
}

// computeLayerNorm compile args: {rows, Wt, has gamma, has beta}.
func computeLayerNorm(k *sim.Kernel) {
	rows, wt := int(k.CompileArg(0)), int(k.CompileArg(1))
	hasGamma, hasBeta := k.CompileArg(2) != 0, k.CompileArg(3) != 0
	block := k.DefineInt("BLOCK_SIZE", 1)
	format := k.Format(cb.In0)
	page := k.PageSize(cb.In0)

	winv := math.Float32frombits(binary.LittleEndian.Uint32(k.L1(k.WaitFront(cb.In2, 1), 4)))
	eps := math.Float32frombits(binary.LittleEndian.Uint32(k.L1(k.WaitFront(cb.In3, 1), 4)))

	row := make([]float32, wt*TileHW)
	for range rows {
		for b := 0; b < wt; b += block {
			addr := k.WaitFront(cb.In0, block)
			for j := range block {
				copy(row[(b+j)*TileHW:], mustDecode(format, k.L1(addr+uint32(j*page), page)))
			}
			k.PopFront(cb.In0, block)
		}
		var gamma, beta []float32
		if hasGamma {
			gamma = readAffineRow(k, cb.In5, wt, block)
		}
		if hasBeta {
			beta = readAffineRow(k, cb.In6, wt, block)
		}
		normalizeTileRow(row, wt, winv, eps, gamma, beta)
		for b := 0; b < wt; b += block {
			addr := k.ReserveBack(cb.Out0, block)
			for j := range block {
				mustEncode(k.Format(cb.Out0), row[(b+j)*TileHW:(b+j+1)*TileHW], k.L1(addr+uint32(j*page), page))
			}
			k.PushBack(cb.Out0, block)
		}
	}
	k.PopFront(cb.In2, 1)
	k.PopFront(cb.In3, 1)
}

// readAffineRow collects the first row of wt tiles into one row of W values.
func readAffineRow(k *sim.Kernel, ch cb.Channel, wt, block int) []float32 {
	out := make([]float32, wt*tensor.TileDim)
	page := k.PageSize(ch)
	for b := 0; b < wt; b += block {
		addr := k.WaitFront(ch, block)
		for j := range block {
			vals := mustDecode(k.Format(ch), k.L1(addr+uint32(j*page), page))
			copy(out[(b+j)*tensor.TileDim:], vals[:tensor.TileDim])
		}
		k.PopFront(ch, block)
	}
	return out
}

// normalizeTileRow normalizes the 32 rows of a row of wt tiles in place.
func normalizeTileRow(row []float32, wt int, winv, eps float32, gamma, beta []float32) {
	const dim = tensor.TileDim
	at := func(r, col int) *float32 {
		return &row[(col/dim)*TileHW+r*dim+col%dim]
	}
	width := wt * dim
	for r := range dim {
		var sum float32
		for c := range width {
			sum += *at(r, c)
		}
		mean := sum * winv
		var sq float32
		for c := range width {
			d := *at(r, c) - mean
			sq += d * d
		}
		scale := 1 / float32(math.Sqrt(float64(sq*winv+eps)))
		for c := range width {
			v := at(r, c)
			y := (*v - mean) * scale
			if gamma != nil {
				y *= gamma[c]
			}
			if beta != nil {
				y += beta[c]
			}
			*v = y
		}
	}
}

// readerMcastSender args: {src, blocks, block tiles, dest start x, start y,
// end x, end y, num dests, counter addr, flag addr}.
func readerMcastSender(k *sim.Kernel) {
	blocks, bt := k.ArgInt(1), k.ArgInt(2)
	page := k.PageSize(cb.In0)
	gen := sim.AddrGen{Base: k.Arg(0), PageSize: page}
	plan := mcast.Plan{
		Sender: k.Routing(),
		Dest: topology.NewCoreRange(
			topology.CoreCoord{X: k.ArgInt(3), Y: k.ArgInt(4)},
			topology.CoreCoord{X: k.ArgInt(5), Y: k.ArgInt(6)},
		),
		NumDests: k.ArgInt(7),
	}

	var s *mcast.Sender
	for b := range blocks {
		addr := k.ReserveBack(cb.In0, bt)
		for j := range bt {
			k.ReadPage(gen, b*bt+j, addr+uint32(j*page))
		}
		if s == nil {
			s = mcast.NewSender(k, plan, mcast.Addresses{CounterAddr: k.Arg(8), FlagAddr: k.Arg(9), DataAddr: addr})
		}
		if err := s.SendBlock(k.L1(addr, bt*page)); err != nil {
			panic(err)
		}
		k.PushBack(cb.In0, bt)
	}
	if s != nil {
		s.Close()
	}
}

// readerMcastReceiver args: {blocks, block tiles, sender x, sender y,
// counter addr, flag addr}. The input slot is reserved before the sender
// is told this core is ready, so the multicast lands in free pages.
func readerMcastReceiver(k *sim.Kernel) {
	blocks, bt := k.ArgInt(0), k.ArgInt(1)
	sender := topology.CoreCoord{X: k.ArgInt(2), Y: k.ArgInt(3)}

	var r *mcast.Receiver
	for range blocks {
		addr := k.ReserveBack(cb.In0, bt)
		if r == nil {
			r = mcast.NewReceiver(k, sender, mcast.Addresses{CounterAddr: k.Arg(4), FlagAddr: k.Arg(5), DataAddr: addr})
		}
		r.ReceiveBlock()
		k.PushBack(cb.In0, bt)
	}
}

// copyBlock compile args: {blocks, block tiles}. Moves each input block to
// the output one tile at a time.
func copyBlock(k *sim.Kernel) {
	blocks, bt := int(k.CompileArg(0)), int(k.CompileArg(1))
	inPage, outPage := k.PageSize(cb.In0), k.PageSize(cb.Out0)
	if inPage != outPage {
		panic(fmt.Sprintf("copy_block: input page %d, output page %d", inPage, outPage))
	}
	for range blocks {
		in := k.WaitFront(cb.In0, bt)
		for j := range bt {
			out := k.ReserveBack(cb.Out0, 1)
			copy(k.L1(out, outPage), k.L1(in+uint32(j*inPage), inPage))
			k.PushBack(cb.Out0, 1)
		}
		k.PopFront(cb.In0, bt)
	}
}

func mustDecode(f cb.DataFormat, b []byte) []float32 {
	vals, err := sim.DecodeTile(f, b)
	if err != nil {
		panic(err)
	}
	return vals
}

func mustEncode(f cb.DataFormat, vals []float32, dst []byte) {
	if err := sim.EncodeTile(f, vals, dst); err != nil {
		panic(err)
	}
}
