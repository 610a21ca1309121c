package sim

import (
	"fmt"
	"sync"

	"github.com/samcharles93/coreplan/internal/topology"
)

// dramAlignment is the base alignment of interleaved buffers.
const dramAlignment = 32

// dram holds one byte store per channel. Interleaved buffers place page i
// on bank i mod N at the same base offset in every bank.
type dram struct {
	mu       sync.RWMutex
	cores    []topology.CoreCoord
	banks    [][]byte
	next     uint64
	bankSize uint64
}

func newDRAM(t *topology.Topology) (*dram, error) {
	n := t.NumDRAMChannels()
	if n == 0 {
		return nil, fmt.Errorf("sim: %w", topology.ErrNoDRAM)
	}
	d := &dram{
		cores:    make([]topology.CoreCoord, n),
		banks:    make([][]byte, n),
		bankSize: t.Features().DRAMBankSize,
	}
	for ch := range n {
		d.cores[ch] = t.CoreForDRAMChannel(ch, 0)
	}
	return d, nil
}

func (d *dram) numBanks() int { return len(d.banks) }

// allocate reserves room for numPages interleaved pages and returns the base
// offset shared by every bank.
func (d *dram) allocate(numPages, pageSize int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	perBank := uint64((numPages+len(d.banks)-1)/len(d.banks)) * uint64(pageSize)
	base := (d.next + dramAlignment - 1) &^ (dramAlignment - 1)
	if d.bankSize > 0 && base+perBank > d.bankSize {
		return 0, fmt.Errorf("%w: %d bytes per bank at %#x exceeds bank size %#x",
			ErrOutOfDRAM, perBank, base, d.bankSize)
	}
	d.next = base + perBank
	for i := range d.banks {
		if need := int(d.next); len(d.banks[i]) < need {
			d.banks[i] = append(d.banks[i], make([]byte, need-len(d.banks[i]))...)
		}
	}
	return base, nil
}

// location is the interleaved address generator.
func (d *dram) location(base uint64, pageSize, page int) (bank int, offset uint64) {
	n := len(d.banks)
	return page % n, base + uint64(page/n)*uint64(pageSize)
}

func (d *dram) read(bank int, offset uint64, dst []byte) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.check(bank, offset, len(dst))
	copy(dst, d.banks[bank][offset:])
}

func (d *dram) write(bank int, offset uint64, src []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.check(bank, offset, len(src))
	copy(d.banks[bank][offset:], src)
}

func (d *dram) check(bank int, offset uint64, n int) {
	if bank < 0 || bank >= len(d.banks) || offset+uint64(n) > uint64(len(d.banks[bank])) {
		panic(fmt.Sprintf("sim: dram access bank %d [%#x, %#x) outside allocation", bank, offset, offset+uint64(n)))
	}
}

// Buffer is an interleaved DRAM buffer handle.
type Buffer struct {
	dev      *Device
	base     uint64
	pageSize int
	numPages int
}

// Address is the base offset shared by every bank.
func (b *Buffer) Address() uint32 { return uint32(b.base) }

func (b *Buffer) PageSize() int { return b.pageSize }

func (b *Buffer) NumPages() int { return b.numPages }

// Volume is the buffer size in bytes.
func (b *Buffer) Volume() int { return b.numPages * b.pageSize }

// NocCoordinates lists the DRAM cores backing the buffer in bank order.
func (b *Buffer) NocCoordinates() []topology.CoreCoord {
	return append([]topology.CoreCoord(nil), b.dev.dram.cores[:min(b.numPages, b.dev.dram.numBanks())]...)
}

// PageLocation resolves page i to its bank core and offset.
func (b *Buffer) PageLocation(i int) (topology.CoreCoord, uint64) {
	bank, off := b.dev.dram.location(b.base, b.pageSize, i)
	return b.dev.dram.cores[bank], off
}

// Write fills the buffer from host memory, page by page.
func (b *Buffer) Write(data []byte) error {
	if len(data) != b.Volume() {
		return fmt.Errorf("%w: write of %d bytes into %d byte buffer", ErrBufferSize, len(data), b.Volume())
	}
	for i := range b.numPages {
		bank, off := b.dev.dram.location(b.base, b.pageSize, i)
		b.dev.dram.write(bank, off, data[i*b.pageSize:(i+1)*b.pageSize])
	}
	return nil
}

// Read copies the buffer back to host memory.
func (b *Buffer) Read() []byte {
	out := make([]byte, b.Volume())
	for i := range b.numPages {
		bank, off := b.dev.dram.location(b.base, b.pageSize, i)
		b.dev.dram.read(bank, off, out[i*b.pageSize:(i+1)*b.pageSize])
	}
	return out
}
