// Package ops builds multi-core operator programs: element-wise unary ops,
// layer normalization and a multicast block replicate. Builders only plan;
// Runner executes the plans on a simulated device.
package ops

import (
	"errors"
	"fmt"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/tensor"
	"github.com/samcharles93/coreplan/internal/topology"
)

var (
	ErrShape  = errors.New("ops: bad tensor shape")
	ErrFormat = errors.New("ops: unsupported data format")
)

// TileHW is the number of values in one tile.
const TileHW = tensor.TileElems

// Shape is an NCHW tensor shape.
type Shape struct {
	N int `json:"n"`
	C int `json:"c"`
	H int `json:"h"`
	W int `json:"w"`
}

func (s Shape) String() string { return fmt.Sprintf("[%d %d %d %d]", s.N, s.C, s.H, s.W) }

func (s Shape) Volume() int { return s.N * s.C * s.H * s.W }

// NC is the number of H x W matrices.
func (s Shape) NC() int { return s.N * s.C }

func (s Shape) Ht() int { return s.H / tensor.TileDim }

func (s Shape) Wt() int { return s.W / tensor.TileDim }

func (s Shape) Tiles() int { return s.Volume() / TileHW }

// Validate requires positive dims with H and W whole tiles.
func (s Shape) Validate() error {
	if s.N <= 0 || s.C <= 0 || s.H <= 0 || s.W <= 0 {
		return fmt.Errorf("%w: %v has a non-positive dim", ErrShape, s)
	}
	if s.H%tensor.TileDim != 0 || s.W%tensor.TileDim != 0 {
		return fmt.Errorf("%w: %v is not tile aligned", ErrShape, s)
	}
	return nil
}

// BufferRef is an interleaved DRAM buffer as kernels see it.
type BufferRef interface {
	Address() uint32
	PageSize() int
	NumPages() int
	NocCoordinates() []topology.CoreCoord
}

// PlannedBuffer stands in for a device buffer when a program is planned
// without a device.
type PlannedBuffer struct {
	Addr  uint32               `json:"address"`
	Page  int                  `json:"page_size"`
	Pages int                  `json:"num_pages"`
	Banks []topology.CoreCoord `json:"banks"`
}

// PlanBuffer places a buffer at addr interleaved over every DRAM channel of
// t.
func PlanBuffer(t *topology.Topology, addr uint32, pages, pageSize int) *PlannedBuffer {
	b := &PlannedBuffer{Addr: addr, Page: pageSize, Pages: pages}
	for ch := range min(pages, t.NumDRAMChannels()) {
		b.Banks = append(b.Banks, t.CoreForDRAMChannel(ch, 0))
	}
	return b
}

func (b *PlannedBuffer) Address() uint32                      { return b.Addr }
func (b *PlannedBuffer) PageSize() int                        { return b.Page }
func (b *PlannedBuffer) NumPages() int                        { return b.Pages }
func (b *PlannedBuffer) NocCoordinates() []topology.CoreCoord { return b.Banks }

// Tensor is a tiled tensor resident in one interleaved buffer, one tile per
// page.
type Tensor struct {
	Shape  Shape
	Format cb.DataFormat
	Buffer BufferRef
}

// Validate checks the shape and that the buffer holds exactly the tensor's
// tiles.
func (t Tensor) Validate() error {
	if err := t.Shape.Validate(); err != nil {
		return err
	}
	if t.Format.TileSize() == 0 {
		return fmt.Errorf("%w: %s", ErrFormat, t.Format)
	}
	if t.Buffer == nil {
		return fmt.Errorf("%w: tensor %v has no buffer", ErrShape, t.Shape)
	}
	if t.Buffer.NumPages() != t.Shape.Tiles() || t.Buffer.PageSize() != t.Format.TileSize() {
		return fmt.Errorf("%w: %v %s needs %d pages of %d bytes, buffer has %d of %d",
			ErrShape, t.Shape, t.Format, t.Shape.Tiles(), t.Format.TileSize(),
			t.Buffer.NumPages(), t.Buffer.PageSize())
	}
	return nil
}

// firstBank is the DRAM core of page 0, passed to kernels as the bank x/y
// runtime arguments.
func firstBank(b BufferRef) topology.CoreCoord {
	if banks := b.NocCoordinates(); len(banks) > 0 {
		return banks[0]
	}
	return topology.CoreCoord{}
}
