package sim

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/samcharles93/coreplan/internal/cb"
)

// TileElems is the number of values in a 32x32 tile.
const TileElems = 32 * 32

// DecodeTile unpacks a tile's bytes into float32 values.
func DecodeTile(f cb.DataFormat, b []byte) ([]float32, error) {
	if len(b) != f.TileSize() {
		return nil, fmt.Errorf("%w: %d bytes for a %s tile", ErrBufferSize, len(b), f)
	}
	out := make([]float32, TileElems)
	switch f {
	case cb.Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
	case cb.Float16B:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(b[2*i:])) << 16)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	return out, nil
}

// EncodeTile packs values into dst, which must be one tile long.
func EncodeTile(f cb.DataFormat, vals []float32, dst []byte) error {
	if len(vals) != TileElems || len(dst) != f.TileSize() {
		return fmt.Errorf("%w: %d values into %d bytes of %s", ErrBufferSize, len(vals), len(dst), f)
	}
	switch f {
	case cb.Float32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
		}
	case cb.Float16B:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(dst[2*i:], Bfloat16(v))
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	return nil
}

// Bfloat16 rounds v to the nearest bfloat16, ties to even.
func Bfloat16(v float32) uint16 {
	bits := math.Float32bits(v)
	if math.IsNaN(float64(v)) {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7fff + (bits>>16)&1
	return uint16(bits >> 16)
}
