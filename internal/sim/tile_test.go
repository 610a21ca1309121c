package sim

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/coreplan/internal/cb"
)

func TestBfloat16Rounding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   uint32
		want uint16
	}{
		{"one", 0x3f800000, 0x3f80},
		{"tie rounds to even down", 0x3f808000, 0x3f80},
		{"tie rounds to even up", 0x3f818000, 0x3f82},
		{"above half rounds up", 0x3f808001, 0x3f81},
		{"negative", 0xc0000000, 0xc000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Bfloat16(math.Float32frombits(tt.in)); got != tt.want {
				t.Fatalf("Bfloat16(%#x) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}

	nan := Bfloat16(float32(math.NaN()))
	if !math.IsNaN(float64(math.Float32frombits(uint32(nan) << 16))) {
		t.Fatalf("Bfloat16(NaN) = %#x is not a NaN", nan)
	}
}

func TestTileRoundTrip(t *testing.T) {
	t.Parallel()

	vals := make([]float32, TileElems)
	for i := range vals {
		vals[i] = float32(i%64) - 32 // exact in bfloat16
	}
	for _, f := range []cb.DataFormat{cb.Float32, cb.Float16B} {
		buf := make([]byte, f.TileSize())
		if err := EncodeTile(f, vals, buf); err != nil {
			t.Fatalf("EncodeTile(%s) error = %v", f, err)
		}
		got, err := DecodeTile(f, buf)
		if err != nil {
			t.Fatalf("DecodeTile(%s) error = %v", f, err)
		}
		for i := range vals {
			if got[i] != vals[i] {
				t.Fatalf("%s value %d = %v, want %v", f, i, got[i], vals[i])
			}
		}
	}
}

func TestTileFormatErrors(t *testing.T) {
	t.Parallel()

	if _, err := DecodeTile(cb.Bfp8B, make([]byte, cb.Bfp8B.TileSize())); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("DecodeTile(Bfp8B) error = %v, want ErrUnsupportedFormat", err)
	}
	if _, err := DecodeTile(cb.Float32, make([]byte, 16)); !errors.Is(err, ErrBufferSize) {
		t.Fatalf("DecodeTile(short) error = %v, want ErrBufferSize", err)
	}
	if err := EncodeTile(cb.Float16B, make([]float32, 3), make([]byte, 2048)); !errors.Is(err, ErrBufferSize) {
		t.Fatalf("EncodeTile(short) error = %v, want ErrBufferSize", err)
	}
}
