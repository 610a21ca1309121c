package tensor

import (
	"math"
	"testing"
)

func TestUnaryFunctions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(float32) float32
		in   float32
		want float32
	}{
		{"relu negative", Relu, -2, 0},
		{"relu positive", Relu, 3, 3},
		{"exp zero", Exp, 0, 1},
		{"recip", Recip, 4, 0.25},
		{"sqrt", Sqrt, 9, 3},
		{"gelu zero", Gelu, 0, 0},
		{"gelu one", Gelu, 1, 0.8413447},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.fn(tt.in); math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLayerNormRows(t *testing.T) {
	t.Parallel()

	src := []float32{1, 2, 3, 4, 10, 10, 10, 10}
	dst := make([]float32, len(src))
	const eps = 1e-5
	LayerNorm(dst, src, 4, eps, nil, nil)

	// Row one: mean 2.5, variance 1.25.
	scale := float32(1 / math.Sqrt(1.25+eps))
	want := []float32{-1.5 * scale, -0.5 * scale, 0.5 * scale, 1.5 * scale}
	for i, w := range want {
		if math.Abs(float64(dst[i]-w)) > 1e-5 {
			t.Fatalf("dst[%d] = %v, want %v", i, dst[i], w)
		}
	}
	// A constant row normalizes to zero.
	for i := 4; i < 8; i++ {
		if dst[i] != 0 {
			t.Fatalf("dst[%d] = %v, want 0", i, dst[i])
		}
	}

	gamma := []float32{2, 2, 2, 2}
	beta := []float32{1, 1, 1, 1}
	LayerNorm(dst, src, 4, eps, gamma, beta)
	if math.Abs(float64(dst[0]-(-3*scale+1))) > 1e-5 || dst[4] != 1 {
		t.Fatalf("affine rows = %v", dst)
	}
}

func TestTilizeRoundTrip(t *testing.T) {
	t.Parallel()

	const nc, h, w = 2, 64, 96
	src := make([]float32, nc*h*w)
	for i := range src {
		src[i] = float32(i)
	}
	tiled := Tilize(src, nc, h, w)

	// Tile 1 of the first matrix starts at column 32 of row 0.
	if tiled[TileElems] != 32 {
		t.Fatalf("tile 1 first value = %v, want 32", tiled[TileElems])
	}
	// Second row of tile 0 is row 1 of the matrix.
	if tiled[TileDim] != float32(w) {
		t.Fatalf("tile 0 row 1 = %v, want %d", tiled[TileDim], w)
	}
	// Tile 6 is the first tile of the second matrix.
	if tiled[6*TileElems] != float32(h*w) {
		t.Fatalf("tile 6 first value = %v, want %d", tiled[6*TileElems], h*w)
	}

	back := Untilize(tiled, nc, h, w)
	for i := range src {
		if back[i] != src[i] {
			t.Fatalf("Untilize()[%d] = %v, want %v", i, back[i], src[i])
		}
	}
}
