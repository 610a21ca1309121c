package tensor

// TileDim is the edge length of a square tile.
const (
	TileDim   = 32
	TileElems = TileDim * TileDim
)

// Tilize reorders nc row-major matrices of h x w values into tile order:
// matrix by matrix, tile rows top to bottom, tiles left to right, each tile
// row-major. h and w must be multiples of TileDim.
func Tilize(src []float32, nc, h, w int) []float32 {
	checkLayout(len(src), nc, h, w)
	out := make([]float32, len(src))
	walkTiles(nc, h, w, func(tileOff, rowOff int) {
		copy(out[tileOff:tileOff+TileDim], src[rowOff:rowOff+TileDim])
	})
	return out
}

// Untilize is the inverse of Tilize.
func Untilize(src []float32, nc, h, w int) []float32 {
	checkLayout(len(src), nc, h, w)
	out := make([]float32, len(src))
	walkTiles(nc, h, w, func(tileOff, rowOff int) {
		copy(out[rowOff:rowOff+TileDim], src[tileOff:tileOff+TileDim])
	})
	return out
}

func checkLayout(n, nc, h, w int) {
	if h%TileDim != 0 || w%TileDim != 0 || n != nc*h*w {
		panic("tensor: layout needs tile-aligned dims matching the data length")
	}
}

// walkTiles calls fn for every tile row segment with its offset in tile
// order and in row-major order.
func walkTiles(nc, h, w int, fn func(tileOff, rowOff int)) {
	ht, wt := h/TileDim, w/TileDim
	tile := 0
	for m := range nc {
		for ty := range ht {
			for tx := range wt {
				for r := range TileDim {
					row := m*h*w + (ty*TileDim+r)*w + tx*TileDim
					fn(tile*TileElems+r*TileDim, row)
				}
				tile++
			}
		}
	}
}
