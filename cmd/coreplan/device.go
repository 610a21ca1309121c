package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/coreplan/internal/ops"
	"github.com/samcharles93/coreplan/internal/topology"
)

// loadTopology reads --descriptor, or builds the synthetic grid when no
// descriptor was given.
func loadTopology() (*topology.Topology, error) {
	if path := strings.TrimSpace(descriptorPath); path != "" {
		return topology.Load(path)
	}
	cols, rows, err := parseGrid(gridSpec)
	if err != nil {
		return nil, err
	}
	return topology.Synthetic(topology.SyntheticSpec{Cols: cols, Rows: rows, DRAMChannels: dramChannels})
}

// parseGrid reads COLSxROWS.
func parseGrid(s string) (cols, rows int, err error) {
	dims, err := parseDims(s, 2)
	if err != nil {
		return 0, 0, fmt.Errorf("grid %q: %w", s, err)
	}
	return dims[0], dims[1], nil
}

// parseShape reads NxCxHxW. Fewer dims are padded with leading ones, so
// "64x96" is [1 1 64 96].
func parseShape(s string) (ops.Shape, error) {
	n := strings.Count(strings.ToLower(s), "x") + 1
	if n > 4 {
		return ops.Shape{}, fmt.Errorf("shape %q: at most 4 dims", s)
	}
	dims, err := parseDims(s, n)
	if err != nil {
		return ops.Shape{}, fmt.Errorf("shape %q: %w", s, err)
	}
	full := []int{1, 1, 1, 1}
	copy(full[4-len(dims):], dims)
	shape := ops.Shape{N: full[0], C: full[1], H: full[2], W: full[3]}
	return shape, shape.Validate()
}

func parseDims(s string, want int) ([]int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != want {
		return nil, fmt.Errorf("want %d dims separated by x, got %d", want, len(parts))
	}
	dims := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, fmt.Errorf("dim %d must be positive", v)
		}
		dims[i] = v
	}
	return dims, nil
}
