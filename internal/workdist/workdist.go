// Package workdist splits a unit count (tiles, rows, row groups) across the
// worker grid and picks the pipelining block size.
package workdist

import (
	"errors"
	"fmt"

	"github.com/samcharles93/coreplan/internal/topology"
)

// MaxBlockSize caps the pipelining block. Buffer depths and kernel loop
// unrolling are sized against it.
const MaxBlockSize = 8

// ErrPrecondition marks shapes or core requests that cannot be scheduled.
var ErrPrecondition = errors.New("workdist: precondition failed")

// Assignment is the per-core unit split for one operator invocation.
type Assignment struct {
	NumCores     int   `json:"num_cores"`
	UnitsPerCore []int `json:"units_per_core"`
	// StartOffsets[i] is the first unit owned by core i.
	StartOffsets []int `json:"start_offsets"`
}

// Total returns the number of units covered by the assignment.
func (a Assignment) Total() int {
	n := 0
	for _, u := range a.UnitsPerCore {
		n += u
	}
	return n
}

// Distribute balances total units over at most maxCores cores. Every core
// gets total/numCores units and the first total%numCores cores get one more.
func Distribute(total, maxCores int) (Assignment, error) {
	if total < 1 {
		return Assignment{}, fmt.Errorf("%w: total units must be >= 1, got %d", ErrPrecondition, total)
	}
	if maxCores < 1 {
		return Assignment{}, fmt.Errorf("%w: max cores must be >= 1, got %d", ErrPrecondition, maxCores)
	}

	numCores := min(maxCores, total)
	base := total / numCores
	extra := total % numCores

	a := Assignment{
		NumCores:     numCores,
		UnitsPerCore: make([]int, numCores),
		StartOffsets: make([]int, numCores),
	}
	offset := 0
	for i := range numCores {
		units := base
		if i < extra {
			units++
		}
		a.UnitsPerCore[i] = units
		a.StartOffsets[i] = offset
		offset += units
	}
	return a, nil
}

// SplitDividing picks the largest core count no greater than maxCores that
// divides total, so every core receives the same number of units. Operators
// whose kernels assume a fixed per-core group use this instead of Distribute.
func SplitDividing(total, maxCores int) (Assignment, error) {
	if total < 1 {
		return Assignment{}, fmt.Errorf("%w: total units must be >= 1, got %d", ErrPrecondition, total)
	}
	if maxCores < 1 {
		return Assignment{}, fmt.Errorf("%w: max cores must be >= 1, got %d", ErrPrecondition, maxCores)
	}
	numCores := min(maxCores, total)
	for total%numCores != 0 {
		numCores--
	}
	return Distribute(total, numCores)
}

// RequireDivisible fails when units cannot be split into whole groups.
func RequireDivisible(units, group int) error {
	if group < 1 {
		return fmt.Errorf("%w: group size must be >= 1, got %d", ErrPrecondition, group)
	}
	if units%group != 0 {
		return fmt.Errorf("%w: %d units not divisible by group of %d", ErrPrecondition, units, group)
	}
	return nil
}

// RequireGroup fails unless every core's share is a whole number of groups.
// Kernels that consume a fixed row group per iteration cannot take a
// remainder.
func (a Assignment) RequireGroup(group int) error {
	for i, units := range a.UnitsPerCore {
		if err := RequireDivisible(units, group); err != nil {
			return fmt.Errorf("core %d: %w", i, err)
		}
	}
	return nil
}

// FindMaxDivisor returns the largest b in [1, limit] that divides w.
func FindMaxDivisor(w, limit int) int {
	if w < 1 || limit < 1 {
		return 1
	}
	for b := min(w, limit); b > 1; b-- {
		if w%b == 0 {
			return b
		}
	}
	return 1
}

// BlockSize is FindMaxDivisor capped at MaxBlockSize.
func BlockSize(w int) int {
	return FindMaxDivisor(w, MaxBlockSize)
}

// Grid is a logical worker grid. Linear core indices wrap down columns:
// index i sits at x = i / Rows, y = i % Rows.
type Grid struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// GridOf returns the logical worker grid of a topology.
func GridOf(t *topology.Topology) Grid {
	size := t.WorkerGridSize()
	return Grid{Cols: size.X, Rows: size.Y}
}

func (g Grid) NumCores() int { return g.Cols * g.Rows }

// Core maps a linear core index to its logical coordinate.
func (g Grid) Core(i int) topology.CoreCoord {
	return topology.CoreCoord{X: i / g.Rows, Y: i % g.Rows}
}

// Placement is an Assignment bound to logical cores.
type Placement struct {
	Assignment
	Cores []topology.CoreCoord `json:"cores"`
}

// DistributeOnGrid distributes total units and places core i at
// grid.Core(i). Asking for more cores than the grid holds is an error, not a
// silent clamp.
func DistributeOnGrid(total int, grid Grid, maxCores int) (Placement, error) {
	if grid.Cols < 1 || grid.Rows < 1 {
		return Placement{}, fmt.Errorf("%w: empty grid %dx%d", ErrPrecondition, grid.Cols, grid.Rows)
	}
	if maxCores > grid.NumCores() {
		return Placement{}, fmt.Errorf("%w: %d cores requested, grid has %d",
			ErrPrecondition, maxCores, grid.NumCores())
	}
	a, err := Distribute(total, maxCores)
	if err != nil {
		return Placement{}, err
	}
	return place(a, grid), nil
}

// SplitDividingOnGrid is SplitDividing placed on grid.
func SplitDividingOnGrid(total int, grid Grid, maxCores int) (Placement, error) {
	if grid.Cols < 1 || grid.Rows < 1 {
		return Placement{}, fmt.Errorf("%w: empty grid %dx%d", ErrPrecondition, grid.Cols, grid.Rows)
	}
	if maxCores > grid.NumCores() {
		return Placement{}, fmt.Errorf("%w: %d cores requested, grid has %d",
			ErrPrecondition, maxCores, grid.NumCores())
	}
	a, err := SplitDividing(total, maxCores)
	if err != nil {
		return Placement{}, err
	}
	return place(a, grid), nil
}

func place(a Assignment, grid Grid) Placement {
	p := Placement{Assignment: a, Cores: make([]topology.CoreCoord, a.NumCores)}
	for i := range a.NumCores {
		p.Cores[i] = grid.Core(i)
	}
	return p
}
