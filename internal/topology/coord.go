package topology

import (
	"fmt"
	"iter"
	"strconv"
	"strings"
)

// CoreCoord is an (x, y) position. Whether it is a logical or a routing
// coordinate is decided by the table it came from; the type does not say.
type CoreCoord struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

func (c CoreCoord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// ParseCoord parses the descriptor notation "x-y".
func ParseCoord(s string) (CoreCoord, error) {
	xs, ys, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return CoreCoord{}, fmt.Errorf("coordinate %q: expected x-y", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return CoreCoord{}, fmt.Errorf("coordinate %q: %w", s, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return CoreCoord{}, fmt.Errorf("coordinate %q: %w", s, err)
	}
	if x < 0 || y < 0 {
		return CoreCoord{}, fmt.Errorf("coordinate %q: negative axis", s)
	}
	return CoreCoord{X: x, Y: y}, nil
}

// ManhattanDistance returns the hop distance between two coordinates.
func ManhattanDistance(a, b CoreCoord) int {
	dx := a.X - b.X
	if dx < 0 {
		dx = -dx
	}
	dy := a.Y - b.Y
	if dy < 0 {
		dy = -dy
	}
	return dx + dy
}

// CoreRange is an inclusive rectangle of coordinates.
type CoreRange struct {
	Start CoreCoord `json:"start"`
	End   CoreCoord `json:"end"`
}

// NewCoreRange orders the corners so Start is the minimum on both axes.
func NewCoreRange(a, b CoreCoord) CoreRange {
	return CoreRange{
		Start: CoreCoord{X: min(a.X, b.X), Y: min(a.Y, b.Y)},
		End:   CoreCoord{X: max(a.X, b.X), Y: max(a.Y, b.Y)},
	}
}

func (r CoreRange) Contains(c CoreCoord) bool {
	return c.X >= r.Start.X && c.X <= r.End.X && c.Y >= r.Start.Y && c.Y <= r.End.Y
}

func (r CoreRange) NumCores() int {
	if r.End.X < r.Start.X || r.End.Y < r.Start.Y {
		return 0
	}
	return (r.End.X - r.Start.X + 1) * (r.End.Y - r.Start.Y + 1)
}

// All yields every coordinate in the range, row by row.
func (r CoreRange) All() iter.Seq[CoreCoord] {
	return func(yield func(CoreCoord) bool) {
		for y := r.Start.Y; y <= r.End.Y; y++ {
			for x := r.Start.X; x <= r.End.X; x++ {
				if !yield(CoreCoord{X: x, Y: y}) {
					return
				}
			}
		}
	}
}

func (r CoreRange) String() string {
	return r.Start.String() + "-" + r.End.String()
}

// Role is the single function a core performs on the die.
type Role int

const (
	RoleUnknown Role = iota
	RoleWorker
	RoleDRAM
	RoleEthernet
	RolePCIe
	RoleHarvested
	RoleRouterOnly
	RoleARC
)

func (r Role) String() string {
	switch r {
	case RoleWorker:
		return "worker"
	case RoleDRAM:
		return "dram"
	case RoleEthernet:
		return "ethernet"
	case RolePCIe:
		return "pcie"
	case RoleHarvested:
		return "harvested"
	case RoleRouterOnly:
		return "router_only"
	case RoleARC:
		return "arc"
	default:
		return "unknown"
	}
}

// Arch identifies the silicon generation a descriptor was written for.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchGrayskull
	ArchWormhole
	ArchWormholeB0
)

func (a Arch) String() string {
	switch a {
	case ArchGrayskull:
		return "GRAYSKULL"
	case ArchWormhole:
		return "WORMHOLE"
	case ArchWormholeB0:
		return "WORMHOLE_B0"
	default:
		return "UNKNOWN"
	}
}

// ParseArch accepts the descriptor's arch_name values, case-insensitively.
func ParseArch(name string) (Arch, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "GRAYSKULL":
		return ArchGrayskull, nil
	case "WORMHOLE":
		return ArchWormhole, nil
	case "WORMHOLE_B0":
		return ArchWormholeB0, nil
	default:
		return ArchUnknown, fmt.Errorf("unknown arch %q", name)
	}
}
