package topology

import "fmt"

// SyntheticSpec describes a small rectangular device used by the simulator
// and by tests that do not want to ship a descriptor file.
type SyntheticSpec struct {
	Cols         int
	Rows         int
	DRAMChannels int
	WorkerL1Size int
	DRAMBankSize uint64
}

// Synthetic lays workers out at routing (1..Cols, 1..Rows). Row 0 holds the
// DRAM channels from x=1, column 0 holds the PCIe and ARC cores, and every
// remaining edge position is router-only.
func Synthetic(s SyntheticSpec) (*Topology, error) {
	if s.Cols <= 0 || s.Rows <= 0 {
		return nil, fmt.Errorf("%w: synthetic grid %dx%d", ErrInvalidDescriptor, s.Cols, s.Rows)
	}
	if s.DRAMChannels <= 0 || s.DRAMChannels > s.Cols {
		return nil, fmt.Errorf("%w: synthetic grid needs 1..%d dram channels, got %d",
			ErrInvalidDescriptor, s.Cols, s.DRAMChannels)
	}
	if s.Rows < 2 {
		return nil, fmt.Errorf("%w: synthetic grid needs at least 2 rows for pcie and arc", ErrInvalidDescriptor)
	}
	if s.WorkerL1Size <= 0 {
		s.WorkerL1Size = 1 << 20
	}
	if s.DRAMBankSize == 0 {
		s.DRAMBankSize = 1 << 30
	}

	spec := Spec{
		Arch:     ArchGrayskull,
		GridSize: CoreCoord{X: s.Cols + 1, Y: s.Rows + 1},
		Features: Features{
			OverlayVersion:   1,
			PackerVersion:    1,
			UnpackerVersion:  1,
			DstSizeAlignment: 32 * 1024,
			WorkerL1Size:     s.WorkerL1Size,
			DRAMBankSize:     s.DRAMBankSize,
		},
		PCIe: []CoreCoord{{X: 0, Y: 1}},
		ARC:  []CoreCoord{{X: 0, Y: 2}},
	}
	for ch := range s.DRAMChannels {
		c := CoreCoord{X: ch + 1, Y: 0}
		spec.DRAM = append(spec.DRAM, []CoreCoord{c})
		spec.PreferredWorkerDRAM = append(spec.PreferredWorkerDRAM, CoreCoord{X: ch + 1, Y: 1})
		spec.DRAMAddressOffsets = append(spec.DRAMAddressOffsets, 0)
	}
	spec.RouterOnly = append(spec.RouterOnly, CoreCoord{})
	for x := s.DRAMChannels + 1; x <= s.Cols; x++ {
		spec.RouterOnly = append(spec.RouterOnly, CoreCoord{X: x, Y: 0})
	}
	for y := 3; y <= s.Rows; y++ {
		spec.RouterOnly = append(spec.RouterOnly, CoreCoord{X: 0, Y: y})
	}
	for y := 1; y <= s.Rows; y++ {
		for x := 1; x <= s.Cols; x++ {
			spec.Workers = append(spec.Workers, CoreCoord{X: x, Y: y})
		}
	}
	return New(spec)
}
