package topology

import (
	"fmt"
	"slices"
)

// Features are the per-architecture constants a descriptor carries alongside
// the core layout.
type Features struct {
	OverlayVersion   int    `json:"overlay_version"`
	PackerVersion    int    `json:"packer_version"`
	UnpackerVersion  int    `json:"unpacker_version"`
	DstSizeAlignment int    `json:"dst_size_alignment"`
	WorkerL1Size     int    `json:"worker_l1_size"`
	EthL1Size        int    `json:"eth_l1_size"`
	DRAMBankSize     uint64 `json:"dram_bank_size"`
}

// Spec is the validated input New builds a Topology from. All coordinates are
// routing coordinates.
type Spec struct {
	Arch     Arch
	GridSize CoreCoord
	Features Features

	Workers    []CoreCoord
	Harvested  []CoreCoord
	RouterOnly []CoreCoord
	ARC        []CoreCoord
	PCIe       []CoreCoord
	Ethernet   []CoreCoord

	// DRAM lists the sub-channel cores of every channel.
	DRAM                [][]CoreCoord
	PreferredWorkerDRAM []CoreCoord
	PreferredEthDRAM    []CoreCoord
	DRAMAddressOffsets  []uint64
}

// DRAMLocation names the channel and sub-channel a DRAM core serves.
type DRAMLocation struct {
	Channel    int
	Subchannel int
}

// Topology is the immutable description of one device's core grid. It keeps
// logical and routing coordinates in separate per-axis tables.
type Topology struct {
	arch     Arch
	gridSize CoreCoord
	features Features

	roles      map[CoreCoord]Role
	workers    []CoreCoord
	harvested  []CoreCoord
	routerOnly []CoreCoord
	arc        []CoreCoord
	pcie       []CoreCoord
	ethernet   []CoreCoord
	ethChannel map[CoreCoord]int

	dram                [][]CoreCoord
	dramLocation        map[CoreCoord]DRAMLocation
	preferredWorkerDRAM []CoreCoord
	preferredEthDRAM    []CoreCoord
	dramAddressOffsets  []uint64

	routingToLogicalX map[int]int
	routingToLogicalY map[int]int
	logicalToRoutingX []int
	logicalToRoutingY []int

	banks BankAssignment
}

// New validates spec and builds the coordinate tables and the worker to DRAM
// bank assignment. It is run once per topology load.
func New(spec Spec) (*Topology, error) {
	if spec.GridSize.X <= 0 || spec.GridSize.Y <= 0 {
		return nil, fmt.Errorf("%w: grid size %v", ErrInvalidDescriptor, spec.GridSize)
	}
	if len(spec.Workers) == 0 {
		return nil, fmt.Errorf("%w: no functional workers", ErrInvalidDescriptor)
	}

	t := &Topology{
		arch:                spec.Arch,
		gridSize:            spec.GridSize,
		features:            spec.Features,
		roles:               make(map[CoreCoord]Role),
		ethChannel:          make(map[CoreCoord]int),
		dramLocation:        make(map[CoreCoord]DRAMLocation),
		preferredWorkerDRAM: slices.Clone(spec.PreferredWorkerDRAM),
		preferredEthDRAM:    slices.Clone(spec.PreferredEthDRAM),
		dramAddressOffsets:  slices.Clone(spec.DRAMAddressOffsets),
		routingToLogicalX:   make(map[int]int),
		routingToLogicalY:   make(map[int]int),
	}

	add := func(role Role, coords []CoreCoord) ([]CoreCoord, error) {
		out := make([]CoreCoord, 0, len(coords))
		for _, c := range coords {
			if c.X >= spec.GridSize.X || c.Y >= spec.GridSize.Y {
				return nil, fmt.Errorf("%w: %s core %v outside grid %v", ErrInvalidDescriptor, role, c, spec.GridSize)
			}
			if prev, ok := t.roles[c]; ok {
				return nil, fmt.Errorf("%w: core %v declared as both %s and %s", ErrInvalidDescriptor, c, prev, role)
			}
			t.roles[c] = role
			out = append(out, c)
		}
		return out, nil
	}

	var err error
	if t.arc, err = add(RoleARC, spec.ARC); err != nil {
		return nil, err
	}
	if t.pcie, err = add(RolePCIe, spec.PCIe); err != nil {
		return nil, err
	}
	for ch, subs := range spec.DRAM {
		cores, err := add(RoleDRAM, subs)
		if err != nil {
			return nil, err
		}
		for sub, c := range cores {
			t.dramLocation[c] = DRAMLocation{Channel: ch, Subchannel: sub}
		}
		t.dram = append(t.dram, cores)
	}
	if t.ethernet, err = add(RoleEthernet, spec.Ethernet); err != nil {
		return nil, err
	}
	for i, c := range t.ethernet {
		t.ethChannel[c] = i
	}
	if t.workers, err = add(RoleWorker, spec.Workers); err != nil {
		return nil, err
	}
	if t.harvested, err = add(RoleHarvested, spec.Harvested); err != nil {
		return nil, err
	}
	if t.routerOnly, err = add(RoleRouterOnly, spec.RouterOnly); err != nil {
		return nil, err
	}

	t.buildLogicalTables()

	banks, err := MapWorkersToDRAMBanks(t)
	if err != nil {
		return nil, err
	}
	t.banks = banks
	return t, nil
}

// buildLogicalTables assigns logical axes to the sorted distinct routing axes
// of the worker set, so logical coordinates start at (0,0) and are dense.
func (t *Topology) buildLogicalTables() {
	xs := make([]int, 0, len(t.workers))
	ys := make([]int, 0, len(t.workers))
	for _, w := range t.workers {
		xs = append(xs, w.X)
		ys = append(ys, w.Y)
	}
	slices.Sort(xs)
	slices.Sort(ys)
	t.logicalToRoutingX = slices.Compact(xs)
	t.logicalToRoutingY = slices.Compact(ys)
	for logical, routing := range t.logicalToRoutingX {
		t.routingToLogicalX[routing] = logical
	}
	for logical, routing := range t.logicalToRoutingY {
		t.routingToLogicalY[routing] = logical
	}
}

func (t *Topology) Arch() Arch         { return t.arch }
func (t *Topology) GridSize() CoreCoord { return t.gridSize }
func (t *Topology) Features() Features  { return t.features }

// WorkerGridSize is the extent of the logical worker grid.
func (t *Topology) WorkerGridSize() CoreCoord {
	return CoreCoord{X: len(t.logicalToRoutingX), Y: len(t.logicalToRoutingY)}
}

// Role reports the role of a routing coordinate.
func (t *Topology) Role(c CoreCoord) Role {
	return t.roles[c]
}

// Cores returns the routing coordinates holding a role, in descriptor order.
func (t *Topology) Cores(role Role) []CoreCoord {
	switch role {
	case RoleWorker:
		return slices.Clone(t.workers)
	case RoleHarvested:
		return slices.Clone(t.harvested)
	case RoleRouterOnly:
		return slices.Clone(t.routerOnly)
	case RoleARC:
		return slices.Clone(t.arc)
	case RolePCIe:
		return slices.Clone(t.pcie)
	case RoleEthernet:
		return slices.Clone(t.ethernet)
	case RoleDRAM:
		var out []CoreCoord
		for _, subs := range t.dram {
			out = append(out, subs...)
		}
		return out
	default:
		return nil
	}
}

func (t *Topology) IsWorkerCore(c CoreCoord) bool {
	return t.roles[c] == RoleWorker
}

func (t *Topology) IsEthernetCore(c CoreCoord) bool {
	_, ok := t.ethChannel[c]
	return ok
}

func (t *Topology) IsHarvestedCore(c CoreCoord) bool {
	return t.roles[c] == RoleHarvested
}

// EthernetChannel returns the channel index of an ethernet core.
func (t *Topology) EthernetChannel(c CoreCoord) (int, bool) {
	ch, ok := t.ethChannel[c]
	return ch, ok
}

// WorkerCore converts a worker routing coordinate to its logical coordinate.
func (t *Topology) WorkerCore(routing CoreCoord) (CoreCoord, error) {
	if !t.IsWorkerCore(routing) {
		return CoreCoord{}, fmt.Errorf("topology: routing %v: %w", routing, ErrNotWorker)
	}
	return CoreCoord{
		X: t.routingToLogicalX[routing.X],
		Y: t.routingToLogicalY[routing.Y],
	}, nil
}

// RoutingCore converts a logical worker coordinate to its routing coordinate.
func (t *Topology) RoutingCore(logical CoreCoord) (CoreCoord, error) {
	if logical.X < 0 || logical.X >= len(t.logicalToRoutingX) ||
		logical.Y < 0 || logical.Y >= len(t.logicalToRoutingY) {
		return CoreCoord{}, fmt.Errorf("topology: logical %v: %w", logical, ErrOutOfGrid)
	}
	routing := CoreCoord{
		X: t.logicalToRoutingX[logical.X],
		Y: t.logicalToRoutingY[logical.Y],
	}
	if !t.IsWorkerCore(routing) {
		return CoreCoord{}, fmt.Errorf("topology: logical %v maps to %s core %v: %w",
			logical, t.Role(routing), routing, ErrNotWorker)
	}
	return routing, nil
}

// RoutingRange converts a logical rectangle to the routing rectangle spanning
// the same workers.
func (t *Topology) RoutingRange(logical CoreRange) (CoreRange, error) {
	start, err := t.routingAxes(logical.Start)
	if err != nil {
		return CoreRange{}, err
	}
	end, err := t.routingAxes(logical.End)
	if err != nil {
		return CoreRange{}, err
	}
	return NewCoreRange(start, end), nil
}

func (t *Topology) routingAxes(logical CoreCoord) (CoreCoord, error) {
	if logical.X < 0 || logical.X >= len(t.logicalToRoutingX) ||
		logical.Y < 0 || logical.Y >= len(t.logicalToRoutingY) {
		return CoreCoord{}, fmt.Errorf("topology: logical %v: %w", logical, ErrOutOfGrid)
	}
	return CoreCoord{X: t.logicalToRoutingX[logical.X], Y: t.logicalToRoutingY[logical.Y]}, nil
}

// NumDRAMChannels counts channels that have at least one core.
func (t *Topology) NumDRAMChannels() int {
	n := 0
	for _, subs := range t.dram {
		if len(subs) > 0 {
			n++
		}
	}
	return n
}

// NumDRAMSubchannels counts DRAM cores across every channel.
func (t *Topology) NumDRAMSubchannels() int {
	n := 0
	for _, subs := range t.dram {
		n += len(subs)
	}
	return n
}

// CoreForDRAMChannel returns the routing coordinate of a DRAM sub-channel.
// The topology is validated at load, so out-of-range indices are a caller
// bug and panic.
func (t *Topology) CoreForDRAMChannel(channel, subchannel int) CoreCoord {
	if channel < 0 || channel >= len(t.dram) {
		panic(fmt.Sprintf("topology: dram channel %d must be within range of num_dram_channels=%d", channel, len(t.dram)))
	}
	subs := t.dram[channel]
	if subchannel < 0 || subchannel >= len(subs) {
		panic(fmt.Sprintf("topology: subchannel %d must be within range of num_subchannels=%d", subchannel, len(subs)))
	}
	return subs[subchannel]
}

// DRAMLocationOf reports which channel a DRAM core belongs to.
func (t *Topology) DRAMLocationOf(c CoreCoord) (DRAMLocation, bool) {
	loc, ok := t.dramLocation[c]
	return loc, ok
}

func (t *Topology) PreferredWorkerCoreForDRAMChannel(channel int) CoreCoord {
	if channel < 0 || channel >= len(t.preferredWorkerDRAM) {
		panic(fmt.Sprintf("topology: dram channel %d must be within range of preferred_worker_dram_core.size=%d", channel, len(t.preferredWorkerDRAM)))
	}
	return t.preferredWorkerDRAM[channel]
}

func (t *Topology) PreferredEthCoreForDRAMChannel(channel int) CoreCoord {
	if channel < 0 || channel >= len(t.preferredEthDRAM) {
		panic(fmt.Sprintf("topology: dram channel %d must be within range of preferred_eth_dram_core.size=%d", channel, len(t.preferredEthDRAM)))
	}
	return t.preferredEthDRAM[channel]
}

func (t *Topology) DRAMAddressOffset(channel int) uint64 {
	if channel < 0 || channel >= len(t.dramAddressOffsets) {
		panic(fmt.Sprintf("topology: dram channel %d must be within range of dram_address_offsets.size=%d", channel, len(t.dramAddressOffsets)))
	}
	return t.dramAddressOffsets[channel]
}

// DRAMBlocksPerChannel is fixed per architecture.
func (t *Topology) DRAMBlocksPerChannel() int {
	switch t.arch {
	case ArchGrayskull:
		return 1
	case ArchWormhole, ArchWormholeB0:
		return 2
	default:
		return 0
	}
}

// DRAMBankFor returns the DRAM core a worker routes performance counters to.
func (t *Topology) DRAMBankFor(worker CoreCoord) (CoreCoord, bool) {
	bank, ok := t.banks.ByWorker[worker]
	return bank, ok
}

// WorkersForDRAMBank lists the workers assigned to a DRAM core in worker
// order.
func (t *Topology) WorkersForDRAMBank(bank CoreCoord) []CoreCoord {
	return slices.Clone(t.banks.ByBank[bank])
}

// BankAssignment returns a copy of the precomputed worker to bank mapping.
func (t *Topology) BankAssignment() BankAssignment {
	return t.banks.clone()
}
