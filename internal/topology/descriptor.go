package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// descriptorFile mirrors the device descriptor YAML. Scalars that must be
// present are pointers so a missing key can be told apart from zero.
type descriptorFile struct {
	Grid *struct {
		XSize *int `yaml:"x_size"`
		YSize *int `yaml:"y_size"`
	} `yaml:"grid"`

	ARC                 []string   `yaml:"arc"`
	PCIe                []string   `yaml:"pcie"`
	DRAM                [][]string `yaml:"dram"`
	DRAMPreferredEth    []string   `yaml:"dram_preferred_eth_endpoint"`
	DRAMPreferredWorker []string   `yaml:"dram_preferred_worker_endpoint"`
	DRAMAddressOffsets  []uint64   `yaml:"dram_address_offsets"`
	Eth                 []string   `yaml:"eth"`
	FunctionalWorkers   []string   `yaml:"functional_workers"`
	HarvestedWorkers    []string   `yaml:"harvested_workers"`
	RouterOnly          []string   `yaml:"router_only"`

	WorkerL1Size *int    `yaml:"worker_l1_size"`
	EthL1Size    *int    `yaml:"eth_l1_size"`
	DRAMBankSize *uint64 `yaml:"dram_bank_size"`
	ArchName     *string `yaml:"arch_name"`

	Features *struct {
		Overlay  *versionNode `yaml:"overlay"`
		Packer   *versionNode `yaml:"packer"`
		Unpacker *versionNode `yaml:"unpacker"`
		Math     *struct {
			DstSizeAlignment *int `yaml:"dst_size_alignment"`
		} `yaml:"math"`
	} `yaml:"features"`
}

type versionNode struct {
	Version *int `yaml:"version"`
}

// Load reads and validates a device descriptor file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("device descriptor file %s: %w", path, err)
	}
	t, err := ParseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseDescriptor builds a Topology from descriptor YAML. Any missing required
// key or malformed coordinate is an error wrapping ErrInvalidDescriptor.
func ParseDescriptor(data []byte) (*Topology, error) {
	var df descriptorFile
	if err := yaml.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	spec, err := df.spec()
	if err != nil {
		return nil, err
	}
	return New(spec)
}

func (df *descriptorFile) spec() (Spec, error) {
	var spec Spec
	missing := func(key string) error {
		return fmt.Errorf("%w: missing %s", ErrInvalidDescriptor, key)
	}

	if df.Grid == nil || df.Grid.XSize == nil || df.Grid.YSize == nil {
		return spec, missing("grid.x_size/grid.y_size")
	}
	if df.ArchName == nil {
		return spec, missing("arch_name")
	}
	if df.WorkerL1Size == nil {
		return spec, missing("worker_l1_size")
	}
	if df.EthL1Size == nil {
		return spec, missing("eth_l1_size")
	}
	if df.DRAMBankSize == nil {
		return spec, missing("dram_bank_size")
	}
	if df.DRAMAddressOffsets == nil {
		return spec, missing("dram_address_offsets")
	}
	if len(df.FunctionalWorkers) == 0 {
		return spec, missing("functional_workers")
	}
	if len(df.DRAM) == 0 {
		return spec, missing("dram")
	}
	f := df.Features
	if f == nil || f.Overlay == nil || f.Overlay.Version == nil ||
		f.Packer == nil || f.Packer.Version == nil ||
		f.Unpacker == nil || f.Unpacker.Version == nil ||
		f.Math == nil || f.Math.DstSizeAlignment == nil {
		return spec, missing("features")
	}

	arch, err := ParseArch(*df.ArchName)
	if err != nil {
		return spec, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	spec.Arch = arch
	spec.GridSize = CoreCoord{X: *df.Grid.XSize, Y: *df.Grid.YSize}
	spec.Features = Features{
		OverlayVersion:   *f.Overlay.Version,
		PackerVersion:    *f.Packer.Version,
		UnpackerVersion:  *f.Unpacker.Version,
		DstSizeAlignment: *f.Math.DstSizeAlignment,
		WorkerL1Size:     *df.WorkerL1Size,
		EthL1Size:        *df.EthL1Size,
		DRAMBankSize:     *df.DRAMBankSize,
	}
	spec.DRAMAddressOffsets = df.DRAMAddressOffsets

	lists := []struct {
		key string
		in  []string
		out *[]CoreCoord
	}{
		{"arc", df.ARC, &spec.ARC},
		{"pcie", df.PCIe, &spec.PCIe},
		{"eth", df.Eth, &spec.Ethernet},
		{"functional_workers", df.FunctionalWorkers, &spec.Workers},
		{"harvested_workers", df.HarvestedWorkers, &spec.Harvested},
		{"router_only", df.RouterOnly, &spec.RouterOnly},
		{"dram_preferred_eth_endpoint", df.DRAMPreferredEth, &spec.PreferredEthDRAM},
		{"dram_preferred_worker_endpoint", df.DRAMPreferredWorker, &spec.PreferredWorkerDRAM},
	}
	for _, l := range lists {
		coords, err := parseCoords(l.key, l.in)
		if err != nil {
			return spec, err
		}
		*l.out = coords
	}

	for i, channel := range df.DRAM {
		coords, err := parseCoords(fmt.Sprintf("dram[%d]", i), channel)
		if err != nil {
			return spec, err
		}
		spec.DRAM = append(spec.DRAM, coords)
	}
	return spec, nil
}

func parseCoords(key string, in []string) ([]CoreCoord, error) {
	out := make([]CoreCoord, 0, len(in))
	for _, s := range in {
		c, err := ParseCoord(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, key, err)
		}
		out = append(out, c)
	}
	return out, nil
}
