package topology

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalDescriptor = `
grid: {x_size: 3, y_size: 3}
arc: []
pcie: [0-2]
dram:
  - [0-0, 0-1]
dram_address_offsets: [0]
eth: [2-0]
functional_workers: [1-1, 2-1, 1-2, 2-2]
harvested_workers: []
router_only: [1-0]
worker_l1_size: 65536
eth_l1_size: 262144
dram_bank_size: 1048576
arch_name: " wormhole_b0 "
features:
  overlay: {version: 2}
  packer: {version: 2}
  unpacker: {version: 2}
  math: {dst_size_alignment: 32768}
`

func TestParseDescriptorMinimal(t *testing.T) {
	t.Parallel()

	topo, err := ParseDescriptor([]byte(minimalDescriptor))
	if err != nil {
		t.Fatalf("ParseDescriptor() error = %v", err)
	}
	if topo.Arch() != ArchWormholeB0 {
		t.Fatalf("arch: got %v", topo.Arch())
	}
	if topo.DRAMBlocksPerChannel() != 2 {
		t.Fatalf("dram blocks: got %d", topo.DRAMBlocksPerChannel())
	}
	if topo.NumDRAMChannels() != 1 || topo.NumDRAMSubchannels() != 2 {
		t.Fatalf("dram: channels=%d subchannels=%d", topo.NumDRAMChannels(), topo.NumDRAMSubchannels())
	}
	if !topo.IsEthernetCore(CoreCoord{X: 2, Y: 0}) {
		t.Fatal("expected ethernet core at (2,0)")
	}
	if ch, ok := topo.EthernetChannel(CoreCoord{X: 2, Y: 0}); !ok || ch != 0 {
		t.Fatalf("ethernet channel: got %d %v", ch, ok)
	}
	if topo.Features().OverlayVersion != 2 || topo.Features().EthL1Size != 262144 {
		t.Fatalf("features: %+v", topo.Features())
	}
}

func TestParseDescriptorMissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		remove string
		key    string
	}{
		{"grid", "grid: {x_size: 3, y_size: 3}", "grid"},
		{"arch", `arch_name: " wormhole_b0 "`, "arch_name"},
		{"l1", "worker_l1_size: 65536", "worker_l1_size"},
		{"workers", "functional_workers: [1-1, 2-1, 1-2, 2-2]", "functional_workers"},
		{"offsets", "dram_address_offsets: [0]", "dram_address_offsets"},
		{"features", "  math: {dst_size_alignment: 32768}", "features"},
	}
	for _, tc := range tests {
		doc := strings.Replace(minimalDescriptor, tc.remove, "", 1)
		_, err := ParseDescriptor([]byte(doc))
		if !errors.Is(err, ErrInvalidDescriptor) {
			t.Errorf("%s: expected ErrInvalidDescriptor, got %v", tc.name, err)
			continue
		}
		if !strings.Contains(err.Error(), tc.key) {
			t.Errorf("%s: error %q does not name %q", tc.name, err, tc.key)
		}
	}
}

func TestParseDescriptorMalformedCoordinate(t *testing.T) {
	t.Parallel()

	doc := strings.Replace(minimalDescriptor, "router_only: [1-0]", "router_only: [1x0]", 1)
	_, err := ParseDescriptor([]byte(doc))
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
	}
	if !strings.Contains(err.Error(), "router_only") {
		t.Fatalf("error should name the key: %v", err)
	}
}

func TestParseDescriptorUnknownArch(t *testing.T) {
	t.Parallel()

	doc := strings.Replace(minimalDescriptor, `" wormhole_b0 "`, "blackhole", 1)
	if _, err := ParseDescriptor([]byte(doc)); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestParseCoord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want CoreCoord
		ok   bool
	}{
		{"1-0", CoreCoord{X: 1, Y: 0}, true},
		{" 10 - 6 ", CoreCoord{X: 10, Y: 6}, true},
		{"1,0", CoreCoord{}, false},
		{"a-1", CoreCoord{}, false},
		{"", CoreCoord{}, false},
	}
	for _, tc := range tests {
		got, err := ParseCoord(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("ParseCoord(%q): err=%v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("ParseCoord(%q): got %v, want %v", tc.in, got, tc.want)
		}
	}
}
