package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/coreplan/internal/ops"
	"github.com/samcharles93/coreplan/internal/topology"
)

func TestParseShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    ops.Shape
		wantErr bool
	}{
		{in: "1x2x64x96", want: ops.Shape{N: 1, C: 2, H: 64, W: 96}},
		{in: "64x96", want: ops.Shape{N: 1, C: 1, H: 64, W: 96}},
		{in: " 2X32X32 ", want: ops.Shape{N: 1, C: 2, H: 32, W: 32}},
		{in: "1x1x1x32x32", wantErr: true},
		{in: "32x30", wantErr: true},
		{in: "0x32", wantErr: true},
		{in: "axb", wantErr: true},
	}
	for _, tc := range tests {
		got, err := parseShape(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseShape(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseShape(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseShape(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseGrid(t *testing.T) {
	t.Parallel()

	cols, rows, err := parseGrid("12x10")
	if err != nil || cols != 12 || rows != 10 {
		t.Fatalf("parseGrid: %d %d %v", cols, rows, err)
	}
	if _, _, err := parseGrid("12"); err == nil {
		t.Fatal("expected error for a single dim")
	}
}

func TestParseRange(t *testing.T) {
	t.Parallel()

	topo, err := topology.Synthetic(topology.SyntheticSpec{Cols: 4, Rows: 3, DRAMChannels: 2})
	if err != nil {
		t.Fatal(err)
	}
	r, err := parseRange("", topo)
	if err != nil {
		t.Fatal(err)
	}
	if r.NumCores() != 3 || r.Contains(topology.CoreCoord{X: 0, Y: 0}) {
		t.Fatalf("default range: %v", r)
	}
	r, err = parseRange("0-1:3-2", topo)
	if err != nil {
		t.Fatal(err)
	}
	if r.NumCores() != 8 {
		t.Fatalf("range cores: got %d", r.NumCores())
	}
	if _, err := parseRange("0-1", topo); err == nil {
		t.Fatal("expected error without a colon")
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "grid: 8x4\ndram_channels: 4\nl1_reserved: 0\nserver_address: 0.0.0.0:9000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if cfg.Grid != "8x4" || cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("config: %+v", cfg)
	}
	if cfg.DRAMChannels == nil || *cfg.DRAMChannels != 4 {
		t.Fatalf("dram channels: %v", cfg.DRAMChannels)
	}
	// An explicit zero is set, not absent.
	if cfg.L1Reserved == nil || *cfg.L1Reserved != 0 {
		t.Fatalf("l1 reserved: %v", cfg.L1Reserved)
	}
	if cfg.LogLevel != "" {
		t.Fatalf("log level should be unset, got %q", cfg.LogLevel)
	}

	if _, err := loadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
