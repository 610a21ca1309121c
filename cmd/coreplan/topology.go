package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/samcharles93/coreplan/internal/logger"
	"github.com/samcharles93/coreplan/internal/topology"
	"github.com/urfave/cli/v3"
)

func topologyCmd() *cli.Command {
	var showCores bool

	return &cli.Command{
		Name:  "topology",
		Usage: "Describe the device grid and the worker to DRAM bank affinity",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "cores", Usage: "list every worker with its routing coordinate", Destination: &showCores},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			t, err := loadTopology()
			if err != nil {
				return err
			}
			log.Debug("topology loaded", "arch", t.Arch(), "descriptor", descriptorPath)

			f := t.Features()
			fmt.Printf("arch:          %s\n", t.Arch())
			fmt.Printf("grid:          %d x %d\n", t.GridSize().X, t.GridSize().Y)
			fmt.Printf("worker grid:   %d x %d\n", t.WorkerGridSize().X, t.WorkerGridSize().Y)
			fmt.Printf("worker L1:     %d bytes (%d reserved)\n", f.WorkerL1Size, l1Reserved)
			fmt.Printf("dram:          %d channels x %d sub-channels, bank size %#x\n",
				t.NumDRAMChannels(), t.NumDRAMSubchannels(), f.DRAMBankSize)
			if h := t.Cores(topology.RoleHarvested); len(h) > 0 {
				fmt.Printf("harvested:     %s\n", joinCoords(h))
			}
			if e := t.Cores(topology.RoleEthernet); len(e) > 0 {
				fmt.Printf("ethernet:      %d cores\n", len(e))
			}

			fmt.Println()
			fmt.Println("dram banks:")
			for ch := range t.NumDRAMChannels() {
				bank := t.CoreForDRAMChannel(ch, 0)
				fmt.Printf("  ch%-2d %-8s offset %#x  %d workers\n",
					ch, bank, t.DRAMAddressOffset(ch), len(t.WorkersForDRAMBank(bank)))
			}

			if showCores {
				fmt.Println()
				fmt.Println("workers (logical -> routing):")
				size := t.WorkerGridSize()
				for y := range size.Y {
					for x := range size.X {
						logical := topology.CoreCoord{X: x, Y: y}
						routing, err := t.RoutingCore(logical)
						if err != nil {
							return err
						}
						fmt.Printf("  %-8s -> %s\n", logical, routing)
					}
				}
			}
			return nil
		},
	}
}

func joinCoords(cs []topology.CoreCoord) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}
