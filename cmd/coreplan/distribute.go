package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/coreplan/internal/workdist"
	"github.com/urfave/cli/v3"
)

func distributeCmd() *cli.Command {
	var (
		total    int
		maxCores int
		dividing bool
		group    int
	)

	return &cli.Command{
		Name:  "distribute",
		Usage: "Split units of work over the worker grid",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "total", Aliases: []string{"n"}, Usage: "units to distribute", Required: true, Destination: &total},
			&cli.IntFlag{Name: "max-cores", Usage: "core limit (0 = whole grid)", Destination: &maxCores},
			&cli.BoolFlag{Name: "dividing", Usage: "use the largest core count that divides the total", Destination: &dividing},
			&cli.IntFlag{Name: "group", Usage: "require each core's units to be a multiple of this row group", Destination: &group},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			t, err := loadTopology()
			if err != nil {
				return err
			}
			grid := workdist.GridOf(t)
			if maxCores == 0 {
				maxCores = grid.NumCores()
			}
			split := workdist.DistributeOnGrid
			if dividing {
				split = workdist.SplitDividingOnGrid
			}
			p, err := split(total, grid, maxCores)
			if err != nil {
				return err
			}
			if group != 0 {
				if err := p.RequireGroup(group); err != nil {
					return err
				}
			}

			fmt.Printf("%d units over %d of %d cores\n", p.Total(), p.NumCores, grid.NumCores())
			for i, core := range p.Cores {
				fmt.Printf("  %-8s units %-4d start %d\n", core, p.UnitsPerCore[i], p.StartOffsets[i])
			}
			return nil
		},
	}
}
