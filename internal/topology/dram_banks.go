package topology

import (
	"maps"
	"slices"
)

// BankAssignment is the worker to DRAM core routing used for performance
// counter dumps. It has no effect on correctness.
type BankAssignment struct {
	ByWorker map[CoreCoord]CoreCoord
	// ByBank keeps workers in descriptor order, the order they are dumped in.
	ByBank map[CoreCoord][]CoreCoord
}

func (b BankAssignment) clone() BankAssignment {
	out := BankAssignment{
		ByWorker: maps.Clone(b.ByWorker),
		ByBank:   make(map[CoreCoord][]CoreCoord, len(b.ByBank)),
	}
	for k, v := range b.ByBank {
		out.ByBank[k] = slices.Clone(v)
	}
	return out
}

// wormholeBankCandidates replaces the descriptor's DRAM list on Wormhole parts.
var wormholeBankCandidates = [][]CoreCoord{
	{{X: 0, Y: 0}}, {{X: 0, Y: 5}}, {{X: 5, Y: 0}}, {{X: 5, Y: 2}}, {{X: 5, Y: 3}}, {{X: 5, Y: 5}},
}

// MapWorkersToDRAMBanks picks, for every worker, the DRAM core that precedes
// it on both axes with the smallest Manhattan offset. Candidates are visited
// in channel then sub-channel order and only a strictly closer candidate
// replaces the current one, so the result is deterministic. A worker with no
// preceding DRAM core keeps channel 0 sub-channel 0.
func MapWorkersToDRAMBanks(t *Topology) (BankAssignment, error) {
	if len(t.dram) == 0 || len(t.dram[0]) == 0 {
		return BankAssignment{}, ErrNoDRAM
	}

	candidates := t.dram
	if t.arch == ArchWormhole || t.arch == ArchWormholeB0 {
		candidates = wormholeBankCandidates
	}

	out := BankAssignment{
		ByWorker: make(map[CoreCoord]CoreCoord, len(t.workers)),
		ByBank:   make(map[CoreCoord][]CoreCoord),
	}
	for _, worker := range t.workers {
		target := t.dram[0][0]
		for _, channel := range candidates {
			for _, dram := range channel {
				diffX := worker.X - dram.X
				diffY := worker.Y - dram.Y
				if diffX < 0 || diffY < 0 {
					continue
				}
				targetX := worker.X - target.X
				targetY := worker.Y - target.Y
				switch {
				case targetX < 0 || targetY < 0:
					target = dram
				case diffX+diffY < targetX+targetY:
					target = dram
				}
			}
		}
		out.ByWorker[worker] = target
		out.ByBank[target] = append(out.ByBank[target], worker)
	}
	return out, nil
}
