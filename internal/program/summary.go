package program

import (
	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/topology"
)

// Summary is the dump form of a Program.
type Summary struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	State      State           `json:"state"`
	Budget     cb.Budget       `json:"budget"`
	Cores      []CoreSummary   `json:"cores"`
	Semaphores []cb.Semaphore  `json:"semaphores,omitempty"`
	Kernels    []KernelSummary `json:"kernels"`
}

type CoreSummary struct {
	Core    topology.CoreCoord  `json:"core"`
	Routing topology.CoreCoord  `json:"routing"`
	L1Used  int                 `json:"l1_used"`
	Buffers []cb.CircularBuffer `json:"buffers"`
}

type KernelSummary struct {
	KernelInstance
	Hash        string `json:"hash,omitempty"`
	RuntimeArgs []Arg  `json:"runtime_args,omitempty"`
}

func (p *Program) Summary() Summary {
	s := Summary{
		ID:         p.ID,
		Name:       p.Name,
		State:      p.State(),
		Budget:     p.Budget(),
		Semaphores: p.Semaphores(),
	}
	for _, core := range p.cores {
		routing, _ := p.topo.RoutingCore(core)
		s.Cores = append(s.Cores, CoreSummary{
			Core:    core,
			Routing: routing,
			L1Used:  p.L1Used(core),
			Buffers: p.Buffers(core),
		})
	}
	for _, k := range p.Kernels() {
		ks := KernelSummary{KernelInstance: k}
		if s.State >= StateCompiled {
			ks.Hash = k.Hash.String()
		}
		ks.RuntimeArgs, _ = p.RuntimeArgs(k.ID)
		s.Kernels = append(s.Kernels, ks)
	}
	return s
}
