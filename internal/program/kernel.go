package program

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/samcharles93/coreplan/internal/kernelcache"
	"github.com/samcharles93/coreplan/internal/topology"
)

// Engine is one of the three sequential execution units on a worker.
type Engine int

const (
	EngineIngress Engine = iota
	EngineEgress
	EngineCompute
	numEngines
)

// Engines lists every engine in launch order.
var Engines = [numEngines]Engine{EngineIngress, EngineEgress, EngineCompute}

func (e Engine) Valid() bool { return e >= EngineIngress && e < numEngines }

func (e Engine) String() string {
	switch e {
	case EngineIngress:
		return "ingress"
	case EngineEgress:
		return "egress"
	case EngineCompute:
		return "compute"
	default:
		return fmt.Sprintf("engine(%d)", int(e))
	}
}

func (e Engine) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// MathFidelity selects how many multiplier passes the compute engine makes.
type MathFidelity int

const (
	LoFi MathFidelity = iota
	HiFi2
	HiFi3
	HiFi4
)

func (f MathFidelity) String() string {
	switch f {
	case LoFi:
		return "LoFi"
	case HiFi2:
		return "HiFi2"
	case HiFi3:
		return "HiFi3"
	case HiFi4:
		return "HiFi4"
	default:
		return fmt.Sprintf("fidelity(%d)", int(f))
	}
}

func (f MathFidelity) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func ParseMathFidelity(s string) (MathFidelity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lofi":
		return LoFi, nil
	case "hifi2":
		return HiFi2, nil
	case "hifi3":
		return HiFi3, nil
	case "hifi4":
		return HiFi4, nil
	default:
		return LoFi, fmt.Errorf("unknown math fidelity %q", s)
	}
}

// KernelSpec is a kernel source plus everything fixed at compile time.
type KernelSpec struct {
	Source      string            `json:"source"`
	Engine      Engine            `json:"engine"`
	CompileArgs []uint32          `json:"compile_args,omitempty"`
	Defines     map[string]string `json:"defines,omitempty"`
	Fidelity    MathFidelity      `json:"fidelity"`
	FP32DestAcc bool              `json:"fp32_dest_acc,omitempty"`
	MathApprox  bool              `json:"math_approx,omitempty"`
}

// Key is the cache identity of the compiled binary. Fidelity and the math
// flags only reach the compute engine's build.
func (s KernelSpec) Key() kernelcache.KernelKey {
	k := kernelcache.KernelKey{
		Source:      s.Source,
		Engine:      s.Engine.String(),
		CompileArgs: s.CompileArgs,
		Defines:     s.Defines,
	}
	if s.Engine == EngineCompute {
		k.Fidelity = s.Fidelity.String()
		k.FP32DestAcc = s.FP32DestAcc
		k.MathApprox = s.MathApprox
	}
	return k
}

func (s KernelSpec) clone() KernelSpec {
	s.CompileArgs = slices.Clone(s.CompileArgs)
	s.Defines = maps.Clone(s.Defines)
	return s
}

// KernelInstance is one spec bound to one core.
type KernelInstance struct {
	ID      int                `json:"id"`
	Core    topology.CoreCoord `json:"core"`
	Routing topology.CoreCoord `json:"routing"`
	Spec    KernelSpec         `json:"spec"`
	// Hash is set by Program.Compile.
	Hash kernelcache.Hash `json:"-"`
}
