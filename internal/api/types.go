package api

import (
	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/ops"
	"github.com/samcharles93/coreplan/internal/program"
	"github.com/samcharles93/coreplan/internal/topology"
	"github.com/samcharles93/coreplan/internal/workdist"
)

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type TopologyResponse struct {
	Object          string              `json:"object"`
	Arch            string              `json:"arch"`
	GridSize        topology.CoreCoord  `json:"grid_size"`
	WorkerGridSize  topology.CoreCoord  `json:"worker_grid_size"`
	Features        topology.Features   `json:"features"`
	DRAMChannels    int                 `json:"dram_channels"`
	DRAMSubchannels int                 `json:"dram_subchannels"`
	Banks           []DRAMBank          `json:"banks"`
	Harvested       []topology.CoreCoord `json:"harvested,omitempty"`
	Ethernet        []topology.CoreCoord `json:"ethernet,omitempty"`
}

// DRAMBank is one channel's endpoint and the workers it serves.
type DRAMBank struct {
	Channel int                  `json:"channel"`
	Core    topology.CoreCoord   `json:"core"`
	Workers []topology.CoreCoord `json:"workers"`
}

type DistributeRequest struct {
	Total int `json:"total"`
	// MaxCores defaults to the worker grid.
	MaxCores *int `json:"max_cores,omitempty"`
	// Dividing selects the split where every core takes the same count.
	Dividing bool `json:"dividing,omitempty"`
	// Group, when set, requires each core's share to be a multiple of it.
	Group int `json:"group,omitempty"`
}

type DistributeResponse struct {
	Object string `json:"object"`
	workdist.Placement
}

// TensorSpec describes a tensor to plan against. Address places its DRAM
// buffer; the default puts it at 0.
type TensorSpec struct {
	Shape   ops.Shape `json:"shape"`
	Format  string    `json:"format,omitempty"`
	Address uint32    `json:"address,omitempty"`
}

type EltwisePlanRequest struct {
	Op       string     `json:"op"`
	Input    TensorSpec `json:"input"`
	Output   *uint32    `json:"output_address,omitempty"`
	MaxCores int        `json:"max_cores,omitempty"`
}

type LayerNormPlanRequest struct {
	Input    TensorSpec  `json:"input"`
	Output   *uint32     `json:"output_address,omitempty"`
	Eps      *float32    `json:"eps,omitempty"`
	Gamma    *TensorSpec `json:"gamma,omitempty"`
	Beta     *TensorSpec `json:"beta,omitempty"`
	MaxCores int         `json:"max_cores,omitempty"`
}

type PlanResponse struct {
	ID        string               `json:"id"`
	Object    string               `json:"object"`
	CreatedAt int64                `json:"created_at"`
	Kind      string               `json:"kind"`
	Compile   program.CompileStats `json:"compile"`
	LayerNorm *ops.LayerNormPlan   `json:"layernorm,omitempty"`
	Program   program.Summary      `json:"program"`
}

type KernelCacheResponse struct {
	Object  string   `json:"object"`
	Entries int      `json:"entries"`
	Hashes  []string `json:"hashes"`
}

type DeletedResponse struct {
	ID      string `json:"id,omitempty"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

func (s TensorSpec) format() (cb.DataFormat, error) {
	if s.Format == "" {
		return cb.Float16B, nil
	}
	f, err := cb.ParseDataFormat(s.Format)
	if err != nil {
		return cb.FormatInvalid, newInvalidRequest(err.Error())
	}
	return f, nil
}
