// Package api serves the planner over HTTP: topology queries, work
// distribution, operator plans and the kernel compile cache.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/samcharles93/coreplan/internal/kernelcache"
	"github.com/samcharles93/coreplan/internal/logger"
	"github.com/samcharles93/coreplan/internal/ops"
	"github.com/samcharles93/coreplan/internal/program"
	"github.com/samcharles93/coreplan/internal/topology"
	"github.com/samcharles93/coreplan/internal/workdist"
)

const defaultEps = 1e-5

type Server struct {
	topo     *topology.Topology
	cache    *kernelcache.Cache
	compiler program.Compiler
	store    *PlanStore
	reserved int
	log      logger.Logger
	clock    func() time.Time
}

type Config struct {
	Topology *topology.Topology
	// Compiler builds plan binaries into Cache. Plans stay in the built
	// state when it is nil.
	Compiler program.Compiler
	Cache    *kernelcache.Cache
	Store    *PlanStore
	// Reserved is the per-core firmware region; zero keeps the default.
	Reserved int
	Logger   logger.Logger
}

func NewServer(cfg Config) *Server {
	s := &Server{
		topo:     cfg.Topology,
		cache:    cfg.Cache,
		compiler: cfg.Compiler,
		store:    cfg.Store,
		reserved: cfg.Reserved,
		log:      cfg.Logger,
		clock:    time.Now,
	}
	if s.cache == nil {
		s.cache = kernelcache.New()
	}
	if s.store == nil {
		s.store = NewPlanStore()
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/topology", s.handleTopology)
	e.POST("/v1/distribute", s.handleDistribute)

	e.POST("/v1/plans/eltwise", s.handlePlanEltwise)
	e.POST("/v1/plans/layernorm", s.handlePlanLayerNorm)
	e.GET("/v1/plans/:id", s.handleGetPlan)
	e.DELETE("/v1/plans/:id", s.handleDeletePlan)

	e.GET("/v1/kernel-cache", s.handleGetKernelCache)
	e.DELETE("/v1/kernel-cache", s.handleClearKernelCache)
}

func (s *Server) handleTopology(c *echo.Context) error {
	t := s.topo
	resp := TopologyResponse{
		Object:          "topology",
		Arch:            t.Arch().String(),
		GridSize:        t.GridSize(),
		WorkerGridSize:  t.WorkerGridSize(),
		Features:        t.Features(),
		DRAMChannels:    t.NumDRAMChannels(),
		DRAMSubchannels: t.NumDRAMSubchannels(),
		Harvested:       t.Cores(topology.RoleHarvested),
		Ethernet:        t.Cores(topology.RoleEthernet),
	}
	for ch := range t.NumDRAMChannels() {
		core := t.CoreForDRAMChannel(ch, 0)
		resp.Banks = append(resp.Banks, DRAMBank{
			Channel: ch,
			Core:    core,
			Workers: t.WorkersForDRAMBank(core),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDistribute(c *echo.Context) error {
	req, err := decodeJSON[DistributeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	grid := workdist.GridOf(s.topo)
	maxCores := grid.NumCores()
	if req.MaxCores != nil {
		maxCores = *req.MaxCores
	}

	split := workdist.DistributeOnGrid
	if req.Dividing {
		split = workdist.SplitDividingOnGrid
	}
	placement, err := split(req.Total, grid, maxCores)
	if err != nil {
		return writePlanError(c, err)
	}
	if req.Group != 0 {
		if err := placement.RequireGroup(req.Group); err != nil {
			return writePlanError(c, err)
		}
	}
	return c.JSON(http.StatusOK, DistributeResponse{Object: "distribution", Placement: placement})
}

func (s *Server) opts(maxCores int) []ops.Option {
	opts := []ops.Option{ops.WithMaxCores(maxCores), ops.WithLogger(s.log)}
	if s.reserved > 0 {
		opts = append(opts, ops.WithReserved(s.reserved))
	}
	return opts
}

func (s *Server) handlePlanEltwise(c *echo.Context) error {
	req, err := decodeJSON[EltwisePlanRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	op, err := ops.ParseUnaryOp(req.Op)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	in, err := plannedTensor(s.topo, req.Input, "input")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	out, err := plannedTensor(s.topo, outputSpec(req.Input, req.Output), "output")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	p, err := ops.BuildEltwiseUnary(s.topo, in, out, op, s.opts(req.MaxCores)...)
	if err != nil {
		return writePlanError(c, err)
	}
	stats, err := s.compile(c.Request().Context(), p)
	if err != nil {
		return writePlanError(c, err)
	}
	return c.JSON(http.StatusOK, s.store.Create("eltwise_"+op.String(), p, stats, nil, s.clock()))
}

func (s *Server) handlePlanLayerNorm(c *echo.Context) error {
	req, err := decodeJSON[LayerNormPlanRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	in, err := plannedTensor(s.topo, req.Input, "input")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	out, err := plannedTensor(s.topo, outputSpec(req.Input, req.Output), "output")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	params := ops.LayerNormParams{Eps: defaultEps}
	if req.Eps != nil {
		params.Eps = *req.Eps
	}
	if req.Gamma != nil {
		g, err := plannedTensor(s.topo, *req.Gamma, "gamma")
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		params.Gamma = &g
	}
	if req.Beta != nil {
		b, err := plannedTensor(s.topo, *req.Beta, "beta")
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		params.Beta = &b
	}

	p, plan, err := ops.BuildLayerNorm(s.topo, in, out, params, s.opts(req.MaxCores)...)
	if err != nil {
		return writePlanError(c, err)
	}
	stats, err := s.compile(c.Request().Context(), p)
	if err != nil {
		return writePlanError(c, err)
	}
	return c.JSON(http.StatusOK, s.store.Create("layernorm", p, stats, &plan, s.clock()))
}

func (s *Server) compile(ctx context.Context, p *program.Program) (program.CompileStats, error) {
	if s.compiler == nil {
		return program.CompileStats{}, nil
	}
	stats, err := p.Compile(ctx, s.cache, s.compiler)
	if err != nil {
		return stats, fmt.Errorf("compile %s: %w", p.Name, err)
	}
	s.log.Info("plan compiled", "program", p.Name, "id", p.ID,
		"unique", stats.Unique, "compiled", stats.Compiled, "cache_hits", stats.CacheHits)
	return stats, nil
}

func (s *Server) handleGetPlan(c *echo.Context) error {
	id := c.Param("id")
	resp, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "plan not found")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeletePlan(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "plan not found")
	}
	return c.JSON(http.StatusOK, DeletedResponse{ID: id, Object: "plan.deleted", Deleted: true})
}

func (s *Server) handleGetKernelCache(c *echo.Context) error {
	hashes := s.cache.Hashes()
	resp := KernelCacheResponse{
		Object:  "kernel_cache",
		Entries: len(hashes),
		Hashes:  make([]string, 0, len(hashes)),
	}
	for _, h := range hashes {
		resp.Hashes = append(resp.Hashes, h.String())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleClearKernelCache(c *echo.Context) error {
	n := s.cache.Len()
	s.cache.Clear()
	s.log.Info("kernel cache cleared", "entries", n)
	return c.JSON(http.StatusOK, DeletedResponse{Object: "kernel_cache.deleted", Deleted: true})
}
