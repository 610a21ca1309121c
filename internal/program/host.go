package program

import (
	"context"

	"github.com/samcharles93/coreplan/internal/kernelcache"
)

// Host runs programs on one device with a shared compile cache.
type Host struct {
	Device   Device
	Compiler Compiler
	Cache    *kernelcache.Cache
}

// Execute compiles, configures, writes runtime arguments and launches p, in
// that order, and returns once the device reports completion.
func (h *Host) Execute(ctx context.Context, p *Program) (CompileStats, error) {
	stats, err := p.Compile(ctx, h.Cache, h.Compiler)
	if err != nil {
		return stats, err
	}
	if err := p.Configure(ctx, h.Device); err != nil {
		return stats, err
	}
	if err := p.WriteRuntimeArgs(ctx, h.Device); err != nil {
		return stats, err
	}
	return stats, p.Launch(ctx, h.Device)
}
