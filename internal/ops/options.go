package ops

import (
	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/logger"
	"github.com/samcharles93/coreplan/internal/program"
	"github.com/samcharles93/coreplan/internal/topology"
	"github.com/samcharles93/coreplan/internal/workdist"
)

type config struct {
	maxCores int
	reserved int
	log      logger.Logger
}

type Option func(*config)

// WithMaxCores caps the number of cores an operator spreads over. Zero
// means the whole worker grid.
func WithMaxCores(n int) Option {
	return func(c *config) { c.maxCores = n }
}

// WithReserved sets the per-core firmware region excluded from L1.
func WithReserved(n int) Option {
	return func(c *config) { c.reserved = n }
}

func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

func newConfig(opts []Option) config {
	c := config{reserved: cb.DefaultReserved, log: logger.Discard()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c config) coreLimit(grid workdist.Grid) int {
	if c.maxCores <= 0 {
		return grid.NumCores()
	}
	return c.maxCores
}

func (c config) builder(t *topology.Topology, name string) (*program.Builder, error) {
	return program.NewBuilder(t, name, program.WithReserved(c.reserved), program.WithLogger(c.log))
}
