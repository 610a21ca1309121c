// Package mcast implements the semaphore-gated block broadcast between one
// sender core and a rectangle of receiver cores.
//
// The protocol never times out. A receiver that stops arriving leaves the
// sender spinning in AwaitBarrier forever; there is no forward-progress
// guarantee under partial core failure.
package mcast

import (
	"errors"
	"fmt"

	"github.com/samcharles93/coreplan/internal/topology"
)

var ErrPrecondition = errors.New("mcast: precondition failed")

// Semaphore values.
const (
	Invalid uint32 = 0
	Valid   uint32 = 1
)

// Plan is a multicast destination resolved to routing space.
type Plan struct {
	Sender topology.CoreCoord `json:"sender"`
	// Dest is the routing rectangle the NOC multicasts into.
	Dest topology.CoreRange `json:"dest"`
	// NumDests counts receivers. The sender is excluded even when it sits
	// inside Dest.
	NumDests  int                  `json:"num_dests"`
	Receivers []topology.CoreCoord `json:"receivers"`
}

// NewPlan resolves a logical sender and logical receiver rectangle. Every
// routing coordinate the multicast rectangle covers must be a worker.
func NewPlan(t *topology.Topology, sender topology.CoreCoord, receivers topology.CoreRange) (Plan, error) {
	senderRouting, err := t.RoutingCore(sender)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: sender: %w", ErrPrecondition, err)
	}
	dest, err := t.RoutingRange(receivers)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: receivers: %w", ErrPrecondition, err)
	}

	p := Plan{Sender: senderRouting, Dest: dest}
	for c := range dest.All() {
		if !t.IsWorkerCore(c) {
			return Plan{}, fmt.Errorf("%w: multicast rectangle %v covers %s core %v: %w",
				ErrPrecondition, dest, t.Role(c), c, topology.ErrNotWorker)
		}
		if c == senderRouting {
			continue
		}
		p.Receivers = append(p.Receivers, c)
	}
	p.NumDests = len(p.Receivers)
	if p.NumDests == 0 {
		return Plan{}, fmt.Errorf("%w: multicast from %v has no receivers", ErrPrecondition, sender)
	}
	return p, nil
}
