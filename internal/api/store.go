package api

import (
	"sync"
	"time"

	"github.com/samcharles93/coreplan/internal/ops"
	"github.com/samcharles93/coreplan/internal/program"
)

type planRecord struct {
	Response PlanResponse
}

// PlanStore keeps every plan the server has built, keyed by program ID.
type PlanStore struct {
	mu    sync.Mutex
	plans map[string]*planRecord
}

func NewPlanStore() *PlanStore {
	return &PlanStore{
		plans: make(map[string]*planRecord),
	}
}

// Create records a compiled program. ln is set for layernorm plans only.
func (s *PlanStore) Create(kind string, p *program.Program, stats program.CompileStats, ln *ops.LayerNormPlan, now time.Time) PlanResponse {
	resp := PlanResponse{
		ID:        p.ID,
		Object:    "plan",
		CreatedAt: now.Unix(),
		Kind:      kind,
		Compile:   stats,
		LayerNorm: ln,
		Program:   p.Summary(),
	}

	s.mu.Lock()
	s.plans[resp.ID] = &planRecord{Response: resp}
	s.mu.Unlock()

	return resp
}

func (s *PlanStore) Get(id string) (PlanResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.plans[id]
	if !ok {
		return PlanResponse{}, false
	}
	return rec.Response, true
}

func (s *PlanStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[id]; !ok {
		return false
	}
	delete(s.plans, id)
	return true
}

func (s *PlanStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plans)
}
