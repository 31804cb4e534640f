package api

import (
	"github.com/tissuemaps/tmviewer/internal/service"
)

// ExperimentSummary is one entry of GET /api/experiments.
type ExperimentSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ExperimentRegistry holds tile services for all configured experiments.
type ExperimentRegistry struct {
	services map[string]*service.TileService
	order    []string
}

// NewExperimentRegistry creates a new experiment registry.
func NewExperimentRegistry() *ExperimentRegistry {
	return &ExperimentRegistry{
		services: make(map[string]*service.TileService),
	}
}

// Register adds a tile service. Experiments are listed in registration order.
func (r *ExperimentRegistry) Register(svc *service.TileService) {
	id := svc.ExperimentID()
	if _, ok := r.services[id]; !ok {
		r.order = append(r.order, id)
	}
	r.services[id] = svc
}

// Get returns the tile service for an experiment, or nil if not found.
func (r *ExperimentRegistry) Get(experimentID string) *service.TileService {
	return r.services[experimentID]
}

// ExperimentIDs returns all experiment IDs in registration order.
func (r *ExperimentRegistry) ExperimentIDs() []string {
	return r.order
}

// Experiments returns summaries of all registered experiments.
func (r *ExperimentRegistry) Experiments() []ExperimentSummary {
	infos := make([]ExperimentSummary, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, ExperimentSummary{
			ID:   id,
			Name: r.services[id].Reader().Metadata().Name,
		})
	}
	return infos
}
