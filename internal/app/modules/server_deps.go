package modules

import (
	"conductor.io/conductor/internal/api/handlers"
	"conductor.io/conductor/internal/pkg/logger"
)

// NewServerDeps builds base server deps then lets each module contribute explicit wiring.
func NewServerDeps(infra *Infrastructure, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		LogLevel: logger.HTTPHandler(),
	}
	if infra.DB != nil && infra.DB.Pool != nil {
		deps.DB = infra.DB.Pool
	}
	if infra.RiverClient != nil {
		deps.Jobs = infra.RiverClient
	}
	if infra.Metrics != nil {
		deps.Metrics = infra.Metrics.Handler()
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		contributor, ok := mod.(ServerDepsContributor)
		if !ok {
			continue
		}
		contributor.ContributeServerDeps(&deps)
	}
	return deps
}
