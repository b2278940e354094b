// Package modules contains the dependency modules assembled by the
// composition root.
//
// Import Path: conductor.io/conductor/internal/app/modules
package modules

import (
	"context"

	"github.com/riverqueue/river"

	"conductor.io/conductor/internal/api/handlers"
)

// Module represents a domain-specific dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging/debugging.
	Name() string

	// RegisterWorkers registers module workers into a shared River worker registry.
	RegisterWorkers(*river.Workers) error

	// Shutdown performs module-local graceful cleanup.
	Shutdown(context.Context) error
}

// ServerDepsContributor is implemented by modules that expose handler dependencies.
type ServerDepsContributor interface {
	ContributeServerDeps(*handlers.ServerDeps)
}
