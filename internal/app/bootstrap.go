// Package app is the composition root. Bootstrap stays orchestration-only;
// modules own the wiring of their components.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"conductor.io/conductor/internal/api/handlers"
	"conductor.io/conductor/internal/app/modules"
	"conductor.io/conductor/internal/config"
	"conductor.io/conductor/internal/infrastructure"
	"conductor.io/conductor/internal/jobs"
	"conductor.io/conductor/internal/pkg/worker"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	DB      *infrastructure.DatabaseClients
	Pools   *worker.Pools
	Modules []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	compute, err := modules.NewComputeModule(ctx, infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init compute module: %w", err)
	}
	allModules := []modules.Module{compute}

	workers := river.NewWorkers()
	for _, mod := range allModules {
		if err := mod.RegisterWorkers(workers); err != nil {
			infra.Close()
			return nil, fmt.Errorf("register %s workers: %w", mod.Name(), err)
		}
	}
	// Reconciliation runs as periodic jobs, once at startup and then every
	// reconcile.interval; disabled loops are left out.
	if err := infra.InitRiver(infrastructure.RiverSetup{
		Workers:      workers,
		PeriodicJobs: jobs.PeriodicJobs(cfg.Reconcile),
		Queues:       jobs.Queues(cfg.River.MaxWorkers),
	}); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	server := handlers.NewServer(modules.NewServerDeps(infra, allModules))

	return &Application{
		Config:  cfg,
		Router:  newRouter(server),
		DB:      infra.DB,
		Pools:   infra.Pools,
		Modules: allModules,
	}, nil
}
