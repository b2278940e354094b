package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"conductor.io/conductor/internal/agent"
	"conductor.io/conductor/internal/config"
	"conductor.io/conductor/internal/infrastructure"
	"conductor.io/conductor/internal/observability"
	"conductor.io/conductor/internal/pkg/logger"
	"conductor.io/conductor/internal/pkg/worker"
	"conductor.io/conductor/internal/repository"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config      *config.Config
	DB          *infrastructure.DatabaseClients
	Pools       *worker.Pools
	Store       *repository.Store
	Builds      agent.BuildSource
	Metrics     *observability.Metrics
	RiverClient *river.Client[pgx.Tx]
}

// NewInfrastructure initializes DB, pools, persistence and metrics.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	builds, err := newBuildSource(cfg.Hypervisor, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:    cfg.Worker.GeneralPoolSize,
		HypervisorPoolSize: cfg.Worker.HypervisorPoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	metrics := observability.New()
	metrics.RegisterPools(pools.Metrics)

	return &Infrastructure{
		Config:  cfg,
		DB:      db,
		Pools:   pools,
		Store:   repository.NewStore(db.Pool),
		Builds:  builds,
		Metrics: metrics,
	}, nil
}

// newBuildSource prefers a catalog file over the agent_builds table.
func newBuildSource(cfg config.HypervisorConfig, db *infrastructure.DatabaseClients) (agent.BuildSource, error) {
	if cfg.AgentBuildsFile == "" {
		return repository.NewBuildStore(db.Pool), nil
	}
	catalog, err := agent.LoadCatalog(cfg.AgentBuildsFile)
	if err != nil {
		return nil, fmt.Errorf("load agent builds %s: %w", cfg.AgentBuildsFile, err)
	}
	logger.Info("Agent build catalog loaded", zap.String("path", cfg.AgentBuildsFile))
	return catalog, nil
}

// InitRiver initializes River client on top of a prepared worker registry.
func (i *Infrastructure) InitRiver(setup infrastructure.RiverSetup) error {
	if i == nil || i.DB == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if err := i.DB.InitRiverClient(setup, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
