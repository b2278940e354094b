package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"conductor.io/conductor/internal/agent"
	"conductor.io/conductor/internal/api/handlers"
	"conductor.io/conductor/internal/config"
	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/hypervisor"
	"conductor.io/conductor/internal/jobs"
	"conductor.io/conductor/internal/pkg/logger"
	"conductor.io/conductor/internal/reconcile"
	"conductor.io/conductor/internal/service"
	"conductor.io/conductor/internal/vmops"
	_ "conductor.io/conductor/plugins/hypervisor/autoreg"
)

// ComputeModule wires the hypervisor driver, the workflows, the compute
// service, the reconciliation loops and their workers.
type ComputeModule struct {
	infra   *Infrastructure
	driver  *hypervisor.Driver
	ops     *vmops.VMOps
	compute *service.ComputeService
	loops   *reconcile.Loops
}

// NewComputeModule opens the configured hypervisor driver and builds the
// compute stack on top of it.
func NewComputeModule(ctx context.Context, infra *Infrastructure) (*ComputeModule, error) {
	hv := infra.Config.Hypervisor
	driver, err := hypervisor.OpenDriver(ctx, hv.Driver, hypervisor.Options{
		URL:      hv.URL,
		Username: hv.Username,
		Password: hv.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("open hypervisor driver %q: %w", hv.Driver, err)
	}

	cipher, err := agent.NewCipher(hv.CipherDigest)
	if err != nil {
		return nil, fmt.Errorf("agent cipher: %w", err)
	}

	events := domain.NewEventDispatcher()
	infra.Metrics.Subscribe(events)

	ops := vmops.New(driver, infra.Store, VMOpsConfig(hv),
		vmops.WithBuildSource(infra.Builds),
		vmops.WithCipher(cipher),
		vmops.WithEvents(events),
		vmops.WithSagaObserver(infra.Metrics),
		vmops.WithAgentObserver(infra.Metrics),
	)
	compute := service.NewComputeService(ops, infra.Store, service.WithHost(hv.Host))

	loops := &reconcile.Loops{
		Reboots: reconcile.NewRebootPoller(ops.Session(), infra.Store, compute,
			reconcile.WithObserver(infra.Metrics),
			reconcile.WithRunner(infra.Pools.Hypervisor),
		),
		Rescues: reconcile.NewRescuePoller(ops, reconcile.WithObserver(infra.Metrics)),
		Resizes: reconcile.NewResizePoller(infra.Store, compute, reconcile.WithObserver(infra.Metrics)),
	}

	logger.Info("Hypervisor driver opened",
		zap.String("driver", driver.Name),
		zap.String("host", hv.Host),
		zap.Bool("generate_swap", hv.GenerateSwap),
		zap.Bool("flat_injected", hv.FlatInjected),
	)

	return &ComputeModule{
		infra:   infra,
		driver:  driver,
		ops:     ops,
		compute: compute,
		loops:   loops,
	}, nil
}

// VMOpsConfig maps hypervisor settings onto the workflow tunables.
func VMOpsConfig(hv config.HypervisorConfig) vmops.Config {
	cfg := vmops.DefaultConfig()
	if hv.RunningTimeout > 0 {
		cfg.RunningTimeout = hv.RunningTimeout
	}
	cfg.AgentVersionTimeout = hv.AgentVersionTimeout
	if hv.AgentPollInterval > 0 {
		cfg.AgentPollInterval = hv.AgentPollInterval
	}
	cfg.GenerateSwap = hv.GenerateSwap
	cfg.FlatInjected = hv.FlatInjected
	return cfg
}

func (m *ComputeModule) Name() string { return "compute" }

func (m *ComputeModule) RegisterWorkers(workers *river.Workers) error {
	if workers == nil || m == nil {
		return nil
	}
	return jobs.Register(workers, m.compute, m.loops)
}

func (m *ComputeModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Instances = m.infra.Store
}

// Shutdown releases the hypervisor driver. Jobs have stopped by the time it runs.
func (m *ComputeModule) Shutdown(context.Context) error {
	if m == nil || m.driver == nil {
		return nil
	}
	logger.Info("Hypervisor driver released", zap.String("driver", m.driver.Name))
	return nil
}
