// Package worker provides goroutine pool management.
//
// Long-running work goes through a Pool so that panics are recovered and
// shutdown can drain in-flight tasks. Hypervisor calls run on their own pool
// so a slow host cannot starve general work.
//
// Import Path: conductor.io/conductor/internal/pkg/worker
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"conductor.io/conductor/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool names accepted by SubmitDetached.
const (
	PoolGeneral    = "general"
	PoolHypervisor = "hypervisor"
)

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools is the worker pool collection.
type Pools struct {
	General    *Pool
	Hypervisor *Pool

	// serviceCtx is the service lifecycle context for detached tasks
	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	GeneralPoolSize    int
	HypervisorPoolSize int
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		GeneralPoolSize:    100,
		HypervisorPoolSize: 20,
	}
}

// NewPools creates the worker pool collection.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	panicHandler := func(p interface{}) {
		logger.Error("Worker panic recovered",
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	generalAnts, err := ants.NewPool(cfg.GeneralPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		serviceCancel()
		return nil, err
	}

	// Hypervisor calls block on host tasks for minutes; keep idle workers longer.
	hvAnts, err := ants.NewPool(cfg.HypervisorPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(time.Minute),
	)
	if err != nil {
		generalAnts.Release()
		serviceCancel()
		return nil, err
	}

	return &Pools{
		General:       &Pool{pool: generalAnts, name: PoolGeneral},
		Hypervisor:    &Pool{pool: hvAnts, name: PoolHypervisor},
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// Submit submits a context-aware task.
// If ctx is already cancelled, returns ctx.Err() without submitting.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := p.pool.Submit(func() {
		// ctx may have been cancelled while queued
		select {
		case <-ctx.Done():
			logger.Debug("Task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// RunAll submits every task and waits until all of them have returned.
// Tasks skipped because ctx was cancelled count as returned.
func (p *Pool) RunAll(ctx context.Context, tasks ...Task) error {
	var wg sync.WaitGroup
	var firstErr error
	for _, task := range tasks {
		wg.Add(1)
		err := p.Submit(ctx, func(ctx context.Context) {
			defer wg.Done()
			task(ctx)
		})
		if err != nil {
			wg.Done()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	wg.Wait()
	return firstErr
}

// SubmitDetached submits a task bound to the service lifecycle context
// instead of a request context. It survives request cancellation but stops
// on Shutdown.
func (p *Pools) SubmitDetached(poolName string, task Task) error {
	pool := p.General
	if poolName == PoolHypervisor {
		pool = p.Hypervisor
	}

	return pool.pool.Submit(func() {
		select {
		case <-p.serviceCtx.Done():
			logger.Debug("Detached task skipped: service shutting down",
				zap.String("pool", pool.name),
			)
			return
		default:
		}
		task(p.serviceCtx)
	})
}

// Shutdown cancels the service context, then waits for running tasks (max 30s).
func (p *Pools) Shutdown() {
	p.serviceCancel()

	const shutdownTimeout = 30 * time.Second
	if err := p.General.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("General pool shutdown timeout", zap.Error(err))
	}
	if err := p.Hypervisor.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("Hypervisor pool shutdown timeout", zap.Error(err))
	}
}

// Metrics returns pool occupancy keyed by pool name.
func (p *Pools) Metrics() map[string]map[string]int {
	return map[string]map[string]int{
		PoolGeneral: {
			"running": p.General.pool.Running(),
			"free":    p.General.pool.Free(),
			"cap":     p.General.pool.Cap(),
		},
		PoolHypervisor: {
			"running": p.Hypervisor.pool.Running(),
			"free":    p.Hypervisor.pool.Free(),
			"cap":     p.Hypervisor.pool.Cap(),
		},
	}
}
