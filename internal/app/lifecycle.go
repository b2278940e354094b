package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"conductor.io/conductor/internal/pkg/logger"
)

// riverCancelGrace bounds how long in-flight jobs get to observe their
// cancelled context once the soft stop has run out of time.
const riverCancelGrace = 10 * time.Second

// Start starts River. Instance jobs and the reconcile loops run from here on.
func (a *Application) Start(ctx context.Context) error {
	if a.DB == nil || a.DB.RiverClient == nil {
		return nil
	}
	if err := a.DB.RiverClient.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	logger.Info("Conductor consuming jobs", a.driverFields()...)
	return nil
}

// Shutdown stops the conductor within ctx. River gets a soft stop first so
// running hypervisor workflows can finish; if ctx expires they are cancelled
// and their sagas roll back.
func (a *Application) Shutdown(ctx context.Context) {
	start := time.Now()
	logger.Info("Conductor shutting down", a.driverFields()...)

	if a.DB != nil && a.DB.RiverClient != nil {
		err := a.DB.RiverClient.Stop(ctx)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			logger.Warn("In-flight instance jobs did not finish, cancelling them", a.driverFields()...)
			cancelCtx, cancel := context.WithTimeout(context.Background(), riverCancelGrace)
			err = a.DB.RiverClient.StopAndCancel(cancelCtx)
			cancel()
		}
		if err != nil {
			logger.Error("Failed to stop river client", zap.Error(err))
		}
	}

	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(ctx); err != nil {
			logger.Warn("Module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	logger.Info("Conductor stopped", append(a.driverFields(), zap.Duration("took", time.Since(start)))...)
}

func (a *Application) driverFields() []zap.Field {
	if a.Config == nil {
		return nil
	}
	return []zap.Field{
		zap.String("hypervisor_driver", a.Config.Hypervisor.Driver),
		zap.String("hypervisor_host", a.Config.Hypervisor.Host),
	}
}
