package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"conductor.io/conductor/internal/domain"
)

// ResizePoller confirms resizes left unconfirmed past the confirmation window.
type ResizePoller struct {
	store   domain.Persistence
	compute domain.ComputeAPI
	opts    options
}

// NewResizePoller creates a ResizePoller.
func NewResizePoller(store domain.Persistence, compute domain.ComputeAPI, opts ...Option) *ResizePoller {
	return &ResizePoller{store: store, compute: compute, opts: newOptions(LoopUnconfirmedResizes, opts)}
}

// Poll confirms every finished migration older than window. Migrations whose
// instance is gone, errored or no longer awaiting confirmation are marked as
// errored instead. Confirmation failures are retried on the next scan.
func (p *ResizePoller) Poll(ctx context.Context, window time.Duration) error {
	migrations, err := p.store.ListUnconfirmedMigrations(ctx, window)
	if err != nil {
		return fmt.Errorf("list unconfirmed migrations: %w", err)
	}
	if len(migrations) > 0 {
		p.opts.log.Info("Found unconfirmed migrations",
			zap.Int("migration_count", len(migrations)),
			zap.Duration("confirm_window", window),
		)
	}

	for _, m := range migrations {
		// Confirming can be slow; let other goroutines run between items.
		runtime.Gosched()
		if err := ctx.Err(); err != nil {
			return err
		}
		p.confirm(ctx, m)
	}
	return nil
}

func (p *ResizePoller) confirm(ctx context.Context, m *domain.Migration) {
	log := p.opts.log.With(
		zap.String("migration_id", m.ID),
		zap.String("instance_uuid", m.InstanceUUID),
	)
	log.Info("Automatically confirming migration")

	inst, err := p.store.GetInstance(ctx, m.InstanceUUID)
	switch {
	case errors.Is(err, domain.ErrInstanceNotFound):
		p.setError(ctx, m, "instance not found", log)
		return
	case err != nil:
		log.Error("Failed to load instance", zap.Error(err))
		p.opts.acted(LoopUnconfirmedResizes, "confirm", err)
		return
	}

	if inst.VMState == domain.VMStateError {
		p.setError(ctx, m, "in error state", log)
		return
	}
	if inst.TaskState != domain.TaskStateResizeVerify {
		p.setError(ctx, m, fmt.Sprintf("in %q task state, not %q", inst.TaskState, domain.TaskStateResizeVerify), log)
		return
	}

	err = p.compute.ConfirmResize(ctx, inst)
	if err != nil {
		log.Error("Error auto-confirming resize, will retry later", zap.Error(err))
	}
	p.opts.acted(LoopUnconfirmedResizes, "confirm", err)
}

func (p *ResizePoller) setError(ctx context.Context, m *domain.Migration, reason string, log *zap.Logger) {
	log.Warn("Setting migration to error", zap.String("reason", reason))
	err := p.store.UpdateMigration(ctx, m.ID, domain.MigrationStatusUpdate(domain.MigrationStatusError))
	if err != nil {
		log.Error("Failed to update migration", zap.Error(err))
	}
	p.opts.acted(LoopUnconfirmedResizes, "set_error", err)
}
