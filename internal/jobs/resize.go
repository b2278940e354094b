package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/pkg/logger"
	"conductor.io/conductor/internal/service"
)

// InstanceResizeArgs moves an instance's disks to DestHost and finishes the
// migration there. The conductor drives both ends through the same driver
// session, so one job runs both phases.
type InstanceResizeArgs struct {
	InstanceUUID string             `json:"instance_uuid"`
	DestHost     string             `json:"dest_host"`
	NewRootGB    int                `json:"new_root_gb,omitempty"`
	Image        ImageArgs          `json:"image"`
	Network      domain.NetworkInfo `json:"network,omitempty"`
}

// Kind returns the job kind identifier for resizes.
func (InstanceResizeArgs) Kind() string { return "instance_resize" }

// InsertOpts returns default insert options. A failed resize leaves the
// instance in the error state for an operator to revert, so it is never retried.
func (InstanceResizeArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueInstanceOperations,
		MaxAttempts: 1,
	}
}

// InstanceResizeWorker runs ComputeService.Resize then FinishResize.
type InstanceResizeWorker struct {
	river.WorkerDefaults[InstanceResizeArgs]
	compute Compute
}

// NewInstanceResizeWorker creates an InstanceResizeWorker.
func NewInstanceResizeWorker(compute Compute) *InstanceResizeWorker {
	return &InstanceResizeWorker{compute: compute}
}

// Timeout overrides the client job timeout.
func (w *InstanceResizeWorker) Timeout(*river.Job[InstanceResizeArgs]) time.Duration {
	return instanceJobTimeout
}

// Work resizes the instance.
func (w *InstanceResizeWorker) Work(ctx context.Context, job *river.Job[InstanceResizeArgs]) error {
	if w == nil || w.compute == nil {
		return fmt.Errorf("instance resize worker is not initialized")
	}
	logger.Info("Processing instance resize",
		zap.String("instance_uuid", job.Args.InstanceUUID),
		zap.String("dest_host", job.Args.DestHost),
		zap.Int("new_root_gb", job.Args.NewRootGB),
		zap.Int("attempt", job.Attempt),
	)
	m, err := w.compute.Resize(ctx, service.ResizeRequest{
		InstanceUUID: job.Args.InstanceUUID,
		DestHost:     job.Args.DestHost,
		NewRootGB:    job.Args.NewRootGB,
		Network:      job.Args.Network,
	})
	if err != nil {
		return permanent(fmt.Errorf("resize instance %s: %w", job.Args.InstanceUUID, err))
	}
	err = w.compute.FinishResize(ctx, service.FinishResizeRequest{
		MigrationID: m.ID,
		Image:       job.Args.Image.Meta(),
	})
	if err != nil {
		return permanent(fmt.Errorf("finish resize of %s: %w", job.Args.InstanceUUID, err))
	}
	return nil
}

// ResizeConfirmArgs confirms a finished resize.
type ResizeConfirmArgs struct {
	InstanceUUID string `json:"instance_uuid"`
}

// Kind returns the job kind identifier for resize confirmations.
func (ResizeConfirmArgs) Kind() string { return "instance_resize_confirm" }

// InsertOpts returns default insert options for resize confirmations.
func (ResizeConfirmArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueInstanceOperations,
		MaxAttempts: 3,
	}
}

// ResizeConfirmWorker runs ComputeService.ConfirmInstanceResize.
type ResizeConfirmWorker struct {
	river.WorkerDefaults[ResizeConfirmArgs]
	compute Compute
}

// NewResizeConfirmWorker creates a ResizeConfirmWorker.
func NewResizeConfirmWorker(compute Compute) *ResizeConfirmWorker {
	return &ResizeConfirmWorker{compute: compute}
}

// Timeout overrides the client job timeout.
func (w *ResizeConfirmWorker) Timeout(*river.Job[ResizeConfirmArgs]) time.Duration {
	return instanceJobTimeout
}

// Work confirms the resize.
func (w *ResizeConfirmWorker) Work(ctx context.Context, job *river.Job[ResizeConfirmArgs]) error {
	if w == nil || w.compute == nil {
		return fmt.Errorf("resize confirm worker is not initialized")
	}
	logger.Info("Processing resize confirmation",
		zap.String("instance_uuid", job.Args.InstanceUUID),
		zap.Int("attempt", job.Attempt),
	)
	if err := w.compute.ConfirmInstanceResize(ctx, job.Args.InstanceUUID); err != nil {
		return permanent(fmt.Errorf("confirm resize of %s: %w", job.Args.InstanceUUID, err))
	}
	return nil
}

// ResizeRevertArgs reverts a finished resize.
type ResizeRevertArgs struct {
	InstanceUUID string `json:"instance_uuid"`
}

// Kind returns the job kind identifier for resize reverts.
func (ResizeRevertArgs) Kind() string { return "instance_resize_revert" }

// InsertOpts returns default insert options. A half-reverted instance is
// left in the error state, so reverts are not retried.
func (ResizeRevertArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueInstanceOperations,
		MaxAttempts: 1,
	}
}

// ResizeRevertWorker runs ComputeService.RevertResize.
type ResizeRevertWorker struct {
	river.WorkerDefaults[ResizeRevertArgs]
	compute Compute
}

// NewResizeRevertWorker creates a ResizeRevertWorker.
func NewResizeRevertWorker(compute Compute) *ResizeRevertWorker {
	return &ResizeRevertWorker{compute: compute}
}

// Timeout overrides the client job timeout.
func (w *ResizeRevertWorker) Timeout(*river.Job[ResizeRevertArgs]) time.Duration {
	return instanceJobTimeout
}

// Work reverts the resize.
func (w *ResizeRevertWorker) Work(ctx context.Context, job *river.Job[ResizeRevertArgs]) error {
	if w == nil || w.compute == nil {
		return fmt.Errorf("resize revert worker is not initialized")
	}
	logger.Info("Processing resize revert",
		zap.String("instance_uuid", job.Args.InstanceUUID),
		zap.Int("attempt", job.Attempt),
	)
	if err := w.compute.RevertResize(ctx, job.Args.InstanceUUID); err != nil {
		return permanent(fmt.Errorf("revert resize of %s: %w", job.Args.InstanceUUID, err))
	}
	return nil
}
