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

// InstanceRescueArgs boots a rescue VM for an instance.
type InstanceRescueArgs struct {
	InstanceUUID string             `json:"instance_uuid"`
	Image        ImageArgs          `json:"image"`
	Network      domain.NetworkInfo `json:"network,omitempty"`
}

// Kind returns the job kind identifier for rescues.
func (InstanceRescueArgs) Kind() string { return "instance_rescue" }

// InsertOpts returns default insert options. A failed rescue spawn is rolled
// back and the original VM stays locked, so it is not retried blindly.
func (InstanceRescueArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueInstanceOperations,
		MaxAttempts: 1,
	}
}

// InstanceRescueWorker runs ComputeService.Rescue.
type InstanceRescueWorker struct {
	river.WorkerDefaults[InstanceRescueArgs]
	compute Compute
}

// NewInstanceRescueWorker creates an InstanceRescueWorker.
func NewInstanceRescueWorker(compute Compute) *InstanceRescueWorker {
	return &InstanceRescueWorker{compute: compute}
}

// Timeout overrides the client job timeout.
func (w *InstanceRescueWorker) Timeout(*river.Job[InstanceRescueArgs]) time.Duration {
	return instanceJobTimeout
}

// Work rescues the instance.
func (w *InstanceRescueWorker) Work(ctx context.Context, job *river.Job[InstanceRescueArgs]) error {
	if w == nil || w.compute == nil {
		return fmt.Errorf("instance rescue worker is not initialized")
	}
	logger.Info("Processing instance rescue",
		zap.String("instance_uuid", job.Args.InstanceUUID),
		zap.String("image_id", job.Args.Image.ID),
		zap.Int("attempt", job.Attempt),
	)
	err := w.compute.Rescue(ctx, service.RescueRequest{
		InstanceUUID: job.Args.InstanceUUID,
		Image:        job.Args.Image.Meta(),
		Network:      job.Args.Network,
	})
	if err != nil {
		return permanent(fmt.Errorf("rescue instance %s: %w", job.Args.InstanceUUID, err))
	}
	return nil
}

// InstanceUnrescueArgs leaves rescue mode.
type InstanceUnrescueArgs struct {
	InstanceUUID string `json:"instance_uuid"`
}

// Kind returns the job kind identifier for unrescues.
func (InstanceUnrescueArgs) Kind() string { return "instance_unrescue" }

// InsertOpts returns default insert options for unrescues.
func (InstanceUnrescueArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueInstanceOperations,
		MaxAttempts: 3,
	}
}

// InstanceUnrescueWorker runs ComputeService.Unrescue.
type InstanceUnrescueWorker struct {
	river.WorkerDefaults[InstanceUnrescueArgs]
	compute Compute
}

// NewInstanceUnrescueWorker creates an InstanceUnrescueWorker.
func NewInstanceUnrescueWorker(compute Compute) *InstanceUnrescueWorker {
	return &InstanceUnrescueWorker{compute: compute}
}

// Timeout overrides the client job timeout.
func (w *InstanceUnrescueWorker) Timeout(*river.Job[InstanceUnrescueArgs]) time.Duration {
	return instanceJobTimeout
}

// Work unrescues the instance.
func (w *InstanceUnrescueWorker) Work(ctx context.Context, job *river.Job[InstanceUnrescueArgs]) error {
	if w == nil || w.compute == nil {
		return fmt.Errorf("instance unrescue worker is not initialized")
	}
	logger.Info("Processing instance unrescue",
		zap.String("instance_uuid", job.Args.InstanceUUID),
		zap.Int("attempt", job.Attempt),
	)
	if err := w.compute.Unrescue(ctx, job.Args.InstanceUUID); err != nil {
		return permanent(fmt.Errorf("unrescue instance %s: %w", job.Args.InstanceUUID, err))
	}
	return nil
}

// InstanceSnapshotArgs uploads an instance snapshot as ImageID.
type InstanceSnapshotArgs struct {
	InstanceUUID string `json:"instance_uuid"`
	ImageID      string `json:"image_id"`
}

// Kind returns the job kind identifier for snapshots.
func (InstanceSnapshotArgs) Kind() string { return "instance_snapshot" }

// InsertOpts returns default insert options. The snapshot template is always
// destroyed, so a retry starts clean.
func (InstanceSnapshotArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueInstanceOperations,
		MaxAttempts: 3,
	}
}

// InstanceSnapshotWorker runs ComputeService.Snapshot.
type InstanceSnapshotWorker struct {
	river.WorkerDefaults[InstanceSnapshotArgs]
	compute Compute
}

// NewInstanceSnapshotWorker creates an InstanceSnapshotWorker.
func NewInstanceSnapshotWorker(compute Compute) *InstanceSnapshotWorker {
	return &InstanceSnapshotWorker{compute: compute}
}

// Timeout overrides the client job timeout.
func (w *InstanceSnapshotWorker) Timeout(*river.Job[InstanceSnapshotArgs]) time.Duration {
	return instanceJobTimeout
}

// Work snapshots the instance.
func (w *InstanceSnapshotWorker) Work(ctx context.Context, job *river.Job[InstanceSnapshotArgs]) error {
	if w == nil || w.compute == nil {
		return fmt.Errorf("instance snapshot worker is not initialized")
	}
	logger.Info("Processing instance snapshot",
		zap.String("instance_uuid", job.Args.InstanceUUID),
		zap.String("image_id", job.Args.ImageID),
		zap.Int("attempt", job.Attempt),
	)
	if err := w.compute.Snapshot(ctx, job.Args.InstanceUUID, job.Args.ImageID); err != nil {
		return permanent(fmt.Errorf("snapshot instance %s: %w", job.Args.InstanceUUID, err))
	}
	return nil
}
