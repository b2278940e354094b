package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/hypervisor"
	"conductor.io/conductor/internal/pkg/logger"
	"conductor.io/conductor/internal/service"
)

// Spawns wait on guest boot and agent upgrades; the River default of one
// minute is too short.
const instanceJobTimeout = 30 * time.Minute

// ImageArgs is the serialized form of hypervisor.ImageMeta.
type ImageArgs struct {
	ID              string            `json:"id"`
	DiskFormat      string            `json:"disk_format,omitempty"`
	ContainerFormat string            `json:"container_format,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
}

// Meta converts the args to the hypervisor type.
func (a ImageArgs) Meta() hypervisor.ImageMeta {
	return hypervisor.ImageMeta{
		ID:              a.ID,
		DiskFormat:      a.DiskFormat,
		ContainerFormat: a.ContainerFormat,
		Properties:      a.Properties,
	}
}

// InstanceSpawnArgs provisions a stored instance in the building state.
type InstanceSpawnArgs struct {
	InstanceUUID string             `json:"instance_uuid"`
	Image        ImageArgs          `json:"image"`
	Network      domain.NetworkInfo `json:"network,omitempty"`
}

// Kind returns the job kind identifier for instance spawns.
func (InstanceSpawnArgs) Kind() string { return "instance_spawn" }

// InsertOpts returns default insert options. A failed spawn leaves the
// instance in the error state, so it is never retried.
func (InstanceSpawnArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueInstanceOperations,
		MaxAttempts: 1,
	}
}

// InstanceSpawnWorker runs ComputeService.Spawn.
type InstanceSpawnWorker struct {
	river.WorkerDefaults[InstanceSpawnArgs]
	compute Compute
}

// NewInstanceSpawnWorker creates an InstanceSpawnWorker.
func NewInstanceSpawnWorker(compute Compute) *InstanceSpawnWorker {
	return &InstanceSpawnWorker{compute: compute}
}

// Timeout overrides the client job timeout.
func (w *InstanceSpawnWorker) Timeout(*river.Job[InstanceSpawnArgs]) time.Duration {
	return instanceJobTimeout
}

// Work spawns the instance.
func (w *InstanceSpawnWorker) Work(ctx context.Context, job *river.Job[InstanceSpawnArgs]) error {
	if w == nil || w.compute == nil {
		return fmt.Errorf("instance spawn worker is not initialized")
	}
	logger.Info("Processing instance spawn",
		zap.String("instance_uuid", job.Args.InstanceUUID),
		zap.String("image_id", job.Args.Image.ID),
		zap.Int("attempt", job.Attempt),
	)
	err := w.compute.Spawn(ctx, service.SpawnRequest{
		InstanceUUID: job.Args.InstanceUUID,
		Image:        job.Args.Image.Meta(),
		Network:      job.Args.Network,
	})
	if err != nil {
		return permanent(fmt.Errorf("spawn instance %s: %w", job.Args.InstanceUUID, err))
	}
	return nil
}

// InstancePowerArgs applies a power operation to an instance.
type InstancePowerArgs struct {
	InstanceUUID string `json:"instance_uuid"`
	Operation    string `json:"operation"`
}

// Kind returns the job kind identifier for power operations.
func (InstancePowerArgs) Kind() string { return "instance_power" }

// InsertOpts returns default insert options for power jobs.
func (InstancePowerArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueInstanceOperations,
		MaxAttempts: 3,
	}
}

// InstancePowerWorker runs ComputeService.Power.
type InstancePowerWorker struct {
	river.WorkerDefaults[InstancePowerArgs]
	compute Compute
}

// NewInstancePowerWorker creates an InstancePowerWorker.
func NewInstancePowerWorker(compute Compute) *InstancePowerWorker {
	return &InstancePowerWorker{compute: compute}
}

// Timeout overrides the client job timeout.
func (w *InstancePowerWorker) Timeout(*river.Job[InstancePowerArgs]) time.Duration {
	return instanceJobTimeout
}

// Work applies the power operation.
func (w *InstancePowerWorker) Work(ctx context.Context, job *river.Job[InstancePowerArgs]) error {
	if w == nil || w.compute == nil {
		return fmt.Errorf("instance power worker is not initialized")
	}
	op := service.PowerOperation(job.Args.Operation)
	if !service.ValidPowerOperation(op) {
		return river.JobCancel(fmt.Errorf("unknown power operation: %s", job.Args.Operation))
	}
	logger.Info("Processing instance power operation",
		zap.String("instance_uuid", job.Args.InstanceUUID),
		zap.String("operation", job.Args.Operation),
		zap.Int("attempt", job.Attempt),
	)
	if err := w.compute.Power(ctx, job.Args.InstanceUUID, op); err != nil {
		return permanent(fmt.Errorf("%s instance %s: %w", op, job.Args.InstanceUUID, err))
	}
	return nil
}

// InstanceDestroyArgs tears down an instance.
type InstanceDestroyArgs struct {
	InstanceUUID string             `json:"instance_uuid"`
	Network      domain.NetworkInfo `json:"network,omitempty"`
}

// Kind returns the job kind identifier for instance destroys.
func (InstanceDestroyArgs) Kind() string { return "instance_destroy" }

// InsertOpts returns default insert options. Destroy is idempotent and safe to retry.
func (InstanceDestroyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueInstanceOperations,
		MaxAttempts: 5,
	}
}

// InstanceDestroyWorker runs ComputeService.Destroy.
type InstanceDestroyWorker struct {
	river.WorkerDefaults[InstanceDestroyArgs]
	compute Compute
}

// NewInstanceDestroyWorker creates an InstanceDestroyWorker.
func NewInstanceDestroyWorker(compute Compute) *InstanceDestroyWorker {
	return &InstanceDestroyWorker{compute: compute}
}

// Timeout overrides the client job timeout.
func (w *InstanceDestroyWorker) Timeout(*river.Job[InstanceDestroyArgs]) time.Duration {
	return instanceJobTimeout
}

// Work destroys the instance.
func (w *InstanceDestroyWorker) Work(ctx context.Context, job *river.Job[InstanceDestroyArgs]) error {
	if w == nil || w.compute == nil {
		return fmt.Errorf("instance destroy worker is not initialized")
	}
	logger.Info("Processing instance destroy",
		zap.String("instance_uuid", job.Args.InstanceUUID),
		zap.Int("attempt", job.Attempt),
	)
	if err := w.compute.Destroy(ctx, job.Args.InstanceUUID, job.Args.Network); err != nil {
		return fmt.Errorf("destroy instance %s: %w", job.Args.InstanceUUID, err)
	}
	return nil
}
