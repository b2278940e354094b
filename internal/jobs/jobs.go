// Package jobs defines the River job types that drive instance workflows and
// the periodic reconciliation loops.
//
// Instance jobs carry everything a workflow needs that is not stored on the
// instance row, so a job can be executed by any replica.
//
// Import Path: conductor.io/conductor/internal/jobs
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/riverqueue/river"

	"conductor.io/conductor/internal/domain"
	apperrors "conductor.io/conductor/internal/pkg/errors"
	"conductor.io/conductor/internal/service"
)

// Queue names.
const (
	QueueInstanceOperations = "instance_operations"
	QueueReconcile          = "reconcile"
)

// Compute is the part of service.ComputeService the instance workers call.
type Compute interface {
	Spawn(ctx context.Context, req service.SpawnRequest) error
	Power(ctx context.Context, uuid string, op service.PowerOperation) error
	Destroy(ctx context.Context, uuid string, network domain.NetworkInfo) error

	Resize(ctx context.Context, req service.ResizeRequest) (*domain.Migration, error)
	FinishResize(ctx context.Context, req service.FinishResizeRequest) error
	ConfirmInstanceResize(ctx context.Context, uuid string) error
	RevertResize(ctx context.Context, uuid string) error

	Rescue(ctx context.Context, req service.RescueRequest) error
	Unrescue(ctx context.Context, uuid string) error
	Snapshot(ctx context.Context, uuid, imageID string) error
}

// Poller is implemented by reconcile.Loops.
type Poller interface {
	PollRebootingInstances(ctx context.Context, timeout time.Duration) error
	PollRescuedInstances(ctx context.Context, timeout time.Duration) error
	PollUnconfirmedResizes(ctx context.Context, window time.Duration) error
}

// Register adds every worker in this package to workers.
func Register(workers *river.Workers, compute Compute, loops Poller) error {
	if err := river.AddWorkerSafely(workers, NewInstanceSpawnWorker(compute)); err != nil {
		return err
	}
	if err := river.AddWorkerSafely(workers, NewInstancePowerWorker(compute)); err != nil {
		return err
	}
	if err := river.AddWorkerSafely(workers, NewInstanceDestroyWorker(compute)); err != nil {
		return err
	}
	if err := river.AddWorkerSafely(workers, NewInstanceResizeWorker(compute)); err != nil {
		return err
	}
	if err := river.AddWorkerSafely(workers, NewResizeConfirmWorker(compute)); err != nil {
		return err
	}
	if err := river.AddWorkerSafely(workers, NewResizeRevertWorker(compute)); err != nil {
		return err
	}
	if err := river.AddWorkerSafely(workers, NewInstanceRescueWorker(compute)); err != nil {
		return err
	}
	if err := river.AddWorkerSafely(workers, NewInstanceUnrescueWorker(compute)); err != nil {
		return err
	}
	if err := river.AddWorkerSafely(workers, NewInstanceSnapshotWorker(compute)); err != nil {
		return err
	}
	if err := river.AddWorkerSafely(workers, NewRebootPollWorker(loops)); err != nil {
		return err
	}
	if err := river.AddWorkerSafely(workers, NewRescuePollWorker(loops)); err != nil {
		return err
	}
	return river.AddWorkerSafely(workers, NewResizePollWorker(loops))
}

// Queues returns the queues this package inserts into, sized by maxWorkers.
func Queues(maxWorkers int) map[string]int {
	return map[string]int{
		QueueInstanceOperations: maxWorkers,
		QueueReconcile:          1,
	}
}

// permanent cancels jobs that can never succeed on retry.
func permanent(err error) error {
	if errors.Is(err, domain.ErrInstanceNotFound) ||
		errors.Is(err, domain.ErrMigrationNotFound) ||
		apperrors.HasCode(err, apperrors.CodeInstanceUnacceptable) ||
		apperrors.HasCode(err, apperrors.CodeInstanceRescued) ||
		apperrors.HasCode(err, apperrors.CodeInstanceNotRescued) ||
		apperrors.HasCode(err, apperrors.CodeValidationFailed) {
		return river.JobCancel(err)
	}
	return err
}
