// Package service provides the compute service: instance state transitions
// around the hypervisor workflows in vmops.
//
// Workflows only report progress; this layer owns vm_state and task_state so
// a workflow stays reusable from jobs, reconciliation and the operator API.
//
// Import Path: conductor.io/conductor/internal/service
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/hypervisor"
	apperrors "conductor.io/conductor/internal/pkg/errors"
	"conductor.io/conductor/internal/pkg/logger"
)

// Workflows is the subset of vmops.VMOps the compute service drives.
type Workflows interface {
	Spawn(ctx context.Context, inst *domain.Instance, image hypervisor.ImageMeta, network domain.NetworkInfo) error
	Reboot(ctx context.Context, inst *domain.Instance, rebootType domain.RebootType) error
	ConfirmMigration(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo) error
	Destroy(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo) error
	Pause(ctx context.Context, inst *domain.Instance) error
	Unpause(ctx context.Context, inst *domain.Instance) error
	Suspend(ctx context.Context, inst *domain.Instance) error
	Resume(ctx context.Context, inst *domain.Instance) error
	PowerOn(ctx context.Context, inst *domain.Instance) error
	PowerOff(ctx context.Context, inst *domain.Instance) error

	MigrateDiskAndPowerOff(ctx context.Context, inst *domain.Instance, dest string, newRootGB int) (domain.MigrationDisks, error)
	FinishMigration(ctx context.Context, inst *domain.Instance, disks domain.MigrationDisks,
		network domain.NetworkInfo, image hypervisor.ImageMeta, resize bool) error
	FinishRevertMigration(ctx context.Context, inst *domain.Instance) error

	Rescue(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo, image hypervisor.ImageMeta) error
	Unrescue(ctx context.Context, inst *domain.Instance) error
	Snapshot(ctx context.Context, inst *domain.Instance, imageID string) error
}

// Store extends Persistence with the lookups the compute service needs.
type Store interface {
	domain.Persistence
	CreateMigration(ctx context.Context, m *domain.Migration) error
	GetMigration(ctx context.Context, id string) (*domain.Migration, error)
	FinishedMigrationForInstance(ctx context.Context, instanceUUID string) (*domain.Migration, error)
	ClearAdminPass(ctx context.Context, uuid string) error
}

// ComputeService implements domain.ComputeAPI.
type ComputeService struct {
	ops   Workflows
	store Store
	host  string
}

var _ domain.ComputeAPI = (*ComputeService)(nil)

// Option configures a ComputeService.
type Option func(*ComputeService)

// WithHost sets the host name recorded as the source of migrations.
func WithHost(host string) Option {
	return func(s *ComputeService) { s.host = host }
}

// NewComputeService creates a ComputeService.
func NewComputeService(ops Workflows, store Store, opts ...Option) *ComputeService {
	s := &ComputeService{ops: ops, store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SpawnRequest carries what a spawn needs besides the stored instance.
type SpawnRequest struct {
	InstanceUUID string
	Image        hypervisor.ImageMeta
	Network      domain.NetworkInfo
}

// Spawn provisions a stored instance. An instance that is already active is
// left alone so a redelivered job is harmless.
func (s *ComputeService) Spawn(ctx context.Context, req SpawnRequest) error {
	inst, err := s.store.GetInstance(ctx, req.InstanceUUID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	log := logger.ForInstance(inst.UUID, inst.Name)
	if inst.VMState == domain.VMStateActive {
		log.Info("Instance already active, skipping spawn")
		return nil
	}
	if inst.VMState != domain.VMStateBuilding {
		return apperrors.ErrInstanceUnacceptablef(inst.UUID, fmt.Sprintf("cannot spawn from vm_state %q", inst.VMState))
	}

	s.setState(ctx, inst, domain.VMStateBuilding, domain.TaskStateSpawning, nil, log)

	if err := s.ops.Spawn(ctx, inst, req.Image, req.Network); err != nil {
		s.setState(ctx, inst, domain.VMStateError, domain.TaskStateNone, nil, log)
		return fmt.Errorf("spawn %s: %w", inst.UUID, err)
	}

	running := domain.PowerStateRunning
	s.setState(ctx, inst, domain.VMStateActive, domain.TaskStateNone, &running, log)
	if inst.AdminPass != "" {
		if err := s.store.ClearAdminPass(ctx, inst.UUID); err != nil {
			log.Warn("Failed to clear admin password", zap.Error(err))
		}
	}
	return nil
}

// Reboot reboots inst and returns it to active. The task state is reset
// whether or not the reboot succeeds so the reboot loop does not pick the
// instance up again immediately.
func (s *ComputeService) Reboot(ctx context.Context, inst *domain.Instance, rebootType domain.RebootType) error {
	log := logger.ForInstance(inst.UUID, inst.Name)
	task := domain.TaskStateRebooting
	if rebootType == domain.RebootHard {
		task = domain.TaskStateRebootingHard
	}
	s.setState(ctx, inst, inst.VMState, task, nil, log)

	err := s.ops.Reboot(ctx, inst, rebootType)
	if err != nil {
		s.setState(ctx, inst, inst.VMState, domain.TaskStateNone, nil, log)
		return fmt.Errorf("reboot %s: %w", inst.UUID, err)
	}

	running := domain.PowerStateRunning
	s.setState(ctx, inst, domain.VMStateActive, domain.TaskStateNone, &running, log)
	return nil
}

// ConfirmResize destroys the source VM of a finished resize and marks its
// migration confirmed.
func (s *ComputeService) ConfirmResize(ctx context.Context, inst *domain.Instance) error {
	log := logger.ForInstance(inst.UUID, inst.Name)

	m, err := s.store.FinishedMigrationForInstance(ctx, inst.UUID)
	if err != nil {
		return fmt.Errorf("find migration for %s: %w", inst.UUID, err)
	}

	if err := s.ops.ConfirmMigration(ctx, inst, m.Network); err != nil {
		return fmt.Errorf("confirm migration %s: %w", m.ID, err)
	}

	if err := s.store.UpdateMigration(ctx, m.ID, domain.MigrationStatusUpdate(domain.MigrationStatusConfirmed)); err != nil {
		return fmt.Errorf("mark migration %s confirmed: %w", m.ID, err)
	}
	s.setState(ctx, inst, domain.VMStateActive, domain.TaskStateNone, nil, log)
	log.Info("Resize confirmed", zap.String("migration_id", m.ID))
	return nil
}

// PowerOperation names a power transition accepted by Power.
type PowerOperation string

const (
	PowerPause    PowerOperation = "pause"
	PowerUnpause  PowerOperation = "unpause"
	PowerSuspend  PowerOperation = "suspend"
	PowerResume   PowerOperation = "resume"
	PowerOn       PowerOperation = "power_on"
	PowerOff      PowerOperation = "power_off"
	PowerReboot   PowerOperation = "reboot"
	PowerHardBoot PowerOperation = "reboot_hard"
)

type powerTransition struct {
	run     func(Workflows, context.Context, *domain.Instance) error
	vmState domain.VMState
	power   domain.PowerState
}

var powerTransitions = map[PowerOperation]powerTransition{
	PowerPause:   {Workflows.Pause, domain.VMStatePaused, domain.PowerStatePaused},
	PowerUnpause: {Workflows.Unpause, domain.VMStateActive, domain.PowerStateRunning},
	PowerSuspend: {Workflows.Suspend, domain.VMStateSuspended, domain.PowerStateSuspended},
	PowerResume:  {Workflows.Resume, domain.VMStateActive, domain.PowerStateRunning},
	PowerOn:      {Workflows.PowerOn, domain.VMStateActive, domain.PowerStateRunning},
	PowerOff:     {Workflows.PowerOff, domain.VMStateStopped, domain.PowerStateShutoff},
}

// ValidPowerOperation reports whether op is accepted by Power.
func ValidPowerOperation(op PowerOperation) bool {
	if op == PowerReboot || op == PowerHardBoot {
		return true
	}
	_, ok := powerTransitions[op]
	return ok
}

// Power applies a power operation to a stored instance.
func (s *ComputeService) Power(ctx context.Context, uuid string, op PowerOperation) error {
	inst, err := s.store.GetInstance(ctx, uuid)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	switch op {
	case PowerReboot:
		return s.Reboot(ctx, inst, domain.RebootSoft)
	case PowerHardBoot:
		return s.Reboot(ctx, inst, domain.RebootHard)
	}

	tr, ok := powerTransitions[op]
	if !ok {
		return apperrors.BadRequest(apperrors.CodeValidationFailed, fmt.Sprintf("unknown power operation %q", op))
	}
	log := logger.ForInstance(inst.UUID, inst.Name).With(zap.String("operation", string(op)))
	if err := tr.run(s.ops, ctx, inst); err != nil {
		return fmt.Errorf("%s %s: %w", op, inst.UUID, err)
	}
	power := tr.power
	s.setState(ctx, inst, tr.vmState, domain.TaskStateNone, &power, log)
	return nil
}

// Destroy tears down a stored instance and marks it deleted. A missing
// instance record is treated as already destroyed.
func (s *ComputeService) Destroy(ctx context.Context, uuid string, network domain.NetworkInfo) error {
	inst, err := s.store.GetInstance(ctx, uuid)
	if errors.Is(err, domain.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	log := logger.ForInstance(inst.UUID, inst.Name)
	if inst.VMState == domain.VMStateDeleted {
		log.Info("Instance already deleted")
		return nil
	}
	if err := s.ops.Destroy(ctx, inst, network); err != nil {
		s.setState(ctx, inst, domain.VMStateError, domain.TaskStateNone, nil, log)
		return fmt.Errorf("destroy %s: %w", inst.UUID, err)
	}
	shutoff := domain.PowerStateShutoff
	s.setState(ctx, inst, domain.VMStateDeleted, domain.TaskStateNone, &shutoff, log)
	return nil
}

// setRootGB persists a new root disk size and mirrors it on inst.
func (s *ComputeService) setRootGB(ctx context.Context, inst *domain.Instance, rootGB int, log *zap.Logger) {
	if err := s.store.UpdateInstance(ctx, inst.UUID, domain.InstanceUpdate{RootGB: &rootGB}); err != nil {
		log.Error("Failed to update root disk size", zap.Int("root_gb", rootGB), zap.Error(err))
		return
	}
	inst.RootGB = rootGB
}

// setState persists the transition and mirrors it on inst. Failures are
// logged; the hypervisor state already changed and is authoritative.
func (s *ComputeService) setState(ctx context.Context, inst *domain.Instance, vmState domain.VMState, task domain.TaskState, power *domain.PowerState, log *zap.Logger) {
	update := domain.InstanceUpdate{VMState: &vmState, TaskState: &task, PowerState: power}
	if err := s.store.UpdateInstance(ctx, inst.UUID, update); err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			log.Warn("Instance vanished during state update", zap.Error(err))
		} else {
			log.Error("Failed to update instance state",
				zap.String("vm_state", string(vmState)),
				zap.String("task_state", string(task)),
				zap.Error(err),
			)
		}
		return
	}
	inst.VMState = vmState
	inst.TaskState = task
	if power != nil {
		inst.PowerState = *power
	}
}
