package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/hypervisor"
	apperrors "conductor.io/conductor/internal/pkg/errors"
	"conductor.io/conductor/internal/pkg/logger"
)

// RescueRequest boots a rescue VM for an instance from Image.
type RescueRequest struct {
	InstanceUUID string
	Image        hypervisor.ImageMeta
	Network      domain.NetworkInfo
}

// Rescue boots a rescue VM with the instance's disks attached. The original
// VM stays shut down and boot-locked until Unrescue.
func (s *ComputeService) Rescue(ctx context.Context, req RescueRequest) error {
	inst, err := s.store.GetInstance(ctx, req.InstanceUUID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	log := logger.ForInstance(inst.UUID, inst.Name)
	if inst.VMState != domain.VMStateActive && inst.VMState != domain.VMStateStopped {
		return apperrors.ErrInstanceUnacceptablef(inst.UUID, fmt.Sprintf("cannot rescue from vm_state %q", inst.VMState))
	}

	s.setState(ctx, inst, inst.VMState, domain.TaskStateRescuing, nil, log)
	if err := s.ops.Rescue(ctx, inst, req.Network, req.Image); err != nil {
		s.setState(ctx, inst, inst.VMState, domain.TaskStateNone, nil, log)
		return fmt.Errorf("rescue %s: %w", inst.UUID, err)
	}

	running := domain.PowerStateRunning
	s.setState(ctx, inst, domain.VMStateRescued, domain.TaskStateNone, &running, log)
	return nil
}

// Unrescue destroys the rescue VM and restarts the original.
func (s *ComputeService) Unrescue(ctx context.Context, uuid string) error {
	inst, err := s.store.GetInstance(ctx, uuid)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	log := logger.ForInstance(inst.UUID, inst.Name)
	if inst.VMState != domain.VMStateRescued {
		return apperrors.ErrInstanceUnacceptablef(inst.UUID, fmt.Sprintf("cannot unrescue from vm_state %q", inst.VMState))
	}

	s.setState(ctx, inst, inst.VMState, domain.TaskStateUnrescuing, nil, log)
	if err := s.ops.Unrescue(ctx, inst); err != nil {
		s.setState(ctx, inst, inst.VMState, domain.TaskStateNone, nil, log)
		return fmt.Errorf("unrescue %s: %w", inst.UUID, err)
	}

	running := domain.PowerStateRunning
	s.setState(ctx, inst, domain.VMStateActive, domain.TaskStateNone, &running, log)
	return nil
}

// Snapshot uploads the instance's disks as imageID. The vm_state is never
// changed; the task state is cleared whether or not the upload succeeds.
func (s *ComputeService) Snapshot(ctx context.Context, uuid, imageID string) error {
	inst, err := s.store.GetInstance(ctx, uuid)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	log := logger.ForInstance(inst.UUID, inst.Name).With(zap.String("image_id", imageID))
	if imageID == "" {
		return apperrors.BadRequest(apperrors.CodeValidationFailed, "image_id is required")
	}

	s.setState(ctx, inst, inst.VMState, domain.TaskStateImageSnapshot, nil, log)
	err = s.ops.Snapshot(ctx, inst, imageID)
	s.setState(ctx, inst, inst.VMState, domain.TaskStateNone, nil, log)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", inst.UUID, err)
	}
	log.Info("Snapshot uploaded")
	return nil
}
