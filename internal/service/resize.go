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

// ResizeRequest moves an instance to DestHost, optionally with a new root
// disk size. A NewRootGB of zero keeps the current size.
type ResizeRequest struct {
	InstanceUUID string
	DestHost     string
	NewRootGB    int
	Network      domain.NetworkInfo
}

// Resize records a migration, ships the instance's disks to the destination
// and powers the source VM off. The returned migration carries the shipped
// disk chain for FinishResize.
func (s *ComputeService) Resize(ctx context.Context, req ResizeRequest) (*domain.Migration, error) {
	inst, err := s.store.GetInstance(ctx, req.InstanceUUID)
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	log := logger.ForInstance(inst.UUID, inst.Name).With(zap.String("dest_host", req.DestHost))
	if inst.VMState != domain.VMStateActive && inst.VMState != domain.VMStateStopped {
		return nil, apperrors.ErrInstanceUnacceptablef(inst.UUID, fmt.Sprintf("cannot resize from vm_state %q", inst.VMState))
	}
	if req.NewRootGB < 0 {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, "new_root_gb must not be negative")
	}

	m := &domain.Migration{
		InstanceUUID: inst.UUID,
		SourceHost:   s.host,
		DestHost:     req.DestHost,
		OldRootGB:    inst.RootGB,
		NewRootGB:    req.NewRootGB,
		Network:      req.Network,
	}
	if err := s.store.CreateMigration(ctx, m); err != nil {
		return nil, fmt.Errorf("record migration for %s: %w", inst.UUID, err)
	}
	log = log.With(zap.String("migration_id", m.ID))

	s.setState(ctx, inst, inst.VMState, domain.TaskStateResizeMigrating, nil, log)
	disks, err := s.ops.MigrateDiskAndPowerOff(ctx, inst, req.DestHost, req.NewRootGB)
	if err != nil {
		s.setMigrationStatus(ctx, m, domain.MigrationStatusError, log)
		s.setState(ctx, inst, domain.VMStateError, domain.TaskStateNone, nil, log)
		return nil, fmt.Errorf("migrate disks of %s: %w", inst.UUID, err)
	}

	if err := s.store.UpdateMigration(ctx, m.ID, domain.MigrationUpdate{Disks: &disks}); err != nil {
		return nil, fmt.Errorf("record disks of migration %s: %w", m.ID, err)
	}
	m.Disks = disks
	s.setState(ctx, inst, inst.VMState, domain.TaskStateResizeFinish, nil, log)
	log.Info("Disks sent to destination")
	return m, nil
}

// FinishResizeRequest completes a migration on the destination.
type FinishResizeRequest struct {
	MigrationID string
	Image       hypervisor.ImageMeta
}

// FinishResize creates and starts the instance from the shipped disks and
// leaves it in resize_verify until the resize is confirmed or reverted.
// A migration that already finished is left alone.
func (s *ComputeService) FinishResize(ctx context.Context, req FinishResizeRequest) error {
	m, err := s.store.GetMigration(ctx, req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	inst, err := s.store.GetInstance(ctx, m.InstanceUUID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	log := logger.ForInstance(inst.UUID, inst.Name).With(zap.String("migration_id", m.ID))

	switch {
	case m.Status == domain.MigrationStatusFinished:
		log.Info("Migration already finished")
		return nil
	case m.Status != domain.MigrationStatusMigrating:
		return apperrors.ErrInstanceUnacceptablef(inst.UUID, fmt.Sprintf("migration %s is %s", m.ID, m.Status))
	case m.Disks.BaseCopyUUID == "":
		return apperrors.ErrInstanceUnacceptablef(inst.UUID, fmt.Sprintf("migration %s has no disks yet", m.ID))
	}

	grow := m.NewRootGB > m.OldRootGB
	if m.NewRootGB > 0 {
		inst.RootGB = m.NewRootGB
	}

	if err := s.ops.FinishMigration(ctx, inst, m.Disks, m.Network, req.Image, grow); err != nil {
		s.setMigrationStatus(ctx, m, domain.MigrationStatusError, log)
		s.setState(ctx, inst, domain.VMStateError, domain.TaskStateNone, nil, log)
		return fmt.Errorf("finish migration %s: %w", m.ID, err)
	}

	if m.NewRootGB > 0 {
		s.setRootGB(ctx, inst, m.NewRootGB, log)
	}
	s.setMigrationStatus(ctx, m, domain.MigrationStatusFinished, log)
	running := domain.PowerStateRunning
	s.setState(ctx, inst, domain.VMStateResized, domain.TaskStateResizeVerify, &running, log)
	log.Info("Resize finished, awaiting confirmation")
	return nil
}

// RevertResize tears down the resized instance and restarts the source VM
// kept under its "-orig" name.
func (s *ComputeService) RevertResize(ctx context.Context, uuid string) error {
	inst, err := s.store.GetInstance(ctx, uuid)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	m, err := s.store.FinishedMigrationForInstance(ctx, inst.UUID)
	if err != nil {
		return fmt.Errorf("find migration for %s: %w", inst.UUID, err)
	}
	log := logger.ForInstance(inst.UUID, inst.Name).With(zap.String("migration_id", m.ID))

	s.setState(ctx, inst, inst.VMState, domain.TaskStateResizeReverting, nil, log)
	if err := s.ops.Destroy(ctx, inst, m.Network); err != nil {
		s.setState(ctx, inst, domain.VMStateError, domain.TaskStateNone, nil, log)
		return fmt.Errorf("destroy resized instance %s: %w", inst.UUID, err)
	}
	if err := s.ops.FinishRevertMigration(ctx, inst); err != nil {
		s.setState(ctx, inst, domain.VMStateError, domain.TaskStateNone, nil, log)
		return fmt.Errorf("revert migration %s: %w", m.ID, err)
	}

	if m.OldRootGB != inst.RootGB {
		s.setRootGB(ctx, inst, m.OldRootGB, log)
	}
	s.setMigrationStatus(ctx, m, domain.MigrationStatusReverted, log)
	running := domain.PowerStateRunning
	s.setState(ctx, inst, domain.VMStateActive, domain.TaskStateNone, &running, log)
	log.Info("Resize reverted")
	return nil
}

func (s *ComputeService) setMigrationStatus(ctx context.Context, m *domain.Migration, status domain.MigrationStatus, log *zap.Logger) {
	if err := s.store.UpdateMigration(ctx, m.ID, domain.MigrationStatusUpdate(status)); err != nil {
		log.Error("Failed to update migration status", zap.String("status", string(status)), zap.Error(err))
		return
	}
	m.Status = status
}

// ConfirmInstanceResize loads the instance and confirms its finished resize.
func (s *ComputeService) ConfirmInstanceResize(ctx context.Context, uuid string) error {
	inst, err := s.store.GetInstance(ctx, uuid)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	return s.ConfirmResize(ctx, inst)
}
