package vmops

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/hypervisor"
	apperrors "conductor.io/conductor/internal/pkg/errors"
	"conductor.io/conductor/internal/pkg/logger"
)

// ResizeTotalSteps is the fixed checkpoint scale of a resize. The source host
// reports checkpoints 0 to 4 and the destination reports 5.
const ResizeTotalSteps = 5

func (o *VMOps) updateProgress(ctx context.Context, inst *domain.Instance, step int, log *zap.Logger) {
	progress := int(math.Round(float64(step) / ResizeTotalSteps * 100))
	log.Debug("Updating progress", zap.Int("progress", progress))
	if err := o.store.UpdateInstance(ctx, inst.UUID, domain.ProgressUpdate(progress)); err != nil {
		log.Warn("Failed to persist progress", zap.Int("progress", progress), zap.Error(err))
		return
	}
	inst.Progress = progress
}

// MigrateDiskAndPowerOff ships the instance's disks to dest and powers the
// source VM off. When the root disk shrinks it is resized before the
// transfer; otherwise the immutable base copy is sent while the VM is still
// running and only the delta is sent after shutdown. The source VM is kept
// under "<name>-orig" until the resize is confirmed or reverted. A newRootGB
// of zero leaves the root size unspecified and takes the grow path.
func (o *VMOps) MigrateDiskAndPowerOff(ctx context.Context, inst *domain.Instance, dest string, newRootGB int) (domain.MigrationDisks, error) {
	log := logger.ForWorkflow("migrate", inst.UUID, inst.Name)
	var disks domain.MigrationDisks

	o.updateProgress(ctx, inst, 0, log)

	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return disks, err
	}

	template, snapshotUUIDs, err := o.createSnapshot(ctx, inst, vm, log)
	if err != nil {
		return disks, err
	}
	defer func() {
		cctx := context.WithoutCancel(ctx)
		if derr := o.destroyVM(cctx, inst, template, nil, destroyOpts{}); derr != nil {
			log.Error("Failed to destroy migration snapshot", zap.Error(derr))
		}
	}()
	o.updateProgress(ctx, inst, 1, log)

	baseCopyUUID := snapshotUUIDs["image"]
	vdi, vdiRec, err := o.disks.GetVDIForVMSafely(ctx, vm)
	if err != nil {
		return disks, err
	}
	cowUUID := vdiRec.UUID

	srPath, err := o.disks.GetSRPath(ctx)
	if err != nil {
		return disks, err
	}

	if newRootGB > 0 && inst.AutoDiskConfig && inst.RootGB > newRootGB {
		log.Debug("Resizing down VDI",
			zap.String("vdi_uuid", cowUUID),
			zap.Int("old_gb", inst.RootGB),
			zap.Int("new_gb", newRootGB),
		)

		o.shutdown(ctx, inst, vm, false, log)
		o.updateProgress(ctx, inst, 2, log)

		newRef, newUUID, err := o.disks.ResizeDisk(ctx, vdi, newRootGB)
		if err != nil {
			return disks, err
		}
		o.updateProgress(ctx, inst, 3, log)

		if err := o.migrateVHD(ctx, inst, newUUID, dest, srPath); err != nil {
			return disks, err
		}
		o.updateProgress(ctx, inst, 4, log)

		if err := o.disks.DestroyVDI(ctx, newRef); err != nil {
			log.Warn("Failed to destroy resized copy", zap.String("vdi_uuid", newUUID), zap.Error(err))
		}
		disks = domain.MigrationDisks{BaseCopyUUID: newUUID}
	} else {
		if err := o.migrateVHD(ctx, inst, baseCopyUUID, dest, srPath); err != nil {
			return disks, err
		}
		o.updateProgress(ctx, inst, 2, log)

		o.shutdown(ctx, inst, vm, false, log)
		o.updateProgress(ctx, inst, 3, log)

		if err := o.migrateVHD(ctx, inst, cowUUID, dest, srPath); err != nil {
			return disks, err
		}
		o.updateProgress(ctx, inst, 4, log)

		disks = domain.MigrationDisks{BaseCopyUUID: baseCopyUUID, CowUUID: cowUUID}
	}
	disks.Dest = dest
	disks.SRPath = srPath

	// Source and destination may be the same host; the suffix keeps both
	// records addressable until confirm or revert.
	if err := o.session.SetVMNameLabel(ctx, vm, inst.OrigName()); err != nil {
		return disks, err
	}

	o.dispatch(ctx, domain.EventMigrationSent, inst, "migrate", nil)
	return disks, nil
}

// migrateVHD asks the control domain to copy one VHD to dest.
func (o *VMOps) migrateVHD(ctx context.Context, inst *domain.Instance, vdiUUID, dest, srPath string) error {
	params, err := json.Marshal(map[string]string{
		"host":          dest,
		"vdi_uuid":      vdiUUID,
		"instance_uuid": inst.UUID,
		"sr_path":       srPath,
	})
	if err != nil {
		return err
	}
	if _, err := o.session.CallPlugin(ctx, "migration", "transfer_vhd", map[string]string{"params": string(params)}); err != nil {
		return apperrors.ErrMigrationf(err, "Failed to transfer vhd to new host")
	}
	return nil
}

// FinishMigration runs on the destination: it relinks the received disks
// under fresh uuids, optionally grows the root disk, then creates and starts
// the VM.
func (o *VMOps) FinishMigration(ctx context.Context, inst *domain.Instance, disks domain.MigrationDisks,
	network domain.NetworkInfo, image hypervisor.ImageMeta, resize bool) error {
	log := logger.ForWorkflow("finish_migration", inst.UUID, inst.Name)

	vdiUUID, err := o.moveDisks(ctx, inst, disks)
	if err != nil {
		return err
	}

	if resize {
		if err := o.resizeInstance(ctx, inst, vdiUUID, log); err != nil {
			return err
		}
	}

	vm, err := o.createVM(ctx, inst, []domain.DiskInfo{{Type: domain.DiskTypeRoot, UUID: vdiUUID}},
		network, image, domain.KernelRamdisk{}, log)
	if err != nil {
		return err
	}

	if err := o.start(ctx, inst, vm); err != nil {
		return err
	}
	o.updateProgress(ctx, inst, ResizeTotalSteps, log)

	o.dispatch(ctx, domain.EventMigrationFinished, inst, "finish_migration", nil)
	return nil
}

// moveDisks links the received VHDs into the default SR under fresh uuids
// and returns the uuid of the new root disk.
func (o *VMOps) moveDisks(ctx context.Context, inst *domain.Instance, disks domain.MigrationDisks) (string, error) {
	srPath, err := o.disks.GetSRPath(ctx)
	if err != nil {
		return "", err
	}

	newBaseCopyUUID := uuid.NewString()
	params := map[string]string{
		"instance_uuid":      inst.UUID,
		"sr_path":            srPath,
		"old_base_copy_uuid": disks.BaseCopyUUID,
		"new_base_copy_uuid": newBaseCopyUUID,
	}

	newUUID := newBaseCopyUUID
	if disks.HasCow() {
		newCowUUID := uuid.NewString()
		params["old_cow_uuid"] = disks.CowUUID
		params["new_cow_uuid"] = newCowUUID
		newUUID = newCowUUID
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	if _, err := o.session.CallPlugin(ctx, "migration", "move_vhds_into_sr", map[string]string{"params": string(raw)}); err != nil {
		return "", fmt.Errorf("move vhds into sr: %w", err)
	}

	if err := o.disks.ScanDefaultSR(ctx); err != nil {
		return "", err
	}

	// The name-label lets a failed migration be found and cleaned up.
	if err := o.disks.SetVDIName(ctx, newUUID, inst.Name, string(domain.DiskTypeRoot)); err != nil {
		return "", err
	}
	return newUUID, nil
}

// resizeInstance grows the VDI to the instance's root size. Shrinking is
// never done here.
func (o *VMOps) resizeInstance(ctx context.Context, inst *domain.Instance, vdiUUID string, log *zap.Logger) error {
	newSize := int64(inst.RootGB) * domain.GiB
	if newSize == 0 {
		return nil
	}

	vdi, err := o.session.VDIByUUID(ctx, vdiUUID)
	if err != nil {
		return err
	}
	size, err := o.session.VDIVirtualSize(ctx, vdi)
	if err != nil {
		return err
	}
	if size >= newSize {
		return nil
	}

	log.Debug("Resizing up VDI",
		zap.String("vdi_uuid", vdiUUID),
		zap.Int64("old_gb", size/domain.GiB),
		zap.Int("new_gb", inst.RootGB),
	)
	if product := o.session.ProductVersion(); len(product) > 0 && product[0] > 5 {
		err = o.session.ResizeVDI(ctx, vdi, newSize)
	} else {
		err = o.session.ResizeVDIOnline(ctx, vdi, newSize)
	}
	if err != nil {
		return err
	}
	log.Debug("Resize complete")
	return nil
}

// FinishRevertMigration restores the source VM after a failed or rejected resize.
func (o *VMOps) FinishRevertMigration(ctx context.Context, inst *domain.Instance) error {
	vm, err := o.session.LookupVM(ctx, inst.OrigName())
	if err != nil {
		return err
	}
	if vm == "" {
		return apperrors.ErrInstanceNotFoundf(inst.OrigName())
	}

	if err := o.session.SetVMNameLabel(ctx, vm, inst.Name); err != nil {
		return err
	}
	if err := o.start(ctx, inst, vm); err != nil {
		return err
	}

	o.dispatch(ctx, domain.EventMigrationReverted, inst, "revert_migration", nil)
	return nil
}

// ConfirmMigration destroys the source VM kept during the resize.
func (o *VMOps) ConfirmMigration(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo) error {
	vm, err := o.session.LookupVM(ctx, inst.OrigName())
	if err != nil {
		return err
	}
	if err := o.destroyVM(ctx, inst, vm, network, destroyOpts{kernelRamdisk: true}); err != nil {
		return err
	}

	o.dispatch(ctx, domain.EventMigrationConfirmed, inst, "confirm_migration", nil)
	return nil
}
