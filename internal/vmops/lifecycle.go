package vmops

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

type destroyOpts struct {
	shutdown      bool
	kernelRamdisk bool
}

// Destroy tears the instance down, including a rescue companion VM if one exists.
func (o *VMOps) Destroy(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo) error {
	log := logger.ForInstance(inst.UUID, inst.Name)
	log.Info("Destroying VM")

	// The record may be half-built, so a missing VM is not an error here.
	vm, err := o.session.LookupVM(ctx, inst.Name)
	if err != nil {
		return err
	}
	rescueVM, err := o.session.LookupVM(ctx, inst.RescueName())
	if err != nil {
		return err
	}
	if rescueVM != "" {
		if err := o.DestroyRescueInstance(ctx, rescueVM, vm); err != nil {
			return err
		}
	}

	if err := o.destroyVM(ctx, inst, vm, network, destroyOpts{shutdown: true, kernelRamdisk: true}); err != nil {
		return err
	}
	o.dispatch(ctx, domain.EventInstanceDestroyed, inst, "destroy", nil)
	return nil
}

// destroyVM removes a VM record with its disks, interfaces and filters.
// Snapshot templates keep their firewall state untouched.
func (o *VMOps) destroyVM(ctx context.Context, inst *domain.Instance, vm hypervisor.VMRef, network domain.NetworkInfo, opts destroyOpts) error {
	log := logger.ForInstance(inst.UUID, inst.Name)
	if vm == "" {
		log.Warn("VM is not present, skipping destroy")
		return nil
	}

	isSnapshot, err := o.disks.IsSnapshot(ctx, vm)
	if err != nil {
		return err
	}

	if opts.shutdown {
		o.shutdown(ctx, inst, vm, true, log)
	}

	if err := o.destroyVDIs(ctx, vm, log); err != nil {
		return err
	}

	if opts.kernelRamdisk {
		if err := o.destroyKernelRamdisk(ctx, inst, vm, log); err != nil {
			return err
		}
	}

	if err := o.destroyVMRecord(ctx, vm, log); err != nil {
		return err
	}

	if err := o.UnplugVIFs(ctx, inst, network); err != nil {
		return err
	}

	if !isSnapshot {
		return o.firewall.UnfilterInstance(ctx, inst, network)
	}
	return nil
}

func (o *VMOps) destroyVDIs(ctx context.Context, vm hypervisor.VMRef, log *zap.Logger) error {
	refs, err := o.disks.LookupVMVDIs(ctx, vm)
	if err != nil {
		return err
	}
	return o.safeDestroyVDIs(ctx, refs, log)
}

// safeDestroyVDIs destroys every VDI it can. Storage refusals are logged and
// skipped; the first other error is returned after all VDIs were attempted.
func (o *VMOps) safeDestroyVDIs(ctx context.Context, refs []hypervisor.VDIRef, log *zap.Logger) error {
	var firstErr error
	for _, ref := range refs {
		err := o.disks.DestroyVDI(ctx, ref)
		if err == nil {
			continue
		}
		if hypervisor.IsStorageError(err) {
			log.Error("Unable to destroy VDI", zap.String("vdi", string(ref)), zap.Error(err))
			continue
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("destroy vdi %s: %w", ref, err)
		}
	}
	return firstErr
}

// destroyKernelRamdisk removes boot artifacts staged for vm. Instances must
// carry both a kernel and a ramdisk or neither.
func (o *VMOps) destroyKernelRamdisk(ctx context.Context, inst *domain.Instance, vm hypervisor.VMRef, log *zap.Logger) error {
	if !inst.HasKernelRamdisk() {
		log.Debug("Using RAW or VHD, skipping kernel and ramdisk deletion")
		return nil
	}
	if inst.KernelID == "" || inst.RamdiskID == "" {
		return apperrors.ErrInstanceUnacceptablef(inst.Name, "instance has a kernel or ramdisk but not both")
	}

	kernel, ramdisk, err := o.disks.LookupKernelRamdisk(ctx, vm)
	if err != nil {
		return err
	}
	if err := o.removeKernelRamdisk(ctx, domain.KernelRamdisk{Kernel: kernel, Ramdisk: ramdisk}, log); err != nil {
		return err
	}
	log.Debug("kernel/ramdisk files removed")
	return nil
}

func (o *VMOps) destroyVMRecord(ctx context.Context, vm hypervisor.VMRef, log *zap.Logger) error {
	err := o.session.DestroyVM(ctx, vm)
	if err == nil {
		log.Debug("VM destroyed")
		return nil
	}
	if _, ok := hypervisor.IsFailure(err); ok {
		log.Error("Destroy VM failed", zap.Error(err))
		return nil
	}
	return err
}

// shutdown powers vm off unless it is already halted. Failures are logged.
func (o *VMOps) shutdown(ctx context.Context, inst *domain.Instance, vm hypervisor.VMRef, hard bool, log *zap.Logger) {
	rec, err := o.session.GetVMRecord(ctx, vm)
	if err != nil {
		log.Error("Unable to read VM power state", zap.Error(err))
		return
	}
	if rec.State() == domain.PowerStateShutdown {
		log.Warn("VM already halted, skipping shutdown")
		return
	}

	log.Debug("Shutting down VM", zap.Bool("hard", hard))
	if hard {
		err = o.session.HardShutdownVM(ctx, vm)
	} else {
		err = o.session.CleanShutdownVM(ctx, vm)
	}
	if err != nil {
		log.Error("Shutdown failed", zap.Error(err))
	}
}

// DestroyRescueInstance tears down a rescue VM without touching the
// original's root disk, which is attached to it.
func (o *VMOps) DestroyRescueInstance(ctx context.Context, rescueVM, originalVM hypervisor.VMRef) error {
	log := logger.With(zap.String("rescue_vm", string(rescueVM)))

	rec, err := o.session.GetVMRecord(ctx, rescueVM)
	if err != nil {
		return err
	}
	if rec.State() != domain.PowerStateShutdown {
		if err := o.session.HardShutdownVM(ctx, rescueVM); err != nil {
			return err
		}
	}

	vdis, err := o.disks.LookupVMVDIs(ctx, rescueVM)
	if err != nil {
		return err
	}
	root, err := o.findRootVDI(ctx, originalVM)
	if err != nil {
		return err
	}
	keep := make([]hypervisor.VDIRef, 0, len(vdis))
	for _, vdi := range vdis {
		if vdi != root {
			keep = append(keep, vdi)
		}
	}
	if err := o.safeDestroyVDIs(ctx, keep, log); err != nil {
		return err
	}

	return o.session.DestroyVM(ctx, rescueVM)
}

// findRootVDI returns the VDI behind the root disk of vm: the one attached at
// user device 0, or by position when no device 0 exists.
func (o *VMOps) findRootVDI(ctx context.Context, vm hypervisor.VMRef) (hypervisor.VDIRef, error) {
	if vm == "" {
		return "", nil
	}
	vbds, err := o.session.GetVBDs(ctx, vm)
	if err != nil {
		return "", err
	}
	if len(vbds) == 0 {
		return "", errors.New("unable to find VBD for VM")
	}

	records := make([]hypervisor.VBDRecord, 0, len(vbds))
	for _, vbd := range vbds {
		rec, err := o.session.GetVBDRecord(ctx, vbd)
		if err != nil {
			return "", err
		}
		if rec.UserDevice == 0 {
			return rec.VDI, nil
		}
		records = append(records, rec)
	}
	if len(records) == 1 {
		return records[0].VDI, nil
	}
	// Legacy layout: swap first, root second.
	return records[1].VDI, nil
}

// Rescue boots a rescue VM with the instance's root disk attached as a
// secondary disk. The original VM is shut down and blocked from starting
// until Unrescue.
func (o *VMOps) Rescue(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo, image hypervisor.ImageMeta) error {
	log := logger.ForWorkflow("rescue", inst.UUID, inst.Name)

	existing, err := o.session.LookupVM(ctx, inst.RescueName())
	if err != nil {
		return err
	}
	if existing != "" {
		return apperrors.ErrInstanceRescuedf(inst.Name)
	}

	vm, err := o.session.LookupVM(ctx, inst.Name)
	if err != nil {
		return err
	}
	if vm == "" {
		return apperrors.ErrInstanceNotFoundf(inst.Name)
	}

	o.shutdown(ctx, inst, vm, true, log)
	if err := o.acquireBootlock(ctx, vm); err != nil {
		return err
	}

	rescue := *inst
	rescue.Rescue = true
	if err := o.Spawn(ctx, &rescue, image, network); err != nil {
		if rerr := o.ReleaseBootlock(context.WithoutCancel(ctx), vm); rerr != nil {
			log.Error("Failed to release bootlock after failed rescue", zap.Error(rerr))
		}
		return err
	}

	rescueVM, err := o.session.LookupVM(ctx, rescue.VMName())
	if err != nil {
		return err
	}
	if rescueVM == "" {
		return apperrors.ErrInstanceNotFoundf(rescue.VMName())
	}

	root, err := o.findRootVDI(ctx, vm)
	if err != nil {
		return err
	}
	vbd, err := o.disks.CreateVBD(ctx, rescueVM, root, 1, hypervisor.VBDOptions{Type: hypervisor.VBDTypeDisk})
	if err != nil {
		return err
	}
	if err := o.session.PlugVBD(ctx, vbd); err != nil {
		return err
	}

	o.dispatch(ctx, domain.EventInstanceRescued, inst, "rescue", nil)
	return nil
}

// Unrescue destroys the rescue VM and starts the original again.
func (o *VMOps) Unrescue(ctx context.Context, inst *domain.Instance) error {
	rescueVM, err := o.session.LookupVM(ctx, inst.RescueName())
	if err != nil {
		return err
	}
	if rescueVM == "" {
		return apperrors.ErrInstanceNotRescuedf(inst.Name)
	}

	orig := *inst
	orig.Rescue = false
	vm, err := o.lookupInstanceVM(ctx, &orig)
	if err != nil {
		return err
	}

	if err := o.DestroyRescueInstance(ctx, rescueVM, vm); err != nil {
		return err
	}
	if err := o.ReleaseBootlock(ctx, vm); err != nil {
		return err
	}
	if err := o.start(ctx, inst, vm); err != nil {
		return err
	}

	o.dispatch(ctx, domain.EventInstanceUnrescued, inst, "unrescue", nil)
	return nil
}

// acquireBootlock prevents vm from starting.
func (o *VMOps) acquireBootlock(ctx context.Context, vm hypervisor.VMRef) error {
	return o.session.SetBlockedOperations(ctx, vm, map[string]string{"start": ""})
}

// ReleaseBootlock allows vm to start again.
func (o *VMOps) ReleaseBootlock(ctx context.Context, vm hypervisor.VMRef) error {
	return o.session.RemoveFromBlockedOperations(ctx, vm, "start")
}

// Reboot restarts the instance; RebootHard does not wait for the guest.
func (o *VMOps) Reboot(ctx context.Context, inst *domain.Instance, rebootType domain.RebootType) error {
	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return err
	}
	if rebootType == domain.RebootHard {
		return o.session.HardRebootVM(ctx, vm)
	}
	return o.session.CleanRebootVM(ctx, vm)
}

// Pause freezes the instance in memory.
func (o *VMOps) Pause(ctx context.Context, inst *domain.Instance) error {
	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return err
	}
	return o.session.PauseVM(ctx, vm)
}

// Unpause resumes a paused instance.
func (o *VMOps) Unpause(ctx context.Context, inst *domain.Instance) error {
	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return err
	}
	return o.session.UnpauseVM(ctx, vm)
}

// Suspend saves the instance state to disk.
func (o *VMOps) Suspend(ctx context.Context, inst *domain.Instance) error {
	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return err
	}
	return o.session.SuspendVM(ctx, vm)
}

// Resume restores a suspended instance.
func (o *VMOps) Resume(ctx context.Context, inst *domain.Instance) error {
	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return err
	}
	return o.session.ResumeVM(ctx, vm)
}

// PowerOff hard-stops the instance.
func (o *VMOps) PowerOff(ctx context.Context, inst *domain.Instance) error {
	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return err
	}
	o.shutdown(ctx, inst, vm, true, logger.ForInstance(inst.UUID, inst.Name))
	return nil
}

// PowerOn starts the instance.
func (o *VMOps) PowerOn(ctx context.Context, inst *domain.Instance) error {
	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return err
	}
	return o.start(ctx, inst, vm)
}

// Snapshot snapshots the running instance and uploads the disk chain as
// imageID. The snapshot template is always destroyed afterwards.
func (o *VMOps) Snapshot(ctx context.Context, inst *domain.Instance, imageID string) error {
	log := logger.ForWorkflow("snapshot", inst.UUID, inst.Name)

	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return err
	}
	template, vdiUUIDs, err := o.createSnapshot(ctx, inst, vm, log)
	if err != nil {
		return err
	}
	defer func() {
		if derr := o.destroyVM(context.WithoutCancel(ctx), inst, template, nil, destroyOpts{}); derr != nil {
			log.Error("Failed to destroy snapshot template", zap.Error(derr))
		}
	}()

	if err := o.disks.UploadImage(ctx, inst, vdiUUIDs, imageID); err != nil {
		return fmt.Errorf("upload snapshot %s: %w", imageID, err)
	}
	log.Debug("Finished snapshot and upload for VM", zap.String("image_id", imageID))
	return nil
}

func (o *VMOps) createSnapshot(ctx context.Context, inst *domain.Instance, vm hypervisor.VMRef, log *zap.Logger) (hypervisor.VMRef, map[string]string, error) {
	log.Debug("Starting snapshot for VM")
	template, uuids, err := o.disks.CreateSnapshot(ctx, inst, vm, inst.Name+"-snapshot")
	if err != nil {
		log.Error("Unable to snapshot instance", zap.Error(err))
		return "", nil, err
	}
	return template, uuids, nil
}

// PlugVIFs sets up host-side networking for every interface.
func (o *VMOps) PlugVIFs(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo) error {
	for device, vif := range network {
		if _, err := o.vifs.Plug(ctx, inst, vif, "", device); err != nil {
			return err
		}
	}
	return nil
}

// UnplugVIFs tears down host-side networking for every interface.
func (o *VMOps) UnplugVIFs(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo) error {
	for _, vif := range network {
		if err := o.vifs.Unplug(ctx, inst, vif); err != nil {
			return err
		}
	}
	return nil
}

// SetAdminPassword sets the guest administrator password through the agent.
func (o *VMOps) SetAdminPassword(ctx context.Context, inst *domain.Instance, password string) error {
	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return err
	}
	return o.agentFor(vm, logger.ForInstance(inst.UUID, inst.Name)).SetAdminPassword(ctx, password)
}

// InjectFile writes a file into the guest through the agent. An agent
// failure is logged and not returned.
func (o *VMOps) InjectFile(ctx context.Context, inst *domain.Instance, path, contents string) error {
	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return err
	}
	o.agentFor(vm, logger.ForInstance(inst.UUID, inst.Name)).InjectFile(ctx, path, contents)
	return nil
}

// ResetNetwork asks the agent to reapply the injected network configuration.
func (o *VMOps) ResetNetwork(ctx context.Context, inst *domain.Instance) error {
	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return err
	}
	o.agentFor(vm, logger.ForInstance(inst.UUID, inst.Name)).ResetNetwork(ctx)
	return nil
}
