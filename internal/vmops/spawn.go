package vmops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"conductor.io/conductor/internal/agent"
	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/hypervisor"
	apperrors "conductor.io/conductor/internal/pkg/errors"
	"conductor.io/conductor/internal/pkg/logger"
	"conductor.io/conductor/internal/saga"
)

// Spawn step names, in execution order.
const (
	StepVanity         = "vanity"
	StepCreateDisks    = "create_disks"
	StepKernelRamdisk  = "create_kernel_ramdisk"
	StepCreateVM       = "create_vm"
	StepPrepareFilters = "prepare_security_group_filters"
	StepBoot           = "boot_instance"
	StepApplyFilters   = "apply_security_group_filters"
)

const hostnameKey = "vm-data/hostname"

// windowsHostnameMax is the longest hostname a Windows guest accepts.
const windowsHostnameMax = 15

type stepDef struct {
	name string
	body saga.Body
}

func registerSteps(s *saga.Saga, defs ...stepDef) ([]saga.StepFunc, error) {
	out := make([]saga.StepFunc, 0, len(defs))
	for _, d := range defs {
		fn, err := s.RegisterStep(d.name, d.body)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}

func (o *VMOps) progressFunc(uuid string) saga.ProgressFunc {
	return func(ctx context.Context, progress int) error {
		return o.store.UpdateInstance(ctx, uuid, domain.ProgressUpdate(progress))
	}
}

// Spawn provisions inst from image and boots it. On failure every completed
// step is compensated in reverse order and the original error is returned.
func (o *VMOps) Spawn(ctx context.Context, inst *domain.Instance, image hypervisor.ImageMeta, network domain.NetworkInfo) error {
	log := logger.ForInstance(inst.UUID, inst.VMName())
	s := saga.Define(inst.UUID, o.progressFunc(inst.UUID),
		saga.WithLogger(log),
		saga.WithName("spawn"),
		saga.WithObserver(o.sagaObserver),
	)

	var (
		vdis []domain.DiskInfo
		kr   domain.KernelRamdisk
		vm   hypervisor.VMRef
	)

	steps, err := registerSteps(s,
		stepDef{StepVanity, func(context.Context, *saga.Undo) (saga.Result, error) {
			// Image fetch can take minutes; this moves progress off zero first.
			return saga.None{}, nil
		}},
		stepDef{StepCreateDisks, func(ctx context.Context, undo *saga.Undo) (saga.Result, error) {
			return o.createDisksStep(ctx, inst, image, undo, log)
		}},
		stepDef{StepKernelRamdisk, func(ctx context.Context, undo *saga.Undo) (saga.Result, error) {
			return o.kernelRamdiskStep(ctx, inst, undo, log)
		}},
		stepDef{StepCreateVM, func(ctx context.Context, undo *saga.Undo) (saga.Result, error) {
			ref, err := o.createVM(ctx, inst, vdis, network, image, kr, log)
			if ref != "" {
				undo.With("destroy_vm", func(ctx context.Context) error {
					return o.destroyVM(ctx, inst, ref, network, destroyOpts{shutdown: true, kernelRamdisk: true})
				})
			}
			if err != nil {
				return nil, err
			}
			return saga.VM{Ref: string(ref)}, nil
		}},
		stepDef{StepPrepareFilters, func(ctx context.Context, _ *saga.Undo) (saga.Result, error) {
			err := o.firewall.SetupBasicFiltering(ctx, inst, network)
			if err != nil && !errors.Is(err, hypervisor.ErrNotImplemented) {
				return nil, err
			}
			return nil, o.firewall.PrepareInstanceFilter(ctx, inst, network)
		}},
		stepDef{StepBoot, func(ctx context.Context, _ *saga.Undo) (saga.Result, error) {
			return nil, o.bootNewInstance(ctx, inst, vm, log)
		}},
		stepDef{StepApplyFilters, func(ctx context.Context, _ *saga.Undo) (saga.Result, error) {
			return nil, o.firewall.ApplyInstanceFilter(ctx, inst, network)
		}},
	)
	if err != nil {
		return err
	}

	for _, step := range steps {
		res, err := step(ctx)
		if err != nil {
			err = s.RollbackAndReraise(ctx, err)
			o.dispatch(ctx, domain.EventWorkflowRolledBack, inst, "spawn", err)
			return err
		}
		switch r := res.(type) {
		case saga.Disks:
			vdis = r
		case saga.KernelRamdisk:
			kr = domain.KernelRamdisk(r)
		case saga.VM:
			vm = hypervisor.VMRef(r.Ref)
		}
	}
	s.Complete()

	log.Info("Instance spawned")
	if !inst.Rescue {
		o.dispatch(ctx, domain.EventInstanceSpawned, inst, "spawn", nil)
	}
	return nil
}

func (o *VMOps) createDisksStep(ctx context.Context, inst *domain.Instance, image hypervisor.ImageMeta, undo *saga.Undo, log *zap.Logger) (saga.Result, error) {
	t := o.disks.DetermineDiskImageType(image)
	vdis, err := o.disks.CreateImage(ctx, inst, image, t)
	if err != nil {
		return nil, fmt.Errorf("create image %s: %w", image.ID, err)
	}
	undo.With("destroy_disks", func(ctx context.Context) error {
		o.destroyDiskInfos(ctx, vdis, log)
		return nil
	})

	for _, vdi := range vdis {
		if vdi.Type == domain.DiskTypeRoot {
			if err := o.resizeInstance(ctx, inst, vdi.UUID, log); err != nil {
				return nil, err
			}
		}
	}
	return saga.Disks(vdis), nil
}

// destroyDiskInfos removes VDIs by uuid. Disks already gone, for example
// because the VM teardown took them, are skipped.
func (o *VMOps) destroyDiskInfos(ctx context.Context, vdis []domain.DiskInfo, log *zap.Logger) {
	refs := make([]hypervisor.VDIRef, 0, len(vdis))
	for _, vdi := range vdis {
		ref, err := o.session.VDIByUUID(ctx, vdi.UUID)
		if err != nil {
			if _, ok := hypervisor.IsFailure(err); ok {
				continue
			}
			log.Warn("Failed to look up VDI", zap.String("vdi_uuid", vdi.UUID), zap.Error(err))
			continue
		}
		refs = append(refs, ref)
	}
	if err := o.safeDestroyVDIs(ctx, refs, log); err != nil {
		log.Warn("Failed to destroy disks", zap.Error(err))
	}
}

func (o *VMOps) kernelRamdiskStep(ctx context.Context, inst *domain.Instance, undo *saga.Undo, log *zap.Logger) (saga.Result, error) {
	kr := &domain.KernelRamdisk{}
	undo.With("remove_kernel_ramdisk", func(ctx context.Context) error {
		return o.removeKernelRamdisk(ctx, *kr, log)
	})

	var err error
	if inst.KernelID != "" {
		if kr.Kernel, err = o.disks.CreateKernelImage(ctx, inst, inst.KernelID, hypervisor.ImageKernel); err != nil {
			return nil, fmt.Errorf("stage kernel %s: %w", inst.KernelID, err)
		}
	}
	if inst.RamdiskID != "" {
		if kr.Ramdisk, err = o.disks.CreateKernelImage(ctx, inst, inst.RamdiskID, hypervisor.ImageRamdisk); err != nil {
			return nil, fmt.Errorf("stage ramdisk %s: %w", inst.RamdiskID, err)
		}
	}
	return saga.KernelRamdisk(*kr), nil
}

// removeKernelRamdisk deletes staged boot artifacts from the control domain.
func (o *VMOps) removeKernelRamdisk(ctx context.Context, kr domain.KernelRamdisk, log *zap.Logger) error {
	if kr.IsEmpty() {
		return nil
	}
	log.Debug("Removing kernel/ramdisk files from control domain")
	args := map[string]string{}
	if kr.Kernel != "" {
		args["kernel-file"] = kr.Kernel
	}
	if kr.Ramdisk != "" {
		args["ramdisk-file"] = kr.Ramdisk
	}
	_, err := o.session.CallPlugin(ctx, "glance", "remove_kernel_ramdisk", args)
	return err
}

// createVM creates the VM record and attaches disks and interfaces. The
// returned ref is set as soon as the record exists, even when a later part
// fails, so the caller can tear it down.
func (o *VMOps) createVM(ctx context.Context, inst *domain.Instance, vdis []domain.DiskInfo, network domain.NetworkInfo,
	image hypervisor.ImageMeta, kr domain.KernelRamdisk, log *zap.Logger) (hypervisor.VMRef, error) {
	name := inst.VMName()
	existing, err := o.session.LookupVM(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return "", apperrors.ErrInstanceExistsf(name)
	}

	ok, err := o.disks.EnsureFreeMem(ctx, inst)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperrors.ErrInsufficientFreeMemf(inst.Name, inst.MemoryMB)
	}

	imageType := o.disks.DetermineDiskImageType(image)

	// The swap disk must never be picked as the file-injection target.
	var firstVDI hypervisor.VDIRef
	for _, vdi := range vdis {
		if vdi.Type == domain.DiskTypeSwap {
			continue
		}
		if firstVDI, err = o.session.VDIByUUID(ctx, vdi.UUID); err != nil {
			return "", err
		}
		break
	}

	usePV, err := o.resolveVMMode(ctx, inst, firstVDI, imageType)
	if err != nil {
		return "", err
	}

	vm, err := o.disks.CreateVM(ctx, inst, kr.Kernel, kr.Ramdisk, usePV)
	if err != nil {
		return "", err
	}

	if err := o.attachDisks(ctx, inst, imageType, vm, firstVDI, vdis, log); err != nil {
		return vm, err
	}

	if o.cfg.FlatInjected {
		if err := o.disks.PreconfigureInstance(ctx, inst, firstVDI, network); err != nil {
			return vm, err
		}
	}

	if err := o.createVIFs(ctx, inst, vm, network, log); err != nil {
		return vm, err
	}
	if err := o.injectNetworkInfo(ctx, inst, vm, network, log); err != nil {
		return vm, err
	}
	if err := o.injectHostname(ctx, inst, vm, generateHostname(inst), log); err != nil {
		return vm, err
	}
	return vm, nil
}

// resolveVMMode decides between paravirtual and HVM boot and persists the
// normalized mode when it differs from the stored one.
func (o *VMOps) resolveVMMode(ctx context.Context, inst *domain.Instance, firstVDI hypervisor.VDIRef, t hypervisor.ImageType) (bool, error) {
	mode := domain.VMMode(strings.ToLower(string(inst.VMMode)))
	var usePV bool
	switch mode {
	case domain.VMModePV:
		usePV = true
	case "hv", domain.VMModeHVM:
		mode = domain.VMModeHVM
	default:
		pv, err := o.disks.DetermineIsPV(ctx, firstVDI, t, inst.OSType)
		if err != nil {
			return false, err
		}
		usePV = pv
		mode = domain.VMModeHVM
		if pv {
			mode = domain.VMModePV
		}
	}

	if inst.VMMode != mode {
		if err := o.store.UpdateInstance(ctx, inst.UUID, domain.InstanceUpdate{VMMode: &mode}); err != nil {
			return false, fmt.Errorf("persist vm mode: %w", err)
		}
		inst.VMMode = mode
	}
	return usePV, nil
}

// attachDisks attaches disks by user device: 0 is the root disk, 1 is
// reserved for a rescue disk, 2 onwards take swap, ephemeral and extra disks.
// ISO images boot from a CD at 2 with a blank root disk at 0.
func (o *VMOps) attachDisks(ctx context.Context, inst *domain.Instance, t hypervisor.ImageType, vm hypervisor.VMRef,
	firstVDI hypervisor.VDIRef, vdis []domain.DiskInfo, log *zap.Logger) error {
	userDevice := 0

	if t == hypervisor.ImageDiskISO {
		log.Debug("Detected ISO image type, creating blank VM for install")
		cdVDI := firstVDI
		blank, err := o.disks.FetchBlankDisk(ctx, inst)
		if err != nil {
			return err
		}
		if _, err := o.disks.CreateVBD(ctx, vm, blank, userDevice, hypervisor.VBDOptions{Type: hypervisor.VBDTypeDisk}); err != nil {
			return err
		}
		userDevice = 2
		if _, err := o.disks.CreateVBD(ctx, vm, cdVDI, userDevice, hypervisor.VBDOptions{Type: hypervisor.VBDTypeCD, Bootable: true}); err != nil {
			return err
		}
		userDevice++
	} else {
		if inst.AutoDiskConfig {
			log.Debug("Auto configuring disk, attempting to resize partition")
			if err := o.disks.AutoConfigureDisk(ctx, firstVDI, inst.RootGB); err != nil {
				return err
			}
		}
		if _, err := o.disks.CreateVBD(ctx, vm, firstVDI, userDevice, hypervisor.VBDOptions{Type: hypervisor.VBDTypeDisk, Bootable: true}); err != nil {
			return err
		}
		userDevice = 2
	}

	generateSwap := inst.SwapMB > 0 && o.cfg.GenerateSwap
	if generateSwap {
		if err := o.disks.GenerateSwap(ctx, inst, vm, userDevice, inst.SwapMB); err != nil {
			return err
		}
		userDevice++
	}

	if inst.EphemeralGB > 0 {
		if err := o.disks.GenerateEphemeral(ctx, inst, vm, userDevice, inst.EphemeralGB); err != nil {
			return err
		}
		userDevice++
	}

	if len(vdis) < 2 {
		return nil
	}
	for _, vdi := range vdis[1:] {
		ref, err := o.session.VDIByUUID(ctx, vdi.UUID)
		if err != nil {
			return err
		}
		if generateSwap && vdi.Type == domain.DiskTypeSwap {
			// Replaced by the generated swap disk.
			if err := o.disks.DestroyVDI(ctx, ref); err != nil {
				return err
			}
			continue
		}
		if _, err := o.disks.CreateVBD(ctx, vm, ref, userDevice, hypervisor.VBDOptions{Type: hypervisor.VBDTypeDisk}); err != nil {
			return err
		}
		userDevice++
	}
	return nil
}

func (o *VMOps) createVIFs(ctx context.Context, inst *domain.Instance, vm hypervisor.VMRef, network domain.NetworkInfo, log *zap.Logger) error {
	log.Debug("Creating vifs")
	if _, err := o.session.GetVMRecord(ctx, vm); err != nil {
		return err
	}
	for device, vif := range network {
		rec, err := o.vifs.Plug(ctx, inst, vif, vm, device)
		if err != nil {
			return fmt.Errorf("plug vif %d: %w", device, err)
		}
		ref, err := o.session.CreateVIF(ctx, rec)
		if err != nil {
			return fmt.Errorf("create vif %d: %w", device, err)
		}
		log.Debug("Created VIF", zap.String("vif", string(ref)), zap.String("network", string(rec.Network)))
	}
	return nil
}

// InjectNetworkInfo writes the instance's interface configuration into the
// guest parameter store.
func (o *VMOps) InjectNetworkInfo(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo) error {
	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return err
	}
	return o.injectNetworkInfo(ctx, inst, vm, network, logger.ForInstance(inst.UUID, inst.Name))
}

func (o *VMOps) injectNetworkInfo(ctx context.Context, inst *domain.Instance, vm hypervisor.VMRef, network domain.NetworkInfo, log *zap.Logger) error {
	log.Debug("Injecting network info to xenstore")
	for _, vif := range network {
		key := vif.Mapping.StoreKey()
		value, err := json.Marshal(vif.Mapping)
		if err != nil {
			return fmt.Errorf("encode network mapping %s: %w", vif.Mapping.MAC, err)
		}
		if err := o.addToParamStore(ctx, vm, key, string(value)); err != nil {
			return err
		}
		o.writeToXenstore(ctx, vm, key, string(value), log)
	}
	return nil
}

// writeToXenstore updates the live store of a running domain. A halted
// domain has no live store, so failures only get logged.
func (o *VMOps) writeToXenstore(ctx context.Context, vm hypervisor.VMRef, path, value string, log *zap.Logger) {
	rec, err := o.session.GetVMRecord(ctx, vm)
	if err != nil {
		log.Debug("Skipping live xenstore write", zap.String("path", path), zap.Error(err))
		return
	}
	args := map[string]string{"dom_id": rec.DomID, "path": path, "value": value}
	if _, err := o.session.CallPlugin(ctx, "xenstore.py", "write_record", args); err != nil {
		log.Debug("Live xenstore write failed", zap.String("path", path), zap.Error(err))
	}
}

// addToParamStore overwrites key in the guest parameter store.
func (o *VMOps) addToParamStore(ctx context.Context, vm hypervisor.VMRef, key, value string) error {
	if err := o.session.RemoveFromXenstoreData(ctx, vm, key); err != nil {
		return err
	}
	return o.session.AddToXenstoreData(ctx, vm, key, value)
}

func generateHostname(inst *domain.Instance) string {
	if inst.Rescue {
		return "RESCUE-" + inst.Hostname
	}
	return inst.Hostname
}

func (o *VMOps) injectHostname(ctx context.Context, inst *domain.Instance, vm hypervisor.VMRef, hostname string, log *zap.Logger) error {
	if inst.IsWindows() && len(hostname) > windowsHostnameMax {
		hostname = hostname[:windowsHostnameMax]
	}
	log.Debug("Injecting hostname to xenstore", zap.String("hostname", hostname))
	return o.addToParamStore(ctx, vm, hostnameKey, hostname)
}

// bootNewInstance starts vm and configures the guest through its agent.
func (o *VMOps) bootNewInstance(ctx context.Context, inst *domain.Instance, vm hypervisor.VMRef, log *zap.Logger) error {
	log.Debug("Starting VM")
	if err := o.session.StartVMOn(ctx, vm); err != nil {
		return err
	}

	build := o.latestAgentBuild(ctx, inst, log)
	o.waitForRunning(ctx, vm, log)

	ch := o.agentFor(vm, log)
	log.Debug("Querying agent version")
	version, hasAgent := ch.GetVersion(ctx)
	if hasAgent {
		log.Info("Instance agent version", zap.String("version", version))
		if build != nil {
			cmp, err := agent.CompareVersion(version, build.Version)
			switch {
			case err != nil:
				log.Warn("Cannot compare agent versions", zap.Error(err))
			case cmp < 0:
				log.Info("Updating agent", zap.String("version", build.Version))
				ch.Update(ctx, build.URL, build.MD5Hash)
			}
		}
	}

	files, err := inst.DecodeInjectedFiles()
	if err != nil {
		log.Error("Invalid value for injected files", zap.Error(err))
	}
	for _, f := range files {
		log.Debug("Injecting file", zap.String("path", f.Path))
		ch.InjectFile(ctx, f.Path, f.Contents)
	}

	if inst.AdminPass != "" && hasAgent {
		log.Debug("Setting admin password")
		if err := ch.SetAdminPassword(ctx, inst.AdminPass); err != nil {
			return err
		}
	}

	log.Debug("Resetting network")
	ch.ResetNetwork(ctx)

	if inst.VCPUWeight != nil {
		log.Debug("Setting VCPU weight", zap.Int("weight", *inst.VCPUWeight))
		if err := o.session.AddToVCPUsParams(ctx, vm, "weight", strconv.Itoa(*inst.VCPUWeight)); err != nil {
			return err
		}
	}
	return nil
}

func (o *VMOps) latestAgentBuild(ctx context.Context, inst *domain.Instance, log *zap.Logger) *agent.Build {
	if o.builds == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("hypervisor", HypervisorType),
		zap.String("os", inst.OSType),
		zap.String("architecture", inst.Architecture),
	}
	build, err := o.builds.LatestBuild(ctx, HypervisorType, inst.OSType, inst.Architecture)
	switch {
	case errors.Is(err, agent.ErrNoBuild):
		log.Info("No agent build found", fields...)
		return nil
	case err != nil:
		log.Warn("Failed to look up agent build", append(fields, zap.Error(err))...)
		return nil
	}
	log.Info("Latest agent build", append(fields, zap.String("version", build.Version))...)
	return build
}

// waitForRunning polls the power state until running or RunningTimeout.
// Timing out is not an error: boot continues and the agent wait absorbs it.
func (o *VMOps) waitForRunning(ctx context.Context, vm hypervisor.VMRef, log *zap.Logger) {
	log.Debug("Waiting for instance state to become running")
	if o.cfg.RunningTimeout <= 0 {
		return
	}
	interval := o.cfg.RunningPollInterval
	if interval <= 0 {
		interval = DefaultConfig().RunningPollInterval
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RunningTimeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			log.Warn("Instance did not reach running state", zap.Duration("timeout", o.cfg.RunningTimeout))
			return
		}
		rec, err := o.session.GetVMRecord(ctx, vm)
		if err == nil && rec.State() == domain.PowerStateRunning {
			return
		}
	}
}
