// Package hypervisor defines the control-plane collaborators the orchestrator
// drives: the RPC session, disk and image helpers, the VIF driver and the
// firewall driver.
//
// Concrete drivers register a Factory through the registry; Mock is an
// in-memory implementation of every contract used by tests and by the
// "fake" driver plugin.
//
// Import Path: conductor.io/conductor/internal/hypervisor
package hypervisor

import (
	"context"
	"time"

	"conductor.io/conductor/internal/domain"
)

// Opaque references handed out by the control plane.
type (
	VMRef      string
	VDIRef     string
	VBDRef     string
	VIFRef     string
	TaskRef    string
	NetworkRef string
)

// Power states as reported by the control plane.
const (
	PowerHalted    = "Halted"
	PowerRunning   = "Running"
	PowerPaused    = "Paused"
	PowerSuspended = "Suspended"
	PowerCrashed   = "Crashed"
)

// VMRecord is the subset of a VM record the orchestrator reads.
type VMRecord struct {
	UUID            string
	NameLabel       string
	PowerState      string
	DomID           string
	IsATemplate     bool
	IsControlDomain bool
	IsSnapshot      bool
	VBDs            []VBDRef
	VIFs            []VIFRef
}

// State maps the control-plane power state onto domain.PowerState.
func (r VMRecord) State() domain.PowerState {
	switch r.PowerState {
	case PowerRunning:
		return domain.PowerStateRunning
	case PowerHalted:
		return domain.PowerStateShutdown
	case PowerPaused:
		return domain.PowerStatePaused
	case PowerSuspended:
		return domain.PowerStateSuspended
	case PowerCrashed:
		return domain.PowerStateCrashed
	default:
		return domain.PowerStateNoState
	}
}

// VM pairs a reference with its record.
type VM struct {
	Ref    VMRef
	Record VMRecord
}

// VBD types.
const (
	VBDTypeDisk = "Disk"
	VBDTypeCD   = "CD"
)

// VBDRecord is the subset of a VBD record the orchestrator reads.
type VBDRecord struct {
	VM         VMRef
	VDI        VDIRef
	UserDevice int
	Type       string
	Bootable   bool
}

// VBDOptions controls how a disk is attached.
type VBDOptions struct {
	Type     string
	Bootable bool
}

// VDIRecord is the subset of a VDI record the orchestrator reads.
type VDIRecord struct {
	UUID        string
	NameLabel   string
	VirtualSize int64
}

// VIFRecord describes a virtual interface to create.
type VIFRecord struct {
	Device      int
	Network     NetworkRef
	VM          VMRef
	MAC         string
	MTU         int
	OtherConfig map[string]string
}

// TaskRecord is the subset of a task record the orchestrator reads.
type TaskRecord struct {
	NameLabel string
	Created   time.Time
	Status    string
}

// ImageType classifies how an image is turned into disks.
type ImageType int

const (
	ImageUnknown ImageType = iota
	ImageKernel
	ImageRamdisk
	ImageDisk
	ImageDiskRaw
	ImageDiskVHD
	ImageDiskISO
)

// String returns the image type name used in logs.
func (t ImageType) String() string {
	switch t {
	case ImageKernel:
		return "kernel"
	case ImageRamdisk:
		return "ramdisk"
	case ImageDisk:
		return "ami"
	case ImageDiskRaw:
		return "raw"
	case ImageDiskVHD:
		return "vhd"
	case ImageDiskISO:
		return "iso"
	default:
		return "unknown"
	}
}

// ImageMeta is the image-service metadata for the boot image.
type ImageMeta struct {
	ID              string
	DiskFormat      string
	ContainerFormat string
	Properties      map[string]string
}

// PluginCaller invokes a control-domain plugin and returns its raw output.
// Protocol errors surface as *Failure.
type PluginCaller interface {
	CallPlugin(ctx context.Context, plugin, method string, args map[string]string) (string, error)
}

// Session is the hypervisor control-plane RPC session.
type Session interface {
	PluginCaller

	// LookupVM returns the VM with this name-label, or "" when there is none.
	LookupVM(ctx context.Context, nameLabel string) (VMRef, error)
	// ListVMs returns every guest VM, skipping templates and control domains.
	ListVMs(ctx context.Context) ([]VM, error)
	GetVMRecord(ctx context.Context, vm VMRef) (VMRecord, error)

	// StartVMOn starts the VM on the session's host, unpaused and unforced.
	StartVMOn(ctx context.Context, vm VMRef) error
	// StartVM starts the VM wherever the pool places it.
	StartVM(ctx context.Context, vm VMRef) error
	CleanShutdownVM(ctx context.Context, vm VMRef) error
	HardShutdownVM(ctx context.Context, vm VMRef) error
	CleanRebootVM(ctx context.Context, vm VMRef) error
	HardRebootVM(ctx context.Context, vm VMRef) error
	DestroyVM(ctx context.Context, vm VMRef) error
	PauseVM(ctx context.Context, vm VMRef) error
	UnpauseVM(ctx context.Context, vm VMRef) error
	SuspendVM(ctx context.Context, vm VMRef) error
	ResumeVM(ctx context.Context, vm VMRef) error

	SetVMNameLabel(ctx context.Context, vm VMRef, nameLabel string) error
	SetBlockedOperations(ctx context.Context, vm VMRef, ops map[string]string) error
	RemoveFromBlockedOperations(ctx context.Context, vm VMRef, op string) error
	AddToVCPUsParams(ctx context.Context, vm VMRef, key, value string) error

	// Guest parameter store.
	AddToXenstoreData(ctx context.Context, vm VMRef, key, value string) error
	RemoveFromXenstoreData(ctx context.Context, vm VMRef, key string) error

	GetVBDs(ctx context.Context, vm VMRef) ([]VBDRef, error)
	GetVBDRecord(ctx context.Context, vbd VBDRef) (VBDRecord, error)
	PlugVBD(ctx context.Context, vbd VBDRef) error

	// VDIByUUID returns a *Failure when no VDI has this uuid.
	VDIByUUID(ctx context.Context, uuid string) (VDIRef, error)
	VDIVirtualSize(ctx context.Context, vdi VDIRef) (int64, error)
	ResizeVDI(ctx context.Context, vdi VDIRef, size int64) error
	ResizeVDIOnline(ctx context.Context, vdi VDIRef, size int64) error

	CreateVIF(ctx context.Context, rec VIFRecord) (VIFRef, error)

	TasksByNameLabel(ctx context.Context, nameLabel string) ([]TaskRef, error)
	GetTaskRecord(ctx context.Context, task TaskRef) (TaskRecord, error)
	CancelTask(ctx context.Context, task TaskRef) error

	// ProductVersion returns the dotted product version as integers.
	ProductVersion() []int
}

// DiskHelper wraps the image and storage-repository helpers.
type DiskHelper interface {
	DetermineDiskImageType(image ImageMeta) ImageType
	CreateImage(ctx context.Context, inst *domain.Instance, image ImageMeta, t ImageType) ([]domain.DiskInfo, error)
	// CreateKernelImage stages a kernel or ramdisk on the control domain and
	// returns its file path.
	CreateKernelImage(ctx context.Context, inst *domain.Instance, imageID string, t ImageType) (string, error)
	LookupKernelRamdisk(ctx context.Context, vm VMRef) (kernel, ramdisk string, err error)
	DetermineIsPV(ctx context.Context, vdi VDIRef, t ImageType, osType string) (bool, error)
	EnsureFreeMem(ctx context.Context, inst *domain.Instance) (bool, error)

	CreateVM(ctx context.Context, inst *domain.Instance, kernelFile, ramdiskFile string, usePV bool) (VMRef, error)
	CreateVBD(ctx context.Context, vm VMRef, vdi VDIRef, userDevice int, opts VBDOptions) (VBDRef, error)
	FetchBlankDisk(ctx context.Context, inst *domain.Instance) (VDIRef, error)
	AutoConfigureDisk(ctx context.Context, vdi VDIRef, rootGB int) error
	GenerateSwap(ctx context.Context, inst *domain.Instance, vm VMRef, userDevice, swapMB int) error
	GenerateEphemeral(ctx context.Context, inst *domain.Instance, vm VMRef, userDevice, sizeGB int) error
	PreconfigureInstance(ctx context.Context, inst *domain.Instance, vdi VDIRef, network domain.NetworkInfo) error

	// DestroyVDI returns *StorageError when the storage layer refuses.
	DestroyVDI(ctx context.Context, vdi VDIRef) error
	LookupVMVDIs(ctx context.Context, vm VMRef) ([]VDIRef, error)
	IsSnapshot(ctx context.Context, vm VMRef) (bool, error)

	// CreateSnapshot returns the template VM and the uuids of its disk chain
	// keyed by role ("image" is the base copy).
	CreateSnapshot(ctx context.Context, inst *domain.Instance, vm VMRef, label string) (VMRef, map[string]string, error)
	UploadImage(ctx context.Context, inst *domain.Instance, vdiUUIDs map[string]string, imageID string) error
	GetVDIForVMSafely(ctx context.Context, vm VMRef) (VDIRef, VDIRecord, error)
	GetSRPath(ctx context.Context) (string, error)
	// ResizeDisk copies the VDI and shrinks partition and filesystem to newRootGB.
	ResizeDisk(ctx context.Context, vdi VDIRef, newRootGB int) (VDIRef, string, error)
	ScanDefaultSR(ctx context.Context) error
	SetVDIName(ctx context.Context, vdiUUID, nameLabel, vdiType string) error
}

// VIFDriver plugs and unplugs virtual interfaces on the host.
type VIFDriver interface {
	// Plug returns the VIF record to create. vm is empty when plugging on the
	// host only.
	Plug(ctx context.Context, inst *domain.Instance, vif domain.VIF, vm VMRef, device int) (VIFRecord, error)
	Unplug(ctx context.Context, inst *domain.Instance, vif domain.VIF) error
}

// Firewall applies security-group filtering. SetupBasicFiltering may return
// ErrNotImplemented.
type Firewall interface {
	SetupBasicFiltering(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo) error
	PrepareInstanceFilter(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo) error
	ApplyInstanceFilter(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo) error
	UnfilterInstance(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo) error
	RefreshSecurityGroupRules(ctx context.Context, securityGroupID string) error
	RefreshSecurityGroupMembers(ctx context.Context, securityGroupID string) error
	RefreshProviderFWRules(ctx context.Context) error
}

// Driver bundles the collaborators of one hypervisor backend.
type Driver struct {
	Name     string
	Session  Session
	Disks    DiskHelper
	VIFs     VIFDriver
	Firewall Firewall
}
