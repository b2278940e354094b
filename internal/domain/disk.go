package domain

// DiskType is the role a virtual disk plays for an instance.
type DiskType string

const (
	DiskTypeRoot      DiskType = "root"
	DiskTypeSwap      DiskType = "swap"
	DiskTypeEphemeral DiskType = "ephemeral"
	DiskTypeOther     DiskType = "other"
	DiskTypeKernel    DiskType = "kernel"
	DiskTypeRamdisk   DiskType = "ramdisk"
)

// DiskInfo is a virtual disk allocated for an instance.
// File is set for kernel and ramdisk artifacts staged on the control domain.
type DiskInfo struct {
	Type DiskType `json:"vdi_type"`
	UUID string   `json:"vdi_uuid"`
	File string   `json:"file,omitempty"`
}

// KernelRamdisk holds the staged boot artifact paths. Either may be empty.
type KernelRamdisk struct {
	Kernel  string
	Ramdisk string
}

// IsEmpty reports whether nothing was staged.
func (k KernelRamdisk) IsEmpty() bool { return k.Kernel == "" && k.Ramdisk == "" }

// GiB is the byte size of one gibibyte.
const GiB int64 = 1024 * 1024 * 1024
