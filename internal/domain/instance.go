// Package domain provides domain models for Conductor.
//
// Workflows and reconciliation loops operate on these types only; hypervisor
// references and records live in the hypervisor package.
//
// Import Path: conductor.io/conductor/internal/domain
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PowerState is the hypervisor-observed power state of an instance.
type PowerState int

const (
	PowerStateNoState   PowerState = 0
	PowerStateRunning   PowerState = 1
	PowerStateBlocked   PowerState = 2
	PowerStatePaused    PowerState = 3
	PowerStateShutdown  PowerState = 4
	PowerStateShutoff   PowerState = 5
	PowerStateCrashed   PowerState = 6
	PowerStateSuspended PowerState = 7
)

// String returns the lower-case name of the power state.
func (s PowerState) String() string {
	switch s {
	case PowerStateRunning:
		return "running"
	case PowerStateBlocked:
		return "blocked"
	case PowerStatePaused:
		return "paused"
	case PowerStateShutdown:
		return "shutdown"
	case PowerStateShutoff:
		return "shutoff"
	case PowerStateCrashed:
		return "crashed"
	case PowerStateSuspended:
		return "suspended"
	default:
		return "nostate"
	}
}

// VMState is the long-lived lifecycle state of an instance.
type VMState string

const (
	VMStateActive    VMState = "active"
	VMStateBuilding  VMState = "building"
	VMStateRescued   VMState = "rescued"
	VMStateResized   VMState = "resized"
	VMStatePaused    VMState = "paused"
	VMStateSuspended VMState = "suspended"
	VMStateStopped   VMState = "stopped"
	VMStateDeleted   VMState = "deleted"
	VMStateError     VMState = "error"
)

// TaskState is the transient operation currently applied to an instance.
// The empty value means no task is in progress.
type TaskState string

const (
	TaskStateNone            TaskState = ""
	TaskStateSpawning        TaskState = "spawning"
	TaskStateRebooting       TaskState = "rebooting"
	TaskStateRebootingHard   TaskState = "rebooting_hard"
	TaskStateResizeMigrating TaskState = "resize_migrating"
	TaskStateResizeFinish    TaskState = "resize_finish"
	TaskStateResizeVerify    TaskState = "resize_verify"
	TaskStateResizeReverting TaskState = "resize_reverting"
	TaskStateRescuing        TaskState = "rescuing"
	TaskStateUnrescuing      TaskState = "unrescuing"
	TaskStateImageSnapshot   TaskState = "image_snapshot"
)

// VMMode selects the virtualization mode of a VM record.
type VMMode string

const (
	VMModeUnset VMMode = ""
	VMModePV    VMMode = "pv"
	VMModeHVM   VMMode = "hvm"
)

// RebootType selects between a guest-cooperative and a forced reboot.
type RebootType string

const (
	RebootSoft RebootType = "SOFT"
	RebootHard RebootType = "HARD"
)

// Instance is the orchestrator's view of a virtual machine.
// Persistence owns the record; workflows write back through Persistence.UpdateInstance.
type Instance struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`

	// Desired resources.
	MemoryMB    int  `json:"memory_mb"`
	VCPUs       int  `json:"vcpus"`
	RootGB      int  `json:"root_gb"`
	EphemeralGB int  `json:"ephemeral_gb"`
	SwapMB      int  `json:"swap_mb"`
	VCPUWeight  *int `json:"vcpu_weight,omitempty"`

	// Runtime state.
	PowerState PowerState `json:"power_state"`
	VMState    VMState    `json:"vm_state"`
	TaskState  TaskState  `json:"task_state"`
	Progress   int        `json:"progress"`

	// In-guest markers.
	ImageRef       string `json:"image_ref"`
	KernelID       string `json:"kernel_id,omitempty"`
	RamdiskID      string `json:"ramdisk_id,omitempty"`
	OSType         string `json:"os_type"`
	Architecture   string `json:"architecture"`
	VMMode         VMMode `json:"vm_mode"`
	AutoDiskConfig bool   `json:"auto_disk_config"`

	// AdminPass is never logged.
	AdminPass     string          `json:"-"`
	InjectedFiles json.RawMessage `json:"injected_files,omitempty"`

	// Rescue is set while a rescue companion VM is being built for this instance.
	Rescue bool `json:"rescue"`

	UpdatedAt time.Time `json:"updated_at"`
}

// RescueSuffix is appended to the name-label of a rescue companion VM.
const RescueSuffix = "-rescue"

// OrigSuffix is appended to the source VM name-label during a resize so it can
// coexist with the destination VM until confirm or revert.
const OrigSuffix = "-orig"

// VMName returns the name-label the hypervisor record for this instance carries.
func (i *Instance) VMName() string {
	if i.Rescue {
		return i.Name + RescueSuffix
	}
	return i.Name
}

// RescueName returns the name-label of the rescue companion VM.
func (i *Instance) RescueName() string { return i.Name + RescueSuffix }

// OrigName returns the name-label of the source VM while a resize is pending.
func (i *Instance) OrigName() string { return i.Name + OrigSuffix }

// HasKernelRamdisk reports whether the instance boots from a separate kernel image.
func (i *Instance) HasKernelRamdisk() bool {
	return i.KernelID != "" || i.RamdiskID != ""
}

// IsWindows reports whether the guest OS is Windows.
func (i *Instance) IsWindows() bool {
	return strings.EqualFold(i.OSType, "windows")
}

// InjectedFile is a file written into the guest by the agent at boot.
type InjectedFile struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// DecodeInjectedFiles parses InjectedFiles. Both a JSON array of objects and
// the legacy array of [path, contents] pairs are accepted; a JSON string that
// wraps either form is unwrapped first.
func (i *Instance) DecodeInjectedFiles() ([]InjectedFile, error) {
	raw := i.InjectedFiles
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var wrapped string
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		raw = json.RawMessage(wrapped)
	}

	var files []InjectedFile
	if err := json.Unmarshal(raw, &files); err == nil {
		return files, nil
	}

	var pairs [][2]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("decode injected files: %w", err)
	}
	files = make([]InjectedFile, 0, len(pairs))
	for _, p := range pairs {
		files = append(files, InjectedFile{Path: p[0], Contents: p[1]})
	}
	return files, nil
}

// InstanceUpdate is a partial update of instance fields. Nil fields are left untouched.
type InstanceUpdate struct {
	Progress   *int
	VMMode     *VMMode
	VMState    *VMState
	TaskState  *TaskState
	PowerState *PowerState
	RootGB     *int
}

// IsEmpty reports whether the update carries no fields.
func (u InstanceUpdate) IsEmpty() bool {
	return u.Progress == nil && u.VMMode == nil && u.VMState == nil &&
		u.TaskState == nil && u.PowerState == nil && u.RootGB == nil
}

// ProgressUpdate builds an update that only sets progress.
func ProgressUpdate(progress int) InstanceUpdate {
	return InstanceUpdate{Progress: &progress}
}
