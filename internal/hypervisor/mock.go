package hypervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor.io/conductor/internal/domain"
)

// MockAgentPublic is the DH public value the mock guest agent answers key_init with.
const MockAgentPublic = "94769104515340012287346231455183"

// PluginCall is a recorded CallPlugin invocation.
type PluginCall struct {
	Plugin string
	Method string
	Args   map[string]string
}

// Mock implements Session, DiskHelper, VIFDriver and Firewall in memory.
// Every operation is appended to an ordered call log so tests can assert on
// sequencing; FailOn injects an error for a named operation.
type Mock struct {
	mu       sync.Mutex
	seq      int
	calls    []string
	plugins  []PluginCall
	failures map[string]error

	vms   map[VMRef]*mockVM
	vdis  map[VDIRef]*VDIRecord
	vbds  map[VBDRef]*VBDRecord
	vifs  map[VIFRef]VIFRecord
	tasks map[TaskRef]*TaskRecord

	// ImageDisks lists the disk roles CreateImage allocates, in order.
	ImageDisks []domain.DiskType
	// ImageType is returned by DetermineDiskImageType.
	ImageType ImageType
	// ImageSize is the virtual size of disks created from an image.
	ImageSize int64
	IsPV      bool
	NoFreeMem bool
	Product   []int
	SRPath    string
	// BasicFilteringUnsupported makes SetupBasicFiltering return ErrNotImplemented.
	BasicFilteringUnsupported bool
	// AgentVersion is what the mock agent reports; empty simulates a guest
	// without an agent.
	AgentVersion string
	// PluginHandler overrides the built-in plugin responses when set.
	PluginHandler func(plugin, method string, args map[string]string) (string, error)
}

type mockVM struct {
	rec        VMRecord
	xenstore   map[string]string
	vcpuParams map[string]string
	blocked    map[string]string
	kernel     string
	ramdisk    string
}

// NewMock creates a Mock with a single-root-disk VHD image and a responsive agent.
func NewMock() *Mock {
	return &Mock{
		failures:     make(map[string]error),
		vms:          make(map[VMRef]*mockVM),
		vdis:         make(map[VDIRef]*VDIRecord),
		vbds:         make(map[VBDRef]*VBDRecord),
		vifs:         make(map[VIFRef]VIFRecord),
		tasks:        make(map[TaskRef]*TaskRecord),
		ImageDisks:   []domain.DiskType{domain.DiskTypeRoot},
		ImageType:    ImageDiskVHD,
		ImageSize:    domain.GiB,
		Product:      []int{6, 0, 0},
		SRPath:       "/var/run/sr-mount/mock-sr",
		AgentVersion: "1.0.0",
	}
}

// NewDriver wraps the mock into a Driver.
func (m *Mock) NewDriver() *Driver {
	return &Driver{Name: "fake", Session: m, Disks: m, VIFs: m, Firewall: m}
}

// FailOn makes the named operation return err. Plugin calls are named
// "plugin:<plugin>/<method>". A nil err clears the injection.
func (m *Mock) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns the ordered call log.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CallIndex returns the position of the first call starting with prefix, or -1.
func (m *Mock) CallIndex(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

// CountCalls returns how many calls start with prefix.
func (m *Mock) CountCalls(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// PluginCalls returns the recorded plugin invocations.
func (m *Mock) PluginCalls() []PluginCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PluginCall(nil), m.plugins...)
}

// AddVM seeds a VM with one attached VDI per disk, at devices 0, 1, 2...
func (m *Mock) AddVM(nameLabel, powerState string, disks ...domain.DiskType) VMRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := VMRef(m.nextRef("vm"))
	m.vms[ref] = newMockVM(VMRecord{
		UUID:       uuid.NewString(),
		NameLabel:  nameLabel,
		PowerState: powerState,
		DomID:      m.domID(powerState),
	})
	for i, d := range disks {
		vdi := m.newVDI(string(d), m.ImageSize)
		m.attach(ref, vdi, i, VBDOptions{Type: VBDTypeDisk, Bootable: i == 0})
	}
	return ref
}

// AddTask seeds a pending task.
func (m *Mock) AddTask(nameLabel string, created time.Time) TaskRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := TaskRef(m.nextRef("task"))
	m.tasks[ref] = &TaskRecord{NameLabel: nameLabel, Created: created, Status: "pending"}
	return ref
}

// TaskStatus returns the status of a task.
func (m *Mock) TaskStatus(ref TaskRef) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[ref]; ok {
		return t.Status
	}
	return ""
}

// VMByName returns the record of the VM with this name-label.
func (m *Mock) VMByName(nameLabel string) (VMRef, VMRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, vm := range m.vms {
		if vm.rec.NameLabel == nameLabel {
			return ref, m.snapshotRecord(ref), true
		}
	}
	return "", VMRecord{}, false
}

// Xenstore returns a copy of the VM's guest parameter store.
func (m *Mock) Xenstore(ref VMRef) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm := m.vm(ref)
	if vm == nil {
		return nil
	}
	return copyMap(vm.xenstore)
}

// VCPUParams returns a copy of the VM's VCPUs_params.
func (m *Mock) VCPUParams(ref VMRef) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm := m.vm(ref)
	if vm == nil {
		return nil
	}
	return copyMap(vm.vcpuParams)
}

// BlockedOperations returns a copy of the VM's blocked operations.
func (m *Mock) BlockedOperations(ref VMRef) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm := m.vm(ref)
	if vm == nil {
		return nil
	}
	return copyMap(vm.blocked)
}

// AttachedDisks returns the VM's VBD records ordered by user device.
func (m *Mock) AttachedDisks(ref VMRef) []VBDRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm := m.vm(ref)
	if vm == nil {
		return nil
	}
	out := make([]VBDRecord, 0, len(vm.rec.VBDs))
	for _, vbd := range vm.rec.VBDs {
		out = append(out, *m.vbds[vbd])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserDevice < out[j].UserDevice })
	return out
}

// VDINameLabel returns the name-label of a VDI, or "" when it does not exist.
func (m *Mock) VDINameLabel(ref VDIRef) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.vdis[ref]; ok {
		return v.NameLabel
	}
	return ""
}

// HasVDI reports whether a VDI with this uuid exists.
func (m *Mock) HasVDI(vdiUUID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.vdiByUUID(vdiUUID)
	return ok
}

// VDICount returns the number of VDIs in the mock.
func (m *Mock) VDICount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vdis)
}

// VMCount returns the number of VM records, templates included.
func (m *Mock) VMCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vms)
}

// Session

func (m *Mock) CallPlugin(_ context.Context, plugin, method string, args map[string]string) (string, error) {
	m.mu.Lock()
	m.plugins = append(m.plugins, PluginCall{Plugin: plugin, Method: method, Args: copyMap(args)})
	err := m.record("plugin:" + plugin + "/" + method)
	handler := m.PluginHandler
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	if handler != nil {
		return handler(plugin, method, args)
	}
	return m.defaultPlugin(plugin, method, args)
}

func (m *Mock) defaultPlugin(plugin, method string, args map[string]string) (string, error) {
	switch plugin {
	case "agent":
		switch method {
		case "version":
			m.mu.Lock()
			version := m.AgentVersion
			m.mu.Unlock()
			if version == "" {
				return "", NewFailure("XENAPI_PLUGIN_FAILURE", method, "PluginError",
					"Traceback\nTIMEOUT: No response from agent within 30 seconds.")
			}
			return agentReply("0", version), nil
		case "key_init":
			return agentReply("D0", MockAgentPublic), nil
		default:
			return agentReply("0", ""), nil
		}
	case "migration":
		if method == "move_vhds_into_sr" {
			return "", m.moveVHDs(args["params"])
		}
	}
	return "", nil
}

func agentReply(code, message string) string {
	b, _ := json.Marshal(map[string]string{"returncode": code, "message": message})
	return string(b)
}

// moveVHDs makes the relinked disks visible under their fresh uuids.
func (m *Mock) moveVHDs(raw string) error {
	var params map[string]string
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return NewFailure("XENAPI_PLUGIN_FAILURE", "move_vhds_into_sr", "ValueError", err.Error())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pair := range [][2]string{
		{"old_base_copy_uuid", "new_base_copy_uuid"},
		{"old_cow_uuid", "new_cow_uuid"},
	} {
		newUUID := params[pair[1]]
		if newUUID == "" {
			continue
		}
		size := m.ImageSize
		if ref, ok := m.vdiByUUID(params[pair[0]]); ok {
			size = m.vdis[ref].VirtualSize
		}
		ref := VDIRef(m.nextRef("vdi"))
		m.vdis[ref] = &VDIRecord{UUID: newUUID, VirtualSize: size}
	}
	return nil
}

func (m *Mock) LookupVM(_ context.Context, nameLabel string) (VMRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("VM.get_by_name_label", nameLabel); err != nil {
		return "", err
	}
	var found []VMRef
	for ref, vm := range m.vms {
		if vm.rec.NameLabel == nameLabel {
			found = append(found, ref)
		}
	}
	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("duplicate name-label %q: %d VMs", nameLabel, len(found))
	}
}

func (m *Mock) ListVMs(_ context.Context) ([]VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("VM.get_all_records"); err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(m.vms))
	for ref, vm := range m.vms {
		if vm.rec.IsATemplate || vm.rec.IsControlDomain {
			continue
		}
		refs = append(refs, string(ref))
	}
	sort.Strings(refs)
	out := make([]VM, 0, len(refs))
	for _, ref := range refs {
		out = append(out, VM{Ref: VMRef(ref), Record: m.snapshotRecord(VMRef(ref))})
	}
	return out, nil
}

func (m *Mock) GetVMRecord(_ context.Context, ref VMRef) (VMRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vm(ref) == nil {
		return VMRecord{}, NewFailure("HANDLE_INVALID", "VM", string(ref))
	}
	return m.snapshotRecord(ref), nil
}

func (m *Mock) StartVMOn(_ context.Context, ref VMRef) error {
	return m.start("VM.start_on", ref)
}

func (m *Mock) StartVM(_ context.Context, ref VMRef) error {
	return m.start("VM.start", ref)
}

func (m *Mock) start(op string, ref VMRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op(op, ref)
	if err != nil {
		return err
	}
	if _, blocked := vm.blocked["start"]; blocked {
		return NewFailure("OPERATION_BLOCKED", string(ref), "start")
	}
	vm.rec.PowerState = PowerRunning
	vm.rec.DomID = strconv.Itoa(m.bump())
	return nil
}

func (m *Mock) CleanShutdownVM(_ context.Context, ref VMRef) error {
	return m.setPower("VM.clean_shutdown", ref, PowerHalted)
}

func (m *Mock) HardShutdownVM(_ context.Context, ref VMRef) error {
	return m.setPower("VM.hard_shutdown", ref, PowerHalted)
}

func (m *Mock) CleanRebootVM(_ context.Context, ref VMRef) error {
	return m.setPower("VM.clean_reboot", ref, PowerRunning)
}

func (m *Mock) HardRebootVM(_ context.Context, ref VMRef) error {
	return m.setPower("VM.hard_reboot", ref, PowerRunning)
}

func (m *Mock) PauseVM(_ context.Context, ref VMRef) error {
	return m.setPower("VM.pause", ref, PowerPaused)
}

func (m *Mock) UnpauseVM(_ context.Context, ref VMRef) error {
	return m.setPower("VM.unpause", ref, PowerRunning)
}

func (m *Mock) SuspendVM(_ context.Context, ref VMRef) error {
	return m.setPower("VM.suspend", ref, PowerSuspended)
}

func (m *Mock) ResumeVM(_ context.Context, ref VMRef) error {
	return m.setPower("VM.resume", ref, PowerRunning)
}

func (m *Mock) setPower(op string, ref VMRef, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op(op, ref)
	if err != nil {
		return err
	}
	vm.rec.PowerState = state
	if state == PowerRunning && (op == "VM.clean_reboot" || op == "VM.hard_reboot") {
		vm.rec.DomID = strconv.Itoa(m.bump())
	} else {
		vm.rec.DomID = m.domID(state)
	}
	return nil
}

func (m *Mock) DestroyVM(_ context.Context, ref VMRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op("VM.destroy", ref)
	if err != nil {
		return err
	}
	for _, vbd := range vm.rec.VBDs {
		delete(m.vbds, vbd)
	}
	for _, vif := range vm.rec.VIFs {
		delete(m.vifs, vif)
	}
	delete(m.vms, ref)
	return nil
}

func (m *Mock) SetVMNameLabel(_ context.Context, ref VMRef, nameLabel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op("VM.set_name_label", ref, nameLabel)
	if err != nil {
		return err
	}
	vm.rec.NameLabel = nameLabel
	return nil
}

func (m *Mock) SetBlockedOperations(_ context.Context, ref VMRef, ops map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op("VM.set_blocked_operations", ref)
	if err != nil {
		return err
	}
	vm.blocked = copyMap(ops)
	return nil
}

func (m *Mock) RemoveFromBlockedOperations(_ context.Context, ref VMRef, op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op("VM.remove_from_blocked_operations", ref, op)
	if err != nil {
		return err
	}
	delete(vm.blocked, op)
	return nil
}

func (m *Mock) AddToVCPUsParams(_ context.Context, ref VMRef, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op("VM.add_to_VCPUs_params", ref, key, value)
	if err != nil {
		return err
	}
	vm.vcpuParams[key] = value
	return nil
}

func (m *Mock) AddToXenstoreData(_ context.Context, ref VMRef, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op("VM.add_to_xenstore_data", ref, key)
	if err != nil {
		return err
	}
	if _, exists := vm.xenstore[key]; exists {
		return NewFailure("MAP_DUPLICATE_KEY", "VM", "xenstore_data", key)
	}
	vm.xenstore[key] = value
	return nil
}

func (m *Mock) RemoveFromXenstoreData(_ context.Context, ref VMRef, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op("VM.remove_from_xenstore_data", ref, key)
	if err != nil {
		return err
	}
	delete(vm.xenstore, key)
	return nil
}

func (m *Mock) GetVBDs(_ context.Context, ref VMRef) ([]VBDRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op("VM.get_VBDs", ref)
	if err != nil {
		return nil, err
	}
	return append([]VBDRef(nil), vm.rec.VBDs...), nil
}

func (m *Mock) GetVBDRecord(_ context.Context, ref VBDRef) (VBDRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vbd, ok := m.vbds[ref]
	if !ok {
		return VBDRecord{}, NewFailure("HANDLE_INVALID", "VBD", string(ref))
	}
	return *vbd, nil
}

func (m *Mock) PlugVBD(_ context.Context, ref VBDRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("VBD.plug", string(ref)); err != nil {
		return err
	}
	if _, ok := m.vbds[ref]; !ok {
		return NewFailure("HANDLE_INVALID", "VBD", string(ref))
	}
	return nil
}

func (m *Mock) VDIByUUID(_ context.Context, vdiUUID string) (VDIRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("VDI.get_by_uuid", vdiUUID); err != nil {
		return "", err
	}
	ref, ok := m.vdiByUUID(vdiUUID)
	if !ok {
		return "", NewFailure("UUID_INVALID", "VDI", vdiUUID)
	}
	return ref, nil
}

func (m *Mock) VDIVirtualSize(_ context.Context, ref VDIRef) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vdi, ok := m.vdis[ref]
	if !ok {
		return 0, NewFailure("HANDLE_INVALID", "VDI", string(ref))
	}
	return vdi.VirtualSize, nil
}

func (m *Mock) ResizeVDI(_ context.Context, ref VDIRef, size int64) error {
	return m.resize("VDI.resize", ref, size)
}

func (m *Mock) ResizeVDIOnline(_ context.Context, ref VDIRef, size int64) error {
	return m.resize("VDI.resize_online", ref, size)
}

func (m *Mock) resize(op string, ref VDIRef, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(op, string(ref), strconv.FormatInt(size, 10)); err != nil {
		return err
	}
	vdi, ok := m.vdis[ref]
	if !ok {
		return NewFailure("HANDLE_INVALID", "VDI", string(ref))
	}
	vdi.VirtualSize = size
	return nil
}

func (m *Mock) CreateVIF(_ context.Context, rec VIFRecord) (VIFRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op("VIF.create", rec.VM, strconv.Itoa(rec.Device))
	if err != nil {
		return "", err
	}
	ref := VIFRef(m.nextRef("vif"))
	m.vifs[ref] = rec
	vm.rec.VIFs = append(vm.rec.VIFs, ref)
	return ref, nil
}

func (m *Mock) TasksByNameLabel(_ context.Context, nameLabel string) ([]TaskRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("task.get_by_name_label", nameLabel); err != nil {
		return nil, err
	}
	var out []TaskRef
	for ref, t := range m.tasks {
		if t.NameLabel == nameLabel {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Mock) GetTaskRecord(_ context.Context, ref TaskRef) (TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[ref]
	if !ok {
		return TaskRecord{}, NewFailure("HANDLE_INVALID", "task", string(ref))
	}
	return *t, nil
}

func (m *Mock) CancelTask(_ context.Context, ref TaskRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("task.cancel", string(ref)); err != nil {
		return err
	}
	t, ok := m.tasks[ref]
	if !ok {
		return NewFailure("HANDLE_INVALID", "task", string(ref))
	}
	t.Status = "cancelled"
	return nil
}

func (m *Mock) ProductVersion() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.Product...)
}

// DiskHelper

func (m *Mock) DetermineDiskImageType(_ ImageMeta) ImageType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ImageType
}

func (m *Mock) CreateImage(_ context.Context, inst *domain.Instance, image ImageMeta, _ ImageType) ([]domain.DiskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("helper.create_image", inst.Name, image.ID); err != nil {
		return nil, err
	}
	disks := make([]domain.DiskInfo, 0, len(m.ImageDisks))
	for _, t := range m.ImageDisks {
		ref := m.newVDI(string(t), m.ImageSize)
		disks = append(disks, domain.DiskInfo{Type: t, UUID: m.vdis[ref].UUID})
	}
	return disks, nil
}

func (m *Mock) CreateKernelImage(_ context.Context, inst *domain.Instance, imageID string, t ImageType) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("helper.create_kernel_image", t.String(), imageID); err != nil {
		return "", err
	}
	return "/boot/guest/" + t.String() + "-" + imageID, nil
}

func (m *Mock) LookupKernelRamdisk(_ context.Context, ref VMRef) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op("helper.lookup_kernel_ramdisk", ref)
	if err != nil {
		return "", "", err
	}
	return vm.kernel, vm.ramdisk, nil
}

func (m *Mock) DetermineIsPV(_ context.Context, vdi VDIRef, t ImageType, osType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("helper.determine_is_pv", string(vdi), t.String(), osType); err != nil {
		return false, err
	}
	return m.IsPV, nil
}

func (m *Mock) EnsureFreeMem(_ context.Context, inst *domain.Instance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("helper.ensure_free_mem", inst.Name); err != nil {
		return false, err
	}
	return !m.NoFreeMem, nil
}

func (m *Mock) CreateVM(_ context.Context, inst *domain.Instance, kernelFile, ramdiskFile string, usePV bool) (VMRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("VM.create", inst.VMName(), strconv.FormatBool(usePV)); err != nil {
		return "", err
	}
	ref := VMRef(m.nextRef("vm"))
	vm := newMockVM(VMRecord{
		UUID:       uuid.NewString(),
		NameLabel:  inst.VMName(),
		PowerState: PowerHalted,
		DomID:      "-1",
	})
	vm.kernel, vm.ramdisk = kernelFile, ramdiskFile
	m.vms[ref] = vm
	return ref, nil
}

func (m *Mock) CreateVBD(_ context.Context, vm VMRef, vdi VDIRef, userDevice int, opts VBDOptions) (VBDRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.op("VBD.create", vm, string(vdi), strconv.Itoa(userDevice)); err != nil {
		return "", err
	}
	if opts.Type == "" {
		opts.Type = VBDTypeDisk
	}
	return m.attach(vm, vdi, userDevice, opts), nil
}

func (m *Mock) FetchBlankDisk(_ context.Context, inst *domain.Instance) (VDIRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("helper.fetch_blank_disk", inst.Name); err != nil {
		return "", err
	}
	return m.newVDI("blank", int64(inst.RootGB)*domain.GiB), nil
}

func (m *Mock) AutoConfigureDisk(_ context.Context, vdi VDIRef, rootGB int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("helper.auto_configure_disk", string(vdi), strconv.Itoa(rootGB))
}

func (m *Mock) GenerateSwap(_ context.Context, _ *domain.Instance, vm VMRef, userDevice, swapMB int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.op("helper.generate_swap", vm, strconv.Itoa(userDevice)); err != nil {
		return err
	}
	vdi := m.newVDI(string(domain.DiskTypeSwap), int64(swapMB)*1024*1024)
	m.attach(vm, vdi, userDevice, VBDOptions{Type: VBDTypeDisk})
	return nil
}

func (m *Mock) GenerateEphemeral(_ context.Context, _ *domain.Instance, vm VMRef, userDevice, sizeGB int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.op("helper.generate_ephemeral", vm, strconv.Itoa(userDevice)); err != nil {
		return err
	}
	vdi := m.newVDI(string(domain.DiskTypeEphemeral), int64(sizeGB)*domain.GiB)
	m.attach(vm, vdi, userDevice, VBDOptions{Type: VBDTypeDisk})
	return nil
}

func (m *Mock) PreconfigureInstance(_ context.Context, inst *domain.Instance, vdi VDIRef, _ domain.NetworkInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("helper.preconfigure_instance", inst.Name, string(vdi))
}

func (m *Mock) DestroyVDI(_ context.Context, ref VDIRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("VDI.destroy", string(ref)); err != nil {
		return err
	}
	if _, ok := m.vdis[ref]; !ok {
		return &StorageError{Msg: "unable to destroy VDI " + string(ref)}
	}
	delete(m.vdis, ref)
	return nil
}

func (m *Mock) LookupVMVDIs(_ context.Context, ref VMRef) ([]VDIRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op("helper.lookup_vm_vdis", ref)
	if err != nil {
		return nil, err
	}
	var out []VDIRef
	for _, vbd := range vm.rec.VBDs {
		if rec, ok := m.vbds[vbd]; ok && rec.VDI != "" {
			out = append(out, rec.VDI)
		}
	}
	return out, nil
}

func (m *Mock) IsSnapshot(_ context.Context, ref VMRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm := m.vm(ref)
	if vm == nil {
		return false, NewFailure("HANDLE_INVALID", "VM", string(ref))
	}
	return vm.rec.IsSnapshot, nil
}

func (m *Mock) CreateSnapshot(_ context.Context, _ *domain.Instance, ref VMRef, label string) (VMRef, map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.op("VM.snapshot", ref, label); err != nil {
		return "", nil, err
	}
	base := m.newVDI("base_copy", m.ImageSize)
	snap := m.newVDI("snapshot", m.ImageSize)
	tmpl := VMRef(m.nextRef("vm"))
	m.vms[tmpl] = newMockVM(VMRecord{
		UUID:        uuid.NewString(),
		NameLabel:   label,
		PowerState:  PowerHalted,
		DomID:       "-1",
		IsATemplate: true,
		IsSnapshot:  true,
	})
	m.attach(tmpl, snap, 0, VBDOptions{Type: VBDTypeDisk})
	return tmpl, map[string]string{
		"image": m.vdis[base].UUID,
		"snap":  m.vdis[snap].UUID,
	}, nil
}

func (m *Mock) UploadImage(_ context.Context, inst *domain.Instance, vdiUUIDs map[string]string, imageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("helper.upload_image", inst.Name, vdiUUIDs["image"], imageID)
}

func (m *Mock) GetVDIForVMSafely(_ context.Context, ref VMRef) (VDIRef, VDIRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, err := m.op("helper.get_vdi_for_vm_safely", ref)
	if err != nil {
		return "", VDIRecord{}, err
	}
	for _, vbd := range vm.rec.VBDs {
		rec := m.vbds[vbd]
		if vdi, ok := m.vdis[rec.VDI]; ok && rec.UserDevice == 0 {
			return rec.VDI, *vdi, nil
		}
	}
	return "", VDIRecord{}, NewFailure("VDI_MISSING", string(ref))
}

func (m *Mock) GetSRPath(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("helper.get_sr_path"); err != nil {
		return "", err
	}
	return m.SRPath, nil
}

func (m *Mock) ResizeDisk(_ context.Context, vdi VDIRef, newRootGB int) (VDIRef, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("helper.resize_disk", string(vdi), strconv.Itoa(newRootGB)); err != nil {
		return "", "", err
	}
	if _, ok := m.vdis[vdi]; !ok {
		return "", "", NewFailure("HANDLE_INVALID", "VDI", string(vdi))
	}
	ref := m.newVDI("resized", int64(newRootGB)*domain.GiB)
	return ref, m.vdis[ref].UUID, nil
}

func (m *Mock) ScanDefaultSR(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("SR.scan")
}

func (m *Mock) SetVDIName(_ context.Context, vdiUUID, nameLabel, vdiType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("VDI.set_name_label", vdiUUID, nameLabel, vdiType); err != nil {
		return err
	}
	ref, ok := m.vdiByUUID(vdiUUID)
	if !ok {
		return NewFailure("UUID_INVALID", "VDI", vdiUUID)
	}
	m.vdis[ref].NameLabel = nameLabel
	return nil
}

// VIFDriver

func (m *Mock) Plug(_ context.Context, _ *domain.Instance, vif domain.VIF, vm VMRef, device int) (VIFRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("vif.plug", vif.Mapping.MAC, strconv.Itoa(device)); err != nil {
		return VIFRecord{}, err
	}
	return VIFRecord{
		Device:  device,
		Network: NetworkRef("OpaqueRef:net-" + vif.Network.Bridge),
		VM:      vm,
		MAC:     vif.Mapping.MAC,
		MTU:     1500,
	}, nil
}

func (m *Mock) Unplug(_ context.Context, _ *domain.Instance, vif domain.VIF) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("vif.unplug", vif.Mapping.MAC)
}

// Firewall

func (m *Mock) SetupBasicFiltering(_ context.Context, inst *domain.Instance, _ domain.NetworkInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("firewall.setup_basic_filtering", inst.Name); err != nil {
		return err
	}
	if m.BasicFilteringUnsupported {
		return ErrNotImplemented
	}
	return nil
}

func (m *Mock) PrepareInstanceFilter(_ context.Context, inst *domain.Instance, _ domain.NetworkInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("firewall.prepare_instance_filter", inst.Name)
}

func (m *Mock) ApplyInstanceFilter(_ context.Context, inst *domain.Instance, _ domain.NetworkInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("firewall.apply_instance_filter", inst.Name)
}

func (m *Mock) UnfilterInstance(_ context.Context, inst *domain.Instance, _ domain.NetworkInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("firewall.unfilter_instance", inst.Name)
}

func (m *Mock) RefreshSecurityGroupRules(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("firewall.refresh_security_group_rules", id)
}

func (m *Mock) RefreshSecurityGroupMembers(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("firewall.refresh_security_group_members", id)
}

func (m *Mock) RefreshProviderFWRules(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("firewall.refresh_provider_fw_rules")
}

// internals; callers hold m.mu

func newMockVM(rec VMRecord) *mockVM {
	return &mockVM{
		rec:        rec,
		xenstore:   make(map[string]string),
		vcpuParams: make(map[string]string),
		blocked:    make(map[string]string),
	}
}

func (m *Mock) record(op string, args ...string) error {
	entry := op
	if len(args) > 0 {
		entry += " " + strings.Join(args, " ")
	}
	m.calls = append(m.calls, entry)
	return m.failures[op]
}

// op records the call and resolves the VM, failing on injection or a bad handle.
func (m *Mock) op(op string, ref VMRef, args ...string) (*mockVM, error) {
	label := string(ref)
	if vm := m.vm(ref); vm != nil {
		label = vm.rec.NameLabel
	}
	if err := m.record(op, append([]string{label}, args...)...); err != nil {
		return nil, err
	}
	vm := m.vm(ref)
	if vm == nil {
		return nil, NewFailure("HANDLE_INVALID", "VM", string(ref))
	}
	return vm, nil
}

func (m *Mock) vm(ref VMRef) *mockVM {
	if ref == "" {
		return nil
	}
	return m.vms[ref]
}

func (m *Mock) snapshotRecord(ref VMRef) VMRecord {
	rec := m.vms[ref].rec
	rec.VBDs = append([]VBDRef(nil), rec.VBDs...)
	rec.VIFs = append([]VIFRef(nil), rec.VIFs...)
	return rec
}

func (m *Mock) bump() int {
	m.seq++
	return m.seq
}

func (m *Mock) nextRef(kind string) string {
	return fmt.Sprintf("OpaqueRef:%s-%04d", kind, m.bump())
}

func (m *Mock) domID(powerState string) string {
	if powerState == PowerRunning || powerState == PowerPaused {
		return strconv.Itoa(m.bump())
	}
	return "-1"
}

func (m *Mock) newVDI(nameLabel string, size int64) VDIRef {
	ref := VDIRef(m.nextRef("vdi"))
	m.vdis[ref] = &VDIRecord{UUID: uuid.NewString(), NameLabel: nameLabel, VirtualSize: size}
	return ref
}

func (m *Mock) attach(vm VMRef, vdi VDIRef, userDevice int, opts VBDOptions) VBDRef {
	ref := VBDRef(m.nextRef("vbd"))
	m.vbds[ref] = &VBDRecord{VM: vm, VDI: vdi, UserDevice: userDevice, Type: opts.Type, Bootable: opts.Bootable}
	if v := m.vm(vm); v != nil {
		v.rec.VBDs = append(v.rec.VBDs, ref)
	}
	return ref
}

func (m *Mock) vdiByUUID(vdiUUID string) (VDIRef, bool) {
	for ref, vdi := range m.vdis {
		if vdi.UUID == vdiUUID {
			return ref, true
		}
	}
	return "", false
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var (
	_ Session    = (*Mock)(nil)
	_ DiskHelper = (*Mock)(nil)
	_ VIFDriver  = (*Mock)(nil)
	_ Firewall   = (*Mock)(nil)
)
