package saga

import "conductor.io/conductor/internal/domain"

// Result is the tagged value a step produces. The variants below are the only
// implementations; use a type switch or As to unpack.
type Result interface {
	isResult()
}

// None is the result of a step that produces nothing.
type None struct{}

// Disks is the result of a disk-allocation step.
type Disks []domain.DiskInfo

// KernelRamdisk is the result of a boot-artifact staging step.
type KernelRamdisk domain.KernelRamdisk

// VM is the result of a VM-record creation step.
type VM struct {
	Ref string
}

func (None) isResult()          {}
func (Disks) isResult()         {}
func (KernelRamdisk) isResult() {}
func (VM) isResult()            {}

// As unpacks r into the variant T.
func As[T Result](r Result) (T, bool) {
	v, ok := r.(T)
	return v, ok
}
