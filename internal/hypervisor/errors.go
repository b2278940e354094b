package hypervisor

import (
	"errors"
	"strings"
)

// ErrNotImplemented is returned by optional driver capabilities.
var ErrNotImplemented = errors.New("not implemented")

// Failure is a control-plane protocol error. Details follows the wire
// convention: the first entry is the error code, the rest are parameters.
type Failure struct {
	Details []string
}

// NewFailure creates a Failure from its details.
func NewFailure(details ...string) *Failure {
	return &Failure{Details: details}
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if len(f.Details) == 0 {
		return "hypervisor failure"
	}
	return "hypervisor failure: " + strings.Join(f.Details, ", ")
}

// Code returns the first detail, or "" when there are none.
func (f *Failure) Code() string {
	if len(f.Details) == 0 {
		return ""
	}
	return f.Details[0]
}

// LastLine returns the last line of the last detail. Plugin failures put the
// remote traceback in the last detail with the message on its final line.
func (f *Failure) LastLine() string {
	if len(f.Details) == 0 {
		return ""
	}
	last := strings.TrimRight(f.Details[len(f.Details)-1], "\n")
	if i := strings.LastIndex(last, "\n"); i >= 0 {
		return last[i+1:]
	}
	return last
}

// IsFailure reports whether err wraps a *Failure and returns it.
func IsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// StorageError is returned by DiskHelper when the storage layer refuses an operation.
type StorageError struct {
	Msg string
}

// Error implements the error interface.
func (e *StorageError) Error() string { return "storage error: " + e.Msg }

// IsStorageError reports whether err wraps a *StorageError.
func IsStorageError(err error) bool {
	var s *StorageError
	return errors.As(err, &s)
}
