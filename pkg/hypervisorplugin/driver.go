// Package hypervisorplugin is the public contract for hypervisor driver plugins.
//
// Plugins implement Factory and register it from init(); the composition root
// loads them with a side-effect import of plugins/hypervisor/autoreg.
package hypervisorplugin

import (
	"fmt"

	"conductor.io/conductor/internal/hypervisor"
)

// Factory opens a driver for one hypervisor backend.
type Factory = hypervisor.Factory

// FactoryDescriber allows plugins to expose type metadata.
type FactoryDescriber = hypervisor.FactoryDescriber

// Descriptor is the discoverable driver type metadata.
type Descriptor = hypervisor.DriverDescriptor

// Options carries connection settings.
type Options = hypervisor.Options

// Driver bundles the collaborators a plugin provides.
type Driver = hypervisor.Driver

// RegisterFactory registers a driver factory.
func RegisterFactory(f Factory) error {
	return hypervisor.RegisterFactory(f)
}

// MustRegisterFactory registers a driver factory and panics on failure.
func MustRegisterFactory(f Factory) {
	if err := RegisterFactory(f); err != nil {
		panic(fmt.Sprintf("hypervisor plugin register failed: %v", err))
	}
}

// ListRegisteredTypes returns current registered driver types.
func ListRegisteredTypes() []Descriptor {
	return hypervisor.ListDriverTypes()
}

// NewInMemoryDriver returns a driver backed by the in-memory control plane.
// The agent reports agentVersion; empty simulates a guest without an agent.
func NewInMemoryDriver(agentVersion string) *Driver {
	m := hypervisor.NewMock()
	m.AgentVersion = agentVersion
	return m.NewDriver()
}
