// Package fake registers the "fake" hypervisor driver, an in-memory control
// plane for local runs and demos.
package fake

import (
	"context"

	"conductor.io/conductor/pkg/hypervisorplugin"
)

// Factory opens in-memory drivers. Options.Extra["agent_version"] sets the
// version the simulated guest agent reports.
type Factory struct{}

func (f *Factory) Type() string {
	return "fake"
}

func (f *Factory) Describe() hypervisorplugin.Descriptor {
	return hypervisorplugin.Descriptor{
		Type:        f.Type(),
		DisplayName: "Fake",
		Description: "In-memory control plane with a simulated guest agent",
	}
}

func (f *Factory) Open(_ context.Context, opts hypervisorplugin.Options) (*hypervisorplugin.Driver, error) {
	version := "1.0.0"
	if v, ok := opts.Extra["agent_version"]; ok {
		version = v
	}
	return hypervisorplugin.NewInMemoryDriver(version), nil
}

func init() {
	hypervisorplugin.MustRegisterFactory(&Factory{})
}
