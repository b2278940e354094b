// Package autoreg loads hypervisor driver plugins through side-effect imports.
//
// This package is imported once by the composition root so plugin packages can
// self-register factories in init() using the public plugin contract package.
package autoreg

import (
	_ "conductor.io/conductor/plugins/hypervisor/fake"
)
