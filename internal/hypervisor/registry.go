package hypervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Options carries the connection settings handed to a driver factory.
type Options struct {
	URL      string
	Username string
	Password string
	// Extra holds driver-specific settings.
	Extra map[string]string
}

// DriverDescriptor describes a registered driver type.
type DriverDescriptor struct {
	Type        string
	DisplayName string
	Description string
}

// Factory opens a Driver for one hypervisor backend.
type Factory interface {
	// Type returns the driver key selected by hypervisor.driver in config.
	Type() string
	Open(ctx context.Context, opts Options) (*Driver, error)
}

// FactoryDescriber is an optional Factory extension for metadata exposure.
type FactoryDescriber interface {
	Describe() DriverDescriptor
}

// Registry stores available driver factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register registers a factory by type. Duplicate type keys are rejected.
func (r *Registry) Register(f Factory) error {
	if f == nil {
		return fmt.Errorf("factory is nil")
	}
	t := normalizeType(f.Type())
	if t == "" {
		return fmt.Errorf("factory type is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[t]; exists {
		return fmt.Errorf("driver type already registered: %s", t)
	}
	r.factories[t] = f
	return nil
}

// Resolve returns the factory for a type, or nil.
func (r *Registry) Resolve(driverType string) Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[normalizeType(driverType)]
}

// Open resolves the factory and opens a driver.
func (r *Registry) Open(ctx context.Context, driverType string, opts Options) (*Driver, error) {
	f := r.Resolve(driverType)
	if f == nil {
		return nil, fmt.Errorf("unknown hypervisor driver %q (registered: %s)", driverType, strings.Join(r.types(), ", "))
	}
	d, err := f.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open hypervisor driver %s: %w", driverType, err)
	}
	if d.Name == "" {
		d.Name = normalizeType(driverType)
	}
	return d, nil
}

// List returns all registered driver descriptors sorted by type.
func (r *Registry) List() []DriverDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]DriverDescriptor, 0, len(r.factories))
	for t, f := range r.factories {
		desc := DriverDescriptor{Type: t}
		if describer, ok := f.(FactoryDescriber); ok {
			desc = describer.Describe()
			desc.Type = t
		}
		if strings.TrimSpace(desc.DisplayName) == "" {
			desc.DisplayName = strings.ToUpper(t)
		}
		items = append(items, desc)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Type < items[j].Type })
	return items
}

func (r *Registry) types() []string {
	var out []string
	for _, d := range r.List() {
		out = append(out, d.Type)
	}
	return out
}

func normalizeType(t string) string {
	return strings.TrimSpace(strings.ToLower(t))
}

var globalRegistry = NewRegistry()

// RegisterFactory registers a driver factory globally.
func RegisterFactory(f Factory) error {
	return globalRegistry.Register(f)
}

// OpenDriver opens a driver from the global registry.
func OpenDriver(ctx context.Context, driverType string, opts Options) (*Driver, error) {
	return globalRegistry.Open(ctx, driverType, opts)
}

// ListDriverTypes returns all globally registered driver descriptors.
func ListDriverTypes() []DriverDescriptor {
	return globalRegistry.List()
}
