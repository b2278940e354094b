// Package vmops orchestrates VM workflows on a hypervisor control plane:
// provisioning, resize/migration, rescue, snapshot and teardown.
//
// Provisioning runs as a compensating saga so a failure part way through
// leaves nothing behind. Migration reports progress on a fixed checkpoint
// scale instead, because its steps differ by direction.
//
// Import Path: conductor.io/conductor/internal/vmops
package vmops

import (
	"context"
	"time"

	"go.uber.org/zap"

	"conductor.io/conductor/internal/agent"
	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/hypervisor"
	apperrors "conductor.io/conductor/internal/pkg/errors"
	"conductor.io/conductor/internal/pkg/logger"
	"conductor.io/conductor/internal/saga"
)

// HypervisorType is the hypervisor name agent builds are published under.
const HypervisorType = "xen"

// Config holds the hypervisor tunables the workflows read.
type Config struct {
	// RunningTimeout bounds the wait for a freshly started VM to report running.
	RunningTimeout time.Duration
	// RunningPollInterval spaces power-state polls while waiting.
	RunningPollInterval time.Duration
	// AgentVersionTimeout bounds the wait for the guest agent to answer.
	AgentVersionTimeout time.Duration
	// AgentPollInterval spaces agent version attempts.
	AgentPollInterval time.Duration
	// GenerateSwap creates a swap disk instead of using one shipped with the image.
	GenerateSwap bool
	// FlatInjected writes network configuration into the root disk before boot.
	FlatInjected bool
}

// DefaultConfig returns the defaults used when no configuration is loaded.
func DefaultConfig() Config {
	return Config{
		RunningTimeout:      60 * time.Second,
		RunningPollInterval: 500 * time.Millisecond,
		AgentVersionTimeout: 300 * time.Second,
		AgentPollInterval:   time.Second,
	}
}

// VMOps runs workflows against one hypervisor driver.
type VMOps struct {
	session  hypervisor.Session
	disks    hypervisor.DiskHelper
	vifs     hypervisor.VIFDriver
	firewall hypervisor.Firewall
	store    domain.Persistence
	cfg      Config

	builds        agent.BuildSource
	cipher        *agent.Cipher
	events        *domain.EventDispatcher
	sagaObserver  saga.Observer
	agentObserver agent.Observer
}

// Option configures VMOps.
type Option func(*VMOps)

// WithBuildSource enables agent upgrades at boot.
func WithBuildSource(b agent.BuildSource) Option {
	return func(o *VMOps) { o.builds = b }
}

// WithCipher selects the cipher used for admin passwords.
func WithCipher(c *agent.Cipher) Option {
	return func(o *VMOps) { o.cipher = c }
}

// WithEvents publishes lifecycle events to d.
func WithEvents(d *domain.EventDispatcher) Option {
	return func(o *VMOps) { o.events = d }
}

// WithSagaObserver attaches step metrics to every provisioning saga.
func WithSagaObserver(obs saga.Observer) Option {
	return func(o *VMOps) { o.sagaObserver = obs }
}

// WithAgentObserver attaches call metrics to every agent channel.
func WithAgentObserver(obs agent.Observer) Option {
	return func(o *VMOps) { o.agentObserver = obs }
}

// New creates VMOps over driver, persisting instance state through store.
func New(driver *hypervisor.Driver, store domain.Persistence, cfg Config, opts ...Option) *VMOps {
	o := &VMOps{
		session:  driver.Session,
		disks:    driver.Disks,
		vifs:     driver.VIFs,
		firewall: driver.Firewall,
		store:    store,
		cfg:      cfg,
		cipher:   agent.DefaultCipher(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Session exposes the underlying hypervisor session.
func (o *VMOps) Session() hypervisor.Session { return o.session }

func (o *VMOps) agentFor(vm hypervisor.VMRef, log *zap.Logger) *agent.Channel {
	opts := []agent.Option{
		agent.WithLogger(log),
		agent.WithCipher(o.cipher),
		agent.WithVersionTimeout(o.cfg.AgentVersionTimeout),
	}
	if o.cfg.AgentPollInterval > 0 {
		opts = append(opts, agent.WithPollInterval(o.cfg.AgentPollInterval))
	}
	if o.agentObserver != nil {
		opts = append(opts, agent.WithObserver(o.agentObserver))
	}
	return agent.NewChannel(o.session, vm, opts...)
}

// lookupInstanceVM resolves the VM carrying the instance's name-label.
func (o *VMOps) lookupInstanceVM(ctx context.Context, inst *domain.Instance) (hypervisor.VMRef, error) {
	name := inst.VMName()
	vm, err := o.session.LookupVM(ctx, name)
	if err != nil {
		return "", err
	}
	if vm == "" {
		return "", apperrors.ErrInstanceNotFoundf(name)
	}
	return vm, nil
}

// start powers on vm on this host.
func (o *VMOps) start(ctx context.Context, inst *domain.Instance, vm hypervisor.VMRef) error {
	logger.ForInstance(inst.UUID, inst.Name).Debug("Starting instance")
	return o.session.StartVMOn(ctx, vm)
}

func (o *VMOps) dispatch(ctx context.Context, t domain.EventType, inst *domain.Instance, workflow string, cause error) {
	_ = o.events.Dispatch(ctx, &domain.InstanceEvent{
		EventType:    t,
		InstanceUUID: inst.UUID,
		Workflow:     workflow,
		Err:          cause,
	})
}

// InstanceInfo is the name and power state of a VM on this host.
type InstanceInfo struct {
	Name  string
	State domain.PowerState
}

// ListInstances returns the name-labels of every guest VM.
func (o *VMOps) ListInstances(ctx context.Context) ([]string, error) {
	vms, err := o.session.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(vms))
	for _, vm := range vms {
		names = append(names, vm.Record.NameLabel)
	}
	return names, nil
}

// ListInstancesDetail returns name and power state of every guest VM.
func (o *VMOps) ListInstancesDetail(ctx context.Context) ([]InstanceInfo, error) {
	vms, err := o.session.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]InstanceInfo, 0, len(vms))
	for _, vm := range vms {
		out = append(out, InstanceInfo{Name: vm.Record.NameLabel, State: vm.Record.State()})
	}
	return out, nil
}

// GetInfo returns the power state of the instance's VM.
func (o *VMOps) GetInfo(ctx context.Context, inst *domain.Instance) (InstanceInfo, error) {
	vm, err := o.lookupInstanceVM(ctx, inst)
	if err != nil {
		return InstanceInfo{}, err
	}
	rec, err := o.session.GetVMRecord(ctx, vm)
	if err != nil {
		return InstanceInfo{}, err
	}
	return InstanceInfo{Name: rec.NameLabel, State: rec.State()}, nil
}

// RefreshSecurityGroupRules re-applies the rules of one security group.
func (o *VMOps) RefreshSecurityGroupRules(ctx context.Context, securityGroupID string) error {
	return o.firewall.RefreshSecurityGroupRules(ctx, securityGroupID)
}

// RefreshSecurityGroupMembers re-applies rules that reference group membership.
func (o *VMOps) RefreshSecurityGroupMembers(ctx context.Context, securityGroupID string) error {
	return o.firewall.RefreshSecurityGroupMembers(ctx, securityGroupID)
}

// RefreshProviderFWRules re-applies provider-level firewall rules.
func (o *VMOps) RefreshProviderFWRules(ctx context.Context) error {
	return o.firewall.RefreshProviderFWRules(ctx)
}

// UnfilterInstance removes the instance's firewall filters.
func (o *VMOps) UnfilterInstance(ctx context.Context, inst *domain.Instance, network domain.NetworkInfo) error {
	return o.firewall.UnfilterInstance(ctx, inst, network)
}
