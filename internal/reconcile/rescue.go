package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/hypervisor"
)

// RescueOps is the subset of the VM workflows the rescue poller drives.
type RescueOps interface {
	Session() hypervisor.Session
	DestroyRescueInstance(ctx context.Context, rescueVM, originalVM hypervisor.VMRef) error
	ReleaseBootlock(ctx context.Context, vm hypervisor.VMRef) error
}

// RescuePoller tears down rescue VMs left running. The first call only
// records the time; later calls scan at most once per timeout.
type RescuePoller struct {
	ops  RescueOps
	opts options

	mu      sync.Mutex
	lastRan time.Time
}

// NewRescuePoller creates a RescuePoller.
func NewRescuePoller(ops RescueOps, opts ...Option) *RescuePoller {
	return &RescuePoller{ops: ops, opts: newOptions(LoopRescued, opts)}
}

// LastRan returns when the poller last started a scan, or the zero time.
func (p *RescuePoller) LastRan() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRan
}

// Poll unrescues every rescued instance when a scan is due.
func (p *RescuePoller) Poll(ctx context.Context, timeout time.Duration) error {
	if !p.due(timeout) {
		return nil
	}

	session := p.ops.Session()
	vms, err := session.ListVMs(ctx)
	if err != nil {
		return err
	}

	for _, vm := range vms {
		name := vm.Record.NameLabel
		if !strings.HasSuffix(name, domain.RescueSuffix) {
			continue
		}
		err := p.unrescue(ctx, session, vm.Ref, strings.TrimSuffix(name, domain.RescueSuffix))
		if err != nil {
			p.opts.log.Error("Failed to unrescue instance", zap.String("rescue_vm", name), zap.Error(err))
		}
		p.opts.acted(LoopRescued, "unrescue", err)
	}
	return nil
}

// due records the scan time and reports whether a scan should run.
func (p *RescuePoller) due(timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.opts.now()
	if p.lastRan.IsZero() {
		p.lastRan = now
		return false
	}
	if !p.lastRan.Before(now.Add(-timeout)) {
		return false
	}
	p.lastRan = now
	return true
}

func (p *RescuePoller) unrescue(ctx context.Context, session hypervisor.Session, rescueVM hypervisor.VMRef, originalName string) error {
	original, err := session.LookupVM(ctx, originalName)
	if err != nil {
		return err
	}
	p.opts.log.Info("Automatically unrescuing instance", zap.String("instance_name", originalName))

	if err := p.ops.DestroyRescueInstance(ctx, rescueVM, original); err != nil {
		return err
	}
	if original == "" {
		p.opts.log.Warn("Original VM of rescue not found", zap.String("instance_name", originalName))
		return nil
	}
	if err := p.ops.ReleaseBootlock(ctx, original); err != nil {
		return err
	}
	return session.StartVM(ctx, original)
}
