package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/hypervisor"
	"conductor.io/conductor/internal/pkg/worker"
)

// cleanRebootTask is the name-label of a pending graceful reboot task.
const cleanRebootTask = "VM.clean_reboot"

// RebootPoller hard-reboots instances whose reboot has hung.
type RebootPoller struct {
	session hypervisor.Session
	store   domain.Persistence
	compute domain.ComputeAPI
	opts    options
}

// NewRebootPoller creates a RebootPoller.
func NewRebootPoller(session hypervisor.Session, store domain.Persistence, compute domain.ComputeAPI, opts ...Option) *RebootPoller {
	return &RebootPoller{
		session: session,
		store:   store,
		compute: compute,
		opts:    newOptions(LoopRebooting, opts),
	}
}

// Poll cancels graceful reboot tasks older than timeout, then hard-reboots
// every instance that has been rebooting for longer than timeout. A stuck
// graceful reboot would otherwise block the forced one.
func (p *RebootPoller) Poll(ctx context.Context, timeout time.Duration) error {
	if err := p.cancelStaleTasks(ctx, timeout); err != nil {
		return err
	}

	instances, err := p.store.ListHungRebooting(ctx, timeout)
	if err != nil {
		return fmt.Errorf("list hung reboots: %w", err)
	}
	if len(instances) > 0 {
		p.opts.log.Info("Found hung reboots",
			zap.Int("instance_count", len(instances)),
			zap.Duration("timeout", timeout),
		)
	}

	tasks := make([]worker.Task, 0, len(instances))
	for _, inst := range instances {
		tasks = append(tasks, func(ctx context.Context) { p.hardReboot(ctx, inst) })
	}
	return p.opts.runAll(ctx, tasks)
}

func (p *RebootPoller) hardReboot(ctx context.Context, inst *domain.Instance) {
	p.opts.log.Info("Automatically hard rebooting",
		zap.String("instance_uuid", inst.UUID),
		zap.String("instance_name", inst.Name),
	)
	err := p.compute.Reboot(ctx, inst, domain.RebootHard)
	if err != nil {
		p.opts.log.Error("Hard reboot failed", zap.String("instance_uuid", inst.UUID), zap.Error(err))
	}
	p.opts.acted(LoopRebooting, "hard_reboot", err)
}

func (p *RebootPoller) cancelStaleTasks(ctx context.Context, timeout time.Duration) error {
	tasks, err := p.session.TasksByNameLabel(ctx, cleanRebootTask)
	if err != nil {
		return fmt.Errorf("list %s tasks: %w", cleanRebootTask, err)
	}

	cutoff := p.opts.now().Add(-timeout)
	for _, task := range tasks {
		rec, err := p.session.GetTaskRecord(ctx, task)
		if err != nil {
			p.opts.log.Warn("Failed to read task", zap.String("task", string(task)), zap.Error(err))
			continue
		}
		if !rec.Created.Before(cutoff) {
			continue
		}
		err = p.session.CancelTask(ctx, task)
		if err != nil {
			p.opts.log.Error("Failed to cancel stale task", zap.String("task", string(task)), zap.Error(err))
		}
		p.opts.acted(LoopRebooting, "cancel_task", err)
	}
	return nil
}
