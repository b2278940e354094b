// Package reconcile implements the periodic scans that repair instances stuck
// in transient states: hung reboots, forgotten rescues and resizes nobody
// confirmed.
//
// The pollers hold no locks. Each one re-checks instance and task state
// before acting, so running them next to an in-flight workflow is safe.
//
// Import Path: conductor.io/conductor/internal/reconcile
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"conductor.io/conductor/internal/pkg/logger"
	"conductor.io/conductor/internal/pkg/worker"
)

// Loop names used in logs and metrics.
const (
	LoopRebooting          = "rebooting"
	LoopRescued            = "rescued"
	LoopUnconfirmedResizes = "unconfirmed_resizes"
)

// Observer receives the outcome of every corrective action.
type Observer interface {
	// Acted records one action taken by loop; err is nil on success.
	Acted(loop, action string, err error)
}

// Option configures a poller.
type Option func(*options)

type options struct {
	log      *zap.Logger
	observer Observer
	now      func() time.Time
	runner   Runner
}

// Runner executes tasks and waits for all of them. *worker.Pool implements it.
type Runner interface {
	RunAll(ctx context.Context, tasks ...worker.Task) error
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithObserver sets the action observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithRunner fans corrective actions out over r instead of running them one
// at a time. The observer must then be safe for concurrent use.
func WithRunner(r Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func newOptions(loop string, opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.L()
	}
	o.log = o.log.With(zap.String("loop", loop))
	return o
}

func (o options) acted(loop, action string, err error) {
	if o.observer != nil {
		o.observer.Acted(loop, action, err)
	}
}

func (o options) runAll(ctx context.Context, tasks []worker.Task) error {
	if o.runner != nil {
		return o.runner.RunAll(ctx, tasks...)
	}
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		task(ctx)
	}
	return nil
}

// Loops bundles the three pollers under the names the scheduler invokes.
type Loops struct {
	Reboots *RebootPoller
	Rescues *RescuePoller
	Resizes *ResizePoller
}

// PollRebootingInstances runs the hung reboot scan.
func (l *Loops) PollRebootingInstances(ctx context.Context, timeout time.Duration) error {
	return l.Reboots.Poll(ctx, timeout)
}

// PollRescuedInstances runs the rescue scan when one is due.
func (l *Loops) PollRescuedInstances(ctx context.Context, timeout time.Duration) error {
	return l.Rescues.Poll(ctx, timeout)
}

// PollUnconfirmedResizes runs the unconfirmed resize scan.
func (l *Loops) PollUnconfirmedResizes(ctx context.Context, window time.Duration) error {
	return l.Resizes.Poll(ctx, window)
}
