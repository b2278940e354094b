package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"conductor.io/conductor/internal/config"
	"conductor.io/conductor/internal/pkg/logger"
)

const reconcileJobTimeout = 15 * time.Minute

// reconcileInsertOpts keeps at most one scan of a kind queued or running.
// Completed jobs are excluded so the next interval can insert again.
func reconcileInsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueReconcile,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByQueue: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRetryable,
				rivertype.JobStateRunning,
				rivertype.JobStateScheduled,
			},
		},
	}
}

// RebootPollArgs scans for instances stuck in a reboot longer than Timeout.
type RebootPollArgs struct {
	Timeout time.Duration `json:"timeout"`
}

// Kind returns the job kind identifier.
func (RebootPollArgs) Kind() string { return "reconcile_rebooting" }

// InsertOpts returns default insert options.
func (RebootPollArgs) InsertOpts() river.InsertOpts { return reconcileInsertOpts() }

// RescuePollArgs scans for rescue VMs older than Timeout.
type RescuePollArgs struct {
	Timeout time.Duration `json:"timeout"`
}

// Kind returns the job kind identifier.
func (RescuePollArgs) Kind() string { return "reconcile_rescued" }

// InsertOpts returns default insert options.
func (RescuePollArgs) InsertOpts() river.InsertOpts { return reconcileInsertOpts() }

// ResizePollArgs confirms resizes left unconfirmed longer than Window.
type ResizePollArgs struct {
	Window time.Duration `json:"window"`
}

// Kind returns the job kind identifier.
func (ResizePollArgs) Kind() string { return "reconcile_unconfirmed_resizes" }

// InsertOpts returns default insert options.
func (ResizePollArgs) InsertOpts() river.InsertOpts { return reconcileInsertOpts() }

// RebootPollWorker runs Poller.PollRebootingInstances.
type RebootPollWorker struct {
	river.WorkerDefaults[RebootPollArgs]
	loops Poller
}

// NewRebootPollWorker creates a RebootPollWorker.
func NewRebootPollWorker(loops Poller) *RebootPollWorker {
	return &RebootPollWorker{loops: loops}
}

// Timeout overrides the client job timeout.
func (w *RebootPollWorker) Timeout(*river.Job[RebootPollArgs]) time.Duration {
	return reconcileJobTimeout
}

// Work runs one scan.
func (w *RebootPollWorker) Work(ctx context.Context, job *river.Job[RebootPollArgs]) error {
	if w == nil || w.loops == nil {
		return fmt.Errorf("reboot poll worker is not initialized")
	}
	return runScan(ctx, "rebooting", job.Args.Timeout, w.loops.PollRebootingInstances)
}

// RescuePollWorker runs Poller.PollRescuedInstances.
type RescuePollWorker struct {
	river.WorkerDefaults[RescuePollArgs]
	loops Poller
}

// NewRescuePollWorker creates a RescuePollWorker.
func NewRescuePollWorker(loops Poller) *RescuePollWorker {
	return &RescuePollWorker{loops: loops}
}

// Timeout overrides the client job timeout.
func (w *RescuePollWorker) Timeout(*river.Job[RescuePollArgs]) time.Duration {
	return reconcileJobTimeout
}

// Work runs one scan.
func (w *RescuePollWorker) Work(ctx context.Context, job *river.Job[RescuePollArgs]) error {
	if w == nil || w.loops == nil {
		return fmt.Errorf("rescue poll worker is not initialized")
	}
	return runScan(ctx, "rescued", job.Args.Timeout, w.loops.PollRescuedInstances)
}

// ResizePollWorker runs Poller.PollUnconfirmedResizes.
type ResizePollWorker struct {
	river.WorkerDefaults[ResizePollArgs]
	loops Poller
}

// NewResizePollWorker creates a ResizePollWorker.
func NewResizePollWorker(loops Poller) *ResizePollWorker {
	return &ResizePollWorker{loops: loops}
}

// Timeout overrides the client job timeout.
func (w *ResizePollWorker) Timeout(*river.Job[ResizePollArgs]) time.Duration {
	return reconcileJobTimeout
}

// Work runs one scan.
func (w *ResizePollWorker) Work(ctx context.Context, job *river.Job[ResizePollArgs]) error {
	if w == nil || w.loops == nil {
		return fmt.Errorf("resize poll worker is not initialized")
	}
	return runScan(ctx, "unconfirmed_resizes", job.Args.Window, w.loops.PollUnconfirmedResizes)
}

func runScan(ctx context.Context, loop string, d time.Duration, scan func(context.Context, time.Duration) error) error {
	// A zero threshold disables the loop; an already-queued job is a no-op.
	if d <= 0 {
		return nil
	}
	start := time.Now()
	if err := scan(ctx, d); err != nil {
		return fmt.Errorf("reconcile %s: %w", loop, err)
	}
	logger.Debug("Reconcile scan completed",
		zap.String("loop", loop),
		zap.Duration("threshold", d),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// PeriodicJobs returns one periodic job per enabled reconciliation loop.
func PeriodicJobs(cfg config.ReconcileConfig) []*river.PeriodicJob {
	schedule := river.PeriodicInterval(cfg.Interval)
	opts := &river.PeriodicJobOpts{RunOnStart: true}

	var out []*river.PeriodicJob
	if cfg.RebootTimeout > 0 {
		out = append(out, river.NewPeriodicJob(schedule, func() (river.JobArgs, *river.InsertOpts) {
			return RebootPollArgs{Timeout: cfg.RebootTimeout}, nil
		}, opts))
	}
	if cfg.RescueTimeout > 0 {
		out = append(out, river.NewPeriodicJob(schedule, func() (river.JobArgs, *river.InsertOpts) {
			return RescuePollArgs{Timeout: cfg.RescueTimeout}, nil
		}, opts))
	}
	if cfg.ResizeConfirmWindow > 0 {
		out = append(out, river.NewPeriodicJob(schedule, func() (river.JobArgs, *river.InsertOpts) {
			return ResizePollArgs{Window: cfg.ResizeConfirmWindow}, nil
		}, opts))
	}
	return out
}
