// Package saga implements a compensating saga: an ordered list of named steps
// with automatic progress reporting and LIFO rollback on failure.
//
// Steps are registered up front, so the total is known before any step
// reports progress:
//
//	s := saga.Define(inst.UUID, progressFn)
//	createDisks, _ := s.RegisterStep("create_disks", func(ctx context.Context, undo *saga.Undo) (saga.Result, error) {
//		disks, err := allocate(ctx)
//		if err != nil {
//			return nil, err
//		}
//		undo.With("destroy_disks", func(ctx context.Context) error { return release(ctx, disks) })
//		return saga.Disks(disks), nil
//	})
//	if _, err := createDisks(ctx); err != nil {
//		return s.RollbackAndReraise(ctx, err)
//	}
//
// Import Path: conductor.io/conductor/internal/saga
package saga

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"conductor.io/conductor/internal/pkg/logger"
)

var (
	// ErrDefinitionSealed is returned by RegisterStep once a step has executed.
	ErrDefinitionSealed = errors.New("saga definition is sealed: a step has already executed")

	// ErrSagaAborted is returned by a step called after an earlier step failed.
	ErrSagaAborted = errors.New("saga aborted by an earlier step failure")

	// ErrStepAlreadyRun is returned when a registered step is called twice.
	ErrStepAlreadyRun = errors.New("saga step has already run")
)

// ProgressFunc persists the saga progress percentage for the bound instance.
type ProgressFunc func(ctx context.Context, progress int) error

// Body is the work of a step. It may register one compensation through undo.
type Body func(ctx context.Context, undo *Undo) (Result, error)

// StepFunc executes a registered step.
type StepFunc func(ctx context.Context) (Result, error)

// Compensation is a named undo action.
type Compensation struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Observer receives step and rollback outcomes, typically for metrics.
type Observer interface {
	StepCompleted(step string, elapsed time.Duration)
	StepFailed(step string)
	RolledBack(compensations, failures int)
}

// Option configures a Saga.
type Option func(*Saga)

// WithLogger sets the logger; defaults to a child of the global logger keyed
// by instance uuid.
func WithLogger(l *zap.Logger) Option {
	return func(s *Saga) { s.log = l }
}

// WithObserver sets the outcome observer.
func WithObserver(o Observer) Option {
	return func(s *Saga) { s.observer = o }
}

// WithName names the workflow in logs.
func WithName(name string) Option {
	return func(s *Saga) { s.name = name }
}

// Saga is a single run of a compensating workflow bound to one instance.
// A Saga is not reusable: once it completes or rolls back, define a new one.
type Saga struct {
	instanceUUID string
	name         string
	progress     ProgressFunc
	log          *zap.Logger
	observer     Observer

	mu      sync.Mutex
	steps   []string
	ran     []bool
	current int
	started bool
	failed  bool
	undo    []Compensation
}

// Define starts a fresh saga bound to one instance. progress may be nil.
func Define(instanceUUID string, progress ProgressFunc, opts ...Option) *Saga {
	s := &Saga{
		instanceUUID: instanceUUID,
		name:         "saga",
		progress:     progress,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.With(zap.String("instance_uuid", instanceUUID))
	}
	s.log = s.log.With(zap.String("workflow", s.name))
	return s
}

// RegisterStep appends a step to the definition and returns its callable.
func (s *Saga) RegisterStep(name string, body Body) (StepFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, fmt.Errorf("register step %q: %w", name, ErrDefinitionSealed)
	}
	idx := len(s.steps)
	s.steps = append(s.steps, name)
	s.ran = append(s.ran, false)
	return func(ctx context.Context) (Result, error) {
		return s.run(ctx, idx, name, body)
	}, nil
}

func (s *Saga) run(ctx context.Context, idx int, name string, body Body) (Result, error) {
	s.mu.Lock()
	if s.failed {
		s.mu.Unlock()
		return nil, fmt.Errorf("step %q: %w", name, ErrSagaAborted)
	}
	if s.ran[idx] {
		s.mu.Unlock()
		return nil, fmt.Errorf("step %q: %w", name, ErrStepAlreadyRun)
	}
	s.ran[idx] = true
	s.started = true
	s.mu.Unlock()

	start := time.Now()
	undo := &Undo{step: name}
	res, err := body(ctx, undo)
	undo.closed = true

	s.mu.Lock()
	if undo.comp != nil {
		s.undo = append(s.undo, *undo.comp)
	}
	if err != nil {
		s.failed = true
		s.mu.Unlock()
		if s.observer != nil {
			s.observer.StepFailed(name)
		}
		return nil, err
	}
	s.current++
	progress := percent(s.current, len(s.steps))
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.StepCompleted(name, time.Since(start))
	}
	s.log.Debug("Updating progress", zap.String("step", name), zap.Int("progress", progress))
	if s.progress != nil {
		if perr := s.progress(ctx, progress); perr != nil {
			s.log.Warn("Failed to persist progress", zap.Int("progress", progress), zap.Error(perr))
		}
	}

	if res == nil {
		res = None{}
	}
	return res, nil
}

// RollbackAndReraise runs every registered compensation in reverse order and
// returns cause unchanged. Compensation failures and panics are logged and
// never stop the remaining compensations. Rollback ignores cancellation of ctx.
func (s *Saga) RollbackAndReraise(ctx context.Context, cause error) error {
	rctx := context.WithoutCancel(ctx)

	s.mu.Lock()
	s.failed = true
	stack := s.undo
	s.undo = nil
	s.mu.Unlock()

	s.log.Error("Workflow failed, rolling back",
		zap.Int("compensations", len(stack)),
		zap.Error(cause),
	)

	failures := 0
	for i := len(stack) - 1; i >= 0; i-- {
		c := stack[i]
		if err := runCompensation(rctx, c); err != nil {
			failures++
			s.log.Error("Compensation failed", zap.String("compensation", c.Name), zap.Error(err))
			continue
		}
		s.log.Debug("Compensation complete", zap.String("compensation", c.Name))
	}

	if s.observer != nil {
		s.observer.RolledBack(len(stack), failures)
	}
	return cause
}

func runCompensation(ctx context.Context, c Compensation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation %s panicked: %v", c.Name, r)
		}
	}()
	return c.Fn(ctx)
}

// Run executes steps in order. On the first failure it rolls back and
// returns that failure; on success the undo stack is discarded.
func (s *Saga) Run(ctx context.Context, steps ...StepFunc) error {
	for _, step := range steps {
		if _, err := step(ctx); err != nil {
			return s.RollbackAndReraise(ctx, err)
		}
	}
	s.Complete()
	return nil
}

// Complete discards the undo stack after a successful run.
func (s *Saga) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo = nil
}

// Total returns the number of registered steps.
func (s *Saga) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Progress returns the current progress percentage.
func (s *Saga) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return percent(s.current, len(s.steps))
}

// Pending returns the names of registered compensations, oldest first.
func (s *Saga) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.undo))
	for _, c := range s.undo {
		names = append(names, c.Name)
	}
	return names
}

// percent is round(current/total*100), with round-half-away-from-zero.
func percent(current, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(current) / float64(total) * 100))
}

// Undo registers the compensation of the step it was handed to.
type Undo struct {
	step   string
	comp   *Compensation
	closed bool
}

// With registers fn as the step's compensation. It panics if called outside
// the step body or more than once per step.
func (u *Undo) With(name string, fn func(ctx context.Context) error) {
	if u.closed {
		panic(fmt.Sprintf("saga: undo for step %q registered after the step returned", u.step))
	}
	if u.comp != nil {
		panic(fmt.Sprintf("saga: step %q registered a second compensation", u.step))
	}
	u.comp = &Compensation{Name: name, Fn: fn}
}
