package periodic

import (
	"context"
	"time"

	rtsup "periodic/internal/runtime/supervisor"
	logx "periodic/pkg/logx"
)

// Runtime is the scheduling substrate a Periodic consumes.
//
// Both methods are called with the scheduler's lock held and must not block.
type Runtime interface {
	// AfterFunc runs f once after d. The returned Timer cancels it before it fires.
	AfterFunc(d time.Duration, f func()) Timer
	// Go runs fn concurrently now.
	Go(name string, fn func(ctx context.Context)) Execution
}

type Timer interface {
	Stop() bool
}

// Execution is a handle to one concurrent run.
type Execution interface {
	// Cancel cancels the run's context. It does not wait.
	Cancel()
	// Done is closed when the run has returned.
	Done() <-chan struct{}
}

// SystemRuntime runs timers on time.AfterFunc and executions on a supervisor.
type SystemRuntime struct {
	sup *rtsup.Supervisor
}

// NewSystemRuntime creates a runtime whose executions inherit ctx.
// Cancelling ctx cancels every run started through it.
func NewSystemRuntime(ctx context.Context, log logx.Logger) *SystemRuntime {
	return &SystemRuntime{
		sup: rtsup.New(ctx, rtsup.WithLogger(log.With(logx.String("comp", "periodic.runtime")))),
	}
}

func (r *SystemRuntime) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Go returns nil once the runtime is closed.
func (r *SystemRuntime) Go(name string, fn func(ctx context.Context)) Execution {
	h := r.sup.Spawn(name, fn)
	if h == nil {
		return nil
	}
	return h
}

// Supervisor exposes the underlying supervisor for diagnostics.
func (r *SystemRuntime) Supervisor() *rtsup.Supervisor { return r.sup }

// Close cancels all runs and waits for them to return (bounded by ctx).
func (r *SystemRuntime) Close(ctx context.Context) error {
	return r.sup.Stop(ctx)
}
