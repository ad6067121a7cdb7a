package periodic

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"periodic/internal/eventbus"
	logx "periodic/pkg/logx"
)

// Periodic invokes a Func every interval, at most one run at a time.
type Periodic struct {
	name     string
	interval time.Duration
	fn       Func
	args     Args

	log logx.Logger
	rt  Runtime
	bus eventbus.Bus

	// mu guards the state below and the re-arm + throttle-check + launch sequence.
	mu      sync.Mutex
	started bool
	running bool
	timer   Timer
	armSeq  uint64 // identifies the currently armed timer; stale ticks are ignored
	exec    Execution
	runSeq  uint64 // identifies the current run; stale runners don't clear state
	stats   Stats
}

// New creates a stopped scheduler.
func New(interval time.Duration, fn Func, opts ...Option) (*Periodic, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w (got %s)", ErrInvalidInterval, interval)
	}
	if fn == nil {
		return nil, ErrNilFunc
	}
	p := &Periodic{
		name:     "periodic",
		interval: interval,
		fn:       fn,
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	if p.log.IsZero() {
		p.log = logx.NewConsole("info")
	}
	p.log = p.log.With(logx.String("periodic", p.name))
	if p.rt == nil {
		p.rt = NewSystemRuntime(context.Background(), p.log)
	}
	return p, nil
}

func (p *Periodic) Name() string            { return p.name }
func (p *Periodic) Interval() time.Duration { return p.interval }
func (p *Periodic) Func() Func              { return p.fn }

// Args returns a copy of the bound arguments.
func (p *Periodic) Args() Args { return p.args.clone() }

func (p *Periodic) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Periodic) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Start arms the first tick one interval from now.
func (p *Periodic) Start(ctx context.Context) error {
	return p.StartAfter(ctx, p.interval)
}

// StartNow arms the first tick with zero delay. The tick still runs on the
// runtime's timer, never inline.
func (p *Periodic) StartNow(ctx context.Context) error {
	return p.StartAfter(ctx, 0)
}

// StartAfter arms the first tick after delay (<= 0 means immediately).
// It is a no-op when already started. Runtime failures are returned and
// leave the scheduler stopped.
func (p *Periodic) StartAfter(ctx context.Context, delay time.Duration) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if delay < 0 {
		delay = 0
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	// A run still unwinding from an abandoned Stop keeps running set, so
	// ticks throttle until it returns.
	if p.exec == nil {
		p.running = false
	}
	if err := p.armLocked(delay); err != nil {
		p.started = false
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	p.log.Debug("periodic started", logx.Duration("interval", p.interval), logx.Duration("delay", delay))
	p.publish(eventbus.TypeStarted, nil)
	return nil
}

// Stop retracts the pending tick and drains the in-flight run:
// NoWait cancels it, WaitForever waits for it, a positive wait bounds the wait
// and cancels on expiry. A cancelled run is waited on until it returns, so a
// later Start never overlaps it, and Running reports false once Stop returns.
// If ctx ends first the run is cancelled and ctx.Err() is returned at once;
// Running then stays true until the run actually returns.
func (p *Periodic) Stop(ctx context.Context, wait time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.armSeq++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	exec := p.exec
	run := p.runSeq
	p.mu.Unlock()

	var err error
	if exec != nil {
		err = p.drain(ctx, exec, wait)
		p.mu.Lock()
		if err == nil && p.runSeq == run {
			p.exec = nil
			p.running = false
		}
		p.mu.Unlock()
	}

	p.log.Debug("periodic stopped", logx.Bool("drained", exec != nil), logx.Err(err))
	p.publish(eventbus.TypeStopped, nil)
	return err
}

func (p *Periodic) drain(ctx context.Context, exec Execution, wait time.Duration) error {
	switch {
	case wait == NoWait:
	case wait < 0:
		select {
		case <-exec.Done():
			return nil
		case <-ctx.Done():
			exec.Cancel()
			return ctx.Err()
		}
	default:
		expired := make(chan struct{})
		t, err := p.afterFunc(wait, func() { close(expired) })
		if err != nil {
			p.log.Warn("periodic drain timer unavailable; cancelling run", logx.Err(err))
			break
		}
		select {
		case <-exec.Done():
			t.Stop()
			return nil
		case <-expired:
			p.log.Debug("periodic drain timed out; cancelling run", logx.Duration("wait", wait))
		case <-ctx.Done():
			t.Stop()
			exec.Cancel()
			return ctx.Err()
		}
	}

	// Cancellation is cooperative: wait until the run has returned.
	exec.Cancel()
	select {
	case <-exec.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// armLocked schedules the next tick. Call with p.mu held.
func (p *Periodic) armLocked(d time.Duration) error {
	p.armSeq++
	seq := p.armSeq
	t, err := p.afterFunc(d, func() { p.tick(seq) })
	if err != nil {
		return err
	}
	p.timer = t
	return nil
}

func (p *Periodic) afterFunc(d time.Duration, f func()) (t Timer, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: AfterFunc panicked: %v", ErrRuntime, r)
		}
	}()
	t = p.rt.AfterFunc(d, f)
	if t == nil {
		return nil, fmt.Errorf("%w: AfterFunc returned no timer", ErrRuntime)
	}
	return t, nil
}

func (p *Periodic) tick(seq uint64) {
	p.mu.Lock()
	if !p.started || seq != p.armSeq {
		p.mu.Unlock()
		return
	}

	// Re-arm before the running check so throttled ticks keep the cadence.
	p.timer = nil
	if err := p.armLocked(p.interval); err != nil {
		p.started = false
		p.mu.Unlock()
		p.log.Error("periodic re-arm failed; scheduler stopped", logx.Err(err))
		return
	}

	if p.running {
		p.stats.Throttled++
		throttled := p.stats.Throttled
		p.mu.Unlock()
		p.log.Warn("periodic throttled: previous run still in flight", logx.Uint64("throttled", throttled))
		p.publish(eventbus.TypeThrottled, nil)
		return
	}

	p.running = true
	p.runSeq++
	run := p.runSeq
	exec, err := p.goRun(run)
	if err != nil {
		p.running = false
		p.mu.Unlock()
		p.log.Error("periodic launch failed", logx.Err(err))
		return
	}
	p.exec = exec
	p.stats.Launched++
	p.mu.Unlock()
}

func (p *Periodic) goRun(run uint64) (exec Execution, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: Go panicked: %v", ErrRuntime, r)
		}
	}()
	exec = p.rt.Go(p.name, func(ctx context.Context) { p.runner(ctx, run) })
	if exec == nil {
		return nil, fmt.Errorf("%w: Go returned no execution", ErrRuntime)
	}
	return exec, nil
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeCancelled
	outcomeFailed
	outcomePanicked
)

func (p *Periodic) runner(ctx context.Context, run uint64) {
	p.mu.Lock()
	if !p.started || p.exec == nil || p.runSeq != run {
		// Stop won the race between launch and this goroutine starting.
		p.finishLocked(run)
		p.stats.Cancelled++
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	start := time.Now()
	p.publish(eventbus.TypeLaunched, RunEvent{Run: run, Started: start})

	res, stack, err := p.invoke(ctx)
	dur := time.Since(start)

	p.mu.Lock()
	p.finishLocked(run)
	p.stats.LastStart = start
	p.stats.LastDuration = dur
	switch res {
	case outcomeCompleted:
		p.stats.Completed++
		p.stats.LastError = ""
	case outcomeCancelled:
		p.stats.Cancelled++
	case outcomePanicked:
		p.stats.Panicked++
		fallthrough
	case outcomeFailed:
		p.stats.Failed++
		p.stats.LastError = err.Error()
	}
	p.mu.Unlock()

	ev := RunEvent{Run: run, Started: start, Duration: dur}
	switch res {
	case outcomeCompleted:
		p.log.Trace("periodic run completed", logx.Duration("dur", dur))
		p.publish(eventbus.TypeCompleted, ev)
	case outcomeCancelled:
		p.log.Debug("periodic run cancelled", logx.Duration("dur", dur))
		p.publish(eventbus.TypeCancelled, ev)
	case outcomeFailed, outcomePanicked:
		ev.Error = err.Error()
		p.log.Error("periodic run failed", logx.Err(err), logx.Duration("dur", dur), logx.Stack(stack))
		p.publish(eventbus.TypeFailed, ev)
	}
}

// invoke runs fn with panic capture and classifies the result.
func (p *Periodic) invoke(ctx context.Context) (res outcome, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = outcomePanicked
			err = fmt.Errorf("panic: %v", r)
			stack = string(debug.Stack())
		}
	}()

	err = p.fn(ctx, p.args.clone())
	switch {
	case err == nil:
		return outcomeCompleted, "", nil
	case errors.Is(err, context.Canceled):
		return outcomeCancelled, "", nil
	case ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded):
		return outcomeCancelled, "", nil
	default:
		return outcomeFailed, "", err
	}
}

// finishLocked clears the in-flight state if run is still the current one.
// Call with p.mu held.
func (p *Periodic) finishLocked(run uint64) {
	if p.runSeq != run {
		return
	}
	p.running = false
	p.exec = nil
}

func (p *Periodic) publish(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Source: p.name, Data: data})
}
