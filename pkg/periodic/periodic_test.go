package periodic

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"periodic/internal/eventbus"
	logx "periodic/pkg/logx"
)

func quietLogger() logx.Logger { return logx.Nop() }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newManual(t *testing.T, interval time.Duration, fn Func, opts ...Option) (*Periodic, *manualRuntime) {
	t.Helper()
	rt := &manualRuntime{}
	opts = append([]Option{WithRuntime(rt), WithLogger(quietLogger())}, opts...)
	p, err := New(interval, fn, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, rt
}

func noop(context.Context, Args) error { return nil }

func at(a Args, i int) any {
	if i < 0 || i >= len(a.Positional) {
		return nil
	}
	return a.Positional[i]
}

func get(a Args, key string) (any, bool) {
	v, ok := a.Named[key]
	return v, ok
}

// inflight tracks how many invocations overlap.
type inflight struct {
	cur, max atomic.Int32
}

func (f *inflight) enter() {
	n := f.cur.Add(1)
	for {
		m := f.max.Load()
		if n <= m || f.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (f *inflight) leave() { f.cur.Add(-1) }

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(0, noop); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("zero interval err = %v, want ErrInvalidInterval", err)
	}
	if _, err := New(-time.Second, noop); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("negative interval err = %v, want ErrInvalidInterval", err)
	}
	if _, err := New(time.Second, nil); !errors.Is(err, ErrNilFunc) {
		t.Fatalf("nil func err = %v, want ErrNilFunc", err)
	}
}

func TestAccessors(t *testing.T) {
	t.Parallel()
	p, _ := newManual(t, time.Minute, noop,
		WithName("acc"),
		WithArgs(1, "two"),
		WithNamedArg("k", "v"),
	)
	if p.Name() != "acc" || p.Interval() != time.Minute || p.Func() == nil {
		t.Fatalf("unexpected accessors: name=%q interval=%s", p.Name(), p.Interval())
	}
	if p.Started() || p.Running() {
		t.Fatal("new scheduler must be stopped and idle")
	}

	args := p.Args()
	if at(args, 0) != 1 || at(args, 1) != "two" || at(args, 2) != nil {
		t.Fatalf("positional = %v", args.Positional)
	}
	if v, ok := get(args, "k"); !ok || v != "v" {
		t.Fatalf("named k = %v (ok=%v)", v, ok)
	}

	// Args returns a copy.
	args.Positional[0] = 99
	args.Named["k"] = "changed"
	again := p.Args()
	if at(again, 0) != 1 {
		t.Fatal("mutating Args() result changed bound positional args")
	}
	if v, _ := get(again, "k"); v != "v" {
		t.Fatal("mutating Args() result changed bound named args")
	}
}

func TestStartDelays(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		start func(p *Periodic) error
		want  time.Duration
	}{
		{"default interval", func(p *Periodic) error { return p.Start(context.Background()) }, time.Second},
		{"immediate", func(p *Periodic) error { return p.StartNow(context.Background()) }, 0},
		{"explicit zero", func(p *Periodic) error { return p.StartAfter(context.Background(), 0) }, 0},
		{"explicit delay", func(p *Periodic) error { return p.StartAfter(context.Background(), 3*time.Second) }, 3 * time.Second},
		{"negative clamps", func(p *Periodic) error { return p.StartAfter(context.Background(), -time.Second) }, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			p, rt := newManual(t, time.Second, func(context.Context, Args) error {
				calls.Add(1)
				return nil
			})
			if err := tt.start(p); err != nil {
				t.Fatalf("start: %v", err)
			}
			pend := rt.pending()
			if len(pend) != 1 {
				t.Fatalf("pending timers = %d, want 1", len(pend))
			}
			if pend[0].d != tt.want {
				t.Fatalf("first delay = %s, want %s", pend[0].d, tt.want)
			}
			// Nothing runs inline, not even with zero delay.
			if calls.Load() != 0 || p.Running() {
				t.Fatal("work ran before the timer fired")
			}
		})
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	p, rt := newManual(t, time.Second, noop)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.StartNow(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := len(rt.pending()); got != 1 {
		t.Fatalf("pending timers = %d, want 1", got)
	}
	if rt.pending()[0].d != time.Second {
		t.Fatal("second Start re-armed the timer")
	}
	if !p.Started() {
		t.Fatal("Started() = false after Start")
	}
}

func TestStartWithCancelledContext(t *testing.T) {
	t.Parallel()
	p, rt := newManual(t, time.Second, noop)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start err = %v, want context.Canceled", err)
	}
	if p.Started() || len(rt.pending()) != 0 {
		t.Fatal("scheduler armed despite cancelled context")
	}
}

func TestStartPropagatesRuntimeFailure(t *testing.T) {
	t.Parallel()
	p, rt := newManual(t, time.Second, noop)
	rt.nilTimer = true

	err := p.Start(context.Background())
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("Start err = %v, want ErrRuntime", err)
	}
	if p.Started() {
		t.Fatal("Started() = true after runtime failure")
	}

	// The scheduler is usable once the runtime recovers.
	rt.nilTimer = false
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start after recovery: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	p, rt := newManual(t, time.Second, noop)
	ctx := context.Background()

	if err := p.Stop(ctx, NoWait); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	_ = p.Start(ctx)
	if err := p.Stop(ctx, NoWait); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(ctx, WaitForever); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if p.Started() || p.Running() {
		t.Fatal("scheduler not stopped")
	}
	if got := len(rt.pending()); got != 0 {
		t.Fatalf("pending timers after Stop = %d, want 0", got)
	}
}

func TestTickRearmsThenLaunches(t *testing.T) {
	t.Parallel()
	ran := make(chan Args, 4)
	p, rt := newManual(t, time.Second, func(_ context.Context, a Args) error {
		ran <- a
		return nil
	}, WithArgs("expected_arg"), WithNamedArg("value", "expected_kwarg"))

	_ = p.StartNow(context.Background())
	rt.fire(t)

	// Re-armed for one interval regardless of the launch.
	pend := rt.pending()
	if len(pend) != 1 || pend[0].d != time.Second {
		t.Fatalf("after tick: pending=%d, want one timer at interval", len(pend))
	}

	select {
	case a := <-ran:
		if at(a, 0) != "expected_arg" {
			t.Fatalf("positional arg = %v, want expected_arg", at(a, 0))
		}
		if v, _ := get(a, "value"); v != "expected_kwarg" {
			t.Fatalf("named arg = %v, want expected_kwarg", v)
		}
	case <-time.After(time.Second):
		t.Fatal("work not launched")
	}
	waitFor(t, "run to finish", func() bool { return !p.Running() })

	// Same arguments on every run.
	rt.fire(t)
	select {
	case a := <-ran:
		if at(a, 0) != "expected_arg" {
			t.Fatalf("second run positional arg = %v", at(a, 0))
		}
	case <-time.After(time.Second):
		t.Fatal("second run not launched")
	}
	waitFor(t, "second run to finish", func() bool { return !p.Running() })

	st := p.Stats()
	if st.Launched != 2 || st.Completed != 2 || st.Throttled != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestThrottleSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var runs atomic.Int32
	logs := &syncBuffer{}
	bus := eventbus.New()
	thr, unsub := bus.Subscribe(16, eventbus.TypeThrottled)
	defer unsub()

	p, rt := newManual(t, time.Second, func(ctx context.Context, _ Args) error {
		runs.Add(1)
		<-release
		return nil
	}, WithLogger(logx.NewJSON(logs, "debug")), WithBus(bus), WithName("slow"))

	_ = p.StartNow(context.Background())
	rt.fire(t)
	waitFor(t, "run to start", func() bool { return runs.Load() == 1 })

	for i := 0; i < 3; i++ {
		rt.fire(t)
		if !p.Running() {
			t.Fatal("Running() = false while work blocked")
		}
		// Every throttled tick still re-arms.
		if got := len(rt.pending()); got != 1 {
			t.Fatalf("pending after throttled tick = %d, want 1", got)
		}
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs while blocked = %d, want 1", got)
	}

	st := p.Stats()
	if st.Throttled != 3 || st.Launched != 1 {
		t.Fatalf("stats = %+v, want 3 throttled / 1 launched", st)
	}
	if got := strings.Count(logs.String(), "periodic throttled"); got != 3 {
		t.Fatalf("throttle log lines = %d, want 3", got)
	}
	if got := len(thr); got != 3 {
		t.Fatalf("throttle events = %d, want 3", got)
	}
	e := <-thr
	if e.Source != "slow" {
		t.Fatalf("event source = %q, want slow", e.Source)
	}

	close(release)
	waitFor(t, "run to finish", func() bool { return !p.Running() })
	rt.fire(t)
	waitFor(t, "second launch", func() bool { return runs.Load() == 2 })
}

func TestFailuresDoNotStopScheduler(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	logs := &syncBuffer{}
	p, rt := newManual(t, time.Second, func(context.Context, Args) error {
		switch n.Add(1) {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		default:
			return nil
		}
	}, WithLogger(logx.NewJSON(logs, "info")))

	_ = p.StartNow(context.Background())
	for i := 1; i <= 3; i++ {
		rt.fire(t)
		waitFor(t, "run to finish", func() bool { return !p.Running() && n.Load() == int32(i) })
	}
	waitFor(t, "stats", func() bool { return p.Stats().Completed == 1 })

	st := p.Stats()
	if st.Failed != 2 || st.Panicked != 1 || st.Completed != 1 {
		t.Fatalf("stats = %+v, want failed=2 panicked=1 completed=1", st)
	}
	if !p.Started() || len(rt.pending()) != 1 {
		t.Fatal("scheduler stopped ticking after failures")
	}

	waitFor(t, "failure details in log", func() bool {
		return strings.Contains(logs.String(), `"err":"boom"`)
	})
	waitFor(t, "panic details in log", func() bool {
		out := logs.String()
		return strings.Contains(out, "panic: kaboom") && strings.Contains(out, `"stack"`)
	})
}

func TestCancellationIsSwallowed(t *testing.T) {
	t.Parallel()
	logs := &syncBuffer{}
	p, rt := newManual(t, time.Second, func(ctx context.Context, _ Args) error {
		return context.Canceled
	}, WithLogger(logx.NewJSON(logs, "info")))

	_ = p.StartNow(context.Background())
	rt.fire(t)
	waitFor(t, "run to finish", func() bool { return p.Stats().Cancelled == 1 })

	st := p.Stats()
	if st.Failed != 0 || st.LastError != "" {
		t.Fatalf("cancellation reported as failure: %+v", st)
	}
	if strings.Contains(logs.String(), "periodic run failed") {
		t.Fatalf("cancellation logged as failure: %s", logs.String())
	}
}

func TestStopRetractsTimerAndIgnoresStaleTick(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	p, rt := newManual(t, time.Second, func(context.Context, Args) error {
		runs.Add(1)
		return nil
	})
	ctx := context.Background()

	_ = p.Start(ctx)
	old := rt.last()
	if err := p.Stop(ctx, NoWait); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !old.stopped {
		t.Fatal("Stop did not stop the pending timer")
	}

	// A tick already in flight when Stop ran must not launch.
	old.f()
	if runs.Load() != 0 || len(rt.pending()) != 0 {
		t.Fatal("stale tick after Stop launched work or re-armed")
	}

	// Same for a stale tick that lands after a restart.
	_ = p.Start(ctx)
	old.f()
	if got := len(rt.pending()); got != 1 {
		t.Fatalf("pending after stale tick = %d, want 1", got)
	}
	time.Sleep(10 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("stale tick after restart launched work")
	}
}

func TestRunnerSkipsWhenStoppedBeforeLaunch(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	gate := make(chan struct{})
	rt := &gatedRuntime{manualRuntime: &manualRuntime{}, gate: gate}
	p, err := New(time.Second, func(context.Context, Args) error {
		runs.Add(1)
		return nil
	}, WithRuntime(rt), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	_ = p.StartNow(ctx)
	rt.fire(t)
	// Runner goroutine is parked before it checks state. Stop waits for it.
	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(ctx, NoWait) }()
	waitFor(t, "Stop to flip started", func() bool { return !p.Started() })
	close(gate)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the runner exited")
	}

	if !rt.exited.Load() {
		t.Fatal("Stop returned before the runner exited")
	}
	if runs.Load() != 0 {
		t.Fatal("work invoked after Stop won the launch race")
	}
	if p.Running() {
		t.Fatal("Running() = true after Stop")
	}
	if st := p.Stats(); st.Launched != 1 || st.Cancelled != 1 {
		t.Fatalf("stats = %+v, want the skipped launch counted as cancelled", st)
	}
}

// gatedRuntime delays the start of every execution until gate is closed.
type gatedRuntime struct {
	*manualRuntime
	gate   chan struct{}
	exited atomic.Bool
}

func (r *gatedRuntime) Go(name string, fn func(ctx context.Context)) Execution {
	return r.manualRuntime.Go(name, func(ctx context.Context) {
		<-r.gate
		fn(ctx)
		r.exited.Store(true)
	})
}

func TestStopNoWaitCancelsInFlight(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	observed := make(chan struct{})
	p, rt := newManual(t, time.Second, func(ctx context.Context, _ Args) error {
		close(started)
		<-ctx.Done()
		close(observed)
		return ctx.Err()
	})

	_ = p.StartNow(context.Background())
	rt.fire(t)
	<-started

	if err := p.Stop(context.Background(), NoWait); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Running() || p.Started() {
		t.Fatal("state not cleared after Stop")
	}
	select {
	case <-observed:
	default:
		t.Fatal("Stop(NoWait) returned before the run observed cancellation")
	}
	if st := p.Stats(); st.Cancelled != 1 || st.Failed != 0 {
		t.Fatalf("stats = %+v, want one cancellation", st)
	}
}

func TestSingleFlightAcrossStopAndRestart(t *testing.T) {
	t.Parallel()
	var f inflight
	started := make(chan struct{}, 2)
	p, rt := newManual(t, time.Second, func(ctx context.Context, _ Args) error {
		f.enter()
		defer f.leave()
		started <- struct{}{}
		// Ignores ctx for a while, like work stuck in a blocking call.
		time.Sleep(100 * time.Millisecond)
		return ctx.Err()
	})
	ctx := context.Background()

	_ = p.StartNow(ctx)
	rt.fire(t)
	<-started

	if err := p.Stop(ctx, NoWait); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.cur.Load(); got != 0 {
		t.Fatalf("invocations in flight after Stop(NoWait) = %d, want 0", got)
	}

	if err := p.StartNow(ctx); err != nil {
		t.Fatalf("StartNow: %v", err)
	}
	rt.fire(t)
	<-started
	if err := p.Stop(ctx, NoWait); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := f.cur.Load(); got != 0 {
		t.Fatalf("invocations in flight after second Stop = %d, want 0", got)
	}
	if got := f.max.Load(); got != 1 {
		t.Fatalf("max concurrent invocations = %d, want 1", got)
	}
	if st := p.Stats(); st.Launched != 2 || st.Cancelled != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStartDuringDrainThrottles(t *testing.T) {
	t.Parallel()
	var f inflight
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	p, rt := newManual(t, time.Second, func(context.Context, Args) error {
		f.enter()
		defer f.leave()
		started <- struct{}{}
		<-release
		return nil
	})
	ctx := context.Background()

	_ = p.StartNow(ctx)
	rt.fire(t)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(ctx, WaitForever) }()
	waitFor(t, "Stop to begin draining", func() bool { return !p.Started() })

	// Restarted while the old run is still draining.
	if err := p.StartNow(ctx); err != nil {
		t.Fatalf("StartNow: %v", err)
	}
	if !p.Running() {
		t.Fatal("Start during a drain reset Running")
	}
	rt.fire(t)
	if st := p.Stats(); st.Launched != 1 || st.Throttled != 1 {
		t.Fatalf("stats = %+v, want the tick throttled", st)
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "old run to finish", func() bool { return !p.Running() })

	rt.fire(t)
	<-started
	waitFor(t, "second run to finish", func() bool { return !p.Running() })
	if got := f.max.Load(); got != 1 {
		t.Fatalf("max concurrent invocations = %d, want 1", got)
	}
	_ = p.Stop(ctx, WaitForever)
}

func TestStopWaitForeverWaitsForCompletion(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	p, rt := newManual(t, time.Second, func(ctx context.Context, _ Args) error {
		close(started)
		<-release
		if ctx.Err() != nil {
			return errors.New("cancelled while waiting forever")
		}
		return nil
	})

	_ = p.StartNow(context.Background())
	rt.fire(t)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(context.Background(), WaitForever) }()

	select {
	case <-stopped:
		t.Fatal("Stop(WaitForever) returned before the run finished")
	case <-time.After(50 * time.Millisecond):
	}
	if p.Started() {
		t.Fatal("Started() = true while draining")
	}

	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop(WaitForever) did not return after completion")
	}
	st := p.Stats()
	if st.Completed != 1 || st.Failed != 0 {
		t.Fatalf("stats = %+v, want natural completion", st)
	}
	if p.Running() {
		t.Fatal("Running() = true after Stop")
	}
}

func TestStopWaitForeverHonoursContext(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	p, rt := newManual(t, time.Second, func(ctx context.Context, _ Args) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	_ = p.StartNow(context.Background())
	rt.fire(t)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.Stop(ctx, WaitForever)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v, want DeadlineExceeded", err)
	}
	// The run was cancelled; Running clears once it has returned.
	waitFor(t, "cancelled run to return", func() bool { return !p.Running() })
	if got := p.Stats().Cancelled; got != 1 {
		t.Fatalf("cancelled = %d, want 1", got)
	}
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	p, rt := newManual(t, time.Second, func(context.Context, Args) error {
		runs.Add(1)
		return nil
	})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if err := p.StartNow(ctx); err != nil {
			t.Fatalf("StartNow #%d: %v", i, err)
		}
		rt.fire(t)
		waitFor(t, "run", func() bool { return runs.Load() == int32(i) && !p.Running() })
		if err := p.Stop(ctx, WaitForever); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
	if got := p.Stats().Launched; got != 2 {
		t.Fatalf("launched = %d, want 2", got)
	}
}

func TestLaunchFailureKeepsTicking(t *testing.T) {
	t.Parallel()
	p, rt := newManual(t, time.Second, noop)
	rt.nilExec = true

	_ = p.StartNow(context.Background())
	rt.fire(t)
	if p.Running() {
		t.Fatal("Running() = true after failed launch")
	}
	if !p.Started() || len(rt.pending()) != 1 {
		t.Fatal("scheduler stopped ticking after failed launch")
	}

	rt.nilExec = false
	rt.fire(t)
	waitFor(t, "launch", func() bool { return p.Stats().Launched == 1 })
}

func TestBusLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	p, rt := newManual(t, time.Second, noop, WithBus(bus), WithName("events"))
	ctx := context.Background()
	_ = p.StartNow(ctx)
	rt.fire(t)
	waitFor(t, "completion event", func() bool { return len(ch) == 3 })
	_ = p.Stop(ctx, NoWait)

	var types []string
	for len(ch) > 0 {
		e := <-ch
		types = append(types, e.Type)
	}
	want := []string{eventbus.TypeStarted, eventbus.TypeLaunched, eventbus.TypeCompleted, eventbus.TypeStopped}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

// ---- Real-time behaviour on the system runtime ----

func newSystem(t *testing.T, interval time.Duration, fn Func, opts ...Option) *Periodic {
	t.Helper()
	rt := NewSystemRuntime(context.Background(), quietLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})
	opts = append([]Option{WithRuntime(rt), WithLogger(quietLogger())}, opts...)
	p, err := New(interval, fn, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func TestRunsWithinWindow(t *testing.T) {
	var ran atomic.Bool
	p := newSystem(t, 10*time.Millisecond, func(context.Context, Args) error {
		ran.Store(true)
		return nil
	})
	ctx := context.Background()
	_ = p.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	_ = p.Stop(ctx, NoWait)

	if !ran.Load() {
		t.Fatal("work did not run within 100ms at 10ms interval")
	}
}

func TestDoesNotRunBeforeInterval(t *testing.T) {
	var ran atomic.Bool
	p := newSystem(t, time.Second, func(context.Context, Args) error {
		ran.Store(true)
		return nil
	})
	ctx := context.Background()
	_ = p.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	_ = p.Stop(ctx, NoWait)

	if ran.Load() {
		t.Fatal("work ran before the first interval elapsed")
	}
}

func TestThrottlingRealTime(t *testing.T) {
	var count atomic.Int32
	p := newSystem(t, 100*time.Millisecond, func(ctx context.Context, _ Args) error {
		count.Add(1)
		return sleepCtx(ctx, 150*time.Millisecond)
	})
	ctx := context.Background()
	_ = p.Start(ctx)
	time.Sleep(400 * time.Millisecond)
	_ = p.Stop(ctx, NoWait)

	if got := count.Load(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
	if p.Stats().Throttled < 1 {
		t.Fatal("expected at least one throttled tick")
	}
}

func TestCompletedRunsTrackElapsedTime(t *testing.T) {
	var count atomic.Int32
	p := newSystem(t, 20*time.Millisecond, func(context.Context, Args) error {
		count.Add(1)
		return nil
	})
	ctx := context.Background()
	_ = p.Start(ctx)
	time.Sleep(210 * time.Millisecond)
	_ = p.Stop(ctx, WaitForever)

	// floor(210/20) = 10, allow scheduling jitter.
	if got := count.Load(); got < 7 || got > 11 {
		t.Fatalf("count = %d, want about 10", got)
	}
}

func TestStopBoundedWaitCancelsOnExpiry(t *testing.T) {
	started := make(chan struct{})
	var returned atomic.Bool
	p := newSystem(t, time.Hour, func(ctx context.Context, _ Args) error {
		close(started)
		<-ctx.Done()
		// Slow to unwind after cancellation.
		time.Sleep(30 * time.Millisecond)
		returned.Store(true)
		return ctx.Err()
	})
	ctx := context.Background()
	_ = p.StartNow(ctx)
	<-started

	begin := time.Now()
	if err := p.Stop(ctx, 50*time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if took := time.Since(begin); took < 40*time.Millisecond {
		t.Fatalf("Stop returned after %s, want about 50ms", took)
	}
	if took := time.Since(begin); took < 70*time.Millisecond {
		t.Fatalf("Stop returned after %s, before the cancelled run unwound", took)
	}
	if !returned.Load() {
		t.Fatal("Stop returned while the cancelled run was still executing")
	}
	if p.Running() {
		t.Fatal("Running() = true after Stop")
	}
}

func TestStopBoundedWaitReturnsOnCompletion(t *testing.T) {
	started := make(chan struct{})
	p := newSystem(t, time.Hour, func(ctx context.Context, _ Args) error {
		close(started)
		return sleepCtx(ctx, 20*time.Millisecond)
	})
	ctx := context.Background()
	_ = p.StartNow(ctx)
	<-started

	begin := time.Now()
	if err := p.Stop(ctx, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if took := time.Since(begin); took > 500*time.Millisecond {
		t.Fatalf("Stop waited %s for a 20ms run", took)
	}
	if st := p.Stats(); st.Completed != 1 || st.Cancelled != 0 {
		t.Fatalf("stats = %+v, want natural completion", st)
	}
}

func TestNoTicksAfterStop(t *testing.T) {
	var count atomic.Int32
	p := newSystem(t, 5*time.Millisecond, func(context.Context, Args) error {
		count.Add(1)
		return nil
	})
	ctx := context.Background()
	_ = p.StartNow(ctx)
	waitFor(t, "first run", func() bool { return count.Load() >= 1 })
	_ = p.Stop(ctx, WaitForever)

	after := count.Load()
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != after {
		t.Fatalf("runs after Stop: %d -> %d", after, got)
	}
}
