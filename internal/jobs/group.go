package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"periodic/internal/eventbus"
	logx "periodic/pkg/logx"
	"periodic/pkg/periodic"
)

// Group runs a named set of Periodic schedulers and reconciles it against a
// desired list of specs.
type Group struct {
	log   logx.Logger
	rt    periodic.Runtime
	ownRT *periodic.SystemRuntime
	bus   eventbus.Bus
	now   func() time.Time

	// applyMu serializes Apply and Stop. mu guards jobs and closed only, so
	// Snapshot stays responsive while a drain is in progress.
	applyMu sync.Mutex
	mu      sync.Mutex
	jobs    map[string]*job
	closed  bool
}

type job struct {
	spec Spec
	p    *periodic.Periodic
}

type Option func(*Group)

func WithLogger(log logx.Logger) Option { return func(g *Group) { g.log = log } }

// WithRuntime shares rt between all jobs. By default the group owns a
// SystemRuntime and closes it on Stop.
func WithRuntime(rt periodic.Runtime) Option { return func(g *Group) { g.rt = rt } }

func WithBus(bus eventbus.Bus) Option { return func(g *Group) { g.bus = bus } }

// WithClock overrides the clock used to place first ticks.
func WithClock(now func() time.Time) Option { return func(g *Group) { g.now = now } }

func NewGroup(opts ...Option) *Group {
	g := &Group{jobs: map[string]*job{}, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(g)
		}
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	if g.rt == nil {
		g.ownRT = periodic.NewSystemRuntime(context.Background(), g.log)
		g.rt = g.ownRT
	}
	return g
}

// Result lists what an Apply changed.
type Result struct {
	Started   []string
	Stopped   []string
	Restarted []string
}

func (r Result) Fields() []logx.Field {
	return []logx.Field{
		logx.Any("started", r.Started),
		logx.Any("stopped", r.Stopped),
		logx.Any("restarted", r.Restarted),
	}
}

// Apply makes the running set match specs: new names are started, missing
// names are stopped with their own wait policy, and names whose Hash changed
// are stopped then started again. Unchanged jobs keep running untouched.
func (g *Group) Apply(ctx context.Context, specs []Spec) (Result, error) {
	want := make(map[string]Spec, len(specs))
	for _, s := range specs {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return Result{}, ErrNoName
		}
		if _, dup := want[name]; dup {
			return Result{}, fmt.Errorf("%w: %q", ErrDuplicate, name)
		}
		s.Name = name
		want[name] = s
	}

	g.applyMu.Lock()
	defer g.applyMu.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return Result{}, ErrClosed
	}
	var (
		res     Result
		stop    []*job
		start   []Spec
		changed = map[string]bool{}
	)
	for name, j := range g.jobs {
		s, ok := want[name]
		switch {
		case !ok:
			res.Stopped = append(res.Stopped, name)
			stop = append(stop, j)
			delete(g.jobs, name)
		case s.Hash != j.spec.Hash:
			res.Restarted = append(res.Restarted, name)
			changed[name] = true
			stop = append(stop, j)
			delete(g.jobs, name)
		}
	}
	for name, s := range want {
		if _, running := g.jobs[name]; running {
			continue
		}
		if !changed[name] {
			res.Started = append(res.Started, name)
		}
		start = append(start, s)
	}
	g.mu.Unlock()

	var errs []error
	if err := g.stopJobs(ctx, stop); err != nil {
		errs = append(errs, err)
	}

	sort.Slice(start, func(i, k int) bool { return start[i].Name < start[k].Name })
	now := g.now()
	for _, s := range start {
		j, err := g.startJob(ctx, s, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", s.Name, err))
			continue
		}
		g.mu.Lock()
		g.jobs[s.Name] = j
		g.mu.Unlock()
	}

	sort.Strings(res.Started)
	sort.Strings(res.Stopped)
	sort.Strings(res.Restarted)
	return res, errors.Join(errs...)
}

func (g *Group) startJob(ctx context.Context, s Spec, now time.Time) (*job, error) {
	opts := []periodic.Option{
		periodic.WithName(s.Name),
		periodic.WithLogger(g.log),
		periodic.WithRuntime(g.rt),
		periodic.WithBus(g.bus),
		periodic.WithArgs(s.Args...),
	}
	for k, v := range s.Vars {
		opts = append(opts, periodic.WithNamedArg(k, v))
	}
	p, err := periodic.New(s.Every, s.Func, opts...)
	if err != nil {
		return nil, err
	}
	delay := s.firstDelay(now)
	if err := p.StartAfter(ctx, delay); err != nil {
		return nil, err
	}
	g.log.Info("job started",
		logx.String("job", s.Name),
		logx.Duration("every", s.Every),
		logx.Duration("first_in", delay),
	)
	return &job{spec: s, p: p}, nil
}

// stopJobs stops js concurrently, each with its own wait policy.
func (g *Group) stopJobs(ctx context.Context, js []*job) error {
	if len(js) == 0 {
		return nil
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, j := range js {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			start := time.Now()
			err := j.p.Stop(ctx, j.spec.StopWait)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", j.spec.Name, err))
				mu.Unlock()
			}
			g.log.Info("job stopped",
				logx.String("job", j.spec.Name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err),
			)
		}(j)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Stop stops every job and closes the group. Further Apply calls fail with
// ErrClosed. Stop is idempotent.
func (g *Group) Stop(ctx context.Context) error {
	g.applyMu.Lock()
	defer g.applyMu.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	js := make([]*job, 0, len(g.jobs))
	for _, j := range g.jobs {
		js = append(js, j)
	}
	g.jobs = map[string]*job{}
	g.mu.Unlock()

	err := g.stopJobs(ctx, js)
	if g.ownRT != nil {
		if cerr := g.ownRT.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// JobStats is one job's entry in a Snapshot.
type JobStats struct {
	Name    string         `json:"name"`
	Every   time.Duration  `json:"every"`
	Started bool           `json:"started"`
	Running bool           `json:"running"`
	Stats   periodic.Stats `json:"stats"`
}

// Snapshot returns per-job state sorted by name.
func (g *Group) Snapshot() []JobStats {
	g.mu.Lock()
	js := make([]*job, 0, len(g.jobs))
	for _, j := range g.jobs {
		js = append(js, j)
	}
	g.mu.Unlock()

	out := make([]JobStats, 0, len(js))
	for _, j := range js {
		out = append(out, JobStats{
			Name:    j.spec.Name,
			Every:   j.spec.Every,
			Started: j.p.Started(),
			Running: j.p.Running(),
			Stats:   j.p.Stats(),
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Names returns the names of the running jobs, sorted.
func (g *Group) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.jobs))
	for name := range g.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
