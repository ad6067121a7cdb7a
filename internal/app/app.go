package app

import (
	"context"
	"fmt"
	"time"

	"periodic/internal/config"
	"periodic/internal/eventbus"
	"periodic/internal/jobs"
	"periodic/internal/observability/debughttp"
	"periodic/internal/runtime/supervisor"
	logx "periodic/pkg/logx"
	"periodic/pkg/periodic"
	"periodic/pkg/systemd"
)

// App wires config, logging and the job group into the periodicd daemon.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sd   *systemd.Notifier

	rt       *periodic.SystemRuntime
	jobs     *jobs.Group
	watchdog *periodic.Periodic
	http     *debughttp.Server
}

// New loads and validates the config file and sets up logging.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	log = log.With(logx.String("comp", "app"))

	return &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
		sd:   systemd.NewNotifier(log.With(logx.String("comp", "systemd"))),
	}, nil
}

func (a *App) Bus() eventbus.Bus { return a.bus }

// Jobs returns the job group. It is nil before Start.
func (a *App) Jobs() *jobs.Group { return a.jobs }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first error recorded by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	// Runs must outlive the supervisor context so Stop can drain them
	// according to each job's stop_wait.
	jobLog := a.log.With(logx.String("comp", "jobs"))
	a.rt = periodic.NewSystemRuntime(context.Background(), jobLog)
	a.jobs = jobs.NewGroup(jobs.WithLogger(jobLog), jobs.WithRuntime(a.rt), jobs.WithBus(a.bus))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	cfg := a.cfgm.Get()
	specs, err := jobs.FromConfig(cfg, jobLog)
	if err != nil {
		return err
	}
	if _, err := a.jobs.Apply(ctx, specs); err != nil {
		return err
	}
	a.startWatchdog(ctx)

	cfgCh := a.cfgm.Subscribe(1)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(cfgCh)
		last := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-cfgCh:
				if !ok {
					return nil
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go("jobs.status", a.trackStatus)
	a.startHTTP(cfg.HTTP)

	_ = a.sd.Ready()
	_ = a.sd.Status("%d jobs", len(a.jobs.Names()))
	a.log.Info("app started", logx.Int("jobs", len(specs)), logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) reload(ctx context.Context, oldCfg, newCfg *config.Config) {
	_ = a.sd.Reloading()
	defer func() { _ = a.sd.Ready() }()

	change := config.Diff(oldCfg, newCfg)
	if change.Logging {
		a.logs.Apply(newCfg.Logging.Logx())
	}

	specs, err := jobs.FromConfig(newCfg, a.log.With(logx.String("comp", "jobs")))
	if err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
		return
	}
	res, err := a.jobs.Apply(ctx, specs)
	if err != nil {
		a.log.Warn("jobs reload incomplete", logx.Err(err))
	}
	if change.HTTP {
		a.log.Warn("http config changed; restart required for changes to take effect")
	}
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Info("config reloaded", append(change.Fields(), res.Fields()...)...)
	_ = a.sd.Status("%d jobs", len(a.jobs.Names()))
}

// trackStatus mirrors job failures into the systemd status line.
func (a *App) trackStatus(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(32, eventbus.TypeFailed, eventbus.TypeCompleted)
	defer unsub()

	var failures uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if e.Type != eventbus.TypeFailed {
				continue
			}
			failures++
			msg := ""
			if ev, ok := e.Data.(periodic.RunEvent); ok {
				msg = ev.Error
			}
			_ = a.sd.Status("%d jobs, %d failures, last: %s: %s", len(a.jobs.Names()), failures, e.Source, msg)
		}
	}
}

func (a *App) startHTTP(hc config.HTTPConfig) {
	if !hc.Enabled {
		return
	}
	a.http = debughttp.New(debughttp.Config{
		Addr:          hc.Addr,
		Token:         hc.Token,
		AllowInsecure: hc.AllowInsecure,
	}, a.log.With(logx.String("comp", "http")))
	a.http.Handle("/jobs", func() any { return a.jobs.Snapshot() })
	a.http.Handle("/goroutines", func() any {
		return map[string]supervisor.Snapshot{
			"app":  a.sup.Snapshot(),
			"runs": a.rt.Supervisor().Snapshot(),
		}
	})
	a.http.Handle("/logs", func() any {
		return map[string]uint64{"file_dropped": a.logs.Dropped()}
	})
	// Debug endpoints are optional; a bind failure retries without failing the app.
	a.sup.GoRestart("http.serve", a.http.Serve,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// startWatchdog pings the systemd watchdog at half its interval when the unit
// has WatchdogSec set.
func (a *App) startWatchdog(ctx context.Context) {
	every, err := a.sd.WatchdogInterval()
	if err != nil {
		a.log.Warn("watchdog setting unreadable", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	p, err := periodic.New(every/2,
		periodic.Simple(func(context.Context) error { return a.sd.Watchdog() }),
		periodic.WithName("systemd.watchdog"),
		periodic.WithLogger(a.log),
		periodic.WithRuntime(a.rt),
	)
	if err == nil {
		err = p.StartNow(ctx)
	}
	if err != nil {
		a.log.Warn("watchdog not started", logx.Err(err))
		return
	}
	a.watchdog = p
	a.log.Debug("watchdog started", logx.Duration("every", every/2))
}

// Stop drains every job with its stop_wait policy, bounded by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_ = a.sd.Stopping()
	_ = a.sd.Status("stopping (%s)", reason)

	// Background loops unwind first so no reload races the shutdown.
	a.sup.Cancel()

	var firstErr error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		err := fn(stepCtx)
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
	}

	step("watchdog", time.Second, func(c context.Context) error {
		if a.watchdog == nil {
			return nil
		}
		return a.watchdog.Stop(c, periodic.NoWait)
	})
	// No extra bound: each job's stop_wait decides, ctx is the hard limit.
	step("jobs", 0, a.jobs.Stop)
	step("runtime", 2*time.Second, a.rt.Close)
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.Uint64("log_lines_dropped", a.logs.Dropped()))
	if a.logs != nil {
		a.logs.Close()
	}
	return firstErr
}
