package periodic

import (
	"context"
	"time"

	"periodic/internal/eventbus"
	logx "periodic/pkg/logx"
)

// Wait policies for Stop.
const (
	NoWait      time.Duration = 0
	WaitForever time.Duration = -1
)

// Func is the work invoked on every launched tick.
//
// ctx is cancelled when Stop decides to cancel the run. Returning
// context.Canceled is treated as a normal completion.
type Func func(ctx context.Context, args Args) error

// Simple adapts a function that takes no bound arguments.
func Simple(fn func(ctx context.Context) error) Func {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, _ Args) error { return fn(ctx) }
}

// Args are the arguments bound at construction and passed to every run.
type Args struct {
	Positional []any
	Named      map[string]any
}

func (a Args) clone() Args {
	out := Args{}
	if len(a.Positional) > 0 {
		out.Positional = append([]any(nil), a.Positional...)
	}
	if len(a.Named) > 0 {
		out.Named = make(map[string]any, len(a.Named))
		for k, v := range a.Named {
			out.Named[k] = v
		}
	}
	return out
}

// Stats is a point-in-time view of a scheduler's activity.
//
// Panicked runs are also counted in Failed.
type Stats struct {
	Launched  uint64
	Completed uint64
	Failed    uint64
	Panicked  uint64
	Cancelled uint64
	Throttled uint64

	LastStart    time.Time
	LastDuration time.Duration
	LastError    string
}

// RunEvent is the Data of launched/completed/failed/cancelled bus events.
type RunEvent struct {
	Run      uint64        `json:"run"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Option func(*Periodic)

// WithArgs appends positional arguments passed to every run.
func WithArgs(args ...any) Option {
	return func(p *Periodic) { p.args.Positional = append(p.args.Positional, args...) }
}

// WithNamedArg binds a named argument passed to every run.
func WithNamedArg(key string, value any) Option {
	return func(p *Periodic) {
		if p.args.Named == nil {
			p.args.Named = map[string]any{}
		}
		p.args.Named[key] = value
	}
}

// WithName sets the name used in logs, events and goroutine stats.
func WithName(name string) Option {
	return func(p *Periodic) {
		if name != "" {
			p.name = name
		}
	}
}

// WithLogger sets the diagnostic sink. Default is a console logger at info level.
func WithLogger(log logx.Logger) Option {
	return func(p *Periodic) { p.log = log }
}

// WithRuntime sets the timer/execution substrate. Default is a SystemRuntime.
func WithRuntime(rt Runtime) Option {
	return func(p *Periodic) { p.rt = rt }
}

// WithBus publishes lifecycle events (eventbus.Type*) to bus.
func WithBus(bus eventbus.Bus) Option {
	return func(p *Periodic) { p.bus = bus }
}
