// Package periodic runs a unit of work on a fixed cadence with single-flight
// overlap control.
//
// A Periodic owns one timer and at most one in-flight execution. Each tick
// re-arms the timer first, then either launches the work or, when the previous
// run is still in flight, skips it (throttle). Ticks are never queued.
//
//	p, _ := periodic.New(30*time.Second, refresh,
//		periodic.WithName("cache-refresh"),
//		periodic.WithArgs("eu-west"),
//	)
//	_ = p.Start(ctx)              // first run after one interval
//	defer p.Stop(ctx, 5*time.Second) // drain up to 5s, then cancel
//
// # Start
//
//   - Start: first tick after one interval.
//   - StartNow: first tick as soon as the runtime fires a zero-delay timer (never inline).
//   - StartAfter: first tick after the given delay.
//
// Start on a started scheduler is a no-op.
//
// # Stop
//
// Stop retracts the pending timer and drains the in-flight run according to wait:
//   - NoWait (0): cancel the run's context and return immediately.
//   - WaitForever (<0): wait for the run to finish on its own.
//   - d > 0: wait up to d, then cancel.
//
// Stop on a stopped scheduler is a no-op. After Stop returns, Running reports false.
//
// # Failures
//
// Errors and panics from the work are logged with their details and counted in
// Stats; they never stop the scheduler. A context.Canceled returned by the work
// is treated as a silent completion.
//
// # Runtime
//
// Timers and executions come from a Runtime. The default SystemRuntime uses
// time.AfterFunc and a goroutine supervisor; tests inject a manual runtime.
package periodic
