package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"periodic/internal/app"
	"periodic/internal/config"
	logx "periodic/pkg/logx"
)

func main() {
	var (
		cfgPath string
		check   bool
	)
	flag.StringVar(&cfgPath, "config", "./periodic.yaml", "path to config (yaml or json)")
	flag.BoolVar(&check, "check", false, "validate the config, print the jobs and exit")
	flag.Parse()

	if check {
		if err := checkConfig(cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, "invalid:", err)
			os.Exit(1)
		}
		return
	}

	// Used until the configured logger exists, and for exit errors.
	boot := logx.NewJSON(os.Stderr, "info").With(logx.String("comp", "main"))

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("fatal: load", logx.Err(err), logx.String("config", cfgPath))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("fatal: start", logx.Err(err))
		os.Exit(1)
	}

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	// A second signal abandons the drain.
	stopCtx, stopCancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigCh:
			stopCancel()
		case <-stopCtx.Done():
		}
	}()
	err = a.Stop(stopCtx, reason)
	stopCancel()
	if err != nil {
		boot.Error("stop incomplete", logx.Err(err), logx.String("reason", string(reason)))
		os.Exit(1)
	}
}

func checkConfig(path string) error {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tEVERY\tSTART\tFIRST IN\tSTOP WAIT\tCOMMAND")
	for _, j := range cfg.Jobs {
		s, err := j.Schedule(loc)
		if err != nil {
			return err
		}
		name := j.Name
		if j.Disabled {
			name += " (disabled)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
			name, s.Every, s.Start, s.FirstDelay(now).Round(time.Second), stopWait(s.StopWait), j.Command)
	}
	return w.Flush()
}

func stopWait(d time.Duration) string {
	switch {
	case d < 0:
		return "forever"
	case d == 0:
		return "no-wait"
	default:
		return d.String()
	}
}
