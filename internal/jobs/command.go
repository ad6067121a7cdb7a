package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	logx "periodic/pkg/logx"
	"periodic/pkg/periodic"
)

const (
	maxOutput     = 4 << 10
	killWaitDelay = 5 * time.Second
)

// Command runs an external program on every tick.
//
// Positional args bound to the job are appended to Argv. Named args are
// exported as PERIODIC_<KEY> environment variables.
type Command struct {
	Argv []string
	Env  map[string]string
	Dir  string
	Log  logx.Logger
}

// Func returns the periodic.Func running c. Cancelling the run context kills
// the process; the run then reports the context error.
func (c Command) Func() periodic.Func {
	return func(ctx context.Context, args periodic.Args) error {
		return c.Run(ctx, args)
	}
}

func (c Command) Run(ctx context.Context, args periodic.Args) error {
	if len(c.Argv) == 0 || strings.TrimSpace(c.Argv[0]) == "" {
		return ErrEmptyCommand
	}
	argv := append([]string(nil), c.Argv...)
	for _, a := range args.Positional {
		argv = append(argv, fmt.Sprint(a))
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.environ(args.Named)
	cmd.WaitDelay = killWaitDelay
	out := &tailBuffer{limit: maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	dur := time.Since(start)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return &ExitError{Argv: argv, Code: ee.ExitCode(), Output: out.String()}
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	if c.Log.Enabled(logx.LevelDebug) {
		c.Log.Debug("command finished",
			logx.String("cmd", argv[0]),
			logx.Duration("dur", dur),
			logx.String("output", strings.TrimSpace(out.String())),
		)
	}
	return nil
}

func (c Command) environ(named map[string]any) []string {
	env := os.Environ()
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}

	keys = keys[:0]
	for k := range named {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, VarName(k)+"="+fmt.Sprint(named[k]))
	}
	return env
}

// VarName maps a named argument key to its environment variable name.
func VarName(key string) string {
	var b strings.Builder
	b.WriteString("PERIODIC_")
	for _, r := range strings.ToUpper(key) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ExitError is returned when the command exits non-zero.
type ExitError struct {
	Argv   []string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Argv[0], e.Code)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if n >= t.limit {
		t.buf.Reset()
		t.buf.Write(p[n-t.limit:])
		return n, nil
	}
	if over := t.buf.Len() + n - t.limit; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
