package jobs

import (
	"fmt"
	"time"

	"periodic/internal/config"
	logx "periodic/pkg/logx"
	"periodic/pkg/periodic"
)

// Spec describes one job of a Group.
type Spec struct {
	Name  string
	Every time.Duration
	// FirstDelay places the first tick; nil means one interval after start.
	FirstDelay func(now time.Time) time.Duration
	StopWait   time.Duration

	Func periodic.Func
	Args []any
	Vars map[string]any

	// Hash identifies the definition. Apply restarts a job whose hash changed.
	Hash uint64
}

func (s Spec) firstDelay(now time.Time) time.Duration {
	if s.FirstDelay == nil {
		return s.Every
	}
	return s.FirstDelay(now)
}

// FromConfig builds command job specs from the enabled jobs in cfg.
func FromConfig(cfg *config.Config, log logx.Logger) ([]Spec, error) {
	if cfg == nil {
		return nil, nil
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	specs := make([]Spec, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		if j.Disabled {
			continue
		}
		sched, err := j.Schedule(loc)
		if err != nil {
			return nil, err
		}
		if len(j.Command) == 0 {
			return nil, fmt.Errorf("jobs.%s: %w", j.Name, ErrEmptyCommand)
		}

		cmd := Command{
			Argv: append([]string(nil), j.Command...),
			Env:  j.Env,
			Dir:  j.Dir,
			Log:  log.With(logx.String("job", j.Name)),
		}
		s := Spec{
			Name:       j.Name,
			Every:      sched.Every,
			FirstDelay: sched.FirstDelay,
			StopWait:   sched.StopWait,
			Func:       cmd.Func(),
			Hash:       config.JobHash(j),
		}
		for _, a := range j.Args {
			s.Args = append(s.Args, a)
		}
		if len(j.Vars) > 0 {
			s.Vars = make(map[string]any, len(j.Vars))
			for k, v := range j.Vars {
				s.Vars[k] = v
			}
		}
		specs = append(specs, s)
	}
	return specs, nil
}
