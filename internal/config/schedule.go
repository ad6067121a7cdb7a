package config

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// cronParser accepts both 5-field and 6-field (with seconds) specs and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// StartKind describes how the first tick of a job is placed.
type StartKind int

const (
	StartInterval  StartKind = iota // one interval after start
	StartImmediate                  // right away
	StartDelay                      // after a fixed delay
	StartCron                       // at the next slot of a cron expression
)

func (k StartKind) String() string {
	switch k {
	case StartImmediate:
		return "immediate"
	case StartDelay:
		return "delay"
	case StartCron:
		return "cron"
	default:
		return "interval"
	}
}

// Schedule is the parsed timing of one job.
type Schedule struct {
	Every       time.Duration
	EverySource string // "duration" | "hhmm" | "cron"

	Start    StartKind
	Delay    time.Duration // StartDelay
	CronExpr string        // StartCron

	StopWait time.Duration
	Spread   time.Duration

	cron cron.Schedule
	loc  *time.Location
}

// FirstDelay returns how long to wait before the first tick when the job is
// started at now. The startup spread is added to every start kind.
func (s Schedule) FirstDelay(now time.Time) time.Duration {
	var d time.Duration
	switch s.Start {
	case StartImmediate:
		d = 0
	case StartDelay:
		d = s.Delay
	case StartCron:
		if s.cron != nil {
			t := now
			if s.loc != nil {
				t = now.In(s.loc)
			}
			if next := s.cron.Next(t); !next.IsZero() {
				d = next.Sub(now)
			}
		}
	default:
		d = s.Every
	}
	if d < 0 {
		d = 0
	}
	return d + s.Spread
}

// Schedule parses the timing fields of j. loc aligns cron start expressions
// (nil means local time).
func (j JobConfig) Schedule(loc *time.Location) (Schedule, error) {
	path := "jobs." + j.Name
	every, src, err := ParseEvery(j.Every)
	if err != nil {
		return Schedule{}, fmt.Errorf("%s.every: %w", path, err)
	}
	s := Schedule{Every: every, EverySource: src, loc: loc}

	if err := s.parseStart(j.Start); err != nil {
		return Schedule{}, fmt.Errorf("%s.start: %w", path, err)
	}
	if s.StopWait, err = ParseStopWait(path+".stop_wait", j.StopWait); err != nil {
		return Schedule{}, err
	}
	if j.Spread {
		s.Spread = SpreadFor(j.Name, every)
	}
	return s, nil
}

func (s *Schedule) parseStart(raw string) error {
	v := strings.TrimSpace(raw)
	switch strings.ToLower(v) {
	case "", "interval":
		s.Start = StartInterval
		return nil
	case "immediate", "now":
		s.Start = StartImmediate
		return nil
	}

	if d, err := time.ParseDuration(v); err == nil {
		if d < 0 {
			return fmt.Errorf("delay must be >= 0")
		}
		s.Start, s.Delay = StartDelay, d
		return nil
	}

	expr := v
	if strings.HasPrefix(strings.ToLower(expr), "cron:") {
		expr = strings.TrimSpace(expr[len("cron:"):])
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid start %q (use interval, immediate, a duration, or a cron expression): %w", raw, err)
	}
	s.Start, s.CronExpr, s.cron = StartCron, expr, sched
	return nil
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseEvery parses a tick interval.
//
// Supported forms:
//   - Go duration: "55m", "2h30m"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - cron descriptor: "@every 1m30s"
func ParseEvery(raw string) (time.Duration, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, "", fmt.Errorf("interval required")
	}

	if strings.HasPrefix(s, "@") {
		sched, err := cronParser.Parse(s)
		if err != nil {
			return 0, "", fmt.Errorf("invalid descriptor %q: %w", raw, err)
		}
		cd, ok := sched.(cron.ConstantDelaySchedule)
		if !ok {
			return 0, "", fmt.Errorf("descriptor %q is not a fixed interval (use @every)", raw)
		}
		return cd.Delay, "cron", nil
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMM(s)
		return d, "hhmm", err
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM, @every or a Go duration like '55m')", raw)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// SpreadFor returns a stable startup offset for name in [0, min(every, 30s)).
func SpreadFor(name string, every time.Duration) time.Duration {
	limit := every
	if limit > maxStartupSpread {
		limit = maxStartupSpread
	}
	if limit <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(limit))
}
