package config

import (
	"strings"

	logx "periodic/pkg/logx"
)

// Config is the periodicd configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Timezone is used to align cron start expressions. Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	// HTTP enables the debug server (health, job state, pprof).
	HTTP HTTPConfig `json:"http,omitempty"`

	Jobs []JobConfig `json:"jobs"`
}

// HTTPConfig controls the optional debug server.
//
// Security: prefer a loopback addr. A non-loopback addr needs a token or
// allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// RatePerSec caps warn/error lines written to the file. 0 disables the cap.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// Logx converts the logging section into a logx.Config.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       strings.TrimSpace(l.File.Path),
			RatePerSec: l.File.RatePerSec,
		},
	}
}

// JobConfig describes one periodic job.
//
// Example:
//
//	- name: heartbeat
//	  every: 30s
//	  start: immediate
//	  stop_wait: 5s
//	  command: ["/usr/bin/curl", "-fsS", "http://localhost/health"]
type JobConfig struct {
	Name string `json:"name"`

	// Every is the tick interval: a Go duration ("55m"), HH:MM ("02:30") or
	// a cron @every descriptor ("@every 1m").
	Every string `json:"every"`

	// Start controls the first tick: "interval" (default), "immediate",
	// a Go duration, or a cron expression whose next slot aligns the first tick.
	Start string `json:"start,omitempty"`

	// StopWait is the drain policy on stop: "no-wait" (default), "forever"
	// or a Go duration.
	StopWait string `json:"stop_wait,omitempty"`

	// Spread adds a startup offset derived from the job name, up to
	// min(every, 30s), so jobs sharing an interval don't tick together.
	Spread bool `json:"spread,omitempty"`

	Command []string `json:"command"`
	// Args are appended to Command on every run.
	Args []string `json:"args,omitempty"`
	// Vars are exported to the command as PERIODIC_<KEY>.
	Vars map[string]string `json:"vars,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
	Dir  string            `json:"dir,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}
