package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "periodic/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Location returns the timezone used for cron start alignment.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Validate reports every problem found in cfg, joined into one error that
// wraps ErrInvalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.RatePerSec < 0 {
		add(fmt.Errorf("logging.file.rate_per_sec: must be >= 0"))
	}
	loc, err := cfg.Location()
	add(err)
	add(validateHTTP(cfg.HTTP))

	seen := make(map[string]bool, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add(fmt.Errorf("jobs[%d].name: required", i))
			continue
		}
		if seen[name] {
			add(fmt.Errorf("jobs[%d].name: duplicate %q", i, name))
		}
		seen[name] = true

		if len(j.Command) == 0 || strings.TrimSpace(j.Command[0]) == "" {
			add(fmt.Errorf("jobs.%s.command: required", name))
		}
		if loc != nil {
			_, err := j.Schedule(loc)
			add(err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func validateHTTP(h HTTPConfig) error {
	if !h.Enabled {
		return nil
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("http.addr: %w", err)
	}
	if h.Token != "" || h.AllowInsecure || isLoopbackHost(host) {
		return nil
	}
	return fmt.Errorf("http.addr: %q is not loopback; set http.token or http.allow_insecure", addr)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
