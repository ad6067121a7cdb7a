package config

import (
	"fmt"
	"strings"
	"time"

	"periodic/pkg/periodic"
)

// ParseDurationField parses a non-negative Go duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseStopWait parses a drain policy into a wait usable with Periodic.Stop.
//
//	"", "no-wait", "0s" -> periodic.NoWait
//	"forever"           -> periodic.WaitForever
//	"5s"                -> bounded wait
func ParseStopWait(path, raw string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "no-wait", "nowait", "none":
		return periodic.NoWait, nil
	case "forever", "wait", "infinite":
		return periodic.WaitForever, nil
	}
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, fmt.Errorf("%w (or use no-wait / forever)", err)
	}
	return d, nil
}
