package config

import (
	"encoding/json"
	"hash/fnv"
	"sort"

	logx "periodic/pkg/logx"
)

// Change summarizes what differs between two configs.
type Change struct {
	Logging bool
	HTTP    bool
	Added   []string
	Removed []string
	Changed []string
}

func (c Change) Empty() bool {
	return !c.Logging && !c.HTTP && len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Fields returns structured attrs for logging the change.
func (c Change) Fields() []logx.Field {
	return []logx.Field{
		logx.Bool("logging", c.Logging),
		logx.Bool("http", c.HTTP),
		logx.Any("added", c.Added),
		logx.Any("removed", c.Removed),
		logx.Any("changed", c.Changed),
	}
}

// Diff compares jobs by name and content hash.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	ch.Logging = oldCfg.Logging != newCfg.Logging
	ch.HTTP = oldCfg.HTTP != newCfg.HTTP

	before := make(map[string]uint64, len(oldCfg.Jobs))
	for _, j := range oldCfg.Jobs {
		before[j.Name] = JobHash(j)
	}
	after := make(map[string]bool, len(newCfg.Jobs))
	for _, j := range newCfg.Jobs {
		after[j.Name] = true
		h, ok := before[j.Name]
		switch {
		case !ok:
			ch.Added = append(ch.Added, j.Name)
		case h != JobHash(j):
			ch.Changed = append(ch.Changed, j.Name)
		}
	}
	for name := range before {
		if !after[name] {
			ch.Removed = append(ch.Removed, name)
		}
	}
	sort.Strings(ch.Added)
	sort.Strings(ch.Removed)
	sort.Strings(ch.Changed)
	return ch
}

// JobHash returns a stable hash of a job definition. Map key order does not
// affect the result.
func JobHash(j JobConfig) uint64 {
	b, err := json.Marshal(j)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
