package core

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/dshills/modshell/internal/plugin"
	"github.com/dshills/modshell/sdk"
)

// ModuleStats is a usage sample of one module. Zero values mean unknown.
type ModuleStats struct {
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// CPU returns the CPU usage with one decimal.
func (s ModuleStats) CPU() string { return FormatUsage(s.CPUPercent) }

// Memory returns the memory usage in megabytes with one decimal.
func (s ModuleStats) Memory() string { return FormatUsage(s.MemoryMB) }

// FormatUsage formats a usage value with one decimal.
func FormatUsage(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// DefaultStatsTimeout bounds one round of module usage sampling.
const DefaultStatsTimeout = 500 * time.Millisecond

// GetModuleStats samples every active module. Modules that do not report
// usage, whose reporter panics or does not answer in time, read as zero. A
// module whose previous sample is still running is not sampled again.
func (r *Runtime) GetModuleStats() []ModuleStats {
	type target struct {
		name string
		impl sdk.Module
	}
	type result struct {
		index int
		stats sdk.Stats
	}

	r.mu.Lock()
	targets := make([]target, 0, len(r.modules))
	for name, m := range r.modules {
		if m.state == plugin.StateActive {
			targets = append(targets, target{name, m.impl})
		}
	}
	r.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	stats := make([]ModuleStats, len(targets))
	results := make(chan result, len(targets))
	pending := 0
	for i, t := range targets {
		stats[i] = ModuleStats{Name: t.name}
		reporter, ok := t.impl.(sdk.StatsReporter)
		if !ok || !r.beginSample(t.name) {
			continue
		}
		pending++
		go func() {
			defer r.endSample(t.name)
			results <- result{index: i, stats: sampleStats(reporter)}
		}()
	}

	timer := time.NewTimer(r.statsTimeout)
	defer timer.Stop()
	for ; pending > 0; pending-- {
		select {
		case res := <-results:
			stats[res.index].CPUPercent = res.stats.CPUPercent
			stats[res.index].MemoryMB = res.stats.MemoryMB
		case <-timer.C:
			r.logger.Debug("module stats sample timed out", zap.Int("pending", pending))
			return stats
		}
	}
	return stats
}

func (r *Runtime) beginSample(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sampling[name] {
		return false
	}
	r.sampling[name] = true
	return true
}

func (r *Runtime) endSample(name string) {
	r.mu.Lock()
	delete(r.sampling, name)
	r.mu.Unlock()
}

func sampleStats(r sdk.StatsReporter) (s sdk.Stats) {
	defer func() {
		if recover() != nil {
			s = sdk.Stats{}
		}
	}()
	return r.Stats()
}

// StatsPayload returns the usage of active modules as a JSON document of the
// form {"modules": [{"name", "cpu_percent", "memory_mb"}]}.
func (r *Runtime) StatsPayload() (string, error) {
	return EncodeStats(r.GetModuleStats())
}

// EncodeStats builds the stats payload for stats.
func EncodeStats(stats []ModuleStats) (string, error) {
	doc := `{"modules":[]}`
	for _, s := range stats {
		item, err := sjson.Set(`{}`, "name", s.Name)
		if err != nil {
			return "", err
		}
		if item, err = sjson.Set(item, "cpu_percent", s.CPUPercent); err != nil {
			return "", err
		}
		if item, err = sjson.Set(item, "memory_mb", s.MemoryMB); err != nil {
			return "", err
		}
		if doc, err = sjson.SetRaw(doc, "modules.-1", item); err != nil {
			return "", fmt.Errorf("encode stats for %s: %w", s.Name, err)
		}
	}
	return doc, nil
}

// ParseStats reads a stats payload. It accepts a bare array or an object
// with a "modules" array, and both spellings of each field: cpu_percent or
// cpu, memory_mb or memory or memory_MB. A spelling is skipped when it is
// zero. Entries without a name are skipped. Malformed payloads yield nil.
func ParseStats(payload string) []ModuleStats {
	if !gjson.Valid(payload) {
		return nil
	}

	root := gjson.Parse(payload)
	list := root
	if !root.IsArray() {
		list = root.Get("modules")
	}
	if !list.IsArray() {
		return nil
	}

	stats := []ModuleStats{}
	list.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		name := item.Get("name").String()
		if name == "" {
			return true
		}
		stats = append(stats, ModuleStats{
			Name:       name,
			CPUPercent: firstNonZero(item, "cpu_percent", "cpu"),
			MemoryMB:   firstNonZero(item, "memory_mb", "memory", "memory_MB"),
		})
		return true
	})
	return stats
}

func firstNonZero(item gjson.Result, keys ...string) float64 {
	for _, key := range keys {
		if v := item.Get(key).Float(); v != 0 {
			return v
		}
	}
	return 0
}
