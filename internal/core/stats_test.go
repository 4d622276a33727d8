package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/modshell/sdk"
)

func TestParseStats(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []ModuleStats
	}{
		{
			name:    "array",
			payload: `[{"name": "store", "cpu_percent": 12.5, "memory_mb": 40}]`,
			want:    []ModuleStats{{"store", 12.5, 40}},
		},
		{
			name:    "modules object",
			payload: `{"modules": [{"name": "store", "cpu_percent": 1, "memory_mb": 2}, {"name": "chat"}]}`,
			want:    []ModuleStats{{"store", 1, 2}, {"chat", 0, 0}},
		},
		{
			name:    "alternate keys",
			payload: `[{"name": "a", "cpu": 3.25, "memory": 7}, {"name": "b", "memory_MB": 9}]`,
			want:    []ModuleStats{{"a", 3.25, 7}, {"b", 0, 9}},
		},
		{
			name:    "zero falls back to next spelling",
			payload: `[{"name": "a", "cpu_percent": 0, "cpu": 4, "memory_mb": 0, "memory": 0, "memory_MB": 5}]`,
			want:    []ModuleStats{{"a", 4, 5}},
		},
		{
			name:    "numeric strings",
			payload: `[{"name": "a", "cpu_percent": "2.5", "memory_mb": "10"}]`,
			want:    []ModuleStats{{"a", 2.5, 10}},
		},
		{
			name:    "nameless and non-object entries skipped",
			payload: `[{"cpu": 1}, 42, "x", {"name": "a"}]`,
			want:    []ModuleStats{{"a", 0, 0}},
		},
		{
			name:    "empty list",
			payload: `{"modules": []}`,
			want:    []ModuleStats{},
		},
		{name: "malformed", payload: `{"modules": [`, want: nil},
		{name: "wrong shape", payload: `{"modules": 3}`, want: nil},
		{name: "scalar", payload: `17`, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseStats(tt.payload)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("ParseStats() = %v, want %v", got, tt.want)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseStats() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParseStats()[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFormatUsage(t *testing.T) {
	s := ModuleStats{Name: "a", CPUPercent: 12.345, MemoryMB: 0}
	if s.CPU() != "12.3" {
		t.Errorf("CPU() = %s, want 12.3", s.CPU())
	}
	if s.Memory() != "0.0" {
		t.Errorf("Memory() = %s, want 0.0", s.Memory())
	}
}

func TestGetModuleStats(t *testing.T) {
	f := newRuntimeFixture(t)
	store := f.addModule(t, "store")
	store.stats = &sdk.Stats{CPUPercent: 5.5, MemoryMB: 64}
	f.addModule(t, "chat")
	broken := f.addModule(t, "broken")
	broken.panicStats = true

	for _, name := range []string{"store", "chat", "broken"} {
		if err := f.rt.LoadPlugin(context.Background(), name); err != nil {
			t.Fatal(err)
		}
	}

	stats := f.rt.GetModuleStats()
	want := []ModuleStats{{"broken", 0, 0}, {"chat", 0, 0}, {"store", 5.5, 64}}
	if len(stats) != len(want) {
		t.Fatalf("GetModuleStats() = %v", stats)
	}
	for i := range want {
		if stats[i] != want[i] {
			t.Errorf("GetModuleStats()[%d] = %+v, want %+v", i, stats[i], want[i])
		}
	}

	payload, err := f.rt.StatsPayload()
	if err != nil {
		t.Fatalf("StatsPayload() error = %v", err)
	}
	parsed := ParseStats(payload)
	if len(parsed) != 3 || parsed[2] != want[2] {
		t.Errorf("ParseStats(StatsPayload()) = %v", parsed)
	}
}

func TestGetModuleStatsBoundsSlowReporter(t *testing.T) {
	f := newRuntimeFixture(t, WithStatsTimeout(50*time.Millisecond))
	store := f.addModule(t, "store")
	store.stats = &sdk.Stats{CPUPercent: 5.5, MemoryMB: 64}
	hung := f.addModule(t, "hung")
	hung.stats = &sdk.Stats{CPUPercent: 99, MemoryMB: 99}
	gate := make(chan struct{})
	hung.statsGate = gate
	t.Cleanup(func() { close(gate) })

	for _, name := range []string{"store", "hung"} {
		if err := f.rt.LoadPlugin(context.Background(), name); err != nil {
			t.Fatal(err)
		}
	}

	want := []ModuleStats{{"hung", 0, 0}, {"store", 5.5, 64}}
	for round := 0; round < 2; round++ {
		start := time.Now()
		stats := f.rt.GetModuleStats()
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Fatalf("GetModuleStats() round %d took %v", round, elapsed)
		}
		if len(stats) != len(want) {
			t.Fatalf("GetModuleStats() round %d = %v", round, stats)
		}
		for i := range want {
			if stats[i] != want[i] {
				t.Errorf("GetModuleStats() round %d [%d] = %+v, want %+v", round, i, stats[i], want[i])
			}
		}
	}
}

func TestPollerKeepsLastGoodSample(t *testing.T) {
	var mu sync.Mutex
	payloads := []string{
		`{"modules": [{"name": "store", "cpu_percent": 1.5, "memory_mb": 10}]}`,
		`not json`,
		``,
	}
	var errSource = errors.New("core unavailable")
	calls := 0
	source := func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls > len(payloads) {
			return "", errSource
		}
		return payloads[calls-1], nil
	}

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	var updates int
	p := NewPoller(source, WithPollerMetrics(metrics), WithUpdateHook(func([]ModuleStats) { updates++ }))

	results := []bool{true, false, false, false}
	for i, want := range results {
		if got := p.Poll(context.Background()); got != want {
			t.Errorf("Poll() #%d = %v, want %v", i, got, want)
		}
	}

	if s := p.Stats("store"); s.CPUPercent != 1.5 || s.MemoryMB != 10 {
		t.Errorf("Stats(store) = %+v, want the first sample", s)
	}
	if s := p.Stats("ghost"); s.CPUPercent != 0 || s.Name != "ghost" {
		t.Errorf("Stats(ghost) = %+v, want zero", s)
	}
	if updates != 1 {
		t.Errorf("update hook called %d times, want 1", updates)
	}
	if got := metricValue(t, reg, "modshell_module_cpu_percent", "store"); got != 1.5 {
		t.Errorf("cpu gauge = %v, want 1.5", got)
	}
	if got := metricValue(t, reg, "modshell_stats_polls_total", "malformed"); got != 1 {
		t.Errorf("malformed polls = %v, want 1", got)
	}
}

// metricValue returns the gauge or counter of family name whose single
// label has value label.
func metricValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() != label {
					continue
				}
				if g := m.GetGauge(); g != nil {
					return g.GetValue()
				}
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}

func TestPollerRun(t *testing.T) {
	polled := make(chan struct{}, 10)
	source := func(context.Context) (string, error) {
		select {
		case polled <- struct{}{}:
		default:
		}
		return `[]`, nil
	}
	p := NewPoller(source, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-polled:
		case <-time.After(time.Second):
			t.Fatal("poller did not poll")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
