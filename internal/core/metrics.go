package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors.
type Metrics struct {
	loads   *prometheus.CounterVec
	unloads prometheus.Counter
	active  prometheus.Gauge
	cpu     *prometheus.GaugeVec
	memory  *prometheus.GaugeVec
	polls   *prometheus.CounterVec
}

// NewMetrics creates runtime collectors registered on reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		loads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modshell_module_loads_total",
				Help: "Module load attempts by result",
			},
			[]string{"result"},
		),
		unloads: f.NewCounter(
			prometheus.CounterOpts{
				Name: "modshell_module_unloads_total",
				Help: "Modules unloaded",
			},
		),
		active: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "modshell_modules_active",
				Help: "Number of active modules",
			},
		),
		cpu: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modshell_module_cpu_percent",
				Help: "Last reported CPU usage per module",
			},
			[]string{"module"},
		),
		memory: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modshell_module_memory_mb",
				Help: "Last reported memory usage per module in megabytes",
			},
			[]string{"module"},
		),
		polls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modshell_stats_polls_total",
				Help: "Stats polls by result",
			},
			[]string{"result"},
		),
	}
}

// observe replaces the usage gauges with stats.
func (m *Metrics) observe(stats []ModuleStats) {
	m.cpu.Reset()
	m.memory.Reset()
	for _, s := range stats {
		m.cpu.WithLabelValues(s.Name).Set(s.CPUPercent)
		m.memory.WithLabelValues(s.Name).Set(s.MemoryMB)
	}
}

// forget drops the usage gauges of an unloaded module.
func (m *Metrics) forget(name string) {
	m.cpu.DeleteLabelValues(name)
	m.memory.DeleteLabelValues(name)
}
