package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultStatsInterval is the default polling interval.
const DefaultStatsInterval = 2 * time.Second

// StatsSource produces a stats payload.
type StatsSource func(ctx context.Context) (string, error)

// Poller samples a stats source on a fixed interval and keeps the latest
// parsed snapshot. Failed or malformed samples keep the previous snapshot.
type Poller struct {
	source   StatsSource
	interval time.Duration
	metrics  *Metrics
	logger   *zap.Logger

	mu     sync.RWMutex
	latest map[string]ModuleStats

	onUpdate func([]ModuleStats)
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPollerMetrics publishes samples to m.
func WithPollerMetrics(m *Metrics) PollerOption {
	return func(p *Poller) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithPollerLogger sets the logger.
func WithPollerLogger(l *zap.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithUpdateHook calls fn with every successfully parsed sample.
func WithUpdateHook(fn func([]ModuleStats)) PollerOption {
	return func(p *Poller) {
		p.onUpdate = fn
	}
}

// NewPoller creates a poller over source.
func NewPoller(source StatsSource, opts ...PollerOption) *Poller {
	p := &Poller{
		source:   source,
		interval: DefaultStatsInterval,
		logger:   zap.NewNop(),
		latest:   make(map[string]ModuleStats),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	return p
}

// RuntimeSource reads stats from an in-process runtime.
func RuntimeSource(r *Runtime) StatsSource {
	return func(context.Context) (string, error) {
		return r.StatsPayload()
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll takes one sample. It reports whether the sample was usable.
func (p *Poller) Poll(ctx context.Context) bool {
	payload, err := p.source(ctx)
	if err != nil {
		p.metrics.polls.WithLabelValues("error").Inc()
		p.logger.Debug("stats source failed", zap.Error(err))
		return false
	}
	if payload == "" {
		p.metrics.polls.WithLabelValues("empty").Inc()
		return false
	}

	stats := ParseStats(payload)
	if stats == nil {
		p.metrics.polls.WithLabelValues("malformed").Inc()
		p.logger.Warn("failed to parse module stats")
		return false
	}

	latest := make(map[string]ModuleStats, len(stats))
	for _, s := range stats {
		latest[s.Name] = s
	}
	p.mu.Lock()
	p.latest = latest
	p.mu.Unlock()

	p.metrics.observe(stats)
	p.metrics.polls.WithLabelValues("ok").Inc()
	if p.onUpdate != nil {
		p.onUpdate(stats)
	}
	return true
}

// Stats returns the latest sample for name. Missing modules read as zero.
func (p *Poller) Stats(name string) ModuleStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.latest[name]; ok {
		return s
	}
	return ModuleStats{Name: name}
}

// Snapshot returns the latest sample of every module.
func (p *Poller) Snapshot() map[string]ModuleStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]ModuleStats, len(p.latest))
	for k, v := range p.latest {
		out[k] = v
	}
	return out
}
