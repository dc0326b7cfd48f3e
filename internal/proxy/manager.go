package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nyimbi/fetchkit/internal/telemetry"
)

// ErrExhausted reports that no healthy proxy satisfies the request. The
// orchestrator treats it as terminal for the current fetch.
var ErrExhausted = errors.New("proxy pool exhausted")

// ErrNoProxies reports that the manager was constructed without endpoints.
var ErrNoProxies = errors.New("no proxies configured")

// Checker probes one proxy and reports its round-trip latency. Probe
// implementations must honor ctx deadlines.
type Checker interface {
	Check(ctx context.Context, p *Proxy) (time.Duration, error)
}

// Config tunes pool health tracking and revalidation.
type Config struct {
	// Proxies lists endpoints as scheme://host:port, optionally with
	// userinfo credentials.
	Proxies []string
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// LatencyWindow bounds the per-proxy response time history.
	LatencyWindow int
	// RevalidateInterval is the pause between probe rounds. Zero disables
	// revalidation, making circuit-open permanent.
	RevalidateInterval time.Duration
	// RemoveAfter is the number of consecutive failed probe rounds after
	// which a circuit-open proxy is removed for good. Zero disables removal.
	RemoveAfter int
	// ProbeTimeout bounds each revalidation probe.
	ProbeTimeout time.Duration
}

// Manager owns the proxy pool and all health state. All health mutation is
// serialized on one mutex; selection is round-robin over active proxies.
type Manager struct {
	mu      sync.Mutex
	proxies []*Proxy
	cursor  int

	maxFailures  int
	window       int
	interval     time.Duration
	removeAfter  int
	probeTimeout time.Duration

	checker Checker
	logger  *zap.Logger
}

// New builds a Manager from cfg. Every configured proxy must parse; a pool
// without a single valid endpoint is a construction error.
func New(cfg Config, checker Checker, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Proxies) == 0 {
		return nil, ErrNoProxies
	}

	proxies := make([]*Proxy, 0, len(cfg.Proxies))
	for _, addr := range cfg.Proxies {
		p, err := newProxy(addr)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}

	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}
	window := cfg.LatencyWindow
	if window <= 0 {
		window = 50
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}

	m := &Manager{
		proxies:      proxies,
		maxFailures:  maxFailures,
		window:       window,
		interval:     cfg.RevalidateInterval,
		removeAfter:  cfg.RemoveAfter,
		probeTimeout: probeTimeout,
		checker:      checker,
		logger:       logger,
	}
	m.publishPoolGauge()
	return m, nil
}

// Next returns the next proxy in rotation that is active and satisfies req.
// It fails with ErrExhausted when no proxy qualifies; callers must not retry
// that condition.
func (m *Manager) Next(req *Requirements) (*Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < len(m.proxies); i++ {
		p := m.proxies[m.cursor]
		m.cursor = (m.cursor + 1) % len(m.proxies)
		if p.state != StateActive {
			continue
		}
		if !meets(p, req) {
			continue
		}
		return p, nil
	}
	return nil, ErrExhausted
}

func meets(p *Proxy, req *Requirements) bool {
	if req == nil {
		return true
	}
	if req.MaxAvgLatency > 0 && p.avgLatency > req.MaxAvgLatency {
		return false
	}
	if req.MaxFailures > 0 && p.streak > req.MaxFailures {
		return false
	}
	return true
}

// MarkSuccess records a successful request through p with its latency,
// resets the failure streak, and closes the circuit if it was open. Removed
// proxies stay removed.
func (m *Manager) MarkSuccess(p *Proxy, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.state == StateRemoved {
		return
	}

	p.successes++
	p.streak = 0
	p.failedRounds = 0
	p.lastCheck = time.Now().UTC()
	p.observeLatency(latency, m.window)

	if p.state == StateOpen {
		p.state = StateActive
		m.logger.Info("proxy circuit closed",
			zap.String("proxy", p.Address()),
			zap.Duration("latency", latency))
	}
	m.publishPoolGaugeLocked()
}

// MarkFailed records a failed request through p. Reaching the consecutive
// failure threshold opens the circuit and takes the proxy out of rotation.
func (m *Manager) MarkFailed(p *Proxy, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.state == StateRemoved {
		return
	}

	p.failures++
	p.streak++
	p.lastCheck = time.Now().UTC()
	telemetry.ObserveProxyFailure(p.Address())

	if p.streak >= m.maxFailures && p.state == StateActive {
		p.state = StateOpen
		m.logger.Warn("proxy circuit opened",
			zap.String("proxy", p.Address()),
			zap.Int("consecutive_failures", p.streak),
			zap.Error(cause))
	}
	m.publishPoolGaugeLocked()
}

// Run revalidates the pool on a fixed interval until ctx is cancelled. Each
// round probes every non-removed proxy through the Checker and routes the
// outcome through MarkSuccess/MarkFailed; a circuit-open proxy that fails
// RemoveAfter consecutive rounds is removed permanently. Run returns only
// after any in-flight round has finished.
func (m *Manager) Run(ctx context.Context) {
	if m.interval <= 0 || m.checker == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.revalidate(ctx)
		}
	}
}

// revalidate runs one probe round. Probes execute concurrently and the round
// joins them all before returning.
func (m *Manager) revalidate(ctx context.Context) {
	m.mu.Lock()
	candidates := make([]*Proxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		if p.state != StateRemoved {
			candidates = append(candidates, p)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range candidates {
		wg.Add(1)
		go func(p *Proxy) {
			defer wg.Done()
			m.probe(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (m *Manager) probe(ctx context.Context, p *Proxy) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	latency, err := m.checker.Check(probeCtx, p)
	if err == nil {
		m.MarkSuccess(p, latency)
		return
	}
	if ctx.Err() != nil {
		// Shutdown, not proxy health.
		return
	}

	m.MarkFailed(p, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if p.state != StateOpen {
		return
	}
	p.failedRounds++
	if m.removeAfter > 0 && p.failedRounds >= m.removeAfter {
		p.state = StateRemoved
		m.logger.Warn("proxy removed after repeated failed revalidations",
			zap.String("proxy", p.Address()),
			zap.Int("failed_rounds", p.failedRounds))
		m.publishPoolGaugeLocked()
	}
}

// Snapshot returns the pool composition and per-proxy stats.
func (m *Manager) Snapshot() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := PoolStats{
		Size:    len(m.proxies),
		Proxies: make([]Stats, 0, len(m.proxies)),
	}
	for _, p := range m.proxies {
		switch p.state {
		case StateActive:
			stats.Active++
		case StateOpen:
			stats.Open++
		case StateRemoved:
			stats.Removed++
		}
		stats.Proxies = append(stats.Proxies, Stats{
			Address:    p.Address(),
			State:      p.state,
			Successes:  p.successes,
			Failures:   p.failures,
			Streak:     p.streak,
			AvgLatency: p.avgLatency,
			LastCheck:  p.lastCheck,
		})
	}
	return stats
}

func (m *Manager) publishPoolGauge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishPoolGaugeLocked()
}

func (m *Manager) publishPoolGaugeLocked() {
	var active, open, removed int
	for _, p := range m.proxies {
		switch p.state {
		case StateActive:
			active++
		case StateOpen:
			open++
		case StateRemoved:
			removed++
		}
	}
	telemetry.SetProxyPool(active, open, removed)
}

// observeLatency appends to the bounded window and recomputes the average.
func (p *Proxy) observeLatency(latency time.Duration, window int) {
	if latency <= 0 {
		return
	}
	p.latencies = append(p.latencies, latency)
	if len(p.latencies) > window {
		p.latencies = p.latencies[len(p.latencies)-window:]
	}
	var total time.Duration
	for _, l := range p.latencies {
		total += l
	}
	p.avgLatency = total / time.Duration(len(p.latencies))
}
