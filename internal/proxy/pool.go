// Package proxy implements the egress endpoint pool: health-scored identity
// selection with circuit breaking and sticky sessions.
package proxy

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
	"github.com/fleetcrawl/fleetcrawl/internal/metrics"
)

// Config carries the pool tunables.
type Config struct {
	// FailureThreshold opens the circuit once this many consecutive
	// failures accumulate on one endpoint.
	FailureThreshold int
	// Cooldown is how long an opened circuit stays open.
	Cooldown time.Duration
	// HealthAlpha is the EMA smoothing factor applied per outcome report.
	HealthAlpha float64
}

// Pool owns the live endpoint state. It is safe for concurrent use; all
// operations are in-memory and never block on I/O, so acquire latency stays
// negligible next to the fetches it gates.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	clock   core.Clock
	logger  *zap.Logger
	byID    map[string]*core.ProxyEndpoint
	sticky  map[string]string
	ordered []string
}

// NewPool creates an empty pool.
func NewPool(cfg Config, clock core.Clock, logger *zap.Logger) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.HealthAlpha <= 0 || cfg.HealthAlpha > 1 {
		cfg.HealthAlpha = 0.2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		byID:   make(map[string]*core.ProxyEndpoint),
		sticky: make(map[string]string),
	}
}

// Register adds or replaces an endpoint in the pool. New endpoints start at
// full health.
func (p *Pool) Register(endpoint core.ProxyEndpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if endpoint.HealthScore == 0 {
		endpoint.HealthScore = 1.0
	}
	if _, exists := p.byID[endpoint.ID]; !exists {
		p.ordered = append(p.ordered, endpoint.ID)
	}
	e := endpoint
	p.byID[endpoint.ID] = &e
}

// Acquire selects an egress endpoint matching the filters. When stickyKey
// names a previously bound endpoint that is still healthy, the binding is
// reused for session continuity. Otherwise the healthiest eligible,
// non-suspended endpoint wins. Returns core.ErrPoolEmpty when nothing is
// eligible; the caller must back off rather than retry immediately.
func (p *Pool) Acquire(countryCode string, proxyType core.ProxyType, stickyKey string) (core.ProxyEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()

	if stickyKey != "" {
		if id, ok := p.sticky[stickyKey]; ok {
			if e, ok := p.byID[id]; ok && p.eligible(e, countryCode, proxyType, now) {
				e.LastUsedAt = &now
				metrics.ObserveProxyAcquire("sticky")
				return *e, nil
			}
			delete(p.sticky, stickyKey)
		}
	}

	var best *core.ProxyEndpoint
	for _, id := range p.ordered {
		e := p.byID[id]
		if !p.eligible(e, countryCode, proxyType, now) {
			continue
		}
		if best == nil || e.HealthScore > best.HealthScore {
			best = e
		}
	}
	if best == nil {
		metrics.ObserveProxyAcquire("empty")
		return core.ProxyEndpoint{}, core.ErrPoolEmpty
	}

	best.LastUsedAt = &now
	if stickyKey != "" {
		p.sticky[stickyKey] = best.ID
	}
	metrics.ObserveProxyAcquire("hit")
	return *best, nil
}

func (p *Pool) eligible(e *core.ProxyEndpoint, countryCode string, proxyType core.ProxyType, now time.Time) bool {
	if countryCode != "" && e.CountryCode != countryCode {
		return false
	}
	if proxyType != "" && e.Type != proxyType {
		return false
	}
	return !e.Suspended(now)
}

// ReportOutcome folds one request outcome into the endpoint's health. A
// failure past the threshold opens the circuit until the cooldown elapses;
// any success closes it and resets the failure count.
func (p *Pool) ReportOutcome(endpointID string, success bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[endpointID]
	if !ok {
		return
	}

	sample := 0.0
	if success {
		sample = 1.0
	}
	e.HealthScore = (1-p.cfg.HealthAlpha)*e.HealthScore + p.cfg.HealthAlpha*sample
	metrics.SetProxyHealth(endpointID, e.HealthScore)

	if success {
		if e.ConsecutiveFailures > 0 || e.SuspendedUntil != nil {
			p.logger.Debug("circuit closed", zap.String("endpoint_id", endpointID))
		}
		e.ConsecutiveFailures = 0
		e.SuspendedUntil = nil
		return
	}

	e.ConsecutiveFailures++
	if e.ConsecutiveFailures >= p.cfg.FailureThreshold {
		until := p.clock.Now().Add(p.cfg.Cooldown)
		e.SuspendedUntil = &until
		p.logger.Warn("circuit opened",
			zap.String("endpoint_id", endpointID),
			zap.Int("consecutive_failures", e.ConsecutiveFailures),
			zap.Duration("latency", latency),
			zap.Time("suspended_until", until),
		)
	}
}

// Snapshot returns a copy of every endpoint for the status surface.
func (p *Pool) Snapshot() []core.ProxyEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.ProxyEndpoint, 0, len(p.ordered))
	for _, id := range p.ordered {
		out = append(out, *p.byID[id])
	}
	return out
}
