package frontier

import (
	"sync"

	"golang.org/x/time/rate"
)

// DomainLimiter enforces the politeness delay between requests to the same
// domain. It never blocks: Allow either hands out a token or reports the
// domain as throttled for this call.
type DomainLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// LimiterConfig holds per-domain rate settings.
type LimiterConfig struct {
	DefaultRPS   float64
	DefaultBurst int
}

// NewDomainLimiter creates a limiter. A non-positive RPS disables
// throttling entirely.
func NewDomainLimiter(cfg LimiterConfig) *DomainLimiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &DomainLimiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Allow reports whether the domain may be fetched now, consuming a token
// when it can.
func (l *DomainLimiter) Allow(domain string) bool {
	l.mu.Lock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
