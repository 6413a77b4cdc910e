package frontier

import "time"

// BackoffPolicy schedules retries with exponential growth up to a ceiling.
// Both the frontier and the work queue reschedule failures through it.
// Delays are deterministic so rescheduling is monotonic: the delay for
// attempt n+1 is never smaller than the delay for attempt n.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// NewBackoffPolicy builds a policy, substituting sane defaults for
// non-positive values.
func NewBackoffPolicy(base, cap time.Duration) BackoffPolicy {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if cap < base {
		cap = base
	}
	return BackoffPolicy{Base: base, Cap: cap}
}

// Delay returns the wait before retry number attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap || delay < 0 {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}
