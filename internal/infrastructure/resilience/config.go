package resilience

import "time"

// Config tunes the executor. Unset fields take the values in defaults,
// except AttemptTimeout where zero means attempts share the caller's deadline.
type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64
	AttemptTimeout      time.Duration

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

var defaults = Config{
	RetryMaxAttempts:        3,
	RetryInitialBackoff:     100 * time.Millisecond,
	RetryMaxBackoff:         400 * time.Millisecond,
	RetryMultiplier:         2,
	BreakerMinRequests:      10,
	BreakerFailureRatio:     0.5,
	BreakerOpenTimeout:      30 * time.Second,
	BreakerHalfOpenMaxCalls: 2,
}

func (c Config) withDefaults() Config {
	c.RetryMaxAttempts = positiveOr(c.RetryMaxAttempts, defaults.RetryMaxAttempts)
	c.RetryInitialBackoff = positiveOr(c.RetryInitialBackoff, defaults.RetryInitialBackoff)
	c.RetryMaxBackoff = max(positiveOr(c.RetryMaxBackoff, defaults.RetryMaxBackoff), c.RetryInitialBackoff)
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = defaults.RetryMultiplier
	}
	c.AttemptTimeout = max(c.AttemptTimeout, 0)

	c.BreakerMinRequests = positiveOr(c.BreakerMinRequests, defaults.BreakerMinRequests)
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		c.BreakerFailureRatio = defaults.BreakerFailureRatio
	}
	c.BreakerOpenTimeout = positiveOr(c.BreakerOpenTimeout, defaults.BreakerOpenTimeout)
	c.BreakerHalfOpenMaxCalls = positiveOr(c.BreakerHalfOpenMaxCalls, defaults.BreakerHalfOpenMaxCalls)
	return c
}

func positiveOr[T int | uint32 | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}
