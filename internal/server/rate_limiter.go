package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newMessageLimiter builds the per-connection inbound frame limiter: a
// bucket of burst tokens refilled at burst per interval.
func newMessageLimiter(cfg RateLimitConfig) *rate.Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	every := interval / time.Duration(burst)
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Every(every), burst)
}
