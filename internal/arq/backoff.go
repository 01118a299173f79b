package arq

import (
	"time"

	"github.com/1ureka/powerudp/internal/protocol"
)

// MaxBackoff caps the per-attempt wait when backoff is enabled.
const MaxBackoff = 8000 * time.Millisecond

// maxBackoffShift bounds the exponent, so the wait grows at most 8x.
const maxBackoffShift = 3

// AttemptTimeout returns how long attempt (0-based) waits for a response.
// Without backoff, and for the first attempt, it is the base timeout. With
// backoff it is base × 2^min(attempt,3), capped at MaxBackoff but never
// shorter than the base, so timeouts never decrease across attempts.
func AttemptTimeout(cfg protocol.Config, attempt int) time.Duration {
	base := cfg.BaseTimeout()
	if !cfg.Backoff || attempt <= 0 {
		return base
	}
	d := base << min(attempt, maxBackoffShift)
	return max(min(d, MaxBackoff), base)
}
