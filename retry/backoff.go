// Package retry provides a generic retry helper with exponential backoff and
// jitter. squirrelstore uses it for the end-of-session flush, where a lost
// save means lost player data.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before retry number attempt (0-indexed) under
// cfg: BaseDelay doubled per attempt, capped at MaxDelay, then spread by
// ±Jitter.
func Backoff(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if limit := float64(cfg.MaxDelay); limit > 0 && delay > limit {
		delay = limit
	}
	if cfg.Jitter > 0 {
		delay += delay * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
