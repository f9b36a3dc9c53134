package automation

import (
	"math/rand/v2"
	"time"
)

// maxFillDelay caps the FillAndSubmit backoff.
const maxFillDelay = 2 * time.Second

// backoffWithJitter computes delay = min(base * 2^attempt, max) + jitter(±25%),
// clamped so it never sleeps past the remaining budget.
func backoffWithJitter(base, max time.Duration, attempt int, remaining time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}

	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		delay += jitter
	}

	if delay > remaining {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
