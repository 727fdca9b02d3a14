package agent

import "time"

// maxIdleBackoff caps the exponential idle-poll delay.
const maxIdleBackoff = 30 * time.Second

// idleBackoffBase is the starting delay (attempt 0).
const idleBackoffBase = 1 * time.Second

// idleBackoff returns the poll delay for the given consecutive-idle attempt
// count (0-indexed): 1, 2, 4, 8, 16, capped at 30s.
func idleBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := idleBackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxIdleBackoff {
			return maxIdleBackoff
		}
	}
	return d
}
