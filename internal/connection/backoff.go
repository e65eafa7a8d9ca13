package connection

import "time"

// Delay returns the reconnect delay for the given attempt count using
// exponential backoff: base * 2^attempt, capped.
func Delay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap || d <= 0 {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
