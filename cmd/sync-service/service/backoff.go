package service

import "time"

// retryDelay returns base*2^(attempt-1) capped at max. attempt starts at 1.
func retryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}

	if delay > max {
		return max
	}
	return delay
}
