package timer

import (
	"math/rand"
	"time"
)

// RetryPolicy is the bounded exponential backoff applied to transient sync
// failures. API-level rejections (validation, conflict, authorization) are
// never retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Delay returns the backoff before the given zero-based retry attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
