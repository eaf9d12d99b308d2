package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy bounds explicit re-enqueue retries.
type Policy struct {
	// MaxAttempts is the re-enqueue cap. Zero means unbounded.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   60 * time.Second,
		MaxDelay:    60 * time.Minute,
	}
}

// Delay returns the exponential re-enqueue delay for a 1-based attempt:
// base * 2^(attempt-1), capped at MaxDelay, plus jitter in [0, base).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/4 {
			break
		}
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.BaseDelay > 0 {
		d += time.Duration(rand.Int64N(int64(p.BaseDelay)))
	}
	return d
}

// Linear returns base * attempt capped at MaxDelay, used for transient
// failures redelivered by the queue.
func (p Policy) Linear(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay * time.Duration(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether attempt exceeds the cap.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Next returns the delay before throttled attempt, never shorter than the
// wait cause asks for. It fails with ErrAttemptsExhausted past the cap.
func (p Policy) Next(attempt int, cause error) (time.Duration, error) {
	if p.Exhausted(attempt) {
		return 0, fmt.Errorf("%w: %d attempts", ErrAttemptsExhausted, attempt-1)
	}
	d := p.Delay(attempt)
	if hint, ok := RetryAfter(cause); ok && hint > d {
		d = hint
	}
	return d, nil
}

// Jitter returns a random duration in [min, max].
func Jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}
