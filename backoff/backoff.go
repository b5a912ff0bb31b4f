// Package backoff computes retry delays for reconnecting channels.
package backoff

import "time"

const (
	// DefaultBase is the delay before the first reconnect attempt.
	DefaultBase = time.Second

	// DefaultCap is the ceiling the exponential delay saturates at.
	DefaultCap = 30 * time.Second

	// DefaultMaxAttempts is the number of consecutive failures after
	// which a channel gives up and reports itself permanently offline.
	DefaultMaxAttempts = 8

	// maxShift caps the bit-shift exponent so the doubled delay can
	// never overflow time.Duration regardless of attempt count.
	maxShift = 10
)

// Policy computes the delay before a reconnect attempt. Delay is a pure
// function of the attempt number: base doubled per attempt, saturating
// at Cap. Jitter, if wanted, is the caller's business so the policy
// stays deterministic.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Default returns the policy used when the caller does not supply one.
func Default() Policy {
	return Policy{
		Base:        DefaultBase,
		Cap:         DefaultCap,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns the wait before reconnect attempt n (0-based).
// Monotonically non-decreasing in n and never above Cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	shift := attempt
	if shift > maxShift {
		shift = maxShift
	}

	d := p.Base << shift
	if d > p.Cap || d < p.Base {
		return p.Cap
	}

	return d
}

// Exhausted reports whether the given attempt count has used up the
// retry budget. The caller must stop scheduling timers once true.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
