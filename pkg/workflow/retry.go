package workflow

import (
	"time"

	"github.com/pilotwave/crmflow/pkg/models"
)

const (
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffCap  = 10 * time.Minute
)

// BackoffPolicy computes the delay before a node is retried. Delays
// grow exponentially from Base and never exceed Cap.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

// Delay returns the backoff before attempt+1 of a node, where attempt
// is the number of attempts already made (>= 1).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}

	if delay > p.Cap {
		return p.Cap
	}

	return delay
}

// Retryable reports whether a node failure is worth another attempt.
// Configuration errors describe a broken workflow definition and will
// fail the same way every time, so they are never retried.
func Retryable(err error) bool {
	return !models.IsConfigurationError(err)
}
