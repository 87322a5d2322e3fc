// Package resilience provides the retry policy, backoff computation, and
// error taxonomy used by the task scheduler and external service clients.
package resilience

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/masserfx/steelflow/internal/model"
)

// Policy is the per-stage retry budget. Attempt caps differ by stage cost
// class: ingestion and other cheap stages are retried more times than
// model-bound stages, whose caps are kept low to bound spend.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the backoff before the first retry; each subsequent
	// retry doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// Timeout bounds a single handler invocation.
	Timeout time.Duration

	// JitterFraction randomizes the delay by ±fraction to avoid retry
	// stampedes. Zero disables jitter.
	JitterFraction float64
}

// PolicyFor returns the retry policy for a stage.
func PolicyFor(stage model.Stage) Policy {
	if stage.Queue() == model.QueueAI {
		return Policy{
			MaxAttempts:    3,
			BaseDelay:      5 * time.Second,
			MaxDelay:       2 * time.Minute,
			Timeout:        2 * time.Minute,
			JitterFraction: 0.25,
		}
	}
	return Policy{
		MaxAttempts:    5,
		BaseDelay:      2 * time.Second,
		MaxDelay:       time.Minute,
		Timeout:        30 * time.Second,
		JitterFraction: 0.25,
	}
}

// Delay returns the backoff before re-running the given 0-based attempt:
// BaseDelay * 2^attempt, capped at MaxDelay, with jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if p.JitterFraction > 0 {
		spread := d * p.JitterFraction
		d += (rand.Float64()*2 - 1) * spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
