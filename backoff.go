package tailcursor

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryTimer spaces attempts that failed with a transport error, growing the
// wait by 1.5x from min up to max. It never gives up: the session deadline is
// what ends retrying.
type retryTimer struct {
	policy *backoff.ExponentialBackOff
	// earliest time the next attempt may be made
	until time.Time
}

func newRetryTimer(min, max time.Duration) *retryTimer {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = min
	policy.Multiplier = 1.5
	policy.RandomizationFactor = 0
	policy.MaxInterval = max
	policy.MaxElapsedTime = 0
	policy.Reset()
	return &retryTimer{policy: policy}
}

// fail records a failed attempt at now and returns the wait before the next.
func (r *retryTimer) fail(now time.Time) time.Duration {
	d := r.policy.NextBackOff()
	r.until = now.Add(d)
	return d
}

func (r *retryTimer) reset() {
	r.policy.Reset()
	r.until = time.Time{}
}

func (r *retryTimer) ready(now time.Time) bool {
	return !now.Before(r.until)
}
