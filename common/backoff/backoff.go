// Package backoff contains helpers for dealing with backoffs.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewProbeBackOff creates the policy used to poll a readiness probe: a
// constant interval, bounded only by the context.
func NewProbeBackOff(interval time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(interval)
}
