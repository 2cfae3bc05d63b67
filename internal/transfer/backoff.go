package transfer

import (
	"time"

	"github.com/jpillora/backoff"
)

// Delivery retry schedule: 5m * 3^n, so the delays after the first three
// failures are 15m, 45m and 135m.
const (
	retryBase   = 5 * time.Minute
	retryFactor = 3
	retryCap    = 24 * time.Hour
)

// Backoff returns the delay before the next delivery attempt once
// retryCount failures have been recorded.
func Backoff(retryCount int) time.Duration {
	b := &backoff.Backoff{
		Min:    retryBase,
		Max:    retryCap,
		Factor: retryFactor,
	}

	return b.ForAttempt(float64(retryCount))
}
