package ratelimit

import (
	"math/rand/v2"
	"time"
)

const (
	// RefreshConcurrency bounds how many accounts are refreshed at once.
	RefreshConcurrency = 4
	maxRefreshStagger  = 750 * time.Millisecond
)

// RefreshStagger is a random delay spreading concurrent refreshes so a batch does not hit
// the identity provider in a single burst.
func RefreshStagger() time.Duration {
	return time.Duration(rand.Int64N(int64(maxRefreshStagger))) //nolint:gosec
}
