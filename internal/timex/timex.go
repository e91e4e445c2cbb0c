package timex

import (
	"math/rand"
	"time"
)

// RandomDuration returns a random duration in [0, maximum).
//
// !! DOES NOT USE CRYPTO RANDOM !!
func RandomDuration(maximum time.Duration) time.Duration {
	if maximum < 0 {
		panic("negative duration")
	}

	// rand.Int63n panics on arguments <= 0
	if maximum == 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(maximum)))
}

// Jittered returns base plus a random share of maxJitter. Used to spread
// polling and probing of many gateway replicas over time.
func Jittered(base, maxJitter time.Duration) time.Duration {
	return base + RandomDuration(maxJitter)
}
