package random

import (
	"math/rand"
	"time"
)

// RandomTimeout returns a random duration in the interval [min, max).
// Election timeouts are drawn from this function so that nodes do not
// repeatedly become candidates at the same time.
func RandomTimeout(min time.Duration, max time.Duration) time.Duration {
	n := rand.Int63n(max.Milliseconds()-min.Milliseconds()) + min.Milliseconds()
	return time.Duration(n) * time.Millisecond
}

// RandomInt returns a random integer in the interval [min, max).
func RandomInt(min int, max int) int {
	return min + rand.Intn(max-min)
}
