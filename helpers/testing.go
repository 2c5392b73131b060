package helpers

import (
	"math/rand"
	"time"
)

// RandUnix is time seeded source for randomized tests. Log the seed to reproduce.
func RandUnix() (*rand.Rand, int64) {
	seed := time.Now().UnixNano()
	return rand.New(rand.NewSource(seed)), seed
}
