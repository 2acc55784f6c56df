package cryptoutil

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// minDuration and jitter bound the "minimum-duration wrapper" used to mask
// fast-fail timing on sensitive comparisons (PKCE validation, password
// code checks): every call takes at least minDuration, plus up to
// jitterMax of random padding, regardless of success or failure.
const (
	minDuration = 50 * time.Millisecond
	jitterMax   = 20 * time.Millisecond
)

func jitter() time.Duration {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	n := binary.BigEndian.Uint64(b[:]) % uint64(jitterMax)
	return time.Duration(n)
}

// WithMinimumDuration runs fn and ensures the call does not return before
// minDuration+jitter has elapsed, independent of fn's outcome. Use this to
// wrap any comparison whose timing could otherwise leak which branch
// executed.
func WithMinimumDuration(fn func() bool) bool {
	start := time.Now()
	result := fn()
	target := minDuration + jitter()
	if elapsed := time.Since(start); elapsed < target {
		time.Sleep(target - elapsed)
	}
	return result
}
