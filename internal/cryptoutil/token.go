// Package cryptoutil collects the small cryptographic primitives shared by
// the rest of this module: secure random tokens, unbiased numeric codes,
// constant-time comparison, and PKCE verification with timing
// normalization.
package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// SecureToken returns n cryptographically random bytes, base64url-encoded
// without padding. n must be positive; callers that don't care use
// DefaultTokenSize.
const DefaultTokenSize = 32

func SecureToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("cryptoutil: token size must be positive")
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("cryptoutil: read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// UnbiasedDigits returns n decimal digits ('0'-'9') drawn uniformly via
// rejection sampling: bytes >= 250 are discarded so the modulo reduction
// introduces no bias.
func UnbiasedDigits(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("cryptoutil: digit count must be positive")
	}
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("cryptoutil: read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			out = append(out, '0'+b%10)
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// ConstantTimeEqual compares two UTF-8 strings in constant time relative to
// their shared length. It never short-circuits on a type or length
// mismatch: a dummy comparison of equal cost is always performed so the
// caller's execution time does not leak which failure mode occurred.
func ConstantTimeEqual(a, b string) bool {
	ab, bb := []byte(a), []byte(b)
	if len(ab) != len(bb) {
		// Compare against a zeroed buffer of a's length so timing does not
		// depend on whether a or b was shorter.
		dummy := make([]byte, len(ab))
		subtle.ConstantTimeCompare(ab, dummy)
		return false
	}
	return subtle.ConstantTimeCompare(ab, bb) == 1
}

// SHA256Base64URL returns the base64url-no-pad encoding of SHA-256(input).
func SHA256Base64URL(input string) string {
	sum := sha256.Sum256([]byte(input))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// SHA256Hex returns the lowercase hex encoding of SHA-256(input).
func SHA256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", sum)
}
