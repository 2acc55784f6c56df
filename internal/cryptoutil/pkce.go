package cryptoutil

import (
	"fmt"
)

// PKCEMethodS256 is the only challenge method this module supports, per
// RFC 7636 §4.3's recommendation against "plain".
const PKCEMethodS256 = "S256"

// PKCE holds a generated verifier/challenge pair.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePKCE creates a verifier of verifierBytes random bytes (32-96,
// producing a 43-128 character base64url string per RFC 7636) and its
// S256 challenge.
func GeneratePKCE(verifierBytes int) (*PKCE, error) {
	if verifierBytes < 32 || verifierBytes > 96 {
		return nil, fmt.Errorf("cryptoutil: pkce verifier must be generated from 32-96 bytes, got %d", verifierBytes)
	}
	verifier, err := SecureToken(verifierBytes)
	if err != nil {
		return nil, err
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return nil, fmt.Errorf("cryptoutil: generated pkce verifier has invalid length %d", len(verifier))
	}
	return &PKCE{
		Verifier:  verifier,
		Challenge: SHA256Base64URL(verifier),
		Method:    PKCEMethodS256,
	}, nil
}

// ValidatePKCE checks that SHA-256(verifier), base64url-encoded, equals
// challenge. The comparison is constant-time and the whole call - success
// or failure, well-formed or garbage input - takes a normalized minimum
// duration so a network observer cannot distinguish failure modes by
// timing. Every failure branch still performs a dummy hash and compare of
// equivalent cost.
func ValidatePKCE(verifier, challenge, method string) bool {
	return WithMinimumDuration(func() bool {
		if method != "" && method != PKCEMethodS256 {
			// Unsupported method: still pay for a hash+compare so this
			// branch costs the same as the real one.
			ConstantTimeEqual(SHA256Base64URL(verifier), challenge)
			return false
		}
		if len(verifier) < 43 || len(verifier) > 128 || challenge == "" {
			ConstantTimeEqual(SHA256Base64URL(verifier), challenge)
			return false
		}
		computed := SHA256Base64URL(verifier)
		return ConstantTimeEqual(computed, challenge)
	})
}
