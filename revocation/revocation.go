// Package revocation implements the hashed-token deny-list (C10): tokens
// are never stored in plaintext, and entries are cleaned up automatically
// by the underlying store's TTL rather than a sweep.
package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/draftlab/issuer/internal/cryptoutil"
	"github.com/draftlab/issuer/internal/kv"
)

const prefixSegment = "revocation:token"

// Record is what's persisted for a revoked token.
type Record struct {
	RevokedAt time.Time `json:"revokedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Ledger checks and records revoked tokens.
type Ledger struct {
	store kv.Store
	now   func() time.Time
}

// New returns a Ledger backed by store.
func New(store kv.Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

func tokenKey(token string) kv.Key {
	return kv.MustKey(prefixSegment, cryptoutil.SHA256Hex(token))
}

// Revoke records token as revoked until expiresAt. The TTL used for
// storage is the remaining lifetime of the token, floored at one second so
// an already-expired token still leaves a short-lived deny-list entry.
func (l *Ledger) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	now := l.now()
	ttl := expiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	record := Record{RevokedAt: now, ExpiresAt: expiresAt}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("revocation: marshal record: %w", err)
	}
	if err := l.store.Set(ctx, tokenKey(token), raw, ttl); err != nil {
		return fmt.Errorf("revocation: store record: %w", err)
	}
	return nil
}

// IsRevoked reports whether token is present in the ledger. Absence -
// including because the entry naturally expired - means "not revoked".
func (l *Ledger) IsRevoked(ctx context.Context, token string) (bool, error) {
	_, err := l.store.Get(ctx, tokenKey(token))
	if err == kv.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("revocation: lookup: %w", err)
	}
	return true, nil
}
