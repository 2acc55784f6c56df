package issuer

import (
	"encoding/json"
	"time"

	"github.com/draftlab/issuer/internal/kv"
)

// PKCEState is the challenge half of an in-flight PKCE exchange, persisted
// in the authorization cookie until /token validates it.
type PKCEState struct {
	Challenge string `json:"challenge"`
	Method    string `json:"method"`
}

// AuthorizationState is the cookie-resident record created by /authorize
// and consumed by a provider's success call or by /token's code exchange.
type AuthorizationState struct {
	ResponseType string     `json:"responseType"`
	RedirectURI  string     `json:"redirectUri"`
	State        string     `json:"state,omitempty"`
	ClientID     string     `json:"clientId"`
	Audience     string     `json:"audience,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	PKCE         *PKCEState `json:"pkce,omitempty"`
}

// TTLPair carries the access/refresh token lifetimes of one grant. It is
// filled from the issuer's configured TTLs when a code or token is first
// minted and carried unchanged through every refresh rotation (the spec.md
// §9 question, resolved in DESIGN.md).
type TTLPair struct {
	Access  time.Duration `json:"access"`
	Refresh time.Duration `json:"refresh"`
}

// CodePayload is the one-time authorization code record.
type CodePayload struct {
	Type        string          `json:"type"`
	Properties  json.RawMessage `json:"properties"`
	Subject     string          `json:"subject"`
	RedirectURI string          `json:"redirectUri"`
	ClientID    string          `json:"clientId"`
	PKCE        *PKCEState      `json:"pkce,omitempty"`
	TTL         TTLPair         `json:"ttl"`
	Scopes      []string        `json:"scopes,omitempty"`
}

// RefreshPayload is the rotation-tracked refresh-token record.
type RefreshPayload struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
	ClientID   string          `json:"clientId"`
	Subject    string          `json:"subject"`
	TTL        TTLPair         `json:"ttl"`
	NextToken  string          `json:"nextToken"`
	TimeUsed   *int64          `json:"timeUsed,omitempty"` // ms epoch
	Scopes     []string        `json:"scopes,omitempty"`
}

const (
	segSigningKey    = "signing:key"
	segEncryptionKey = "encryption:key"
	segOauthCode     = "oauth:code"
	segOauthRefresh  = "oauth:refresh"
	segOauthState    = "oauth:state"
)

func codeKey(code string) kv.Key {
	return kv.MustKey(segOauthCode, code)
}

func refreshKey(subject, token string) kv.Key {
	return kv.MustKey(segOauthRefresh, subject, token)
}

func refreshSubjectPrefix(subject string) kv.Key {
	return kv.MustKey(segOauthRefresh, subject)
}
