// Package provider defines the contract every authentication method (code,
// magic-link, password, passkey, TOTP, generic OAuth2) implements. The
// issuer mounts each provider's own sub-router and hands it a Capabilities
// struct bound back into the issuer's success/forward/invalidate machinery,
// so providers never import the issuer package directly.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/draftlab/issuer/internal/kv"
)

// Provider is implemented by every concrete authentication method.
type Provider interface {
	// Name is the path segment this provider is mounted under (/<name>).
	Name() string
	// Init wires the provider's routes onto router (already scoped to
	// /<name>) using the supplied capabilities.
	Init(router *mux.Router, caps *Capabilities)
}

// SuccessOptions customizes how a successful authentication is finalized.
type SuccessOptions struct {
	// SubjectType overrides the subject type name; defaults to the
	// provider's own name if empty.
	SubjectType string
	// Subject overrides the computed subject identifier entirely.
	Subject string
	// Invalidate, if set, is called with the final subject string once
	// computed, letting the provider record an email->subject mapping or
	// purge stale sessions.
	Invalidate func(ctx context.Context, subject string) error
	// Scopes optionally narrows the scopes recorded on the issued tokens.
	Scopes []string
}

// Response carries a UI renderer's output through Forward, preserving
// status, headers, and body exactly.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Capabilities is the surface every provider is given at Init time. Every
// field is supplied by the issuer; providers must not construct one
// themselves.
type Capabilities struct {
	Name    string
	Storage kv.Store

	// Set/Get/Unset persist small scratch values in the provider's own
	// encrypted cookie, scoped by key, so state survives a redirect round
	// trip without needing storage or session affinity.
	Set   func(ctx context.Context, w http.ResponseWriter, r *http.Request, key string, ttl time.Duration, value any) error
	Get   func(ctx context.Context, w http.ResponseWriter, r *http.Request, key string, out any) (bool, error)
	Unset func(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) error

	// Success finalizes authentication: mints a code or token per the
	// in-flight AuthorizationState and redirects the browser.
	Success func(ctx context.Context, w http.ResponseWriter, r *http.Request, properties json.RawMessage, opts SuccessOptions) error

	// Forward propagates a UI renderer's Response verbatim.
	Forward func(w http.ResponseWriter, resp *Response)

	// Invalidate removes every refresh token issued to subject.
	Invalidate func(ctx context.Context, subject string) error

	// Fail redirects back to redirect_uri carrying the given OAuth error
	// code/description; if no redirect_uri is known it passes the error to
	// the issuer's OnError handler (a plain-text 400 by default).
	Fail func(ctx context.Context, w http.ResponseWriter, r *http.Request, code, description string)
}
