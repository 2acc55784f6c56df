// Package oauth2 implements a generic upstream-OAuth2 provider: redirect to
// an external authorization endpoint, exchange the returned code, and fetch
// the user's profile, mirroring dex's generic OAuth2 connector.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/draftlab/issuer/internal/cryptoutil"
	"github.com/draftlab/issuer/internal/netutil"
	"github.com/draftlab/issuer/provider"
)

const stateTTL = 10 * time.Minute

// FetchUserFunc retrieves the authenticated user's profile from the
// upstream provider using a freshly exchanged token.
type FetchUserFunc func(ctx context.Context, token *oauth2.Token) (properties json.RawMessage, subjectHint string, err error)

// Config configures a generic OAuth2 Provider.
type Config struct {
	// ProviderName is the /<name> mount point; defaults to "oauth2".
	ProviderName string
	OAuth2       *oauth2.Config
	FetchUser    FetchUserFunc

	// PKCE generates and validates a PKCE verifier/challenge pair around
	// the authorization-code exchange, for upstreams that support it.
	PKCE bool

	// JWKSURL, if set, causes the provider to verify any id_token present
	// in the token response against this JWKS before calling FetchUser.
	// The expected issuer is derived from the authorization endpoint's
	// origin.
	JWKSURL    string
	HTTPClient *http.Client
}

// Provider implements provider.Provider by delegating authentication to an
// upstream OAuth2 authorization server.
type Provider struct {
	cfg  Config
	http *http.Client
	jwks *netutil.Lazy[*jose.JSONWebKeySet]
}

// New returns a generic OAuth2 Provider. Panics if cfg.OAuth2 or
// cfg.FetchUser is nil.
func New(cfg Config) *Provider {
	if cfg.OAuth2 == nil {
		panic("oauth2: OAuth2 config is required")
	}
	if cfg.FetchUser == nil {
		panic("oauth2: FetchUser is required")
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "oauth2"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	p := &Provider{cfg: cfg, http: cfg.HTTPClient}
	p.jwks = netutil.NewLazy(p.fetchJWKS)
	return p
}

func (p *Provider) Name() string { return p.cfg.ProviderName }

func (p *Provider) Init(router *mux.Router, caps *provider.Capabilities) {
	router.HandleFunc("/login", p.handleLogin(caps)).Methods(http.MethodGet)
	router.HandleFunc("/callback", p.handleCallback(caps)).Methods(http.MethodGet, http.MethodPost)
}

// loginState is the scratch state stashed between /login and /callback.
type loginState struct {
	State        string `json:"state"`
	CodeVerifier string `json:"codeVerifier,omitempty"`
}

func (p *Provider) handleLogin(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := cryptoutil.SecureToken(cryptoutil.DefaultTokenSize)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not generate state")
			return
		}

		ls := loginState{State: state}
		var authOpts []oauth2.AuthCodeOption
		if p.cfg.PKCE {
			pkce, err := cryptoutil.GeneratePKCE(cryptoutil.DefaultTokenSize)
			if err != nil {
				caps.Fail(r.Context(), w, r, "server_error", "could not generate pkce challenge")
				return
			}
			ls.CodeVerifier = pkce.Verifier
			authOpts = append(authOpts,
				oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
				oauth2.SetAuthURLParam("code_challenge_method", pkce.Method),
			)
		}

		if err := caps.Set(r.Context(), w, r, "login", stateTTL, ls); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist state")
			return
		}
		http.Redirect(w, r, p.cfg.OAuth2.AuthCodeURL(state, authOpts...), http.StatusFound)
	}
}

func (p *Provider) handleCallback(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if errCode := r.URL.Query().Get("error"); errCode != "" {
			caps.Fail(r.Context(), w, r, "access_denied", r.URL.Query().Get("error_description"))
			return
		}

		var ls loginState
		ok, err := caps.Get(r.Context(), w, r, "login", &ls)
		if err != nil || !ok {
			caps.Fail(r.Context(), w, r, "invalid_grant", "no pending login")
			return
		}
		_ = caps.Unset(r.Context(), w, r, "login")
		if !cryptoutil.ConstantTimeEqual(r.URL.Query().Get("state"), ls.State) {
			caps.Fail(r.Context(), w, r, "invalid_grant", "state mismatch")
			return
		}

		code := r.URL.Query().Get("code")
		if code == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "code is required")
			return
		}

		var exchangeOpts []oauth2.AuthCodeOption
		if p.cfg.PKCE {
			if ls.CodeVerifier == "" {
				caps.Fail(r.Context(), w, r, "invalid_grant", "missing pkce verifier")
				return
			}
			exchangeOpts = append(exchangeOpts, oauth2.SetAuthURLParam("code_verifier", ls.CodeVerifier))
		}

		token, err := p.cfg.OAuth2.Exchange(r.Context(), code, exchangeOpts...)
		if err != nil {
			caps.Fail(r.Context(), w, r, "invalid_grant", "code exchange failed: "+err.Error())
			return
		}

		if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" && p.cfg.JWKSURL != "" {
			if err := p.verifyIDToken(idToken); err != nil {
				caps.Fail(r.Context(), w, r, "server_error", "id_token verification failed: "+err.Error())
				return
			}
		}

		properties, subjectHint, err := p.cfg.FetchUser(r.Context(), token)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not fetch user profile: "+err.Error())
			return
		}

		opts := provider.SuccessOptions{Subject: subjectHint}
		if err := caps.Success(r.Context(), w, r, properties, opts); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", err.Error())
		}
	}
}

// verifyIDToken validates idToken's signature against the configured JWKS
// and checks that its issuer matches the authorization endpoint's origin.
func (p *Provider) verifyIDToken(idToken string) error {
	set, err := p.jwks.Get()
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	tok, err := jwt.ParseSigned(idToken, []jose.SignatureAlgorithm{jose.RS256, jose.ES256})
	if err != nil {
		return fmt.Errorf("parse id_token: %w", err)
	}

	expectedIssuer := authorityOf(p.cfg.OAuth2.Endpoint.AuthURL)
	var lastErr error
	for _, key := range set.Keys {
		var claims struct {
			Issuer string `json:"iss"`
		}
		if err := tok.Claims(key.Key, &claims); err != nil {
			lastErr = err
			continue
		}
		if claims.Issuer != expectedIssuer {
			return fmt.Errorf("unexpected id_token issuer %q", claims.Issuer)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no signing keys available")
	}
	return fmt.Errorf("signature did not verify: %w", lastErr)
}

func (p *Provider) fetchJWKS() (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequest(http.MethodGet, p.cfg.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, err
	}
	return &set, nil
}

func authorityOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Path, u.RawQuery, u.Fragment = "", "", ""
	return u.String()
}
