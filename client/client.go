// Package client implements the verifier/consumer side of the protocol
// (C9): discovery and JWKS fetch-and-cache, the authorization-code+PKCE
// dance, refresh, and access-token verification with transparent
// refresh-on-expiry.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/draftlab/issuer/internal/cryptoutil"
	"github.com/draftlab/issuer/internal/netutil"
	"github.com/draftlab/issuer/subject"
)

// Config configures a Client.
type Config struct {
	Issuer      string // base URL of the authorization server
	ClientID    string
	RedirectURI string
	HTTPClient  *http.Client
	// DiscoveryTTL is not consulted: the discovery document and JWKS are
	// fetched once and cached for the lifetime of the Client.
	DiscoveryTTL time.Duration
}

type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// Tokens is an access/refresh token pair returned by Exchange and Refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Claims is the decoded body of a verified access token.
type Claims struct {
	Mode       string          `json:"mode"`
	Issuer     string          `json:"iss"`
	Subject    string          `json:"sub"`
	Audience   string          `json:"aud"`
	IssuedAt   int64           `json:"iat"`
	Expiry     int64           `json:"exp"`
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
	Scope      string          `json:"scope,omitempty"`
}

// Client is a verifier/consumer of one issuer.
type Client struct {
	cfg  Config
	http *http.Client

	discovery *netutil.Lazy[discoveryDocument]
	jwks      *netutil.Lazy[*jose.JSONWebKeySet]
}

// New returns a Client for cfg.Issuer.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	c := &Client{cfg: cfg, http: cfg.HTTPClient}
	c.discovery = netutil.NewLazy(c.fetchDiscovery)
	c.jwks = netutil.NewLazy(c.fetchJWKS)
	return c
}

func (c *Client) fetchDiscovery() (discoveryDocument, error) {
	u := strings.TrimSuffix(c.cfg.Issuer, "/") + "/.well-known/oauth-authorization-server"
	var doc discoveryDocument
	if err := c.getJSON(u, &doc); err != nil {
		return discoveryDocument{}, fmt.Errorf("client: fetch discovery: %w", err)
	}
	return doc, nil
}

func (c *Client) fetchJWKS() (*jose.JSONWebKeySet, error) {
	doc, err := c.discovery.Get()
	if err != nil {
		return nil, err
	}
	var set jose.JSONWebKeySet
	if err := c.getJSON(doc.JWKSURI, &set); err != nil {
		return nil, fmt.Errorf("client: fetch jwks: %w", err)
	}
	return &set, nil
}

func (c *Client) getJSON(url string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// AuthorizationURL builds the /authorize redirect target for an
// authorization-code+PKCE flow. It returns the URL, the state, and the PKCE
// verifier the caller must retain until Exchange.
func (c *Client) AuthorizationURL(scope string) (authorizeURL, state, verifier string, err error) {
	doc, err := c.discovery.Get()
	if err != nil {
		return "", "", "", err
	}
	state, err = cryptoutil.SecureToken(cryptoutil.DefaultTokenSize)
	if err != nil {
		return "", "", "", err
	}
	pkce, err := cryptoutil.GeneratePKCE(cryptoutil.DefaultTokenSize)
	if err != nil {
		return "", "", "", err
	}

	u, err := url.Parse(doc.AuthorizationEndpoint)
	if err != nil {
		return "", "", "", err
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("state", state)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", pkce.Method)
	if scope != "" {
		q.Set("scope", scope)
	}
	u.RawQuery = q.Encode()
	return u.String(), state, pkce.Verifier, nil
}

// Exchange redeems an authorization code for a token pair.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*Tokens, error) {
	doc, err := c.discovery.Get()
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
		"client_id":     {c.cfg.ClientID},
		"code_verifier": {verifier},
	}
	return c.postToken(ctx, doc.TokenEndpoint, form)
}

// Refresh redeems a refresh token for a fresh token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	doc, err := c.discovery.Get()
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.postToken(ctx, doc.TokenEndpoint, form)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (c *Client) postToken(ctx context.Context, endpoint string, form url.Values) (*Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("client: decode token response: %w", err)
	}
	if tr.Error != "" {
		return nil, fmt.Errorf("client: %s: %s", tr.Error, tr.ErrorDesc)
	}
	return &Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    time.Duration(tr.ExpiresIn) * time.Second,
	}, nil
}

// Verify validates an access token's signature, issuer, mode, expiry, and
// (when subjects is non-nil) its properties against the matching subject
// schema, returning its claims. A token minted by this issuer for any
// purpose other than an access token ("mode" != "access") is rejected here
// even though its signature is otherwise valid. It does not refresh; use
// VerifyAndRefresh for that.
func (c *Client) Verify(subjects *subject.Schema, accessToken string) (*Claims, error) {
	set, err := c.jwks.Get()
	if err != nil {
		return nil, err
	}
	tok, err := jwt.ParseSigned(accessToken, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, fmt.Errorf("client: parse token: %w", err)
	}

	var lastErr error
	for _, key := range set.Keys {
		var claims Claims
		if err := tok.Claims(key.Key, &claims); err != nil {
			lastErr = err
			continue
		}
		if claims.Issuer != c.cfg.Issuer {
			return nil, fmt.Errorf("client: unexpected issuer %q", claims.Issuer)
		}
		if claims.Mode != "access" {
			return nil, fmt.Errorf("client: token mode %q is not an access token", claims.Mode)
		}
		if claims.Expiry != 0 && time.Now().Unix() >= claims.Expiry {
			return nil, fmt.Errorf("client: token expired")
		}
		if subjects != nil {
			if err := subjects.Validate(claims.Type, claims.Properties); err != nil {
				return nil, fmt.Errorf("client: properties do not match subject schema: %w", err)
			}
		}
		return &claims, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no signing keys available")
	}
	return nil, fmt.Errorf("client: signature did not verify: %w", lastErr)
}

// VerifyAndRefresh verifies tokens.AccessToken; if it does not verify (for
// example because it is expired), or expires within skew, it transparently
// calls Refresh and returns the new pair alongside the freshly verified
// claims, per the client's verify-with-refresh contract.
func (c *Client) VerifyAndRefresh(ctx context.Context, subjects *subject.Schema, tokens *Tokens, skew time.Duration) (*Claims, *Tokens, error) {
	claims, err := c.Verify(subjects, tokens.AccessToken)
	if err == nil {
		nearExpiry := skew > 0 && claims.Expiry != 0 && time.Now().Add(skew).Unix() >= claims.Expiry
		if !nearExpiry || tokens.RefreshToken == "" {
			return claims, tokens, nil
		}
		err = fmt.Errorf("client: token expires within %s", skew)
	}
	if tokens.RefreshToken == "" {
		return nil, nil, err
	}

	fresh, refreshErr := c.Refresh(ctx, tokens.RefreshToken)
	if refreshErr != nil {
		return nil, nil, fmt.Errorf("client: verify failed (%v) and refresh failed: %w", err, refreshErr)
	}
	claims, err = c.Verify(subjects, fresh.AccessToken)
	if err != nil {
		return nil, nil, fmt.Errorf("client: refreshed token still did not verify: %w", err)
	}
	return claims, fresh, nil
}
