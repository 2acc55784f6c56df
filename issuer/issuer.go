// Package issuer implements the authorization-server core: the
// /authorize -> provider -> /token state machine, JWKS/discovery
// publication, and refresh-token rotation with reuse detection.
package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/draftlab/issuer/internal/cookie"
	"github.com/draftlab/issuer/internal/keys"
	"github.com/draftlab/issuer/internal/kv"
	"github.com/draftlab/issuer/internal/netutil"
	"github.com/draftlab/issuer/pluginmgr"
	"github.com/draftlab/issuer/provider"
	"github.com/draftlab/issuer/revocation"
	"github.com/draftlab/issuer/subject"
)

const authorizationCookieName = "authorization"

// Default token lifetimes, per spec.md §4.7.
const (
	DefaultTTLAccess           = 30 * 24 * time.Hour
	DefaultTTLRefresh          = 365 * 24 * time.Hour
	DefaultTTLRefreshReuse     = 60 * time.Second
	DefaultTTLRefreshRetention = 0
)

// AllowRequest is what the configured Allow callback inspects.
type AllowRequest struct {
	ClientID    string
	RedirectURI string
	Audience    string
}

// AllowFunc decides whether a client/redirect_uri/audience combination may
// proceed. DefaultAllow implements the host-matching policy from §4.6.1.
type AllowFunc func(ctx context.Context, req AllowRequest, r *http.Request) error

// RefreshFunc lets the host application rewrite a refresh payload (e.g. to
// refresh upstream claims) before rotation proceeds. Returning a nil
// payload invalidates the subject and fails the grant.
type RefreshFunc func(ctx context.Context, payload *RefreshPayload) (*RefreshPayload, error)

// SelectFunc renders a provider-choice UI when /authorize doesn't specify
// one and more than one provider is configured.
type SelectFunc func(w http.ResponseWriter, r *http.Request, providerNames []string)

// ErrorFunc handles errors that are not redirected back to the client (an
// UnknownStateError, or an /authorize request rejected before a redirect
// can be trusted) the way the host application sees fit; the default is a
// plain-text 400.
type ErrorFunc func(w http.ResponseWriter, r *http.Request, err error)

// Config configures an Issuer.
type Config struct {
	Issuer   string // external base URL, e.g. https://auth.example.com
	BasePath string // mount point under Issuer; defaults to "/"

	Storage kv.Store
	Keys    *keys.Manager
	Logger  *slog.Logger

	Subjects  *subject.Schema
	Providers map[string]provider.Provider
	Plugins   *pluginmgr.Manager

	Allow   AllowFunc
	Select  SelectFunc
	OnError ErrorFunc
	Refresh RefreshFunc

	TTLAccess           time.Duration
	TTLRefresh          time.Duration
	TTLRefreshReuse     time.Duration
	TTLRefreshRetention time.Duration

	Now func() time.Time

	// Registry, if set, enables per-route Prometheus request-count and
	// latency instrumentation on /authorize, /token, /revoke, /introspect and
	// the well-known endpoints. Nil leaves routes uninstrumented.
	Registry prometheus.Registerer
}

// Issuer is the HTTP surface described in spec.md §6.
type Issuer struct {
	cfg    Config
	router *mux.Router
	cookie *cookie.Jar
	revoke *revocation.Ledger
	now    func() time.Time
	instr  *instrumentation
}

// New builds an Issuer, mounting /authorize, /token, the well-known
// endpoints, every configured provider under /<name>, and every plugin
// under /plugin/<id>.
func New(cfg Config) (*Issuer, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("issuer: Storage is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("issuer: Keys is required")
	}
	if cfg.Subjects == nil {
		return nil, fmt.Errorf("issuer: Subjects is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/"
	}
	if cfg.Allow == nil {
		cfg.Allow = DefaultAllow
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultErrorHandler
	}
	if cfg.TTLAccess == 0 {
		cfg.TTLAccess = DefaultTTLAccess
	}
	if cfg.TTLRefresh == 0 {
		cfg.TTLRefresh = DefaultTTLRefresh
	}
	if cfg.TTLRefreshReuse == 0 {
		cfg.TTLRefreshReuse = DefaultTTLRefreshReuse
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Plugins == nil {
		cfg.Plugins = pluginmgr.New(cfg.Logger)
	}

	iss := &Issuer{
		cfg:    cfg,
		router: mux.NewRouter(),
		cookie: cookie.New(cfg.Keys, cfg.BasePath),
		revoke: revocation.New(cfg.Storage),
		now:    cfg.Now,
		instr:  newInstrumentation(cfg.Registry),
	}

	iss.routes()
	return iss, nil
}

// ServeHTTP implements http.Handler.
func (iss *Issuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	iss.router.ServeHTTP(w, r)
}

func (iss *Issuer) routes() {
	r := iss.router

	r.HandleFunc("/authorize", iss.instr.wrap("authorize", iss.handleAuthorize)).Methods(http.MethodGet)
	r.HandleFunc("/token", iss.instr.wrap("token", withCORS(iss.handleToken))).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/.well-known/oauth-authorization-server", iss.instr.wrap("discovery", withCORS(iss.handleMetadata))).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/.well-known/jwks.json", iss.instr.wrap("jwks", withCORS(iss.handleJWKS))).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/revoke", iss.instr.wrap("revoke", withCORS(iss.handleRevoke))).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/introspect", iss.instr.wrap("introspect", withCORS(iss.handleIntrospect))).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/healthz", iss.handleHealth).Methods(http.MethodGet)

	for name, p := range iss.cfg.Providers {
		sub := r.PathPrefix("/" + name).Subrouter()
		p.Init(sub, iss.capabilitiesFor(name))
	}

	for _, mount := range iss.cfg.Plugins.Mounts() {
		sub := r.PathPrefix("/plugin/" + mount.PluginID + mount.Path).Subrouter()
		mount.Handler(sub)
	}
}

func withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (iss *Issuer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := iss.cfg.Keys.SigningKey(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(err.Error()))
}

// DefaultAllow implements §4.6.1's host-matching policy: the redirect host
// is always allowed if it's a loopback literal, otherwise it must share an
// effective domain (TLD+1, TLD+2 for known two-part suffixes) with the
// requesting host, which is itself read with X-Forwarded-Host in mind.
func DefaultAllow(_ context.Context, req AllowRequest, r *http.Request) error {
	redirectHost, err := hostOf(req.RedirectURI)
	if err != nil {
		return &UnauthorizedClientError{Reason: "redirect_uri is not a valid URL"}
	}
	if netutil.IsLoopback(redirectHost) {
		return nil
	}
	requestHost := netutil.RequestHost(r)
	if netutil.EffectiveDomain(requestHost) == netutil.EffectiveDomain(redirectHost) {
		return nil
	}
	return &UnauthorizedClientError{
		Reason: fmt.Sprintf("redirect host %q does not share a domain with request host %q", redirectHost, requestHost),
	}
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid URL %q", rawURL)
	}
	return u.Hostname(), nil
}

// marshalProperties is a small convenience for providers/tests constructing
// a properties payload from a Go value.
func marshalProperties(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func trimmedNonEmpty(s string) bool {
	return strings.TrimSpace(s) != ""
}

func pluginAuthorizeContext(clientID, redirectURI, audience, scope string) pluginmgr.AuthorizeContext {
	return pluginmgr.AuthorizeContext{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Audience:    audience,
		Scope:       scope,
	}
}
