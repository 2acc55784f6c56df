// Package magiclink implements a one-time link provider: the caller
// requests a link be emailed to an address, and clicking it completes
// authentication.
package magiclink

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/draftlab/issuer/internal/cryptoutil"
	"github.com/draftlab/issuer/internal/kv"
	"github.com/draftlab/issuer/provider"
)

const defaultTTL = 15 * time.Minute

// Config configures a magic-link Provider.
type Config struct {
	// ProviderName is the /<name> mount point; defaults to "magiclink".
	ProviderName string
	// TTL bounds how long an issued link remains valid; defaults to 15m.
	TTL time.Duration
	// BuildLink turns a verify path (relative, e.g. "/magiclink/verify?token=...")
	// into the absolute URL embedded in the delivered message.
	BuildLink func(verifyPath string) string
	// Send delivers link to address. Required.
	Send func(ctx context.Context, address, link string) error
}

// Provider implements provider.Provider for magic links.
type Provider struct {
	cfg Config
}

// New returns a magic-link Provider. Panics if cfg.Send or cfg.BuildLink is nil.
func New(cfg Config) *Provider {
	if cfg.Send == nil {
		panic("magiclink: Send is required")
	}
	if cfg.BuildLink == nil {
		panic("magiclink: BuildLink is required")
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "magiclink"
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return p.cfg.ProviderName }

type startRequest struct {
	Address string `json:"address"`
}

type linkRecord struct {
	Address string `json:"address"`
}

func (p *Provider) Init(router *mux.Router, caps *provider.Capabilities) {
	router.HandleFunc("/start", p.handleStart(caps)).Methods(http.MethodPost)
	router.HandleFunc("/verify", p.handleVerify(caps)).Methods(http.MethodGet)
}

func (p *Provider) handleStart(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address is required")
			return
		}

		token, err := cryptoutil.SecureToken(cryptoutil.DefaultTokenSize)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not generate token")
			return
		}
		raw, err := json.Marshal(linkRecord{Address: req.Address})
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist token")
			return
		}
		if err := caps.Storage.Set(r.Context(), tokenKey(p.cfg.ProviderName, token), raw, p.cfg.TTL); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist token")
			return
		}

		link := p.cfg.BuildLink("/" + p.cfg.ProviderName + "/verify?token=" + token)
		if err := p.cfg.Send(r.Context(), req.Address, link); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not deliver link")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (p *Provider) handleVerify(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "token is required")
			return
		}

		key := tokenKey(p.cfg.ProviderName, token)
		raw, err := caps.Storage.Get(r.Context(), key)
		if err == kv.ErrNotFound {
			caps.Fail(r.Context(), w, r, "invalid_grant", "unknown or expired link")
			return
		}
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "storage failure")
			return
		}
		_ = caps.Storage.Remove(r.Context(), key)

		var record linkRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "corrupt link record")
			return
		}

		properties, _ := json.Marshal(map[string]string{"address": record.Address})
		if err := caps.Success(r.Context(), w, r, properties, provider.SuccessOptions{}); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", err.Error())
		}
	}
}

func tokenKey(providerName, token string) kv.Key {
	return kv.MustKey("provider:magiclink", providerName, cryptoutil.SHA256Hex(token))
}
