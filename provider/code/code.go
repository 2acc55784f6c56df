// Package code implements a one-time numeric code provider: the caller
// requests a code be sent to an out-of-band address (email, SMS, ...) and
// later submits it back for verification.
package code

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

const defaultCodeLength = 6
const defaultTTL = 10 * time.Minute

// Config configures a code Provider.
type Config struct {
	// ProviderName is the /<name> mount point; defaults to "code".
	ProviderName string
	// CodeLength is the number of decimal digits generated; defaults to 6.
	CodeLength int
	// TTL bounds how long an issued code remains valid; defaults to 10m.
	TTL time.Duration
	// Send delivers code to address out-of-band. Required.
	Send func(ctx context.Context, address, code string) error
}

// Provider implements provider.Provider for one-time codes.
type Provider struct {
	cfg Config
}

// New returns a code Provider. Panics if cfg.Send is nil.
func New(cfg Config) *Provider {
	if cfg.Send == nil {
		panic("code: Send is required")
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "code"
	}
	if cfg.CodeLength == 0 {
		cfg.CodeLength = defaultCodeLength
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

type verifyRequest struct {
	Address string `json:"address"`
	Code    string `json:"code"`
}

func (p *Provider) Init(router *mux.Router, caps *provider.Capabilities) {
	router.HandleFunc("/start", p.handleStart(caps)).Methods(http.MethodPost)
	router.HandleFunc("/verify", p.handleVerify(caps)).Methods(http.MethodPost)
}

func (p *Provider) handleStart(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address is required")
			return
		}

		code, err := cryptoutil.UnbiasedDigits(p.cfg.CodeLength)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not generate code")
			return
		}
		hash := cryptoutil.SHA256Hex(code)
		if err := caps.Storage.Set(r.Context(), codeKey(p.cfg.ProviderName, req.Address), []byte(hash), p.cfg.TTL); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist code")
			return
		}
		if err := p.cfg.Send(r.Context(), req.Address, code); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not deliver code")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (p *Provider) handleVerify(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" || req.Code == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address and code are required")
			return
		}

		key := codeKey(p.cfg.ProviderName, req.Address)
		storedHash, err := caps.Storage.Get(r.Context(), key)
		if err == kv.ErrNotFound {
			// Still run a dummy comparison so "unknown address" and "wrong
			// code" take the same amount of time.
			cryptoutil.WithMinimumDuration(func() bool {
				cryptoutil.ConstantTimeEqual(cryptoutil.SHA256Hex(req.Code), cryptoutil.SHA256Hex(""))
				return false
			})
			caps.Fail(r.Context(), w, r, "invalid_grant", "unknown or expired code")
			return
		}
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "storage failure")
			return
		}

		matched := cryptoutil.WithMinimumDuration(func() bool {
			return cryptoutil.ConstantTimeEqual(string(storedHash), cryptoutil.SHA256Hex(req.Code))
		})
		if !matched {
			caps.Fail(r.Context(), w, r, "invalid_grant", "code does not match")
			return
		}
		_ = caps.Storage.Remove(r.Context(), key)

		properties, _ := json.Marshal(map[string]string{"address": req.Address})
		if err := caps.Success(r.Context(), w, r, properties, provider.SuccessOptions{}); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", err.Error())
		}
	}
}

func codeKey(providerName, address string) kv.Key {
	return kv.MustKey("provider:code", providerName, cryptoutil.SHA256Hex(address))
}
