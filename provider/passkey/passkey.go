// Package passkey implements WebAuthn (FIDO2) registration and login via
// go-webauthn/webauthn, storing one credential list per address.
package passkey

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gorilla/mux"

	"github.com/draftlab/issuer/internal/cryptoutil"
	"github.com/draftlab/issuer/internal/kv"
	"github.com/draftlab/issuer/provider"
)

const sessionTTL = 5 * time.Minute

// Config configures a passkey Provider.
type Config struct {
	// ProviderName is the /<name> mount point; defaults to "passkey".
	ProviderName string
	RPDisplayName string
	RPID          string
	RPOrigins     []string
}

// Provider implements provider.Provider for WebAuthn passkeys.
type Provider struct {
	cfg Config
	wa  *webauthn.WebAuthn
}

// New returns a passkey Provider. Panics if the webauthn.Config is invalid.
func New(cfg Config) *Provider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "passkey"
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		panic("passkey: invalid webauthn config: " + err.Error())
	}
	return &Provider{cfg: cfg, wa: wa}
}

func (p *Provider) Name() string { return p.cfg.ProviderName }

func (p *Provider) Init(router *mux.Router, caps *provider.Capabilities) {
	router.HandleFunc("/register/begin", p.handleRegisterBegin(caps)).Methods(http.MethodPost)
	router.HandleFunc("/register/finish", p.handleRegisterFinish(caps)).Methods(http.MethodPost)
	router.HandleFunc("/login/begin", p.handleLoginBegin(caps)).Methods(http.MethodPost)
	router.HandleFunc("/login/finish", p.handleLoginFinish(caps)).Methods(http.MethodPost)
}

type account struct {
	Address     string                `json:"address"`
	Credentials []webauthn.Credential `json:"credentials"`
}

func (a *account) WebAuthnID() []byte          { return []byte(cryptoutil.SHA256Hex(a.Address)) }
func (a *account) WebAuthnName() string        { return a.Address }
func (a *account) WebAuthnDisplayName() string { return a.Address }
func (a *account) WebAuthnCredentials() []webauthn.Credential { return a.Credentials }

func (p *Provider) loadOrCreateAccount(caps *provider.Capabilities, r *http.Request, address string) (*account, error) {
	raw, err := caps.Storage.Get(r.Context(), accountKey(p.cfg.ProviderName, address))
	if err == kv.ErrNotFound {
		return &account{Address: address}, nil
	}
	if err != nil {
		return nil, err
	}
	var a account
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Provider) saveAccount(caps *provider.Capabilities, r *http.Request, a *account) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return caps.Storage.Set(r.Context(), accountKey(p.cfg.ProviderName, a.Address), raw, 0)
}

type addressRequest struct {
	Address string `json:"address"`
}

func (p *Provider) handleRegisterBegin(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addressRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address is required")
			return
		}
		acct, err := p.loadOrCreateAccount(caps, r, req.Address)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not load account")
			return
		}

		options, sessionData, err := p.wa.BeginRegistration(acct)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not begin registration")
			return
		}
		if err := caps.Set(r.Context(), w, r, "reg_session:"+req.Address, sessionTTL, sessionData); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist session")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(options)
	}
}

func (p *Provider) handleRegisterFinish(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		address := r.URL.Query().Get("address")
		if address == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address is required")
			return
		}

		var sessionData webauthn.SessionData
		ok, err := caps.Get(r.Context(), w, r, "reg_session:"+address, &sessionData)
		if err != nil || !ok {
			caps.Fail(r.Context(), w, r, "invalid_grant", "no pending registration")
			return
		}
		acct, err := p.loadOrCreateAccount(caps, r, address)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not load account")
			return
		}

		credential, err := p.wa.FinishRegistration(acct, sessionData, r)
		if err != nil {
			caps.Fail(r.Context(), w, r, "invalid_grant", "registration verification failed: "+err.Error())
			return
		}
		acct.Credentials = append(acct.Credentials, *credential)
		if err := p.saveAccount(caps, r, acct); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist credential")
			return
		}
		_ = caps.Unset(r.Context(), w, r, "reg_session:"+address)

		properties, _ := json.Marshal(map[string]string{"address": address})
		if err := caps.Success(r.Context(), w, r, properties, provider.SuccessOptions{}); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", err.Error())
		}
	}
}

func (p *Provider) handleLoginBegin(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addressRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address is required")
			return
		}
		acct, err := p.loadOrCreateAccount(caps, r, req.Address)
		if err != nil || len(acct.Credentials) == 0 {
			caps.Fail(r.Context(), w, r, "invalid_grant", "no registered credentials")
			return
		}

		options, sessionData, err := p.wa.BeginLogin(acct)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not begin login")
			return
		}
		if err := caps.Set(r.Context(), w, r, "login_session:"+req.Address, sessionTTL, sessionData); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist session")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(options)
	}
}

func (p *Provider) handleLoginFinish(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		address := r.URL.Query().Get("address")
		if address == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address is required")
			return
		}

		var sessionData webauthn.SessionData
		ok, err := caps.Get(r.Context(), w, r, "login_session:"+address, &sessionData)
		if err != nil || !ok {
			caps.Fail(r.Context(), w, r, "invalid_grant", "no pending login")
			return
		}
		acct, err := p.loadOrCreateAccount(caps, r, address)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not load account")
			return
		}

		credential, err := p.wa.FinishLogin(acct, sessionData, r)
		if err != nil {
			caps.Fail(r.Context(), w, r, "invalid_grant", "login verification failed: "+err.Error())
			return
		}
		for i, c := range acct.Credentials {
			if string(c.ID) == string(credential.ID) {
				acct.Credentials[i].Authenticator.SignCount = credential.Authenticator.SignCount
			}
		}
		if err := p.saveAccount(caps, r, acct); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist credential")
			return
		}
		_ = caps.Unset(r.Context(), w, r, "login_session:"+address)

		properties, _ := json.Marshal(map[string]string{"address": address})
		if err := caps.Success(r.Context(), w, r, properties, provider.SuccessOptions{}); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", err.Error())
		}
	}
}

func accountKey(providerName, address string) kv.Key {
	return kv.MustKey("provider:passkey", providerName, cryptoutil.SHA256Hex(address))
}
