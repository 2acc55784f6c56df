// Package password implements a username/password provider, hashing with
// scrypt per golang.org/x/crypto's recommended parameters.
package password

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/scrypt"

	"github.com/draftlab/issuer/internal/cryptoutil"
	"github.com/draftlab/issuer/internal/kv"
	"github.com/draftlab/issuer/provider"
)

const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16

	defaultCodeLength = 6
	defaultCodeTTL    = 10 * time.Minute

	registerScratchKey = "register"
	changeScratchKey   = "change"
)

// Config configures a password Provider.
type Config struct {
	// ProviderName is the /<name> mount point; defaults to "password".
	ProviderName string
	// MinLength rejects shorter passwords when ValidatePassword is nil;
	// defaults to 8.
	MinLength int
	// ValidatePassword, if set, gates both registration and /change,
	// overriding MinLength entirely.
	ValidatePassword func(password string) error

	// SendCode delivers a registration or password-change verification
	// code to address out-of-band. Required.
	SendCode func(ctx context.Context, address, code string) error
	// CodeLength is the number of decimal digits generated; defaults to 6.
	CodeLength int
	// CodeTTL bounds how long an issued verification code remains valid;
	// defaults to 10m.
	CodeTTL time.Duration
}

// Provider implements provider.Provider for password authentication.
type Provider struct {
	cfg Config
}

// New returns a password Provider. Panics if cfg.SendCode is nil.
func New(cfg Config) *Provider {
	if cfg.SendCode == nil {
		panic("password: SendCode is required")
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "password"
	}
	if cfg.MinLength == 0 {
		cfg.MinLength = 8
	}
	if cfg.CodeLength == 0 {
		cfg.CodeLength = defaultCodeLength
	}
	if cfg.CodeTTL == 0 {
		cfg.CodeTTL = defaultCodeTTL
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return p.cfg.ProviderName }

type registerRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

type registerVerifyRequest struct {
	Address string `json:"address"`
	Code    string `json:"code"`
}

type loginRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

type changeRequestRequest struct {
	Address string `json:"address"`
}

type changeRequest struct {
	Address     string `json:"address"`
	Code        string `json:"code"`
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// record is the at-rest shape stored under email/<address>/password.
type record struct {
	Salt []byte `json:"salt"`
	Hash []byte `json:"hash"`
}

// pendingRegistration is the registration-side scratch state kept between
// /register and /register/verify.
type pendingRegistration struct {
	Address  string `json:"address"`
	Salt     []byte `json:"salt"`
	Hash     []byte `json:"hash"`
	CodeHash string `json:"codeHash"`
}

// pendingChange is the change-side scratch state kept between
// /change/request and /change.
type pendingChange struct {
	Address  string `json:"address"`
	CodeHash string `json:"codeHash"`
}

func (p *Provider) Init(router *mux.Router, caps *provider.Capabilities) {
	router.HandleFunc("/register", p.handleRegister(caps)).Methods(http.MethodPost)
	router.HandleFunc("/register/verify", p.handleRegisterVerify(caps)).Methods(http.MethodPost)
	router.HandleFunc("/login", p.handleLogin(caps)).Methods(http.MethodPost)
	router.HandleFunc("/change/request", p.handleChangeRequest(caps)).Methods(http.MethodPost)
	router.HandleFunc("/change", p.handleChange(caps)).Methods(http.MethodPost)
}

func (p *Provider) handleRegister(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || normalizeEmail(req.Address) == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address and password are required")
			return
		}
		address := normalizeEmail(req.Address)

		if err := p.validatePassword(req.Password); err != nil {
			caps.Fail(r.Context(), w, r, "validation_error", err.Error())
			return
		}

		if _, err := caps.Storage.Get(r.Context(), emailPasswordKey(address)); err == nil {
			caps.Fail(r.Context(), w, r, "invalid_request", "address already registered")
			return
		}

		salt, hash, err := hashPassword(req.Password)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not hash password")
			return
		}

		code, err := cryptoutil.UnbiasedDigits(p.cfg.CodeLength)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not generate code")
			return
		}

		pending := pendingRegistration{Address: address, Salt: salt, Hash: hash, CodeHash: cryptoutil.SHA256Hex(code)}
		if err := caps.Set(r.Context(), w, r, registerScratchKey, p.cfg.CodeTTL, pending); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist registration")
			return
		}
		if err := p.cfg.SendCode(r.Context(), address, code); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not deliver code")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (p *Provider) handleRegisterVerify(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerVerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || normalizeEmail(req.Address) == "" || req.Code == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address and code are required")
			return
		}
		address := normalizeEmail(req.Address)

		var pending pendingRegistration
		ok, err := caps.Get(r.Context(), w, r, registerScratchKey, &pending)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not read pending registration")
			return
		}
		if !ok {
			cryptoutil.WithMinimumDuration(func() bool {
				cryptoutil.ConstantTimeEqual(cryptoutil.SHA256Hex(req.Code), cryptoutil.SHA256Hex(""))
				return false
			})
			caps.Fail(r.Context(), w, r, "invalid_grant", "no pending registration")
			return
		}

		matched := cryptoutil.WithMinimumDuration(func() bool {
			return cryptoutil.ConstantTimeEqual(pending.Address, address) &&
				cryptoutil.ConstantTimeEqual(pending.CodeHash, cryptoutil.SHA256Hex(req.Code))
		})
		if !matched {
			caps.Fail(r.Context(), w, r, "invalid_grant", "code does not match")
			return
		}
		_ = caps.Unset(r.Context(), w, r, registerScratchKey)

		raw, err := json.Marshal(record{Salt: pending.Salt, Hash: pending.Hash})
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist credentials")
			return
		}
		if err := caps.Storage.Set(r.Context(), emailPasswordKey(address), raw, 0); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist credentials")
			return
		}

		properties, _ := json.Marshal(map[string]string{"address": address})
		if err := caps.Success(r.Context(), w, r, properties, provider.SuccessOptions{}); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", err.Error())
		}
	}
}

func (p *Provider) handleLogin(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || normalizeEmail(req.Address) == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address and password are required")
			return
		}
		address := normalizeEmail(req.Address)

		rec, found, err := loadRecord(r.Context(), caps, address)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "storage failure")
			return
		}
		if !found {
			cryptoutil.WithMinimumDuration(func() bool {
				_, _ = scrypt.Key([]byte(req.Password), make([]byte, saltLen), scryptN, scryptR, scryptP, scryptKeyLen)
				return false
			})
			caps.Fail(r.Context(), w, r, "invalid_grant", "no matching credentials")
			return
		}

		matched := cryptoutil.WithMinimumDuration(func() bool {
			candidate, err := scrypt.Key([]byte(req.Password), rec.Salt, scryptN, scryptR, scryptP, scryptKeyLen)
			if err != nil {
				return false
			}
			return subtle.ConstantTimeCompare(candidate, rec.Hash) == 1
		})
		if !matched {
			caps.Fail(r.Context(), w, r, "invalid_grant", "credentials do not match")
			return
		}

		properties, _ := json.Marshal(map[string]string{"address": address})
		opts := provider.SuccessOptions{
			Invalidate: func(ctx context.Context, subject string) error {
				raw, err := json.Marshal(subject)
				if err != nil {
					return err
				}
				return caps.Storage.Set(ctx, emailSubjectKey(address), raw, 0)
			},
		}
		if err := caps.Success(r.Context(), w, r, properties, opts); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", err.Error())
		}
	}
}

func (p *Provider) handleChangeRequest(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req changeRequestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || normalizeEmail(req.Address) == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address is required")
			return
		}
		address := normalizeEmail(req.Address)

		code, err := cryptoutil.UnbiasedDigits(p.cfg.CodeLength)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not generate code")
			return
		}
		pending := pendingChange{Address: address, CodeHash: cryptoutil.SHA256Hex(code)}
		if err := caps.Set(r.Context(), w, r, changeScratchKey, p.cfg.CodeTTL, pending); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist change request")
			return
		}
		if err := p.cfg.SendCode(r.Context(), address, code); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not deliver code")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleChange finishes a password change, authorized either by the
// verification code issued via /change/request or by the account's current
// password.
func (p *Provider) handleChange(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req changeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || normalizeEmail(req.Address) == "" || req.NewPassword == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address and newPassword are required")
			return
		}
		address := normalizeEmail(req.Address)

		authorized, err := p.authorizeChange(r.Context(), w, r, caps, address, req)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not verify change authorization")
			return
		}
		if !authorized {
			caps.Fail(r.Context(), w, r, "invalid_grant", "could not verify change authorization")
			return
		}

		if err := p.validatePassword(req.NewPassword); err != nil {
			caps.Fail(r.Context(), w, r, "validation_error", err.Error())
			return
		}

		salt, hash, err := hashPassword(req.NewPassword)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not hash password")
			return
		}
		raw, err := json.Marshal(record{Salt: salt, Hash: hash})
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist credentials")
			return
		}
		if err := caps.Storage.Set(r.Context(), emailPasswordKey(address), raw, 0); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist credentials")
			return
		}

		if caps.Invalidate != nil {
			if subjRaw, err := caps.Storage.Get(r.Context(), emailSubjectKey(address)); err == nil {
				var subj string
				if err := json.Unmarshal(subjRaw, &subj); err == nil && subj != "" {
					if err := caps.Invalidate(r.Context(), subj); err != nil {
						caps.Fail(r.Context(), w, r, "server_error", "could not revoke existing sessions")
						return
					}
				}
			}
		}

		w.WriteHeader(http.StatusOK)
	}
}

// authorizeChange checks req's code against the pending /change/request
// scratch state when req carries a code (failing if none is pending);
// otherwise it verifies oldPassword against the stored record.
func (p *Provider) authorizeChange(ctx context.Context, w http.ResponseWriter, r *http.Request, caps *provider.Capabilities, address string, req changeRequest) (bool, error) {
	if req.Code != "" {
		var pending pendingChange
		ok, err := caps.Get(ctx, w, r, changeScratchKey, &pending)
		if err != nil {
			return false, err
		}
		matched := cryptoutil.WithMinimumDuration(func() bool {
			if !ok {
				cryptoutil.ConstantTimeEqual(cryptoutil.SHA256Hex(req.Code), cryptoutil.SHA256Hex(""))
				return false
			}
			return cryptoutil.ConstantTimeEqual(pending.Address, address) &&
				cryptoutil.ConstantTimeEqual(pending.CodeHash, cryptoutil.SHA256Hex(req.Code))
		})
		if matched {
			_ = caps.Unset(ctx, w, r, changeScratchKey)
		}
		return matched, nil
	}

	rec, found, err := loadRecord(ctx, caps, address)
	if err != nil {
		return false, err
	}
	if !found {
		cryptoutil.WithMinimumDuration(func() bool {
			_, _ = scrypt.Key([]byte(req.OldPassword), make([]byte, saltLen), scryptN, scryptR, scryptP, scryptKeyLen)
			return false
		})
		return false, nil
	}
	return cryptoutil.WithMinimumDuration(func() bool {
		candidate, err := scrypt.Key([]byte(req.OldPassword), rec.Salt, scryptN, scryptR, scryptP, scryptKeyLen)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare(candidate, rec.Hash) == 1
	}), nil
}

func (p *Provider) validatePassword(password string) error {
	if p.cfg.ValidatePassword != nil {
		return p.cfg.ValidatePassword(password)
	}
	if len(password) < p.cfg.MinLength {
		return fmt.Errorf("password too short")
	}
	return nil
}

func hashPassword(password string) (salt, hash []byte, err error) {
	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, err
	}
	hash, err = scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, nil, err
	}
	return salt, hash, nil
}

func loadRecord(ctx context.Context, caps *provider.Capabilities, address string) (record, bool, error) {
	raw, err := caps.Storage.Get(ctx, emailPasswordKey(address))
	if err == kv.ErrNotFound {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, false, err
	}
	return rec, true, nil
}

// normalizeEmail lower-cases and trims address; every storage key and
// comparison in this provider is derived from the normalized form.
func normalizeEmail(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func emailPasswordKey(address string) kv.Key {
	return kv.MustKey("email", address, "password")
}

func emailSubjectKey(address string) kv.Key {
	return kv.MustKey("email", address, "subject")
}
