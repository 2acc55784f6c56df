// Package totp implements a TOTP (RFC 6238) second-factor-as-primary
// provider: enroll generates a secret, confirm activates it once the client
// proves possession, and verify is the ongoing login check. Confirm also
// mints one-shot backup codes so a /recovery route can stand in for a lost
// device.
package totp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pquerna/otp/totp"

	"github.com/draftlab/issuer/internal/cryptoutil"
	"github.com/draftlab/issuer/internal/kv"
	"github.com/draftlab/issuer/provider"
)

const (
	backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	backupCodeCount    = 10
)

// Config configures a TOTP Provider.
type Config struct {
	// ProviderName is the /<name> mount point; defaults to "totp".
	ProviderName string
	// Issuer names the account in authenticator apps.
	Issuer string
}

// Provider implements provider.Provider for TOTP.
type Provider struct {
	cfg Config
}

// New returns a TOTP Provider.
func New(cfg Config) *Provider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "totp"
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "issuer"
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return p.cfg.ProviderName }

type enrollRequest struct {
	Address string `json:"address"`
}

type enrollResponse struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

type confirmRequest struct {
	Address string `json:"address"`
	Code    string `json:"code"`
}

type confirmResponse struct {
	BackupCodes []string `json:"backupCodes"`
}

type recoveryRequest struct {
	Address    string `json:"address"`
	BackupCode string `json:"backupCode"`
}

// secretRecord is the at-rest shape of an enrolled account, named after the
// totp/user/<email> storage record: secret, enabled, hashed backup codes,
// and the authenticator-app label.
type secretRecord struct {
	Label       string   `json:"label"`
	Secret      string   `json:"secret"`
	Enabled     bool     `json:"enabled"`
	BackupCodes []string `json:"backupCodes"`
}

func (p *Provider) Init(router *mux.Router, caps *provider.Capabilities) {
	router.HandleFunc("/enroll", p.handleEnroll(caps)).Methods(http.MethodPost)
	router.HandleFunc("/confirm", p.handleConfirm(caps)).Methods(http.MethodPost)
	router.HandleFunc("/verify", p.handleVerify(caps)).Methods(http.MethodPost)
	router.HandleFunc("/recovery", p.handleRecovery(caps)).Methods(http.MethodPost)
}

func (p *Provider) handleEnroll(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enrollRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address is required")
			return
		}

		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      p.cfg.Issuer,
			AccountName: req.Address,
		})
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not generate secret")
			return
		}

		if err := caps.Set(r.Context(), w, r, "pending:"+req.Address, 0, key.Secret()); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not stash pending secret")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(enrollResponse{Secret: key.Secret(), URL: key.URL()})
	}
}

func (p *Provider) handleConfirm(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req confirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" || req.Code == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address and code are required")
			return
		}

		var secret string
		ok, err := caps.Get(r.Context(), w, r, "pending:"+req.Address, &secret)
		if err != nil || !ok {
			caps.Fail(r.Context(), w, r, "invalid_grant", "no pending enrollment")
			return
		}
		if !totp.Validate(req.Code, secret) {
			caps.Fail(r.Context(), w, r, "invalid_grant", "code does not match")
			return
		}
		_ = caps.Unset(r.Context(), w, r, "pending:"+req.Address)

		codes, hashes, err := generateBackupCodes(backupCodeCount)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not generate backup codes")
			return
		}

		raw, err := json.Marshal(secretRecord{Label: req.Address, Secret: secret, Enabled: true, BackupCodes: hashes})
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist secret")
			return
		}
		if err := caps.Storage.Set(r.Context(), secretKey(p.cfg.ProviderName, req.Address), raw, 0); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist secret")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(confirmResponse{BackupCodes: codes})
	}
}

func (p *Provider) handleVerify(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req confirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" || req.Code == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address and code are required")
			return
		}

		rec, found, err := loadRecord(r.Context(), caps, p.cfg.ProviderName, req.Address)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "storage failure")
			return
		}
		if !found {
			caps.Fail(r.Context(), w, r, "invalid_grant", "address not enrolled")
			return
		}
		if !totp.Validate(req.Code, rec.Secret) {
			caps.Fail(r.Context(), w, r, "invalid_grant", "code does not match")
			return
		}

		properties, _ := json.Marshal(map[string]string{"address": req.Address})
		if err := caps.Success(r.Context(), w, r, properties, provider.SuccessOptions{}); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", err.Error())
		}
	}
}

// handleRecovery consumes one backup code in place of a TOTP token. Codes
// are one-shot: a matched code is removed from the record before Success is
// called so it cannot be replayed.
func (p *Provider) handleRecovery(caps *provider.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req recoveryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" || req.BackupCode == "" {
			caps.Fail(r.Context(), w, r, "invalid_request", "address and backupCode are required")
			return
		}
		normalized := normalizeBackupCode(req.BackupCode)

		rec, found, err := loadRecord(r.Context(), caps, p.cfg.ProviderName, req.Address)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "storage failure")
			return
		}
		if !found {
			cryptoutil.WithMinimumDuration(func() bool {
				cryptoutil.ConstantTimeEqual(cryptoutil.SHA256Hex(normalized), cryptoutil.SHA256Hex(""))
				return false
			})
			caps.Fail(r.Context(), w, r, "invalid_grant", "address not enrolled")
			return
		}

		hash := cryptoutil.SHA256Hex(normalized)
		matchIdx := -1
		cryptoutil.WithMinimumDuration(func() bool {
			for i, stored := range rec.BackupCodes {
				if cryptoutil.ConstantTimeEqual(stored, hash) {
					matchIdx = i
				}
			}
			return matchIdx >= 0
		})
		if matchIdx < 0 {
			caps.Fail(r.Context(), w, r, "invalid_grant", "backup code does not match")
			return
		}

		rec.BackupCodes = append(rec.BackupCodes[:matchIdx], rec.BackupCodes[matchIdx+1:]...)
		raw, err := json.Marshal(rec)
		if err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist updated backup codes")
			return
		}
		if err := caps.Storage.Set(r.Context(), secretKey(p.cfg.ProviderName, req.Address), raw, 0); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", "could not persist updated backup codes")
			return
		}

		properties, _ := json.Marshal(map[string]string{"address": req.Address})
		if err := caps.Success(r.Context(), w, r, properties, provider.SuccessOptions{}); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", err.Error())
		}
	}
}

func loadRecord(ctx context.Context, caps *provider.Capabilities, providerName, address string) (secretRecord, bool, error) {
	raw, err := caps.Storage.Get(ctx, secretKey(providerName, address))
	if err == kv.ErrNotFound {
		return secretRecord{}, false, nil
	}
	if err != nil {
		return secretRecord{}, false, err
	}
	var rec secretRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return secretRecord{}, false, err
	}
	return rec, true, nil
}

func secretKey(providerName, address string) kv.Key {
	return kv.MustKey("provider:totp", providerName, cryptoutil.SHA256Hex(address))
}

// generateBackupCodes returns n fresh backup codes in XXXX-XXXX form
// alongside their SHA-256 hex hashes, which is what gets persisted.
func generateBackupCodes(n int) (codes, hashes []string, err error) {
	codes = make([]string, n)
	hashes = make([]string, n)
	for i := 0; i < n; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, nil, err
		}
		codes[i] = code
		hashes[i] = cryptoutil.SHA256Hex(code)
	}
	return codes, hashes, nil
}

func generateBackupCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var b strings.Builder
	for i, v := range buf {
		if i == 4 {
			b.WriteByte('-')
		}
		b.WriteByte(backupCodeAlphabet[int(v)%len(backupCodeAlphabet)])
	}
	return b.String(), nil
}

// normalizeBackupCode upper-cases a user-supplied backup code so lookups
// are case-insensitive; stored hashes are always derived from the
// upper-cased form.
func normalizeBackupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
