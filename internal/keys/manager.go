// Package keys implements the signing (ES256) and encryption
// (RSA-OAEP-512 + A256GCM) key lifecycle: generate-or-load from storage,
// memoized per-process lookup of the current key, and JWKS publication.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/draftlab/issuer/internal/kv"
)

const (
	signingPrefixSegment    = "signing:key"
	encryptionPrefixSegment = "encryption:key"

	// SigningAlg is the only signing algorithm this issuer mints with.
	SigningAlg = "ES256"
	// EncryptionAlg is the JWE key-management algorithm used to wrap the
	// per-message content key for cookie encryption.
	EncryptionAlg = "RSA-OAEP-512"
	// ContentEnc is the JWE content-encryption algorithm.
	ContentEnc = "A256GCM"
)

// KeyPair is one generated signing or encryption key, as persisted.
type KeyPair struct {
	ID         string     `json:"id"`
	Alg        string     `json:"alg"`
	PublicPEM  []byte     `json:"publicPem"`
	PrivatePEM []byte     `json:"privatePem"`
	Created    time.Time  `json:"created"`
	Expired    *time.Time `json:"expired,omitempty"`

	publicKey  any
	privateKey any
}

// jwk returns the public JWK view of the key, setting kid and (for signing
// keys) use=sig.
func (k *KeyPair) jwk(signing bool) jose.JSONWebKey {
	j := jose.JSONWebKey{
		Key:       k.publicKey,
		KeyID:     k.ID,
		Algorithm: k.Alg,
	}
	if signing {
		j.Use = "sig"
	} else {
		j.Use = "enc"
	}
	return j
}

// Manager owns the signing and encryption key pools.
type Manager struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	signingCache []*KeyPair
	encCache     []*KeyPair
}

// New returns a Manager backed by store.
func New(store kv.Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger, now: time.Now}
}

// SigningKeys returns every loaded (or freshly generated) signing key,
// newest first. It memoizes the result in-process; call InvalidateCache
// after an out-of-band rotation if the cache must be refreshed early.
func (m *Manager) SigningKeys(ctx context.Context) ([]*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signingCache != nil {
		return m.signingCache, nil
	}
	keys, err := m.loadOrGenerate(ctx, signingPrefixSegment, true)
	if err != nil {
		return nil, err
	}
	m.signingCache = keys
	return keys, nil
}

// EncryptionKeys is the encryption-pool analogue of SigningKeys.
func (m *Manager) EncryptionKeys(ctx context.Context) ([]*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.encCache != nil {
		return m.encCache, nil
	}
	keys, err := m.loadOrGenerate(ctx, encryptionPrefixSegment, false)
	if err != nil {
		return nil, err
	}
	m.encCache = keys
	return keys, nil
}

// InvalidateCache drops the in-process memoization, forcing the next
// SigningKeys/EncryptionKeys call to re-scan storage.
func (m *Manager) InvalidateCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signingCache = nil
	m.encCache = nil
}

// SigningKey returns the newest non-expired signing key.
func (m *Manager) SigningKey(ctx context.Context) (*KeyPair, error) {
	keys, err := m.SigningKeys(ctx)
	if err != nil {
		return nil, err
	}
	return newestNonExpired(keys, m.now())
}

// EncryptionKey returns the newest non-expired encryption key.
func (m *Manager) EncryptionKey(ctx context.Context) (*KeyPair, error) {
	keys, err := m.EncryptionKeys(ctx)
	if err != nil {
		return nil, err
	}
	return newestNonExpired(keys, m.now())
}

func newestNonExpired(keys []*KeyPair, now time.Time) (*KeyPair, error) {
	for _, k := range keys {
		if k.Expired == nil || now.Before(*k.Expired) {
			return k, nil
		}
	}
	return nil, fmt.Errorf("keys: no non-expired key available")
}

// loadOrGenerate implements the procedure from §4.3: scan, import, sort by
// created descending; if none are expired-free, generate and prepend a
// fresh one.
func (m *Manager) loadOrGenerate(ctx context.Context, segment string, signing bool) ([]*KeyPair, error) {
	prefix := kv.MustKey(segment)
	ch, closeFn, err := m.store.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("keys: scan %s: %w", segment, err)
	}
	defer closeFn()

	var loaded []*KeyPair
	for entry := range ch {
		kp, err := decodeKeyPair(entry.Value, signing)
		if err != nil {
			m.logger.Warn("keys: skipping corrupt key row", "key", entry.Key.String(), "err", err)
			continue
		}
		loaded = append(loaded, kp)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Created.After(loaded[j].Created) })

	hasFresh := false
	for _, kp := range loaded {
		if kp.Expired == nil {
			hasFresh = true
			break
		}
	}
	if hasFresh {
		return loaded, nil
	}

	fresh, err := m.generate(signing)
	if err != nil {
		return nil, err
	}
	if err := m.persist(ctx, segment, fresh); err != nil {
		return nil, err
	}
	return append([]*KeyPair{fresh}, loaded...), nil
}

func (m *Manager) generate(signing bool) (*KeyPair, error) {
	id := uuid.New().String()
	now := m.now()
	if signing {
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("keys: generate ec key: %w", err)
		}
		privPEM, pubPEM, err := encodeECKey(priv)
		if err != nil {
			return nil, err
		}
		return &KeyPair{
			ID: id, Alg: SigningAlg, Created: now,
			PrivatePEM: privPEM, PublicPEM: pubPEM,
			privateKey: priv, publicKey: &priv.PublicKey,
		}, nil
	}

	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, fmt.Errorf("keys: generate rsa key: %w", err)
	}
	privPEM, pubPEM, err := encodeRSAKey(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		ID: id, Alg: EncryptionAlg, Created: now,
		PrivatePEM: privPEM, PublicPEM: pubPEM,
		privateKey: priv, publicKey: &priv.PublicKey,
	}, nil
}

func (m *Manager) persist(ctx context.Context, segment string, kp *KeyPair) error {
	key, err := kv.NewKey(segment, kp.ID)
	if err != nil {
		return err
	}
	raw, err := encodeKeyPair(kp)
	if err != nil {
		return err
	}
	// Signing/encryption keys never expire on their own; rotation demotes
	// them explicitly (see StartRotation), so they are stored with no TTL.
	return m.store.Set(ctx, key, raw, 0)
}

func encodeECKey(priv *ecdsa.PrivateKey) (privPEM, pubPEM []byte, err error) {
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("keys: marshal ec private key: %w", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("keys: marshal ec public key: %w", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return privPEM, pubPEM, nil
}

func encodeRSAKey(priv *rsa.PrivateKey) (privPEM, pubPEM []byte, err error) {
	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("keys: marshal rsa public key: %w", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return privPEM, pubPEM, nil
}

func decodeECKey(privPEM, pubPEM []byte) (priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey, err error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("keys: no PEM block in ec private key")
	}
	priv, err = x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("keys: parse ec private key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, nil, fmt.Errorf("keys: no PEM block in ec public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("keys: parse ec public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("keys: ec public key has unexpected type %T", parsed)
	}
	return priv, pub, nil
}

func decodeRSAKey(privPEM, pubPEM []byte) (priv *rsa.PrivateKey, pub *rsa.PublicKey, err error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("keys: no PEM block in rsa private key")
	}
	priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("keys: parse rsa private key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, nil, fmt.Errorf("keys: no PEM block in rsa public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("keys: parse rsa public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("keys: rsa public key has unexpected type %T", parsed)
	}
	return priv, pub, nil
}

// JWKS returns the publishable signing JWKS: one JWK per loaded signing key,
// each carrying its kid, alg and use. No exp member is added to any JWK,
// including those of keys with an Expired time.
func (m *Manager) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	signingKeys, err := m.SigningKeys(ctx)
	if err != nil {
		return nil, err
	}
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(signingKeys))}
	for _, kp := range signingKeys {
		set.Keys = append(set.Keys, kp.jwk(true))
	}
	return set, nil
}

// Sign produces a compact JWS over payload using the current signing key.
func (m *Manager) Sign(ctx context.Context, payload []byte) (string, error) {
	kp, err := m.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.ES256,
		Key:       kp.privateKey,
	}, (&jose.SignerOptions{}).WithHeader("kid", kp.ID).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("keys: new signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("keys: sign: %w", err)
	}
	return jws.CompactSerialize()
}

// VerifyJWS verifies a compact JWS against every loaded signing key
// (current and still-valid-for-verification demoted keys) and returns the
// payload of the first key that verifies.
func (m *Manager) VerifyJWS(ctx context.Context, compact string) ([]byte, error) {
	jws, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, fmt.Errorf("keys: parse jws: %w", err)
	}
	keys, err := m.SigningKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, kp := range keys {
		payload, err := jws.Verify(kp.publicKey)
		if err == nil {
			return payload, nil
		}
	}
	return nil, fmt.Errorf("keys: signature did not verify against any known key")
}

// EncryptJWE wraps a fresh A256GCM content key with the current encryption
// key's RSA-OAEP-512 public key and encrypts payload, returning a compact
// JWE. go-jose's registered key-management algorithms stop at
// RSA-OAEP-256 (RFC 7518 §4.3); RSA-OAEP-512 is a later IANA registration
// the library doesn't expose, so the envelope is assembled by hand from
// crypto/rsa + crypto/cipher, keeping the standard five-part compact-JWE
// wire shape so any JOSE-aware tooling can still parse the header.
func (m *Manager) EncryptJWE(ctx context.Context, payload []byte) (string, error) {
	kp, err := m.EncryptionKey(ctx)
	if err != nil {
		return "", err
	}
	return encryptCompactJWE(kp, payload)
}

// DecryptJWE is the inverse of EncryptJWE, trying every loaded encryption
// key until one decrypts successfully.
func (m *Manager) DecryptJWE(ctx context.Context, compact string) ([]byte, error) {
	keys, err := m.EncryptionKeys(ctx)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, kp := range keys {
		payload, err := decryptCompactJWE(kp, compact)
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no encryption keys loaded")
	}
	return nil, fmt.Errorf("keys: decryption failed against every known key: %w", lastErr)
}

func encodeKeyPair(kp *KeyPair) ([]byte, error) {
	return json.Marshal(kp)
}

func decodeKeyPair(raw []byte, signing bool) (*KeyPair, error) {
	var kp KeyPair
	if err := json.Unmarshal(raw, &kp); err != nil {
		return nil, err
	}
	if signing {
		priv, pub, err := decodeECKey(kp.PrivatePEM, kp.PublicPEM)
		if err != nil {
			return nil, err
		}
		kp.privateKey, kp.publicKey = priv, pub
	} else {
		priv, pub, err := decodeRSAKey(kp.PrivatePEM, kp.PublicPEM)
		if err != nil {
			return nil, err
		}
		kp.privateKey, kp.publicKey = priv, pub
	}
	return &kp, nil
}

// StartRotation proactively demotes the current signing key to
// verification-only every `every` and generates a replacement, mirroring
// dex's server/rotation.go background loop. It blocks until the context is
// canceled; run it in a goroutine.
func (m *Manager) StartRotation(ctx context.Context, every time.Duration, validFor time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.rotateSigningKey(ctx, validFor); err != nil {
				m.logger.Error("keys: rotation failed", "err", err)
			}
		}
	}
}

func (m *Manager) rotateSigningKey(ctx context.Context, validFor time.Duration) error {
	current, err := m.SigningKey(ctx)
	if err != nil {
		return err
	}
	now := m.now()
	expiry := now.Add(validFor)
	current.Expired = &expiry
	if err := m.persist(ctx, signingPrefixSegment, current); err != nil {
		return err
	}
	fresh, err := m.generate(true)
	if err != nil {
		return err
	}
	if err := m.persist(ctx, signingPrefixSegment, fresh); err != nil {
		return err
	}
	m.InvalidateCache()
	m.logger.Info("keys: rotated signing key", "previous", current.ID, "next", fresh.ID)
	return nil
}
