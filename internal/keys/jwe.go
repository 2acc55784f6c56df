package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type jweHeader struct {
	Alg string `json:"alg"`
	Enc string `json:"enc"`
	Kid string `json:"kid"`
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// encryptCompactJWE implements JWE Compact Serialization (RFC 7516 §3.1)
// with alg=RSA-OAEP-512 and enc=A256GCM: a random 256-bit content
// encryption key is generated, wrapped with the recipient's RSA public key
// using OAEP/SHA-512, and the payload is sealed with AES-256-GCM under
// that key, using the protected header as additional authenticated data.
func encryptCompactJWE(kp *KeyPair, payload []byte) (string, error) {
	pub, ok := kp.publicKey.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("keys: encryption key is not RSA")
	}

	header := jweHeader{Alg: EncryptionAlg, Enc: ContentEnc, Kid: kp.ID}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("keys: marshal jwe header: %w", err)
	}
	protected := b64(headerJSON)

	cek := make([]byte, 32) // A256GCM key size
	if _, err := rand.Read(cek); err != nil {
		return "", fmt.Errorf("keys: generate content key: %w", err)
	}

	encryptedKey, err := rsa.EncryptOAEP(sha512.New(), rand.Reader, pub, cek, nil)
	if err != nil {
		return "", fmt.Errorf("keys: wrap content key: %w", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return "", fmt.Errorf("keys: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("keys: new gcm: %w", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("keys: generate iv: %w", err)
	}

	// Seal appends the tag to the ciphertext; split it back out so the
	// compact serialization carries ciphertext and tag as separate parts.
	sealed := gcm.Seal(nil, iv, payload, []byte(protected))
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		protected,
		b64(encryptedKey),
		b64(iv),
		b64(ciphertext),
		b64(tag),
	}, "."), nil
}

// decryptCompactJWE is the inverse of encryptCompactJWE.
func decryptCompactJWE(kp *KeyPair, compact string) ([]byte, error) {
	priv, ok := kp.privateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("keys: encryption key is not RSA")
	}

	parts := strings.Split(compact, ".")
	if len(parts) != 5 {
		return nil, fmt.Errorf("keys: malformed compact jwe")
	}
	protected, encodedKey, encodedIV, encodedCiphertext, encodedTag := parts[0], parts[1], parts[2], parts[3], parts[4]

	headerJSON, err := unb64(protected)
	if err != nil {
		return nil, fmt.Errorf("keys: decode jwe header: %w", err)
	}
	var header jweHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("keys: parse jwe header: %w", err)
	}
	if header.Alg != EncryptionAlg || header.Enc != ContentEnc {
		return nil, fmt.Errorf("keys: unsupported jwe algorithm %s/%s", header.Alg, header.Enc)
	}

	encryptedKey, err := unb64(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("keys: decode encrypted key: %w", err)
	}
	iv, err := unb64(encodedIV)
	if err != nil {
		return nil, fmt.Errorf("keys: decode iv: %w", err)
	}
	ciphertext, err := unb64(encodedCiphertext)
	if err != nil {
		return nil, fmt.Errorf("keys: decode ciphertext: %w", err)
	}
	tag, err := unb64(encodedTag)
	if err != nil {
		return nil, fmt.Errorf("keys: decode tag: %w", err)
	}

	cek, err := rsa.DecryptOAEP(sha512.New(), rand.Reader, priv, encryptedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("keys: unwrap content key: %w", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("keys: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keys: new gcm: %w", err)
	}

	sealed := append(ciphertext, tag...)
	payload, err := gcm.Open(nil, iv, sealed, []byte(protected))
	if err != nil {
		return nil, fmt.Errorf("keys: decrypt payload: %w", err)
	}
	return payload, nil
}
