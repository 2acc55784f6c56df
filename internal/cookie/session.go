// Package cookie implements the encrypted, HttpOnly session cookie used to
// carry authorization state and per-provider scratch state across the
// user-agent's hops through a multi-step login flow.
package cookie

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/draftlab/issuer/internal/keys"
	"github.com/draftlab/issuer/internal/netutil"
)

// Jar reads and writes encrypted cookies backed by a key manager.
type Jar struct {
	keys     *keys.Manager
	basePath string
}

// New returns a Jar that encrypts with km and scopes cookies to basePath
// (or "/" if empty).
func New(km *keys.Manager, basePath string) *Jar {
	if basePath == "" {
		basePath = "/"
	}
	return &Jar{keys: km, basePath: basePath}
}

// Write JSON-encodes value, encrypts it as a compact JWE, and sets it as
// name on w. maxAge of zero means a session cookie.
func (j *Jar) Write(ctx context.Context, w http.ResponseWriter, r *http.Request, name string, value any, maxAge time.Duration) error {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cookie: marshal value: %w", err)
	}
	token, err := j.keys.EncryptJWE(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("cookie: encrypt: %w", err)
	}

	c := &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     j.basePath,
		HttpOnly: true,
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge.Seconds())
		c.Expires = time.Now().Add(maxAge)
	}
	if netutil.IsHTTPS(r) {
		c.Secure = true
		c.SameSite = http.SameSiteNoneMode
	} else {
		c.SameSite = http.SameSiteLaxMode
	}
	http.SetCookie(w, c)
	return nil
}

// Read retrieves and decrypts name into out. It returns (false, nil) if the
// cookie is absent. On any decryption failure it deletes the cookie and
// also returns (false, nil): a tampered or stale cookie should look
// exactly like "no session" to the caller.
func (j *Jar) Read(ctx context.Context, w http.ResponseWriter, r *http.Request, name string, out any) (bool, error) {
	c, err := r.Cookie(name)
	if err != nil {
		return false, nil
	}
	plaintext, err := j.keys.DecryptJWE(ctx, c.Value)
	if err != nil {
		j.Delete(w, name)
		return false, nil
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		j.Delete(w, name)
		return false, nil
	}
	return true, nil
}

// Delete expires name immediately.
func (j *Jar) Delete(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     j.basePath,
		HttpOnly: true,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}
