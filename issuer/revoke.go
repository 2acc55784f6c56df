package issuer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// handleRevoke implements RFC 7009 token revocation: the caller posts the
// token (and, optionally, a token_type_hint) and always gets a 200, per
// §2.2's "the authorization server responds with HTTP status code 200" even
// for an already-invalid or unknown token.
func (iss *Issuer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	expiresAt, ok := iss.tokenExpiry(r.Context(), token, r.PostForm.Get("token_type_hint"))
	if ok {
		_ = iss.revoke.Revoke(r.Context(), token, expiresAt)
	}
	w.WriteHeader(http.StatusOK)
}

// tokenExpiry figures out how long a ledger entry for token needs to live:
// for an access token it's the JWT's own exp claim; for a refresh token
// it's the subject/opaque pair's configured refresh TTL, since opaque
// tokens carry no embedded expiry of their own.
func (iss *Issuer) tokenExpiry(ctx context.Context, token, hint string) (time.Time, bool) {
	if hint != "refresh_token" {
		if payload, err := iss.cfg.Keys.VerifyJWS(ctx, token); err == nil {
			var claims struct {
				Exp int64 `json:"exp"`
			}
			if json.Unmarshal(payload, &claims) == nil && claims.Exp > 0 {
				return time.Unix(claims.Exp, 0), true
			}
		}
	}

	if subj, opaque, ok := splitRefreshToken(token); ok {
		raw, err := iss.cfg.Storage.Get(ctx, refreshKey(subj, opaque))
		if err != nil {
			return time.Time{}, false
		}
		var payload RefreshPayload
		if json.Unmarshal(raw, &payload) != nil {
			return time.Time{}, false
		}
		ttl := payload.TTL.Refresh
		if ttl <= 0 {
			ttl = iss.cfg.TTLRefresh
		}
		return iss.now().Add(ttl), true
	}

	return time.Time{}, false
}

// introspectResponse is the RFC 7662 subset this issuer supports: active,
// plus the claims a resource server needs to authorize the request.
type introspectResponse struct {
	Active bool   `json:"active"`
	Sub    string `json:"sub,omitempty"`
	Type   string `json:"type,omitempty"`
	Scope  string `json:"scope,omitempty"`
	Exp    int64  `json:"exp,omitempty"`
}

// handleIntrospect lets a resource server ask whether a token is still
// good, consulting both signature/expiry and the revocation ledger - the
// network-reachable half of "verification paths SHOULD consult the ledger"
// for callers that can't see issuer storage directly.
func (iss *Issuer) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	token := r.PostForm.Get("token")
	w.Header().Set("Content-Type", "application/json")
	if token == "" {
		_ = json.NewEncoder(w).Encode(introspectResponse{Active: false})
		return
	}

	if revoked, err := iss.revoke.IsRevoked(r.Context(), token); err == nil && revoked {
		_ = json.NewEncoder(w).Encode(introspectResponse{Active: false})
		return
	}

	payload, err := iss.cfg.Keys.VerifyJWS(r.Context(), token)
	if err != nil {
		_ = json.NewEncoder(w).Encode(introspectResponse{Active: false})
		return
	}
	var claims struct {
		Sub   string `json:"sub"`
		Type  string `json:"type"`
		Scope string `json:"scope"`
		Exp   int64  `json:"exp"`
	}
	if json.Unmarshal(payload, &claims) != nil || (claims.Exp > 0 && iss.now().Unix() >= claims.Exp) {
		_ = json.NewEncoder(w).Encode(introspectResponse{Active: false})
		return
	}
	_ = json.NewEncoder(w).Encode(introspectResponse{
		Active: true,
		Sub:    claims.Sub,
		Type:   claims.Type,
		Scope:  claims.Scope,
		Exp:    claims.Exp,
	})
}
