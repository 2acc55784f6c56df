package issuer

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/draftlab/issuer/internal/cryptoutil"
	"github.com/draftlab/issuer/internal/kv"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// handleToken implements POST /token for the authorization_code and
// refresh_token grants.
func (iss *Issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, newOauthError(ErrInvalidRequest, "malformed form body"))
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		iss.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		iss.handleRefreshTokenGrant(w, r)
	default:
		writeTokenError(w, http.StatusBadRequest, newOauthError(ErrUnsupportedGrantType, "grant_type must be authorization_code or refresh_token"))
	}
}

func (iss *Issuer) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.PostForm.Get("code")
	if !trimmedNonEmpty(code) {
		writeTokenError(w, http.StatusBadRequest, &OauthError{Code: ErrInvalidRequest, Description: "code is required"})
		return
	}

	raw, err := iss.cfg.Storage.Get(ctx, codeKey(code))
	if err == kv.ErrNotFound {
		writeTokenError(w, http.StatusBadRequest, newOauthError(ErrInvalidGrant, "unknown or expired code"))
		return
	}
	if err != nil {
		writeTokenError(w, http.StatusInternalServerError, newOauthError(ErrServerError, "storage failure"))
		return
	}
	// Codes are single-use: delete unconditionally, before any validation,
	// so a replayed code can never succeed even if validation fails here.
	_ = iss.cfg.Storage.Remove(ctx, codeKey(code))

	var payload CodePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeTokenError(w, http.StatusInternalServerError, newOauthError(ErrServerError, "corrupt code record"))
		return
	}

	redirectURI := r.PostForm.Get("redirect_uri")
	clientID := r.PostForm.Get("client_id")
	if redirectURI != "" && redirectURI != payload.RedirectURI {
		writeTokenError(w, http.StatusBadRequest, newOauthError(ErrInvalidGrant, "redirect_uri mismatch"))
		return
	}
	if clientID != "" && clientID != payload.ClientID {
		writeTokenError(w, http.StatusBadRequest, newOauthError(ErrInvalidGrant, "client_id mismatch"))
		return
	}

	if payload.PKCE != nil {
		verifier := r.PostForm.Get("code_verifier")
		if verifier == "" {
			writeTokenError(w, http.StatusBadRequest, newOauthError(ErrInvalidGrant, "code_verifier is required"))
			return
		}
		if !cryptoutil.ValidatePKCE(verifier, payload.PKCE.Challenge, payload.PKCE.Method) {
			writeTokenError(w, http.StatusBadRequest, newOauthError(ErrInvalidGrant, "code_verifier does not match"))
			return
		}
	}

	access, refresh, err := iss.mintTokens(ctx, payload.Type, payload.Subject, payload.Properties, payload.ClientID, payload.TTL, payload.Scopes)
	if err != nil {
		writeTokenError(w, http.StatusInternalServerError, newOauthError(ErrServerError, err.Error()))
		return
	}

	writeTokenResponse(w, access, refresh, payload.TTL.Access)
}

func (iss *Issuer) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.PostForm.Get("refresh_token")
	subj, opaque, ok := splitRefreshToken(token)
	if !ok {
		writeTokenError(w, http.StatusBadRequest, newOauthError(ErrInvalidGrant, "malformed refresh_token"))
		return
	}

	key := refreshKey(subj, opaque)
	raw, err := iss.cfg.Storage.Get(ctx, key)
	if err == kv.ErrNotFound {
		writeTokenError(w, http.StatusBadRequest, newOauthError(ErrInvalidGrant, "unknown or expired refresh token"))
		return
	}
	if err != nil {
		writeTokenError(w, http.StatusInternalServerError, newOauthError(ErrServerError, "storage failure"))
		return
	}

	var payload RefreshPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeTokenError(w, http.StatusInternalServerError, newOauthError(ErrServerError, "corrupt refresh record"))
		return
	}

	if revoked, err := iss.revoke.IsRevoked(ctx, token); err == nil && revoked {
		writeTokenError(w, http.StatusBadRequest, newOauthError(ErrInvalidGrant, "refresh token has been revoked"))
		return
	}

	if iss.cfg.Refresh != nil {
		updated, err := iss.cfg.Refresh(ctx, &payload)
		if err != nil || updated == nil {
			_ = iss.invalidateSubject(ctx, subj)
			writeTokenError(w, http.StatusBadRequest, newOauthError(ErrInvalidGrant, "refresh rejected"))
			return
		}
		payload = *updated
	}

	access, err := iss.signAccessToken(ctx, payload.Type, payload.Subject, payload.Properties, payload.ClientID, payload.Scopes, payload.TTL.Access)
	if err != nil {
		writeTokenError(w, http.StatusInternalServerError, newOauthError(ErrServerError, err.Error()))
		return
	}

	nextRefresh, err := iss.rotateRefreshToken(ctx, key, payload, subj)
	if err != nil {
		if err == errReuseDetected {
			writeTokenError(w, http.StatusBadRequest, newOauthError(ErrInvalidGrant, "refresh token reuse detected"))
			return
		}
		writeTokenError(w, http.StatusInternalServerError, newOauthError(ErrServerError, err.Error()))
		return
	}

	writeTokenResponse(w, access, nextRefresh, payload.TTL.Access)
}

var errReuseDetected = &OauthError{Code: ErrInvalidGrant, Description: "refresh token reuse detected"}

// rotateRefreshToken implements the reuse-window rotation policy of §4.8:
//
//   - TTLRefreshReuse <= 0: strictly single-use. Delete immediately, mint
//     and store a fresh token.
//   - timeUsed unset: first use. Generate the next token, record timeUsed
//     and nextToken, and rewrite the record with a TTL of reuse+retention
//     so a client that missed the response can retry within the window.
//   - timeUsed set and still within the reuse window: idempotent replay.
//     Return the previously minted nextToken without minting again.
//   - timeUsed set and past the reuse window: token theft. Invalidate every
//     refresh token for the subject and fail the grant.
func (iss *Issuer) rotateRefreshToken(ctx context.Context, key kv.Key, payload RefreshPayload, subj string) (string, error) {
	now := iss.now()

	if iss.cfg.TTLRefreshReuse <= 0 {
		_ = iss.cfg.Storage.Remove(ctx, key)
		return iss.storeNextRefreshToken(ctx, subj, payload)
	}

	if payload.TimeUsed == nil {
		nextOpaque, err := cryptoutil.SecureToken(cryptoutil.DefaultTokenSize)
		if err != nil {
			return "", err
		}
		nextToken := subj + ":" + nextOpaque
		usedAt := now.UnixMilli()
		payload.TimeUsed = &usedAt
		payload.NextToken = nextToken
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		ttl := iss.cfg.TTLRefreshReuse + iss.cfg.TTLRefreshRetention
		if err := iss.cfg.Storage.Set(ctx, key, raw, ttl); err != nil {
			return "", err
		}

		nextPayload := payload
		nextPayload.TimeUsed = nil
		nextPayload.NextToken = ""
		nextRaw, err := json.Marshal(nextPayload)
		if err != nil {
			return "", err
		}
		if err := iss.cfg.Storage.Set(ctx, refreshKey(subj, nextOpaque), nextRaw, payload.TTL.Refresh); err != nil {
			return "", err
		}
		return nextToken, nil
	}

	usedAt := time.UnixMilli(*payload.TimeUsed)
	if now.Sub(usedAt) <= iss.cfg.TTLRefreshReuse {
		return payload.NextToken, nil
	}

	_ = iss.invalidateSubject(ctx, subj)
	return "", errReuseDetected
}

func (iss *Issuer) storeNextRefreshToken(ctx context.Context, subj string, payload RefreshPayload) (string, error) {
	opaque, err := cryptoutil.SecureToken(cryptoutil.DefaultTokenSize)
	if err != nil {
		return "", err
	}
	payload.TimeUsed = nil
	payload.NextToken = ""
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if err := iss.cfg.Storage.Set(ctx, refreshKey(subj, opaque), raw, payload.TTL.Refresh); err != nil {
		return "", err
	}
	return subj + ":" + opaque, nil
}

func splitRefreshToken(token string) (subject, opaque string, ok bool) {
	i := strings.LastIndex(token, ":")
	if i <= 0 || i == len(token)-1 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}

func writeTokenResponse(w http.ResponseWriter, access, refresh string, accessTTL time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTTL.Seconds()),
	})
}

func writeTokenError(w http.ResponseWriter, status int, oe *OauthError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             oe.Code,
		"error_description": oe.Description,
	})
}
