package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/draftlab/issuer/internal/cryptoutil"
	"github.com/draftlab/issuer/internal/kv"
	"github.com/draftlab/issuer/pluginmgr"
	"github.com/draftlab/issuer/provider"
	"github.com/draftlab/issuer/subject"
)

// capabilitiesFor builds the Capabilities struct handed to the named
// provider at Init time. Set/Get/Unset are backed by a per-provider cookie
// so scratch state survives redirects without needing a storage round trip.
func (iss *Issuer) capabilitiesFor(name string) *provider.Capabilities {
	cookieName := "p_" + name

	return &provider.Capabilities{
		Name:    name,
		Storage: iss.cfg.Storage,

		Set: func(ctx context.Context, w http.ResponseWriter, r *http.Request, key string, ttl time.Duration, value any) error {
			existing := map[string]json.RawMessage{}
			_, _ = iss.cookie.Read(ctx, w, r, cookieName, &existing)
			raw, err := json.Marshal(value)
			if err != nil {
				return err
			}
			existing[key] = raw
			return iss.cookie.Write(ctx, w, r, cookieName, existing, ttl)
		},
		Get: func(ctx context.Context, w http.ResponseWriter, r *http.Request, key string, out any) (bool, error) {
			existing := map[string]json.RawMessage{}
			ok, err := iss.cookie.Read(ctx, w, r, cookieName, &existing)
			if err != nil || !ok {
				return false, err
			}
			raw, ok := existing[key]
			if !ok {
				return false, nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return false, err
			}
			return true, nil
		},
		Unset: func(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) error {
			existing := map[string]json.RawMessage{}
			ok, err := iss.cookie.Read(ctx, w, r, cookieName, &existing)
			if err != nil || !ok {
				return err
			}
			delete(existing, key)
			return iss.cookie.Write(ctx, w, r, cookieName, existing, 24*time.Hour)
		},

		Success: func(ctx context.Context, w http.ResponseWriter, r *http.Request, properties json.RawMessage, opts provider.SuccessOptions) error {
			return iss.onSuccess(ctx, w, r, name, properties, opts)
		},
		Forward: func(w http.ResponseWriter, resp *provider.Response) {
			for k, vs := range resp.Header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.Status)
			_, _ = w.Write(resp.Body)
		},
		Invalidate: func(ctx context.Context, subject string) error {
			return iss.invalidateSubject(ctx, subject)
		},
		Fail: func(ctx context.Context, w http.ResponseWriter, r *http.Request, code, description string) {
			iss.onProviderFail(ctx, w, r, code, description)
		},
	}
}

// onSuccess resolves the subject, mints whatever the in-flight
// AuthorizationState calls for, and redirects to redirect_uri.
func (iss *Issuer) onSuccess(ctx context.Context, w http.ResponseWriter, r *http.Request, providerName string, properties json.RawMessage, opts provider.SuccessOptions) error {
	var state AuthorizationState
	ok, err := iss.cookie.Read(ctx, w, r, authorizationCookieName, &state)
	if err != nil {
		return err
	}
	if !ok {
		return &UnknownStateError{}
	}
	iss.cookie.Delete(w, authorizationCookieName)

	subjectType := opts.SubjectType
	if subjectType == "" {
		subjectType = providerName
	}

	if err := iss.cfg.Subjects.Validate(subjectType, properties); err != nil {
		iss.failTo(w, r, state.RedirectURI, state.State, newOauthError(ErrValidationError, err.Error()))
		return nil
	}

	subj := opts.Subject
	if subj == "" {
		subj, err = subject.Resolve(subjectType, properties)
		if err != nil {
			iss.failTo(w, r, state.RedirectURI, state.State, newOauthError(ErrValidationError, err.Error()))
			return nil
		}
	}

	if opts.Invalidate != nil {
		if err := opts.Invalidate(ctx, subj); err != nil {
			iss.cfg.Logger.Error("provider invalidate callback failed", "error", err)
		}
	}

	scopes := opts.Scopes
	if scopes == nil && state.Scope != "" {
		scopes = splitScope(state.Scope)
	}

	if state.ResponseType == "code" {
		code, genErr := cryptoutil.SecureToken(cryptoutil.DefaultTokenSize)
		if genErr != nil {
			iss.failTo(w, r, state.RedirectURI, state.State, newOauthError(ErrServerError, "could not generate code"))
			return nil
		}
		payload := CodePayload{
			Type:        subjectType,
			Properties:  properties,
			Subject:     subj,
			RedirectURI: state.RedirectURI,
			ClientID:    state.ClientID,
			PKCE:        state.PKCE,
			TTL:         TTLPair{Access: iss.cfg.TTLAccess, Refresh: iss.cfg.TTLRefresh},
			Scopes:      scopes,
		}
		raw, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			iss.failTo(w, r, state.RedirectURI, state.State, newOauthError(ErrServerError, "could not persist code"))
			return nil
		}
		if setErr := iss.cfg.Storage.Set(ctx, codeKey(code), raw, 60*time.Second); setErr != nil {
			iss.failTo(w, r, state.RedirectURI, state.State, newOauthError(ErrServerError, "could not persist code"))
			return nil
		}

		u, _ := url.Parse(state.RedirectURI)
		q := u.Query()
		q.Set("code", code)
		if state.State != "" {
			q.Set("state", state.State)
		}
		u.RawQuery = q.Encode()
		iss.cfg.Plugins.RunSuccess(ctx, pluginmgr.SuccessContext{SubjectType: subjectType, Subject: subj, ClientID: state.ClientID})
		http.Redirect(w, r, u.String(), http.StatusFound)
		return nil
	}

	access, refresh, mintErr := iss.mintTokens(ctx, subjectType, subj, properties, state.ClientID, TTLPair{Access: iss.cfg.TTLAccess, Refresh: iss.cfg.TTLRefresh}, scopes)
	if mintErr != nil {
		iss.failTo(w, r, state.RedirectURI, state.State, newOauthError(ErrServerError, mintErr.Error()))
		return nil
	}

	u, _ := url.Parse(state.RedirectURI)
	frag := url.Values{}
	frag.Set("access_token", access)
	frag.Set("refresh_token", refresh)
	frag.Set("token_type", "Bearer")
	if state.State != "" {
		frag.Set("state", state.State)
	}
	u.Fragment = frag.Encode()
	iss.cfg.Plugins.RunSuccess(ctx, pluginmgr.SuccessContext{SubjectType: subjectType, Subject: subj, ClientID: state.ClientID})
	http.Redirect(w, r, u.String(), http.StatusFound)
	return nil
}

func (iss *Issuer) onProviderFail(ctx context.Context, w http.ResponseWriter, r *http.Request, code, description string) {
	var state AuthorizationState
	ok, _ := iss.cookie.Read(ctx, w, r, authorizationCookieName, &state)
	iss.cfg.Plugins.RunError(ctx, pluginmgr.ErrorContext{ClientID: state.ClientID, Code: code, Message: description})
	if !ok || state.RedirectURI == "" {
		iss.cfg.OnError(w, r, newOauthError(code, description))
		return
	}
	iss.failTo(w, r, state.RedirectURI, state.State, newOauthError(code, description))
}

// mintTokens issues a fresh access/refresh token pair for subject, recording
// the refresh token's rotation record.
func (iss *Issuer) mintTokens(ctx context.Context, subjectType, subj string, properties json.RawMessage, clientID string, ttl TTLPair, scopes []string) (access, refresh string, err error) {
	access, err = iss.signAccessToken(ctx, subjectType, subj, properties, clientID, scopes, ttl.Access)
	if err != nil {
		return "", "", fmt.Errorf("mint access token: %w", err)
	}

	opaque, err := cryptoutil.SecureToken(cryptoutil.DefaultTokenSize)
	if err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	refresh = subj + ":" + opaque

	payload := RefreshPayload{
		Type:       subjectType,
		Properties: properties,
		ClientID:   clientID,
		Subject:    subj,
		TTL:        ttl,
		Scopes:     scopes,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal refresh payload: %w", err)
	}
	if err := iss.cfg.Storage.Set(ctx, refreshKey(subj, opaque), raw, ttl.Refresh); err != nil {
		return "", "", fmt.Errorf("persist refresh token: %w", err)
	}

	return access, refresh, nil
}

func (iss *Issuer) signAccessToken(ctx context.Context, subjectType, subj string, properties json.RawMessage, clientID string, scopes []string, ttl time.Duration) (string, error) {
	now := iss.now()
	claims := map[string]any{
		"mode":       "access",
		"iss":        iss.cfg.Issuer,
		"sub":        subj,
		"aud":        clientID,
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
		"type":       subjectType,
		"properties": properties,
	}
	if len(scopes) > 0 {
		claims["scope"] = joinScope(scopes)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return iss.cfg.Keys.Sign(ctx, payload)
}

// invalidateSubject removes every refresh token issued to subject. It writes
// no revocation entries, so access tokens already issued stay valid until
// they expire.
func (iss *Issuer) invalidateSubject(ctx context.Context, subject string) error {
	entries, cancel, err := iss.cfg.Storage.Scan(ctx, refreshSubjectPrefix(subject))
	if err != nil {
		return err
	}
	defer cancel()

	var keys []kv.Key
	for e := range entries {
		keys = append(keys, e.Key)
	}
	for _, k := range keys {
		_ = iss.cfg.Storage.Remove(ctx, k)
	}
	return nil
}

func splitScope(scope string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(scope); i++ {
		if i == len(scope) || scope[i] == ' ' {
			if i > start {
				out = append(out, scope[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinScope(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
