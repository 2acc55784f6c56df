package issuer

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

const authorizationStateTTL = 24 * time.Hour

// handleAuthorize implements GET /authorize: validate the request, run the
// allow-check, stash an AuthorizationState in the authorization cookie, and
// either redirect into the named provider or render a provider-choice UI.
func (iss *Issuer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	responseType := q.Get("response_type")
	redirectURI := q.Get("redirect_uri")
	clientID := q.Get("client_id")

	switch {
	case !trimmedNonEmpty(responseType):
		iss.failRedirectless(w, r, &MissingParameterError{Parameter: "response_type"})
		return
	case !trimmedNonEmpty(redirectURI):
		iss.failRedirectless(w, r, &MissingParameterError{Parameter: "redirect_uri"})
		return
	case !trimmedNonEmpty(clientID):
		iss.failRedirectless(w, r, &MissingParameterError{Parameter: "client_id"})
		return
	}
	if responseType != "code" && responseType != "token" {
		iss.failRedirectless(w, r, newOauthError(ErrInvalidRequest, "response_type must be code or token"))
		return
	}
	if _, err := url.Parse(redirectURI); err != nil {
		iss.failRedirectless(w, r, newOauthError(ErrInvalidRedirectURI, err.Error()))
		return
	}

	audience := q.Get("audience")
	if err := iss.cfg.Allow(r.Context(), AllowRequest{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Audience:    audience,
	}, r); err != nil {
		iss.failRedirectless(w, r, err)
		return
	}

	if err := iss.cfg.Plugins.RunAuthorize(r.Context(), pluginAuthorizeContext(clientID, redirectURI, audience, q.Get("scope"))); err != nil {
		iss.failTo(w, r, redirectURI, q.Get("state"), err)
		return
	}

	state := AuthorizationState{
		ResponseType: responseType,
		RedirectURI:  redirectURI,
		State:        q.Get("state"),
		ClientID:     clientID,
		Audience:     audience,
		Scope:        q.Get("scope"),
	}
	if challenge := q.Get("code_challenge"); challenge != "" {
		method := q.Get("code_challenge_method")
		if method == "" {
			method = "S256"
		}
		state.PKCE = &PKCEState{Challenge: challenge, Method: method}
	}

	if err := iss.cookie.Write(r.Context(), w, r, authorizationCookieName, state, authorizationStateTTL); err != nil {
		iss.failTo(w, r, redirectURI, state.State, newOauthError(ErrServerError, "could not persist authorization state"))
		return
	}

	providerName := q.Get("provider")
	if providerName != "" {
		if _, ok := iss.cfg.Providers[providerName]; !ok {
			iss.failTo(w, r, redirectURI, state.State, newOauthError(ErrInvalidRequest, "unknown provider"))
			return
		}
		http.Redirect(w, r, providerPath(iss.cfg.BasePath, providerName), http.StatusFound)
		return
	}

	if len(iss.cfg.Providers) == 1 {
		for name := range iss.cfg.Providers {
			http.Redirect(w, r, providerPath(iss.cfg.BasePath, name), http.StatusFound)
			return
		}
	}

	if iss.cfg.Select != nil {
		names := make([]string, 0, len(iss.cfg.Providers))
		for name := range iss.cfg.Providers {
			names = append(names, name)
		}
		iss.cfg.Select(w, r, names)
		return
	}

	iss.failTo(w, r, redirectURI, state.State, newOauthError(ErrInvalidRequest, "no provider specified and no selector configured"))
}

func providerPath(base, name string) string {
	base = strings.TrimSuffix(base, "/")
	return base + "/" + name
}

// failRedirectless handles a malformed request that can't be trusted enough
// to redirect back anywhere: missing/invalid redirect_uri, bad client_id.
func (iss *Issuer) failRedirectless(w http.ResponseWriter, r *http.Request, err error) {
	iss.cfg.Logger.Warn("rejecting authorize request", "error", err)
	iss.cfg.OnError(w, r, err)
}

// failTo redirects back to redirectURI with error/error_description/state
// query parameters, per RFC 6749 §4.1.2.1.
func (iss *Issuer) failTo(w http.ResponseWriter, r *http.Request, redirectURI, state string, err error) {
	oe := toOauthError(err)
	u, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		iss.cfg.OnError(w, r, err)
		return
	}
	q := u.Query()
	q.Set("error", oe.Code)
	if oe.Description != "" {
		q.Set("error_description", oe.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func toOauthError(err error) *OauthError {
	switch e := err.(type) {
	case *OauthError:
		return e
	case *MissingParameterError:
		return e.OauthError()
	case *UnauthorizedClientError:
		return e.OauthError()
	default:
		return newOauthError(ErrServerError, err.Error())
	}
}
