package issuer_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/draftlab/issuer/internal/cryptoutil"
	"github.com/draftlab/issuer/internal/keys"
	"github.com/draftlab/issuer/internal/kv"
	"github.com/draftlab/issuer/issuer"
	"github.com/draftlab/issuer/provider"
	"github.com/draftlab/issuer/subject"
)

// stubProvider completes authentication the instant its /complete route is
// hit, with no credential check, so tests can drive the issuer's own
// authorize -> success -> token machinery in isolation.
type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Init(router *mux.Router, caps *provider.Capabilities) {
	router.HandleFunc("/complete", func(w http.ResponseWriter, r *http.Request) {
		properties, _ := json.Marshal(map[string]string{"address": "user@example.com"})
		if err := caps.Success(r.Context(), w, r, properties, provider.SuccessOptions{}); err != nil {
			caps.Fail(r.Context(), w, r, "server_error", err.Error())
		}
	}).Methods(http.MethodGet)
}

func newTestIssuer(t *testing.T, reuseWindow time.Duration) *issuer.Issuer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kv.NewMemory(logger)
	km := keys.New(store, logger)
	schema := subject.NewSchema(map[string]subject.Validator{
		"stub": subject.SchemaOf[map[string]string](),
	})

	// The retention period keeps a used refresh record alive past its reuse
	// window, so a late replay is detected as reuse rather than as an
	// unknown token.
	iss, err := issuer.New(issuer.Config{
		Issuer:              "https://issuer.example.test",
		Storage:             store,
		Keys:                km,
		Logger:              logger,
		Subjects:            schema,
		Providers:           map[string]provider.Provider{"stub": stubProvider{}},
		TTLRefreshReuse:     reuseWindow,
		TTLRefreshRetention: time.Minute,
	})
	require.NoError(t, err)
	return iss
}

// doAuthorize drives /authorize -> the stub provider's /complete, returning
// the authorization code from the final redirect, chaining the
// authorization cookie across both hops by hand (no http.Client cookie jar
// since this test talks to the handler in-process).
func doAuthorize(t *testing.T, iss *issuer.Issuer, redirectURI string, pkce *cryptoutil.PKCE) string {
	t.Helper()

	authorizeURL := "/authorize?" + url.Values{
		"response_type":         {"code"},
		"redirect_uri":          {redirectURI},
		"client_id":             {"test-client"},
		"provider":              {"stub"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {pkce.Method},
	}.Encode()

	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	rec := httptest.NewRecorder()
	iss.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/stub", rec.Header().Get("Location"))

	var cookies []*http.Cookie
	for _, c := range rec.Result().Cookies() {
		cookies = append(cookies, c)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/stub/complete", nil)
	for _, c := range cookies {
		req2.AddCookie(c)
	}
	rec2 := httptest.NewRecorder()
	iss.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusFound, rec2.Code)

	loc, err := url.Parse(rec2.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func exchangeCode(t *testing.T, iss *issuer.Issuer, code, redirectURI, verifier string) map[string]any {
	t.Helper()
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {"test-client"},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	iss.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// TestAuthorizationCodeWithPKCE exercises S1: /authorize -> provider success
// -> code exchange, including PKCE verification.
func TestAuthorizationCodeWithPKCE(t *testing.T) {
	iss := newTestIssuer(t, 0)
	pkce, err := cryptoutil.GeneratePKCE(32)
	require.NoError(t, err)

	code := doAuthorize(t, iss, "http://127.0.0.1/callback", pkce)
	tokens := exchangeCode(t, iss, code, "http://127.0.0.1/callback", pkce.Verifier)

	require.NotEmpty(t, tokens["access_token"])
	require.NotEmpty(t, tokens["refresh_token"])
	require.Equal(t, "Bearer", tokens["token_type"])
}

// TestAuthorizationCodeWrongVerifierRejected checks PKCE actually gates the
// exchange.
func TestAuthorizationCodeWrongVerifierRejected(t *testing.T) {
	iss := newTestIssuer(t, 0)
	pkce, err := cryptoutil.GeneratePKCE(32)
	require.NoError(t, err)

	code := doAuthorize(t, iss, "http://127.0.0.1/callback", pkce)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://127.0.0.1/callback"},
		"client_id":     {"test-client"},
		"code_verifier": {"wrong-verifier-wrong-verifier-wrong-verifier"},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	iss.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestAuthorizationCodeIsSingleUse checks the code cannot be replayed, even
// with valid parameters the second time.
func TestAuthorizationCodeIsSingleUse(t *testing.T) {
	iss := newTestIssuer(t, 0)
	pkce, err := cryptoutil.GeneratePKCE(32)
	require.NoError(t, err)

	code := doAuthorize(t, iss, "http://127.0.0.1/callback", pkce)
	_ = exchangeCode(t, iss, code, "http://127.0.0.1/callback", pkce.Verifier)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://127.0.0.1/callback"},
		"client_id":     {"test-client"},
		"code_verifier": {pkce.Verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	iss.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func refreshToken(t *testing.T, iss *issuer.Issuer, token string) (*http.Response, map[string]any) {
	t.Helper()
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {token}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	iss.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Result(), out
}

// TestRefreshRotationReuseWindow exercises S2: within the reuse window a
// repeated refresh call is idempotent (replay-safe for a client that missed
// the response); a refresh after the window closes and after the token has
// already been used invalidates the whole subject.
func TestRefreshRotationReuseWindow(t *testing.T) {
	iss := newTestIssuer(t, time.Second)
	pkce, err := cryptoutil.GeneratePKCE(32)
	require.NoError(t, err)

	code := doAuthorize(t, iss, "http://127.0.0.1/callback", pkce)
	tokens := exchangeCode(t, iss, code, "http://127.0.0.1/callback", pkce.Verifier)
	refresh1 := tokens["refresh_token"].(string)

	resp1, body1 := refreshToken(t, iss, refresh1)
	require.Equal(t, http.StatusOK, resp1.StatusCode)
	next1 := body1["refresh_token"].(string)
	require.NotEmpty(t, next1)

	// Replay within the window: idempotent, returns the same next token.
	resp2, body2 := refreshToken(t, iss, refresh1)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Equal(t, next1, body2["refresh_token"])

	// Wait out the window, then replay again: theft detection invalidates
	// the whole subject, so even the legitimately-issued next token fails.
	time.Sleep(1500 * time.Millisecond)
	resp3, _ := refreshToken(t, iss, refresh1)
	require.Equal(t, http.StatusBadRequest, resp3.StatusCode)

	resp4, _ := refreshToken(t, iss, next1)
	require.Equal(t, http.StatusBadRequest, resp4.StatusCode)
}

// TestTokenFlowIssuesDirectly exercises the implicit-style response_type=token
// path: no code, tokens returned directly in the redirect fragment.
func TestTokenFlowIssuesDirectly(t *testing.T) {
	iss := newTestIssuer(t, 0)

	authorizeURL := "/authorize?" + url.Values{
		"response_type": {"token"},
		"redirect_uri":  {"http://127.0.0.1/callback"},
		"client_id":     {"test-client"},
		"provider":      {"stub"},
	}.Encode()

	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	rec := httptest.NewRecorder()
	iss.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/stub/complete", nil)
	for _, c := range rec.Result().Cookies() {
		req2.AddCookie(c)
	}
	rec2 := httptest.NewRecorder()
	iss.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusFound, rec2.Code)

	loc, err := url.Parse(rec2.Header().Get("Location"))
	require.NoError(t, err)
	frag, err := url.ParseQuery(loc.Fragment)
	require.NoError(t, err)
	require.NotEmpty(t, frag.Get("access_token"))
	require.NotEmpty(t, frag.Get("refresh_token"))
}

// TestRevokeThenIntrospectInactive exercises S3 end-to-end through the HTTP
// surface: an access token introspects active, /revoke marks it revoked,
// and introspection flips to inactive.
func TestRevokeThenIntrospectInactive(t *testing.T) {
	iss := newTestIssuer(t, 0)
	pkce, err := cryptoutil.GeneratePKCE(32)
	require.NoError(t, err)

	code := doAuthorize(t, iss, "http://127.0.0.1/callback", pkce)
	tokens := exchangeCode(t, iss, code, "http://127.0.0.1/callback", pkce.Verifier)
	access := tokens["access_token"].(string)

	introspect := func(token string) map[string]any {
		form := url.Values{"token": {token}}
		req := httptest.NewRequest(http.MethodPost, "/introspect", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		iss.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var out map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	require.Equal(t, true, introspect(access)["active"])

	revokeForm := url.Values{"token": {access}}
	revokeReq := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(revokeForm.Encode()))
	revokeReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	revokeRec := httptest.NewRecorder()
	iss.ServeHTTP(revokeRec, revokeReq)
	require.Equal(t, http.StatusOK, revokeRec.Code)

	require.Equal(t, false, introspect(access)["active"])
}

// TestJWKSAndDiscovery checks the well-known endpoints at least serve valid
// JSON with the expected top-level shape.
func TestJWKSAndDiscovery(t *testing.T) {
	iss := newTestIssuer(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec := httptest.NewRecorder()
	iss.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var jwks map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jwks))
	require.NotEmpty(t, jwks["keys"])

	req2 := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec2 := httptest.NewRecorder()
	iss.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &doc))
	require.Equal(t, "https://issuer.example.test", doc["issuer"])
}
