package cookie_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/draftlab/issuer/internal/cookie"
	"github.com/draftlab/issuer/internal/keys"
	"github.com/draftlab/issuer/internal/kv"
)

func newJar() *cookie.Jar {
	km := keys.New(kv.NewMemory(slog.New(slog.NewTextHandler(io.Discard, nil))), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return cookie.New(km, "/")
}

type payload struct {
	ClientID string `json:"clientId"`
	Scope    string `json:"scope"`
}

func TestWriteReadRoundTrip(t *testing.T) {
	jar := newJar()
	ctx := context.Background()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "http://issuer.example.test/authorize", nil)
	require.NoError(t, jar.Write(ctx, w, r, "authorization", payload{ClientID: "cli", Scope: "openid"}, 0))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.True(t, cookies[0].HttpOnly)
	require.False(t, cookies[0].Secure)
	require.Equal(t, "/", cookies[0].Path)

	readReq := httptest.NewRequest("GET", "http://issuer.example.test/authorize/complete", nil)
	readReq.AddCookie(cookies[0])

	var got payload
	ok, err := jar.Read(ctx, httptest.NewRecorder(), readReq, "authorization", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cli", got.ClientID)
	require.Equal(t, "openid", got.Scope)
}

func TestWriteSetsSecureAttributesOverHTTPS(t *testing.T) {
	jar := newJar()
	ctx := context.Background()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "https://issuer.example.test/authorize", nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	require.NoError(t, jar.Write(ctx, w, r, "authorization", payload{ClientID: "cli"}, 0))

	c := w.Result().Cookies()[0]
	require.True(t, c.Secure)
}

func TestReadMissingCookieReturnsFalse(t *testing.T) {
	jar := newJar()
	r := httptest.NewRequest("GET", "http://issuer.example.test/authorize", nil)
	var got payload
	ok, err := jar.Read(context.Background(), httptest.NewRecorder(), r, "authorization", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadTamperedCookieLooksLikeNoSession(t *testing.T) {
	jar := newJar()
	ctx := context.Background()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "http://issuer.example.test/authorize", nil)
	require.NoError(t, jar.Write(ctx, w, r, "authorization", payload{ClientID: "cli"}, 0))

	c := w.Result().Cookies()[0]
	c.Value = c.Value + "tampered"

	readReq := httptest.NewRequest("GET", "http://issuer.example.test/authorize/complete", nil)
	readReq.AddCookie(c)

	var got payload
	ok, err := jar.Read(ctx, httptest.NewRecorder(), readReq, "authorization", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteExpiresCookie(t *testing.T) {
	jar := newJar()
	w := httptest.NewRecorder()
	jar.Delete(w, "authorization")

	c := w.Result().Cookies()[0]
	require.Equal(t, -1, c.MaxAge)
}
