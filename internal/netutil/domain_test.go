package netutil_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/draftlab/issuer/internal/netutil"
)

func TestEffectiveDomainSinglePartSuffix(t *testing.T) {
	require.Equal(t, "example.com", netutil.EffectiveDomain("app.example.com"))
	require.Equal(t, "example.com", netutil.EffectiveDomain("example.com"))
	require.Equal(t, "example.com", netutil.EffectiveDomain("deep.nested.app.example.com"))
}

func TestEffectiveDomainTwoPartSuffix(t *testing.T) {
	require.Equal(t, "example.co.uk", netutil.EffectiveDomain("app.example.co.uk"))
	require.Equal(t, "co.uk", netutil.EffectiveDomain("co.uk"))
}

func TestEffectiveDomainSingleLabel(t *testing.T) {
	require.Equal(t, "localhost", netutil.EffectiveDomain("localhost"))
}

func TestSameEffectiveDomain(t *testing.T) {
	require.True(t, netutil.SameEffectiveDomain("app.example.com", "login.example.com"))
	require.False(t, netutil.SameEffectiveDomain("app.example.com", "evil.com"))
	require.True(t, netutil.SameEffectiveDomain("app.example.com", "127.0.0.1"))
}

func TestIsLoopback(t *testing.T) {
	require.True(t, netutil.IsLoopback("localhost"))
	require.True(t, netutil.IsLoopback("127.0.0.1"))
	require.True(t, netutil.IsLoopback("::1"))
	require.False(t, netutil.IsLoopback("example.com"))
}

func TestRequestHostPrefersForwardedHost(t *testing.T) {
	r := httptest.NewRequest("GET", "http://internal.local/authorize", nil)
	r.Header.Set("X-Forwarded-Host", "auth.example.com, internal.local")
	require.Equal(t, "auth.example.com", netutil.RequestHost(r))
}

func TestRequestHostFallsBackToHostHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "http://auth.example.com:8443/authorize", nil)
	require.Equal(t, "auth.example.com", netutil.RequestHost(r))
}

func TestIsHTTPSHonorsForwardedProto(t *testing.T) {
	r := httptest.NewRequest("GET", "http://auth.example.com/authorize", nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	require.True(t, netutil.IsHTTPS(r))
}

func TestBaseURLReconstructsFromForwardedHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "http://internal.local/authorize", nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "auth.example.com")
	require.Equal(t, "https://auth.example.com", netutil.BaseURL(r))
}
