package issuer

import (
	"encoding/json"
	"net/http"
	"strings"
)

type discoveryDocument struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	RevocationEndpoint    string   `json:"revocation_endpoint"`
	IntrospectionEndpoint string   `json:"introspection_endpoint"`
	ResponseTypes         []string `json:"response_types_supported"`
	GrantTypes            []string `json:"grant_types_supported"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuth     []string `json:"token_endpoint_auth_methods_supported"`
	IDTokenSigningAlgs    []string `json:"id_token_signing_alg_values_supported"`
}

func (iss *Issuer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimSuffix(iss.cfg.Issuer, "/")
	doc := discoveryDocument{
		Issuer:                base,
		AuthorizationEndpoint: base + "/authorize",
		TokenEndpoint:         base + "/token",
		JWKSURI:               base + "/.well-known/jwks.json",
		RevocationEndpoint:    base + "/revoke",
		IntrospectionEndpoint: base + "/introspect",
		ResponseTypes:         []string{"code", "token"},
		GrantTypes:            []string{"authorization_code", "refresh_token"},
		CodeChallengeMethods:  []string{"S256"},
		TokenEndpointAuth:     []string{"none"},
		IDTokenSigningAlgs:    []string{"ES256"},
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=3600")
	_ = json.NewEncoder(w).Encode(doc)
}

func (iss *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := iss.cfg.Keys.JWKS(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=300")
	_ = json.NewEncoder(w).Encode(jwks)
}
