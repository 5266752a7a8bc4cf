package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OIDCProvider is the part of an OpenID Connect discovery document used to
// validate clinic staff access tokens.
type OIDCProvider struct {
	Issuer                  string   `json:"issuer"`
	JWKSURI                 string   `json:"jwks_uri"`
	IDTokenSigningAlgValues []string `json:"id_token_signing_alg_values_supported"`
}

var discoveryClient = &http.Client{Timeout: 10 * time.Second}

// DiscoverOIDC fetches <issuer>/.well-known/openid-configuration and checks
// that the document describes the same issuer and can sign with RS256.
func DiscoverOIDC(issuerURL string) (*OIDCProvider, error) {
	issuer := strings.TrimRight(issuerURL, "/")
	resp, err := discoveryClient.Get(issuer + "/.well-known/openid-configuration")
	if err != nil {
		return nil, fmt.Errorf("fetching OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var p OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding OIDC discovery document: %w", err)
	}
	if p.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC discovery document missing jwks_uri")
	}
	if p.Issuer != "" && strings.TrimRight(p.Issuer, "/") != issuer {
		return nil, fmt.Errorf("OIDC discovery issuer %q does not match %q", p.Issuer, issuerURL)
	}
	if len(p.IDTokenSigningAlgValues) > 0 && !contains(p.IDTokenSigningAlgValues, "RS256") {
		return nil, fmt.Errorf("OIDC provider does not advertise RS256")
	}
	return &p, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
