// Package dns01 computes and verifies the TXT records for ACME dns-01
// challenges (RFC 8555 section 8.4).
package dns01

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v3"
)

const txtPrefix = "_acme-challenge."

// Record is the TXT record an operator must publish for one challenge.
// Derived deterministically from the challenge token and the account key;
// the same inputs always yield the same name and value.
type Record struct {
	// Domain is the identifier being validated, as it appears in the order
	// (possibly with a wildcard prefix).
	Domain string `json:"domain"`
	// Name is the fully qualified record name, _acme-challenge.<base domain>.
	Name string `json:"name"`
	// Type is always TXT.
	Type string `json:"type"`
	// Value is base64url(sha256(keyAuthorization)).
	Value string `json:"value"`
}

// KeyAuthorization is token || "." || base64url(sha256 JWK thumbprint of the
// account public key).
func KeyAuthorization(token string, accountKey crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: accountKey.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute JWK thumbprint: %w", err)
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// ComputeRecord derives the TXT record for a challenge token. A wildcard
// identifier authorizes its base domain, so the record name strips any
// leading "*." label.
func ComputeRecord(token string, accountKey crypto.Signer, domain string) (Record, error) {
	keyAuth, err := KeyAuthorization(token, accountKey)
	if err != nil {
		return Record{}, err
	}

	digest := sha256.Sum256([]byte(keyAuth))

	return Record{
		Domain: domain,
		Name:   txtPrefix + BaseDomain(domain),
		Type:   "TXT",
		Value:  base64.RawURLEncoding.EncodeToString(digest[:]),
	}, nil
}

// BaseDomain strips a single wildcard label, if present.
func BaseDomain(domain string) string {
	return strings.TrimPrefix(domain, "*.")
}
