package acmeclient

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/go-jose/go-jose/v3"
)

// singleNonce hands one pre-fetched nonce to go-jose. The client manages its
// own nonce pool, so each signing operation gets exactly one value.
type singleNonce string

func (n singleNonce) Nonce() (string, error) {
	return string(n), nil
}

func sigAlgForKey(signer crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch signer.(type) {
	case *ecdsa.PrivateKey:
		return jose.ES256, nil
	case *rsa.PrivateKey:
		return jose.RS256, nil
	}
	return "", fmt.Errorf("unsupported account key type %T", signer)
}

// signJWS produces the flattened JSON serialization of payload for url.
// Until the account is registered the public JWK is embedded in the protected
// header; afterwards the account URL is used as the kid.
func (c *Client) signJWS(url string, nonce string, payload []byte) ([]byte, error) {
	alg, err := sigAlgForKey(c.key)
	if err != nil {
		return nil, err
	}

	opts := &jose.SignerOptions{
		NonceSource: singleNonce(nonce),
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}

	var signingKey jose.SigningKey
	if c.kid == "" {
		opts.EmbedJWK = true
		signingKey = jose.SigningKey{
			Algorithm: alg,
			Key:       c.key,
		}
	} else {
		signingKey = jose.SigningKey{
			Algorithm: alg,
			Key: jose.JSONWebKey{
				Key:       c.key,
				KeyID:     c.kid,
				Algorithm: string(alg),
			},
		}
	}

	signer, err := jose.NewSigner(signingKey, opts)
	if err != nil {
		return nil, err
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}

	return []byte(signed.FullSerialize()), nil
}

// JWK returns the account public key as a JWK, used for thumbprint
// computation by the dns-01 engine.
func (c *Client) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: c.key.Public()}
}
