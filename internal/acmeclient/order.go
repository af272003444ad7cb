package acmeclient

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

type orderRequest struct {
	Identifiers []Identifier `json:"identifiers"`
}

type finalizeRequest struct {
	CSR string `json:"csr"`
}

// NewOrder creates an order for the given domains, exactly as supplied. The
// caller decides whether a wildcard order also carries the base domain; the
// client never adds identifiers on its own.
func (c *Client) NewOrder(ctx context.Context, domains []string) (*Order, error) {
	if len(domains) == 0 {
		return nil, fmt.Errorf("%w: no identifiers supplied", ErrOrderCreationFailed)
	}

	dir, err := c.directory(ctx)
	if err != nil {
		return nil, err
	}

	identifiers := make([]Identifier, len(domains))
	for i, domain := range domains {
		identifiers[i] = Identifier{Type: "dns", Value: domain}
	}

	order := &Order{}
	resp, _, err := c.postJWS(ctx, dir.NewOrder, orderRequest{Identifiers: identifiers}, order)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOrderCreationFailed, err)
	}

	order.URL = resp.Header.Get("Location")
	if order.URL == "" {
		return nil, fmt.Errorf("%w: CA returned no order Location", ErrOrderCreationFailed)
	}

	log.WithFields(log.Fields{
		"order_url":   order.URL,
		"identifiers": domains,
	}).Info("created ACME order")

	return order, nil
}

// GetOrder re-fetches an order resource via POST-as-GET.
func (c *Client) GetOrder(ctx context.Context, orderURL string) (*Order, error) {
	order := &Order{}
	_, _, err := c.postAsGet(ctx, orderURL, order)
	if err != nil {
		return nil, err
	}
	order.URL = orderURL
	return order, nil
}

// GetAuthorization fetches one authorization resource via POST-as-GET.
func (c *Client) GetAuthorization(ctx context.Context, authzURL string) (*Authorization, error) {
	authz := &Authorization{}
	_, _, err := c.postAsGet(ctx, authzURL, authz)
	if err != nil {
		return nil, err
	}
	authz.URL = authzURL
	return authz, nil
}

// AuthzResult pairs an authorization URL with its fetch outcome, so one
// unreachable authorization does not abort the siblings.
type AuthzResult struct {
	URL           string
	Authorization *Authorization
	Err           error
}

// FetchAuthorizations dereferences every authorization in the order
// concurrently, one worker per identifier. Failures are reported per entry as
// AuthorizationUnavailableError; the slice preserves the order's
// authorization ordering.
func (c *Client) FetchAuthorizations(ctx context.Context, order *Order) []AuthzResult {
	results := make([]AuthzResult, len(order.Authorizations))

	var wg sync.WaitGroup
	for i, authzURL := range order.Authorizations {
		wg.Add(1)
		go func(i int, authzURL string) {
			defer wg.Done()

			authz, err := c.GetAuthorization(ctx, authzURL)
			if err != nil {
				domain := ""
				if i < len(order.Identifiers) {
					domain = order.Identifiers[i].Value
				}
				results[i] = AuthzResult{
					URL: authzURL,
					Err: AuthorizationUnavailableError{Domain: domain, Err: err},
				}
				return
			}
			results[i] = AuthzResult{URL: authzURL, Authorization: authz}
		}(i, authzURL)
	}
	wg.Wait()

	return results
}

// SelectDNS01 picks the dns-01 challenge from an authorization. Wildcard
// authorizations only ever offer dns-01 per RFC 8555; a missing entry is
// still handled rather than assumed away.
func SelectDNS01(authz *Authorization) (*Challenge, error) {
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == ChallengeTypeDNS01 {
			return &authz.Challenges[i], nil
		}
	}
	return nil, fmt.Errorf("%w (domain %s)", ErrNoDNSChallengeOffered, authz.Identifier.Value)
}

// AcceptChallenge tells the CA the challenge response is in place (empty
// JSON object payload). Protocol rejections are terminal for the challenge.
func (c *Client) AcceptChallenge(ctx context.Context, chal *Challenge) (*Challenge, error) {
	updated := &Challenge{}
	_, _, err := c.postJWS(ctx, chal.URL, struct{}{}, updated)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// FinalizeOrder submits the DER-encoded CSR to the order's finalize URL. The
// CSR's names must match the order's identifiers; the CA enforces this and
// its rejection is surfaced verbatim.
func (c *Client) FinalizeOrder(ctx context.Context, order *Order, derCSR []byte) (*Order, error) {
	payload := finalizeRequest{
		CSR: base64.RawURLEncoding.EncodeToString(derCSR),
	}

	updated := &Order{}
	_, _, err := c.postJWS(ctx, order.Finalize, payload, updated)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFinalizeFailed, err)
	}
	updated.URL = order.URL

	log.WithField("order_url", order.URL).Info("submitted CSR for finalization")
	return updated, nil
}

// DownloadCertificate fetches the issued PEM bundle and splits the leaf from
// the chain by PEM boundary parsing. The CA may include any number of
// intermediates.
func (c *Client) DownloadCertificate(ctx context.Context, order *Order) (*CertificateBundle, error) {
	if order.Certificate == "" {
		return nil, fmt.Errorf("%w: order has no certificate URL", ErrCertificateDownloadFailed)
	}

	_, body, err := c.postAsGet(ctx, order.Certificate, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateDownloadFailed, err)
	}

	bundle, err := splitBundle(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateDownloadFailed, err)
	}
	return bundle, nil
}

func splitBundle(fullchain []byte) (*CertificateBundle, error) {
	block, rest := pem.Decode(fullchain)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("response contained no PEM certificate")
	}

	// Split at the original boundary rather than re-encoding, so that
	// leaf || chain is byte-identical to the downloaded bundle.
	leaf := fullchain[:len(fullchain)-len(rest)]

	return &CertificateBundle{
		Leaf:      leaf,
		Chain:     rest,
		Fullchain: fullchain,
	}, nil
}
