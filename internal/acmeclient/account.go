package acmeclient

import (
	"context"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

type accountRequest struct {
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	Contact              []string `json:"contact,omitempty"`
}

// EnsureAccount registers the client's key with the CA, or adopts the
// existing registration when the CA already knows the key (HTTP 200 with the
// account Location). Calling it repeatedly with the same key always yields
// the same account URL. The contact email must be supplied explicitly; it is
// never inferred from the environment.
func (c *Client) EnsureAccount(ctx context.Context, contactEmail string) (string, error) {
	c.accountMu.Lock()
	defer c.accountMu.Unlock()

	if c.kid != "" {
		return c.kid, nil
	}

	dir, err := c.directory(ctx)
	if err != nil {
		return "", err
	}

	payload := accountRequest{
		TermsOfServiceAgreed: true,
	}
	if contactEmail != "" {
		payload.Contact = []string{"mailto:" + contactEmail}
	}

	acc := &Account{}
	resp, _, err := c.postJWS(ctx, dir.NewAccount, payload, acc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAccountRegistrationFailed, err)
	}

	accountURL := resp.Header.Get("Location")
	if accountURL == "" {
		return "", fmt.Errorf("%w: CA returned no account Location", ErrAccountRegistrationFailed)
	}

	if resp.StatusCode == http.StatusOK {
		log.WithField("account_url", accountURL).Debug("account key already registered, reusing existing account")
	} else {
		log.WithField("account_url", accountURL).Info("registered new ACME account")
	}

	c.kid = accountURL
	return accountURL, nil
}
