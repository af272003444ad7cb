package acmeclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// PollPolicy bounds a status-polling loop. MaxAttempts is a hard ceiling; the
// loop never outlives it regardless of what the CA reports.
type PollPolicy struct {
	// Interval seeds the exponential backoff between fetches. A Retry-After
	// header from the CA overrides the computed wait for that iteration.
	Interval time.Duration
	// MaxInterval caps the backoff growth.
	MaxInterval time.Duration
	MaxAttempts int
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:    2 * time.Second,
		MaxInterval: 30 * time.Second,
		MaxAttempts: 20,
	}
}

func (p PollPolicy) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Interval
	bo.MaxInterval = p.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// PollAuthorization re-fetches the authorization until its status leaves
// pending. On invalid the CA's per-challenge error detail is extracted for
// the caller; on exhausting the attempt ceiling it returns
// ErrAuthorizationTimeout rather than hanging.
func (c *Client) PollAuthorization(ctx context.Context, authzURL string, policy PollPolicy) (*Authorization, error) {
	bo := policy.newBackOff()

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		authz := &Authorization{}
		resp, _, err := c.postAsGet(ctx, authzURL, authz)
		if err != nil {
			return nil, err
		}
		authz.URL = authzURL

		switch authz.Status {
		case StatusValid:
			return authz, nil
		case StatusInvalid, StatusExpired, "revoked", "deactivated":
			return nil, AuthorizationInvalidError{
				Domain: authz.Identifier.Value,
				Detail: challengeErrorDetail(authz),
			}
		}

		log.WithFields(log.Fields{
			"authz_url": authzURL,
			"status":    authz.Status,
			"attempt":   attempt + 1,
		}).Debug("authorization still pending")

		// No point waiting out a backoff interval we'll never use
		if attempt+1 == policy.MaxAttempts {
			break
		}

		err = sleepFor(ctx, pollWait(bo, resp))
		if err != nil {
			return nil, err
		}
	}

	return nil, ErrAuthorizationTimeout
}

// PollOrder re-fetches the order after finalization until it is valid, or
// terminally fails. A CA-reported invalid order surfaces as ErrFinalizeFailed.
func (c *Client) PollOrder(ctx context.Context, orderURL string, policy PollPolicy) (*Order, error) {
	bo := policy.newBackOff()

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		order := &Order{}
		resp, _, err := c.postAsGet(ctx, orderURL, order)
		if err != nil {
			return nil, err
		}
		order.URL = orderURL

		switch order.Status {
		case StatusValid:
			return order, nil
		case StatusInvalid:
			return nil, fmt.Errorf("%w: CA reports the order is invalid", ErrFinalizeFailed)
		}

		log.WithFields(log.Fields{
			"order_url": orderURL,
			"status":    order.Status,
			"attempt":   attempt + 1,
		}).Debug("order not yet valid")

		if attempt+1 == policy.MaxAttempts {
			break
		}

		err = sleepFor(ctx, pollWait(bo, resp))
		if err != nil {
			return nil, err
		}
	}

	return nil, ErrOrderTimeout
}

func pollWait(bo backoff.BackOff, resp *http.Response) time.Duration {
	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		wait = time.Second
	}
	if ra, ok := retryAfter(resp); ok {
		wait = ra
	}
	return wait
}

func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// challengeErrorDetail pulls the most specific CA-supplied reason out of an
// invalid authorization.
func challengeErrorDetail(authz *Authorization) string {
	for _, chal := range authz.Challenges {
		if chal.Error != nil && chal.Error.Detail != "" {
			return chal.Error.Detail
		}
	}
	for _, chal := range authz.Challenges {
		if chal.Error != nil {
			return chal.Error.Type
		}
	}
	return ""
}
