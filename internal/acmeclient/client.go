// Package acmeclient is a minimal RFC 8555 client covering the resources
// needed for dns-01 issuance: directory, account, order, authorization,
// challenge, finalize and certificate download.
package acmeclient

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const joseContentType = "application/jose+json"

const replayNonceHeader = "Replay-Nonce"

// transientRetries caps local retries of network-level failures (timeouts,
// 5xx). Protocol rejections are never retried here.
const transientRetries = 3

type Client struct {
	directoryURL string
	httpClient   *http.Client
	key          crypto.Signer

	dir *Directory

	// kid is the account URL once registered. Guarded by accountMu because
	// concurrent sessions share one account.
	accountMu sync.Mutex
	kid       string

	// Nonces from Replay-Nonce response headers, consumed strictly
	// one-at-a-time per outstanding signed request.
	nonceMu sync.Mutex
	nonces  []string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func New(directoryURL string, accountKey crypto.Signer, opts ...Option) *Client {
	c := &Client{
		directoryURL: directoryURL,
		key:          accountKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Key() crypto.Signer {
	return c.key
}

func (c *Client) AccountURL() string {
	c.accountMu.Lock()
	defer c.accountMu.Unlock()
	return c.kid
}

// LoadDirectory fetches and caches the directory resource. All endpoint
// discovery goes through here; a server that is unreachable or serves
// non-JSON fails with ErrDirectoryUnreachable.
func (c *Client) LoadDirectory(ctx context.Context) (*Directory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.directoryURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: directory returned HTTP %d", ErrDirectoryUnreachable, resp.StatusCode)
	}

	dir := &Directory{}
	err = json.NewDecoder(resp.Body).Decode(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid directory JSON: %v", ErrDirectoryUnreachable, err)
	}

	c.dir = dir
	return dir, nil
}

func (c *Client) directory(ctx context.Context) (*Directory, error) {
	if c.dir != nil {
		return c.dir, nil
	}
	return c.LoadDirectory(ctx)
}

func (c *Client) popNonce(ctx context.Context) (string, error) {
	c.nonceMu.Lock()
	if n := len(c.nonces); n > 0 {
		nonce := c.nonces[n-1]
		c.nonces = c.nonces[:n-1]
		c.nonceMu.Unlock()
		return nonce, nil
	}
	c.nonceMu.Unlock()
	return c.fetchNonce(ctx)
}

func (c *Client) storeNonce(resp *http.Response) {
	nonce := resp.Header.Get(replayNonceHeader)
	if nonce == "" {
		return
	}
	c.nonceMu.Lock()
	c.nonces = append(c.nonces, nonce)
	c.nonceMu.Unlock()
}

// fetchNonce HEADs the newNonce endpoint.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.2
func (c *Client) fetchNonce(ctx context.Context) (string, error) {
	dir, err := c.directory(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, dir.NewNonce, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	nonce := resp.Header.Get(replayNonceHeader)
	if nonce == "" {
		return "", fmt.Errorf("newNonce endpoint returned no %s header", replayNonceHeader)
	}
	return nonce, nil
}

// postJWS signs payload and POSTs it to url, handling the nonce lifecycle.
// A badNonce rejection triggers exactly one retry with a fresh nonce;
// network errors and 5xx responses are retried with capped backoff. Any
// other problem document is returned as a *Problem error. When out is
// non-nil the response body is decoded into it.
func (c *Client) postJWS(ctx context.Context, url string, payload any, out any) (*http.Response, []byte, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, nil, err
	}

	resp, respBody, err := c.signAndPost(ctx, url, body)
	if err != nil {
		prob := &Problem{}
		if errors.As(err, &prob) && prob.IsBadNonce() {
			log.WithField("url", url).Debug("server rejected nonce, retrying once with a fresh one")
			c.clearNonces()
			resp, respBody, err = c.signAndPost(ctx, url, body)
		}
	}
	if err != nil {
		return nil, nil, err
	}

	if out != nil {
		err = json.Unmarshal(respBody, out)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decode response from %s: %w", url, err)
		}
	}
	return resp, respBody, nil
}

// postAsGet is a POST-as-GET request (empty string payload).
// https://datatracker.ietf.org/doc/html/rfc8555#section-6.3
func (c *Client) postAsGet(ctx context.Context, url string, out any) (*http.Response, []byte, error) {
	return c.postJWS(ctx, url, nil, out)
}

func (c *Client) clearNonces() {
	c.nonceMu.Lock()
	c.nonces = nil
	c.nonceMu.Unlock()
}

func (c *Client) signAndPost(ctx context.Context, url string, payload []byte) (*http.Response, []byte, error) {
	var resp *http.Response
	var respBody []byte

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), transientRetries), ctx)

	err := backoff.Retry(func() error {
		nonce, err := c.popNonce(ctx)
		if err != nil {
			return err
		}

		jws, err := c.signJWS(url, nonce, payload)
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jws))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", joseContentType)

		resp, err = c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		c.storeNonce(resp)

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s returned HTTP %d", url, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(problemFromResponse(resp, respBody))
		}
		return nil
	}, bo)

	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

func problemFromResponse(resp *http.Response, body []byte) error {
	prob := &Problem{}
	err := json.Unmarshal(body, prob)
	if err != nil || prob.Type == "" {
		return &Problem{
			Type:       malformedErr,
			Detail:     fmt.Sprintf("server returned HTTP %d with unparseable body", resp.StatusCode),
			HTTPStatus: resp.StatusCode,
		}
	}
	if prob.HTTPStatus == 0 {
		prob.HTTPStatus = resp.StatusCode
	}
	return prob
}

func marshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		// POST-as-GET
		return []byte{}, nil
	}
	return json.Marshal(payload)
}

// retryAfter returns the Retry-After interval from resp if the CA supplied
// one, supporting both delta-seconds and HTTP-date forms.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}
