package acmeclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCA is a minimal fake ACME server. It hands out nonces on every response
// and leaves endpoint behaviour to the individual test, which registers
// handlers on mux. JWS signatures are not verified; payloads are inspected
// with jwsPayload where a test cares.
type testCA struct {
	mux *http.ServeMux
	srv *httptest.Server

	nonceCounter atomic.Int64
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	ca := &testCA{mux: http.NewServeMux()}
	ca.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", ca.nonceCounter.Add(1)))
		ca.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(ca.srv.Close)

	ca.mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"newNonce":   ca.url("/new-nonce"),
			"newAccount": ca.url("/new-account"),
			"newOrder":   ca.url("/new-order"),
		})
	})
	ca.mux.HandleFunc("/new-nonce", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return ca
}

func (ca *testCA) url(path string) string {
	return ca.srv.URL + path
}

func (ca *testCA) newClient(t *testing.T) *Client {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return New(ca.url("/directory"), key)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeProblem(w http.ResponseWriter, status int, problemType, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   problemType,
		"detail": detail,
	})
}

// jwsPayload extracts and decodes the payload of a JWS-enveloped request.
func jwsPayload(t *testing.T, r *http.Request) []byte {
	t.Helper()

	var envelope struct {
		Payload string `json:"payload"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))

	decoded, err := base64.RawURLEncoding.DecodeString(envelope.Payload)
	require.NoError(t, err)
	return decoded
}

func TestLoadDirectory(t *testing.T) {
	ca := newTestCA(t)
	client := ca.newClient(t)

	dir, err := client.LoadDirectory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ca.url("/new-nonce"), dir.NewNonce)
	assert.Equal(t, ca.url("/new-account"), dir.NewAccount)
	assert.Equal(t, ca.url("/new-order"), dir.NewOrder)
}

func TestLoadDirectoryServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	_, err = New(srv.URL, key).LoadDirectory(context.Background())
	assert.ErrorIs(t, err, ErrDirectoryUnreachable)
}

func TestLoadDirectoryBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>definitely not a directory</html>")
	}))
	defer srv.Close()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	_, err = New(srv.URL, key).LoadDirectory(context.Background())
	assert.ErrorIs(t, err, ErrDirectoryUnreachable)
}

func TestEnsureAccountRegistersOnce(t *testing.T) {
	ca := newTestCA(t)

	var registrations atomic.Int64
	ca.mux.HandleFunc("/new-account", func(w http.ResponseWriter, r *http.Request) {
		registrations.Add(1)

		var req struct {
			TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
			Contact              []string `json:"contact"`
		}
		require.NoError(t, json.Unmarshal(jwsPayload(t, r), &req))
		assert.True(t, req.TermsOfServiceAgreed)
		assert.Equal(t, []string{"mailto:admin@example.com"}, req.Contact)

		w.Header().Set("Location", ca.url("/account/1"))
		writeJSON(w, http.StatusCreated, map[string]any{"status": "valid"})
	})

	client := ca.newClient(t)

	first, err := client.EnsureAccount(context.Background(), "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, ca.url("/account/1"), first)

	// Second call must reuse the cached account URL without another POST
	second, err := client.EnsureAccount(context.Background(), "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, registrations.Load())
}

func TestEnsureAccountAdoptsExisting(t *testing.T) {
	ca := newTestCA(t)

	// HTTP 200 means the CA already knew this key
	ca.mux.HandleFunc("/new-account", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", ca.url("/account/42"))
		writeJSON(w, http.StatusOK, map[string]any{"status": "valid"})
	})

	url, err := ca.newClient(t).EnsureAccount(context.Background(), "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, ca.url("/account/42"), url)
}

func TestBadNonceRetriedExactlyOnce(t *testing.T) {
	ca := newTestCA(t)

	var posts atomic.Int64
	ca.mux.HandleFunc("/new-account", func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			writeProblem(w, http.StatusBadRequest, badNonceErr, "stale nonce")
			return
		}
		w.Header().Set("Location", ca.url("/account/1"))
		writeJSON(w, http.StatusCreated, map[string]any{"status": "valid"})
	})

	_, err := ca.newClient(t).EnsureAccount(context.Background(), "admin@example.com")
	require.NoError(t, err)
	assert.EqualValues(t, 2, posts.Load())
}

func TestBadNoncePersistentFailure(t *testing.T) {
	ca := newTestCA(t)

	var posts atomic.Int64
	ca.mux.HandleFunc("/new-account", func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		writeProblem(w, http.StatusBadRequest, badNonceErr, "stale nonce")
	})

	_, err := ca.newClient(t).EnsureAccount(context.Background(), "admin@example.com")
	require.Error(t, err)

	prob := &Problem{}
	require.ErrorAs(t, err, &prob)
	assert.True(t, prob.IsBadNonce())

	// One original attempt plus one retry, never a second retry
	assert.EqualValues(t, 2, posts.Load())
}

func TestTransientServerErrorRetried(t *testing.T) {
	ca := newTestCA(t)

	var posts atomic.Int64
	ca.mux.HandleFunc("/new-account", func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Location", ca.url("/account/1"))
		writeJSON(w, http.StatusCreated, map[string]any{"status": "valid"})
	})

	_, err := ca.newClient(t).EnsureAccount(context.Background(), "admin@example.com")
	require.NoError(t, err)
	assert.EqualValues(t, 2, posts.Load())
}

func TestNewOrderPassesIdentifiersVerbatim(t *testing.T) {
	ca := newTestCA(t)

	ca.mux.HandleFunc("/new-order", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Identifiers []Identifier `json:"identifiers"`
		}
		require.NoError(t, json.Unmarshal(jwsPayload(t, r), &req))
		assert.Equal(t, []Identifier{
			{Type: "dns", Value: "*.example.com"},
			{Type: "dns", Value: "example.com"},
		}, req.Identifiers)

		w.Header().Set("Location", ca.url("/order/1"))
		writeJSON(w, http.StatusCreated, map[string]any{
			"status":         "pending",
			"identifiers":    req.Identifiers,
			"authorizations": []string{ca.url("/authz/1"), ca.url("/authz/2")},
			"finalize":       ca.url("/order/1/finalize"),
		})
	})

	order, err := ca.newClient(t).NewOrder(context.Background(), []string{"*.example.com", "example.com"})
	require.NoError(t, err)
	assert.Equal(t, ca.url("/order/1"), order.URL)
	assert.Equal(t, StatusPending, order.Status)
	assert.Len(t, order.Authorizations, 2)
}

func TestNewOrderRequiresIdentifiers(t *testing.T) {
	ca := newTestCA(t)

	_, err := ca.newClient(t).NewOrder(context.Background(), nil)
	assert.ErrorIs(t, err, ErrOrderCreationFailed)
}

func TestNewOrderRejection(t *testing.T) {
	ca := newTestCA(t)

	ca.mux.HandleFunc("/new-order", func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusForbidden, errNS+"rejectedIdentifier", "policy forbids issuing for example.invalid")
	})

	_, err := ca.newClient(t).NewOrder(context.Background(), []string{"example.invalid"})
	require.ErrorIs(t, err, ErrOrderCreationFailed)

	prob := &Problem{}
	require.ErrorAs(t, err, &prob)
	assert.Equal(t, "policy forbids issuing for example.invalid", prob.Detail)
}

func TestFetchAuthorizationsPartialFailure(t *testing.T) {
	ca := newTestCA(t)

	ca.mux.HandleFunc("/authz/good", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "pending",
			"identifier": Identifier{Type: "dns", Value: "a.example.com"},
			"challenges": []map[string]any{
				{"type": "dns-01", "url": ca.url("/chal/1"), "token": "tok-a", "status": "pending"},
			},
		})
	})
	ca.mux.HandleFunc("/authz/gone", func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusNotFound, malformedErr, "no such authorization")
	})

	order := &Order{
		Identifiers: []Identifier{
			{Type: "dns", Value: "a.example.com"},
			{Type: "dns", Value: "b.example.com"},
		},
		Authorizations: []string{ca.url("/authz/good"), ca.url("/authz/gone")},
	}

	results := ca.newClient(t).FetchAuthorizations(context.Background(), order)
	require.Len(t, results, 2)

	require.NoError(t, results[0].Err)
	assert.Equal(t, "a.example.com", results[0].Authorization.Identifier.Value)

	var unavailable AuthorizationUnavailableError
	require.ErrorAs(t, results[1].Err, &unavailable)
	assert.Equal(t, "b.example.com", unavailable.Domain)
}

func TestSelectDNS01(t *testing.T) {
	authz := &Authorization{
		Identifier: Identifier{Type: "dns", Value: "example.com"},
		Challenges: []Challenge{
			{Type: "http-01", Token: "h"},
			{Type: "dns-01", Token: "d"},
			{Type: "tls-alpn-01", Token: "t"},
		},
	}

	chal, err := SelectDNS01(authz)
	require.NoError(t, err)
	assert.Equal(t, "d", chal.Token)
}

func TestSelectDNS01Absent(t *testing.T) {
	authz := &Authorization{
		Identifier: Identifier{Type: "dns", Value: "example.com"},
		Challenges: []Challenge{{Type: "http-01", Token: "h"}},
	}

	_, err := SelectDNS01(authz)
	assert.ErrorIs(t, err, ErrNoDNSChallengeOffered)
}

func fastPollPolicy(maxAttempts int) PollPolicy {
	return PollPolicy{
		Interval:    time.Millisecond,
		MaxInterval: 2 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}
}

func TestPollAuthorizationEventuallyValid(t *testing.T) {
	ca := newTestCA(t)

	var fetches atomic.Int64
	ca.mux.HandleFunc("/authz/1", func(w http.ResponseWriter, r *http.Request) {
		status := "pending"
		if fetches.Add(1) >= 3 {
			status = "valid"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     status,
			"identifier": Identifier{Type: "dns", Value: "example.com"},
		})
	})

	authz, err := ca.newClient(t).PollAuthorization(context.Background(), ca.url("/authz/1"), fastPollPolicy(10))
	require.NoError(t, err)
	assert.Equal(t, StatusValid, authz.Status)
	assert.EqualValues(t, 3, fetches.Load())
}

func TestPollAuthorizationInvalidCarriesCADetail(t *testing.T) {
	ca := newTestCA(t)

	caDetail := "DNS problem: NXDOMAIN looking up TXT for _acme-challenge.example.com"
	ca.mux.HandleFunc("/authz/1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "invalid",
			"identifier": Identifier{Type: "dns", Value: "example.com"},
			"challenges": []map[string]any{
				{
					"type":   "dns-01",
					"status": "invalid",
					"error":  map[string]any{"type": errNS + "dns", "detail": caDetail},
				},
			},
		})
	})

	_, err := ca.newClient(t).PollAuthorization(context.Background(), ca.url("/authz/1"), fastPollPolicy(10))

	var invalid AuthorizationInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "example.com", invalid.Domain)
	assert.Equal(t, caDetail, invalid.Detail, "the CA's reason must be carried verbatim")
}

func TestPollAuthorizationAttemptCeiling(t *testing.T) {
	ca := newTestCA(t)

	var fetches atomic.Int64
	ca.mux.HandleFunc("/authz/1", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "pending",
			"identifier": Identifier{Type: "dns", Value: "example.com"},
		})
	})

	_, err := ca.newClient(t).PollAuthorization(context.Background(), ca.url("/authz/1"), fastPollPolicy(2))
	assert.ErrorIs(t, err, ErrAuthorizationTimeout)
	assert.EqualValues(t, 2, fetches.Load())
}

func TestPollTimeoutSkipsFinalWait(t *testing.T) {
	ca := newTestCA(t)

	ca.mux.HandleFunc("/authz/1", func(w http.ResponseWriter, r *http.Request) {
		// A long Retry-After must not delay the timeout verdict either
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "pending",
			"identifier": Identifier{Type: "dns", Value: "example.com"},
		})
	})

	policy := PollPolicy{
		Interval:    2 * time.Second,
		MaxInterval: 5 * time.Second,
		MaxAttempts: 1,
	}

	started := time.Now()
	_, err := ca.newClient(t).PollAuthorization(context.Background(), ca.url("/authz/1"), policy)
	assert.ErrorIs(t, err, ErrAuthorizationTimeout)
	assert.Less(t, time.Since(started), time.Second,
		"the final attempt must not wait out a backoff interval before reporting timeout")
}

func TestPollAuthorizationZeroAttempts(t *testing.T) {
	ca := newTestCA(t)

	_, err := ca.newClient(t).PollAuthorization(context.Background(), ca.url("/authz/never"), fastPollPolicy(0))
	assert.ErrorIs(t, err, ErrAuthorizationTimeout)
}

func TestPollOrderInvalid(t *testing.T) {
	ca := newTestCA(t)

	ca.mux.HandleFunc("/order/1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "invalid"})
	})

	_, err := ca.newClient(t).PollOrder(context.Background(), ca.url("/order/1"), fastPollPolicy(5))
	assert.ErrorIs(t, err, ErrFinalizeFailed)
}

func TestPollOrderTimeout(t *testing.T) {
	ca := newTestCA(t)

	ca.mux.HandleFunc("/order/1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "processing"})
	})

	_, err := ca.newClient(t).PollOrder(context.Background(), ca.url("/order/1"), fastPollPolicy(3))
	assert.ErrorIs(t, err, ErrOrderTimeout)
}

func TestFinalizeOrderSubmitsDERCSR(t *testing.T) {
	ca := newTestCA(t)

	derCSR := []byte{0x30, 0x82, 0x02, 0x01, 0xDE, 0xAD, 0xBE, 0xEF}
	ca.mux.HandleFunc("/order/1/finalize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CSR string `json:"csr"`
		}
		require.NoError(t, json.Unmarshal(jwsPayload(t, r), &req))

		decoded, err := base64.RawURLEncoding.DecodeString(req.CSR)
		require.NoError(t, err)
		assert.Equal(t, derCSR, decoded)

		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "processing",
			"certificate": "",
		})
	})

	order := &Order{URL: ca.url("/order/1"), Finalize: ca.url("/order/1/finalize")}

	updated, err := ca.newClient(t).FinalizeOrder(context.Background(), order, derCSR)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, updated.Status)
	assert.Equal(t, order.URL, updated.URL)
}

func TestFinalizeOrderCSRMismatch(t *testing.T) {
	ca := newTestCA(t)

	ca.mux.HandleFunc("/order/1/finalize", func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusForbidden, errNS+"unauthorized", "CSR names do not match order identifiers")
	})

	order := &Order{URL: ca.url("/order/1"), Finalize: ca.url("/order/1/finalize")}

	_, err := ca.newClient(t).FinalizeOrder(context.Background(), order, []byte{0x30})
	require.ErrorIs(t, err, ErrFinalizeFailed)

	prob := &Problem{}
	require.ErrorAs(t, err, &prob)
	assert.Equal(t, "CSR names do not match order identifiers", prob.Detail)
}

func testPEMBundle() (leaf, chain, fullchain []byte) {
	leaf = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("leaf-certificate-der")})
	intermediate := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("intermediate-der")})
	root := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("root-der")})

	chain = append(append([]byte{}, intermediate...), root...)
	fullchain = append(append([]byte{}, leaf...), chain...)
	return leaf, chain, fullchain
}

func TestDownloadCertificate(t *testing.T) {
	ca := newTestCA(t)

	leaf, chain, fullchain := testPEMBundle()
	ca.mux.HandleFunc("/cert/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pem-certificate-chain")
		_, _ = w.Write(fullchain)
	})

	order := &Order{Status: StatusValid, Certificate: ca.url("/cert/1")}

	bundle, err := ca.newClient(t).DownloadCertificate(context.Background(), order)
	require.NoError(t, err)

	assert.Equal(t, leaf, bundle.Leaf)
	assert.Equal(t, chain, bundle.Chain)
	assert.Equal(t, fullchain, bundle.Fullchain)
}

func TestDownloadCertificateNoURL(t *testing.T) {
	ca := newTestCA(t)

	_, err := ca.newClient(t).DownloadCertificate(context.Background(), &Order{Status: StatusValid})
	assert.ErrorIs(t, err, ErrCertificateDownloadFailed)
}

func TestSplitBundleRecombines(t *testing.T) {
	_, _, fullchain := testPEMBundle()

	bundle, err := splitBundle(fullchain)
	require.NoError(t, err)

	recombined := append(append([]byte{}, bundle.Leaf...), bundle.Chain...)
	assert.Equal(t, fullchain, recombined, "leaf and chain must recombine byte-identically")
}

func TestSplitBundleRejectsNonPEM(t *testing.T) {
	_, err := splitBundle([]byte("this is not PEM at all"))
	assert.Error(t, err)
}

func TestRetryAfter(t *testing.T) {
	mkResp := func(value string) *http.Response {
		resp := &http.Response{Header: http.Header{}}
		if value != "" {
			resp.Header.Set("Retry-After", value)
		}
		return resp
	}

	d, ok := retryAfter(mkResp("120"))
	assert.True(t, ok)
	assert.Equal(t, 120*time.Second, d)

	d, ok = retryAfter(mkResp(time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)))
	assert.True(t, ok)
	assert.Greater(t, d, 50*time.Second)

	_, ok = retryAfter(mkResp(""))
	assert.False(t, ok)

	_, ok = retryAfter(mkResp("soonish"))
	assert.False(t, ok)

	_, ok = retryAfter(nil)
	assert.False(t, ok)
}

func TestProblemError(t *testing.T) {
	prob := &Problem{Type: errNS + "rateLimited", Detail: "too many certificates"}
	assert.Equal(t, "urn:ietf:params:acme:error:rateLimited :: too many certificates", prob.Error())

	var asErr error = prob
	target := &Problem{}
	assert.True(t, errors.As(asErr, &target))
}
