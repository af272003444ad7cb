// Package issuer coordinates dns-01 issuance sessions: it creates orders,
// hands the operator the TXT records to publish, verifies propagation, then
// drives challenge acceptance, finalization and certificate download as a
// supervised background task decoupled from any inbound request.
package issuer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	log "github.com/sirupsen/logrus"

	"github.com/certforge/certforge/internal/acmeclient"
	"github.com/certforge/certforge/internal/dns01"
	"github.com/certforge/certforge/internal/store"
	"github.com/certforge/certforge/internal/token"
	"github.com/certforge/certforge/internal/util"
)

var (
	ErrSessionNotFound  = errors.New("issuance session not found or expired")
	ErrEmailRequired    = errors.New("a contact email is required to register the ACME account")
	ErrNoDomains        = errors.New("at least one domain is required")
	ErrDNSNotPropagated = errors.New("DNS records have not propagated yet")
)

type InvalidDomainError struct {
	Domain string
}

func (e InvalidDomainError) Error() string {
	return fmt.Sprintf("%q is not a valid domain name", e.Domain)
}

// Let's Encrypt issues 90-day certificates; renewal opens 30 days out.
const (
	certLifetime  = 90 * 24 * time.Hour
	renewalWindow = 30 * 24 * time.Hour
)

type Config struct {
	Client  *acmeclient.Client
	Checker *dns01.Checker
	Store   store.Store
	Sealer  token.Sealer

	KeyType certcrypto.KeyType

	// SessionTTL is the hard lifetime of a ChallengeSession. Defaults to an
	// hour.
	SessionTTL time.Duration
	// FinalizeTimeout bounds the whole background finalization task.
	// Defaults to 10 minutes.
	FinalizeTimeout time.Duration

	PollPolicy acmeclient.PollPolicy

	// RecordRetention bounds how long certificate records are kept before
	// the sweeper removes them. Defaults to 90 days.
	RecordRetention time.Duration
}

type Issuer struct {
	client  *acmeclient.Client
	checker *dns01.Checker
	store   store.Store
	sealer  token.Sealer

	keyType         certcrypto.KeyType
	sessionTTL      time.Duration
	finalizeTimeout time.Duration
	pollPolicy      acmeclient.PollPolicy
	recordRetention time.Duration

	// rootCtx supervises background tasks so they outlive requests but not
	// the process.
	rootCtx context.Context

	tasksMu      sync.Mutex
	runningTasks map[string]struct{}
}

func New(rootCtx context.Context, conf Config) *Issuer {
	if conf.SessionTTL == 0 {
		conf.SessionTTL = time.Hour
	}
	if conf.FinalizeTimeout == 0 {
		conf.FinalizeTimeout = 10 * time.Minute
	}
	if conf.PollPolicy.MaxAttempts == 0 {
		conf.PollPolicy = acmeclient.DefaultPollPolicy()
	}
	if conf.RecordRetention == 0 {
		conf.RecordRetention = certLifetime
	}
	if conf.KeyType == "" {
		conf.KeyType = certcrypto.RSA2048
	}

	return &Issuer{
		client:          conf.Client,
		checker:         conf.Checker,
		store:           conf.Store,
		sealer:          conf.Sealer,
		keyType:         conf.KeyType,
		sessionTTL:      conf.SessionTTL,
		finalizeTimeout: conf.FinalizeTimeout,
		pollPolicy:      conf.PollPolicy,
		recordRetention: conf.RecordRetention,
		rootCtx:         rootCtx,
		runningTasks:    make(map[string]struct{}),
	}
}

// DomainError names one domain that failed and whether retrying can help.
type DomainError struct {
	Domain    string `json:"domain"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

type StartResult struct {
	Token      string         `json:"sessionToken"`
	Records    []dns01.Record `json:"dnsRecords"`
	Failed     []DomainError  `json:"failedDomains,omitempty"`
	CertRecord string         `json:"certificateRecordId"`
}

// StartIssuance registers the account if needed, creates a fresh order for
// the domain set and returns the TXT records the operator must publish. Each
// call creates a new order with new tokens; nothing from earlier attempts is
// reused, so stale TXT values never validate.
func (iss *Issuer) StartIssuance(ctx context.Context, domains []string, email string, includeWildcard bool) (*StartResult, error) {
	if email == "" {
		return nil, ErrEmailRequired
	}
	if len(domains) == 0 {
		return nil, ErrNoDomains
	}

	identifiers, err := buildIdentifiers(domains, includeWildcard)
	if err != nil {
		return nil, err
	}

	_, err = iss.client.EnsureAccount(ctx, email)
	if err != nil {
		return nil, err
	}

	order, err := iss.client.NewOrder(ctx, identifiers)
	if err != nil {
		return nil, err
	}

	challenges, failed := iss.prepareChallenges(ctx, order)
	usable := 0
	for _, chal := range challenges {
		if chal.FetchError == "" {
			usable++
		}
	}
	if usable == 0 {
		if len(failed) > 0 {
			return nil, AuthorizationsFailedError{Failed: failed}
		}
		return nil, fmt.Errorf("order %s produced no authorizations", order.URL)
	}

	certKey, keyPEM, err := iss.generateCertKey()
	if err != nil {
		return nil, err
	}

	derCSR, err := createCSR(certKey, identifiers)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	certID, err := util.GenerateID()
	if err != nil {
		return nil, err
	}
	err = iss.store.CreateCertificate(store.CertRecord{
		ID:            certID,
		Domains:       identifiers,
		Status:        store.CertStatusPending,
		PrivateKeyPEM: keyPEM,
		CSRPEM:        pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: derCSR}),
		CreatedAt:     now.Unix(),
	})
	if err != nil {
		return nil, err
	}

	sessionID, err := util.GenerateID()
	if err != nil {
		return nil, err
	}

	session := store.Session{
		ID:              sessionID,
		Domains:         domains,
		Email:           email,
		IncludeWildcard: includeWildcard,
		OrderURL:        order.URL,
		CertRecordID:    certID,
		Challenges:      challenges,
		PrivateKeyPEM:   keyPEM,
		CSRDER:          derCSR,
		State:           store.SessionStatePending,
		CreatedAt:       now.Unix(),
		ExpiresAt:       now.Add(iss.sessionTTL).Unix(),
	}
	err = iss.store.CreateSession(session)
	if err != nil {
		return nil, err
	}

	sessionToken, err := iss.sealer.Seal(sessionID, now)
	if err != nil {
		return nil, err
	}

	records := make([]dns01.Record, 0, len(challenges))
	for _, chal := range challenges {
		if chal.FetchError == "" {
			records = append(records, chal.Record)
		}
	}

	log.WithFields(log.Fields{
		"session_id": sessionID,
		"order_url":  order.URL,
		"domains":    identifiers,
	}).Info("issuance session started")

	return &StartResult{
		Token:      sessionToken,
		Records:    records,
		Failed:     failed,
		CertRecord: certID,
	}, nil
}

// AuthorizationsFailedError names identifiers that cannot validate in this
// session: every identifier when a start produces nothing usable, or the
// stuck ones when completion is attempted.
type AuthorizationsFailedError struct {
	Failed []DomainError
}

func (e AuthorizationsFailedError) Error() string {
	return fmt.Sprintf("no usable authorizations: %d domain(s) failed", len(e.Failed))
}

// prepareChallenges fetches every authorization and computes its TXT record.
// A failed identifier is reported in the second return value without
// aborting its siblings.
func (iss *Issuer) prepareChallenges(ctx context.Context, order *acmeclient.Order) ([]store.SessionChallenge, []DomainError) {
	challenges := []store.SessionChallenge{}
	failed := []DomainError{}

	results := iss.client.FetchAuthorizations(ctx, order)
	for i, res := range results {
		domain := ""
		if i < len(order.Identifiers) {
			domain = order.Identifiers[i].Value
		}

		if res.Err != nil {
			failed = append(failed, DomainError{
				Domain:    domain,
				Reason:    res.Err.Error(),
				Retryable: true,
			})
			// The identifier stays in the session so later calls keep
			// reporting it instead of silently shrinking the domain set.
			challenges = append(challenges, store.SessionChallenge{
				Domain:     domain,
				FetchError: res.Err.Error(),
			})
			continue
		}

		authz := res.Authorization
		if authz.Identifier.Value != "" {
			domain = authz.Identifier.Value
			if authz.Wildcard {
				domain = "*." + domain
			}
		}

		chal, err := acmeclient.SelectDNS01(authz)
		if err != nil {
			failed = append(failed, DomainError{
				Domain:    domain,
				Reason:    err.Error(),
				Retryable: false,
			})
			challenges = append(challenges, store.SessionChallenge{
				Domain:     domain,
				FetchError: err.Error(),
			})
			continue
		}

		record, err := dns01.ComputeRecord(chal.Token, iss.client.Key(), domain)
		if err != nil {
			failed = append(failed, DomainError{
				Domain:    domain,
				Reason:    err.Error(),
				Retryable: false,
			})
			challenges = append(challenges, store.SessionChallenge{
				Domain:     domain,
				FetchError: err.Error(),
			})
			continue
		}

		challenges = append(challenges, store.SessionChallenge{
			Domain:       domain,
			AuthzURL:     res.URL,
			ChallengeURL: chal.URL,
			Token:        chal.Token,
			Record:       record,
		})
	}

	return challenges, failed
}

func buildIdentifiers(domains []string, includeWildcard bool) ([]string, error) {
	seen := map[string]bool{}
	identifiers := []string{}

	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			identifiers = append(identifiers, name)
		}
	}

	for _, domain := range domains {
		if !util.IsDNSName(domain) && !util.IsWildcardName(domain) {
			return nil, InvalidDomainError{Domain: domain}
		}

		if includeWildcard && !util.IsWildcardName(domain) {
			// The base domain rides along only because the caller asked for
			// it; wildcard orders never grow extra identifiers silently.
			add("*." + domain)
			add(domain)
		} else {
			add(domain)
		}
	}

	return identifiers, nil
}

func (iss *Issuer) generateCertKey() (crypto.Signer, []byte, error) {
	certKey, err := certcrypto.GeneratePrivateKey(iss.keyType)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate certificate key: %w", err)
	}

	signer, ok := certKey.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("generated key of type %T is not a signer", certKey)
	}

	return signer, certcrypto.PEMEncode(certKey), nil
}

func createCSR(certKey crypto.Signer, identifiers []string) ([]byte, error) {
	template := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: identifiers[0],
		},
		DNSNames: identifiers,
	}

	derCSR, err := x509.CreateCertificateRequest(rand.Reader, &template, certKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	return derCSR, nil
}

// resolveSession unseals a token and loads its session, treating expiry
// identically to absence so tokens cannot probe for session existence.
func (iss *Issuer) resolveSession(sessionToken string) (*store.Session, error) {
	sessionID, err := iss.sealer.Open(sessionToken, time.Now())
	if err != nil {
		log.WithError(err).Debug("rejected session token")
		return nil, ErrSessionNotFound
	}

	session, err := iss.store.GetSession([]byte(sessionID))
	if err != nil {
		if store.IsErrNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	if session.Expired(time.Now()) {
		_ = iss.store.DeleteSession([]byte(sessionID))
		return nil, ErrSessionNotFound
	}

	return session, nil
}
