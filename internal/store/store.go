package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/certforge/certforge/internal/dns01"
)

var ErrNotFound = errors.New("not found")

func IsErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// CertStatus advances strictly forward. A failed attempt terminates its
// record; retries create a new record instead of rewinding history.
type CertStatus string

const (
	CertStatusPending    CertStatus = "pending"
	CertStatusDNSPending CertStatus = "dns-pending"
	CertStatusValidated  CertStatus = "validated"
	CertStatusIssued     CertStatus = "issued"
	CertStatusFailed     CertStatus = "failed"
)

var certStatusRank = map[CertStatus]int{
	CertStatusPending:    0,
	CertStatusDNSPending: 1,
	CertStatusValidated:  2,
	CertStatusIssued:     3,
}

// GuardTransition rejects backward status moves. failed is reachable from
// any non-terminal state but never leaves it.
func GuardTransition(from, to CertStatus) error {
	if from == to {
		return nil
	}
	if from == CertStatusFailed || from == CertStatusIssued {
		return fmt.Errorf("certificate record is terminal (%s), cannot move to %s", from, to)
	}
	if to == CertStatusFailed {
		return nil
	}
	fromRank, ok := certStatusRank[from]
	if !ok {
		return fmt.Errorf("unknown certificate status %q", from)
	}
	toRank, ok := certStatusRank[to]
	if !ok {
		return fmt.Errorf("unknown certificate status %q", to)
	}
	if toRank < fromRank {
		return fmt.Errorf("certificate status cannot move backwards (%s -> %s)", from, to)
	}
	return nil
}

type CertRecord struct {
	ID      string   `json:"id"`
	Domains []string `json:"domains"`

	Status        CertStatus `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`

	PrivateKeyPEM []byte `json:"private_key_pem,omitempty"`
	CSRPEM        []byte `json:"csr_pem,omitempty"`

	CertificatePEM []byte `json:"certificate_pem,omitempty"`
	ChainPEM       []byte `json:"chain_pem,omitempty"`
	FullchainPEM   []byte `json:"fullchain_pem,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	IssuedAt    int64 `json:"issued_at,omitempty"`
	ExpiresAt   int64 `json:"expires_at,omitempty"`
	RenewableAt int64 `json:"renewable_at,omitempty"`
}

// Session state machine, forward-only like CertStatus.
const (
	SessionStatePending    = "pending"
	SessionStateDNSPending = "dns-pending"
	SessionStateProcessing = "processing"
	SessionStateIssued     = "issued"
	SessionStateFailed     = "failed"
)

// SessionChallenge captures one identifier's dns-01 state within a session.
type SessionChallenge struct {
	Domain       string       `json:"domain"`
	AuthzURL     string       `json:"authz_url"`
	ChallengeURL string       `json:"challenge_url"`
	Token        string       `json:"token"`
	Record       dns01.Record `json:"record"`

	// FetchError is set when this identifier's authorization could not be
	// retrieved; siblings proceed regardless.
	FetchError string `json:"fetch_error,omitempty"`
}

// Session is the ephemeral bridge between an in-flight order and the API
// consumer. It stages the certificate private key in plaintext until
// finalization, so it is deleted promptly on any terminal state and swept on
// expiry regardless.
type Session struct {
	ID string `json:"id"`

	Domains         []string `json:"domains"`
	Email           string   `json:"email"`
	IncludeWildcard bool     `json:"include_wildcard"`

	OrderURL     string `json:"order_url"`
	CertRecordID string `json:"cert_record_id"`

	Challenges []SessionChallenge `json:"challenges"`

	PrivateKeyPEM []byte `json:"private_key_pem"`
	CSRDER        []byte `json:"csr_der"`

	State          string `json:"state"`
	DNSVerified    bool   `json:"dns_verified"`
	VerifyAttempts int    `json:"verify_attempts"`

	FailedDomains []string `json:"failed_domains,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	Retryable     bool     `json:"retryable"`

	CreatedAt int64 `json:"created_at"`
	ExpiresAt int64 `json:"expires_at"`
}

func (s Session) Expired(now time.Time) bool {
	return now.Unix() >= s.ExpiresAt
}

type CertificateStore interface {
	CreateCertificate(cert CertRecord) error
	GetCertificate(certID []byte) (*CertRecord, error)
	GetCertificateForDomain(domain string) (*CertRecord, error)
	UpdateCertificate(certID []byte, updateCallback func(*CertRecord) error) (*CertRecord, error)
	ListCertificatesExpiringBefore(t time.Time) ([]CertRecord, error)
	SweepCertificates(createdBefore time.Time) (int, error)
}

type SessionStore interface {
	CreateSession(session Session) error
	GetSession(sessionID []byte) (*Session, error)
	UpdateSession(sessionID []byte, updateCallback func(*Session) error) (*Session, error)
	DeleteSession(sessionID []byte) error
	SweepSessions(now time.Time) (int, error)
}

type Store interface {
	Seed() error

	// The ACME account key, DER-marshalled. One per store.
	GetAccountKey() ([]byte, error)
	SaveAccountKey(der []byte) error

	CertificateStore
	SessionStore
}
