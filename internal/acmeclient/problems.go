package acmeclient

import (
	"errors"
	"fmt"
)

const (
	errNS        = "urn:ietf:params:acme:error:"
	badNonceErr  = errNS + "badNonce"
	malformedErr = errNS + "malformed"
)

// Problem is an RFC 7807 problem document as returned by ACME servers.
// The CA's detail text is carried verbatim so it can be surfaced to the
// operator without rewording.
type Problem struct {
	Type        string    `json:"type,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	HTTPStatus  int       `json:"status,omitempty"`
	Subproblems []Problem `json:"subproblems,omitempty"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("%s :: %s", p.Type, p.Detail)
}

func (p *Problem) IsBadNonce() bool {
	return p.Type == badNonceErr
}

// Failure taxonomy. Protocol-semantic failures are terminal; transient
// network failures are retried inside the client with capped backoff.
var (
	ErrDirectoryUnreachable      = errors.New("acme directory unreachable")
	ErrAccountRegistrationFailed = errors.New("acme account registration failed")
	ErrOrderCreationFailed       = errors.New("acme order creation failed")
	ErrNoDNSChallengeOffered     = errors.New("authorization offers no dns-01 challenge")
	ErrAuthorizationTimeout      = errors.New("authorization polling exceeded attempt ceiling")
	ErrOrderTimeout              = errors.New("order polling exceeded attempt ceiling")
	ErrFinalizeFailed            = errors.New("order finalization failed")
	ErrCertificateDownloadFailed = errors.New("certificate download failed")
)

// AuthorizationUnavailableError reports a single identifier whose
// authorization could not be fetched. Sibling identifiers in the same order
// are unaffected.
type AuthorizationUnavailableError struct {
	Domain string
	Err    error
}

func (e AuthorizationUnavailableError) Error() string {
	return fmt.Sprintf("authorization unavailable for %s: %v", e.Domain, e.Err)
}

func (e AuthorizationUnavailableError) Unwrap() error {
	return e.Err
}

// AuthorizationInvalidError is terminal: the CA rejected validation for the
// domain. Detail is the CA-supplied reason, verbatim.
type AuthorizationInvalidError struct {
	Domain string
	Detail string
}

func (e AuthorizationInvalidError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("authorization for %s is invalid", e.Domain)
	}
	return fmt.Sprintf("authorization for %s is invalid: %s", e.Domain, e.Detail)
}
