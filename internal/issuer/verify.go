package issuer

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/certforge/certforge/internal/dns01"
	"github.com/certforge/certforge/internal/store"
)

// DomainDNSStatus is one identifier's propagation state from a CheckDNS pass.
type DomainDNSStatus struct {
	Domain     string `json:"domain"`
	RecordName string `json:"recordName"`
	Propagated bool   `json:"propagated"`
	// SeenBy / MissingFrom list resolver addresses.
	SeenBy      []string `json:"seenBy,omitempty"`
	MissingFrom []string `json:"missingFrom,omitempty"`
	// Error carries an authorization fetch failure from session start; such
	// a domain can never propagate within this session.
	Error string `json:"error,omitempty"`
}

type DNSStatus struct {
	Verified  bool              `json:"verified"`
	PerDomain []DomainDNSStatus `json:"perDomainResults"`
}

// CheckDNS runs one propagation pass over the session's records. It performs
// a bounded number of resolver queries and returns; the caller owns the
// retry cadence. Once every record is visible the session is flagged
// dnsVerified and stays that way.
func (iss *Issuer) CheckDNS(ctx context.Context, sessionToken string) (*DNSStatus, error) {
	session, err := iss.resolveSession(sessionToken)
	if err != nil {
		return nil, err
	}

	status := &DNSStatus{
		PerDomain: make([]DomainDNSStatus, len(session.Challenges)),
	}

	allSeen := true
	for i, chal := range session.Challenges {
		if chal.FetchError != "" {
			status.PerDomain[i] = DomainDNSStatus{
				Domain: chal.Domain,
				Error:  chal.FetchError,
			}
			allSeen = false
			continue
		}

		result := iss.checker.Verify(ctx, chal.Record)
		status.PerDomain[i] = DomainDNSStatus{
			Domain:      chal.Domain,
			RecordName:  chal.Record.Name,
			Propagated:  result.Propagated,
			SeenBy:      result.SeenBy,
			MissingFrom: result.MissingFrom,
		}
		if !result.Propagated {
			allSeen = false
		}
	}

	status.Verified = allSeen || session.DNSVerified

	updated, err := iss.store.UpdateSession([]byte(session.ID), func(s *store.Session) error {
		s.VerifyAttempts++
		if allSeen {
			s.DNSVerified = true
		}
		if s.State == store.SessionStatePending {
			s.State = store.SessionStateDNSPending
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Mirror the first check onto the certificate record's status trail.
	if updated.VerifyAttempts == 1 {
		_, err = iss.store.UpdateCertificate([]byte(session.CertRecordID), func(cert *store.CertRecord) error {
			if cert.Status == store.CertStatusPending {
				cert.Status = store.CertStatusDNSPending
			}
			return nil
		})
		if err != nil {
			log.WithError(err).WithField("cert_id", session.CertRecordID).Warn("failed to advance certificate record to dns-pending")
		}
	}

	log.WithFields(log.Fields{
		"session_id": session.ID,
		"verified":   status.Verified,
		"attempts":   updated.VerifyAttempts,
	}).Debug("DNS propagation check")

	return status, nil
}

// Records re-derives the session's TXT records for display.
func (iss *Issuer) Records(sessionToken string) ([]dns01.Record, error) {
	session, err := iss.resolveSession(sessionToken)
	if err != nil {
		return nil, err
	}

	records := make([]dns01.Record, len(session.Challenges))
	for i, chal := range session.Challenges {
		records[i] = chal.Record
	}
	return records, nil
}
