package issuer

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/certforge/certforge/internal/acmeclient"
	"github.com/certforge/certforge/internal/store"
)

// CompleteResult reports the session outcome. Status mirrors the session
// state; the PEM fields are populated only on "issued".
type CompleteResult struct {
	Status string `json:"status"`

	Certificate string `json:"certificate,omitempty"`
	PrivateKey  string `json:"privateKey,omitempty"`
	Chain       string `json:"chain,omitempty"`
	Fullchain   string `json:"fullchain,omitempty"`

	FailedDomains []string `json:"failedDomains,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Retryable     bool     `json:"retryable"`
}

// Complete drives a session towards issuance. The first call after DNS
// verification launches the finalization task in the background and reports
// "processing"; subsequent calls report progress until the session is
// terminal, at which point the certificate bundle (or the structured
// failure) is returned and the session is erased.
func (iss *Issuer) Complete(ctx context.Context, sessionToken string) (*CompleteResult, error) {
	session, err := iss.resolveSession(sessionToken)
	if err != nil {
		return nil, err
	}

	switch session.State {
	case store.SessionStateIssued:
		return iss.deliverBundle(session)

	case store.SessionStateFailed:
		// Terminal: hand back the failure and drop the session. A retry is
		// a brand new session with a brand new order.
		_ = iss.store.DeleteSession([]byte(session.ID))
		return &CompleteResult{
			Status:        store.SessionStateFailed,
			FailedDomains: session.FailedDomains,
			Reason:        session.FailureReason,
			Retryable:     session.Retryable,
		}, nil

	case store.SessionStateProcessing:
		return &CompleteResult{Status: store.SessionStateProcessing}, nil
	}

	// A domain whose authorization never materialized can't validate in this
	// session; report it before the propagation gate so the caller learns
	// which domain is stuck rather than polling DNS forever.
	failedFetches := []DomainError{}
	for _, chal := range session.Challenges {
		if chal.FetchError != "" {
			failedFetches = append(failedFetches, DomainError{
				Domain:    chal.Domain,
				Reason:    chal.FetchError,
				Retryable: true,
			})
		}
	}
	if len(failedFetches) > 0 {
		return nil, AuthorizationsFailedError{Failed: failedFetches}
	}

	if !session.DNSVerified {
		return nil, ErrDNSNotPropagated
	}

	err = iss.launchFinalization(session)
	if err != nil {
		return nil, err
	}
	return &CompleteResult{Status: store.SessionStateProcessing}, nil
}

func (iss *Issuer) deliverBundle(session *store.Session) (*CompleteResult, error) {
	cert, err := iss.store.GetCertificate([]byte(session.CertRecordID))
	if err != nil {
		return nil, err
	}

	// Outcome delivered; the session and its staged key have no further
	// purpose.
	_ = iss.store.DeleteSession([]byte(session.ID))

	return &CompleteResult{
		Status:      store.SessionStateIssued,
		Certificate: string(cert.CertificatePEM),
		PrivateKey:  string(cert.PrivateKeyPEM),
		Chain:       string(cert.ChainPEM),
		Fullchain:   string(cert.FullchainPEM),
	}, nil
}

// launchFinalization moves the session to processing and spawns the task.
// The state transition happens inside the store update, so a concurrent
// Complete call observes processing and does not spawn a second task; an
// order gets exactly one finalize call.
func (iss *Issuer) launchFinalization(session *store.Session) error {
	iss.tasksMu.Lock()
	defer iss.tasksMu.Unlock()

	if _, running := iss.runningTasks[session.ID]; running {
		return nil
	}

	updated, err := iss.store.UpdateSession([]byte(session.ID), func(s *store.Session) error {
		if s.State != store.SessionStateDNSPending && s.State != store.SessionStatePending {
			return nil
		}
		s.State = store.SessionStateProcessing
		return nil
	})
	if err != nil {
		return err
	}
	if updated.State != store.SessionStateProcessing {
		return nil
	}

	iss.runningTasks[session.ID] = struct{}{}

	go func() {
		defer func() {
			iss.tasksMu.Lock()
			delete(iss.runningTasks, session.ID)
			iss.tasksMu.Unlock()
		}()

		taskCtx, cancel := context.WithTimeout(iss.rootCtx, iss.finalizeTimeout)
		defer cancel()

		iss.runFinalization(taskCtx, updated)
	}()

	return nil
}

// runFinalization is the challenge_notified → authorization_polling →
// order_finalizing → certificate_downloaded leg of the state machine.
func (iss *Issuer) runFinalization(ctx context.Context, session *store.Session) {
	logger := log.WithFields(log.Fields{
		"session_id": session.ID,
		"order_url":  session.OrderURL,
	})

	for _, chal := range session.Challenges {
		_, err := iss.client.AcceptChallenge(ctx, &acmeclient.Challenge{URL: chal.ChallengeURL})
		if err != nil {
			logger.WithError(err).WithField("domain", chal.Domain).Warn("challenge acceptance rejected")
			iss.failSession(session, []string{chal.Domain}, err)
			return
		}
	}

	for _, chal := range session.Challenges {
		_, err := iss.client.PollAuthorization(ctx, chal.AuthzURL, iss.pollPolicy)
		if err != nil {
			logger.WithError(err).WithField("domain", chal.Domain).Warn("authorization did not validate")
			iss.failSession(session, []string{chal.Domain}, err)
			return
		}
	}

	_, err := iss.store.UpdateCertificate([]byte(session.CertRecordID), func(cert *store.CertRecord) error {
		cert.Status = store.CertStatusValidated
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("failed to mark certificate record validated")
		iss.failSession(session, session.Domains, err)
		return
	}

	order, err := iss.client.GetOrder(ctx, session.OrderURL)
	if err != nil {
		iss.failSession(session, session.Domains, err)
		return
	}

	order, err = iss.client.FinalizeOrder(ctx, order, session.CSRDER)
	if err != nil {
		iss.failSession(session, session.Domains, err)
		return
	}

	if order.Status != acmeclient.StatusValid {
		order, err = iss.client.PollOrder(ctx, session.OrderURL, iss.pollPolicy)
		if err != nil {
			iss.failSession(session, session.Domains, err)
			return
		}
	}

	bundle, err := iss.client.DownloadCertificate(ctx, order)
	if err != nil {
		iss.failSession(session, session.Domains, err)
		return
	}

	now := time.Now()
	_, err = iss.store.UpdateCertificate([]byte(session.CertRecordID), func(cert *store.CertRecord) error {
		cert.Status = store.CertStatusIssued
		cert.CertificatePEM = bundle.Leaf
		cert.ChainPEM = bundle.Chain
		cert.FullchainPEM = bundle.Fullchain
		cert.IssuedAt = now.Unix()
		cert.ExpiresAt = now.Add(certLifetime).Unix()
		cert.RenewableAt = now.Add(certLifetime - renewalWindow).Unix()
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("failed to persist issued certificate")
		iss.failSession(session, session.Domains, err)
		return
	}

	_, err = iss.store.UpdateSession([]byte(session.ID), func(s *store.Session) error {
		s.State = store.SessionStateIssued
		// The staged copies served their purpose; the record holds the key
		// now.
		s.PrivateKeyPEM = nil
		s.CSRDER = nil
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("failed to mark session issued")
		return
	}

	logger.Info("certificate issued")
}

// failSession records a terminal failure on both the session and the
// certificate record. Failure is failure: no placeholder certificate is ever
// fabricated.
func (iss *Issuer) failSession(session *store.Session, domains []string, cause error) {
	reason, retryable := classifyFailure(cause)

	_, err := iss.store.UpdateSession([]byte(session.ID), func(s *store.Session) error {
		s.State = store.SessionStateFailed
		s.FailedDomains = domains
		s.FailureReason = reason
		s.Retryable = retryable
		s.PrivateKeyPEM = nil
		s.CSRDER = nil
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("session_id", session.ID).Error("failed to record session failure")
	}

	_, err = iss.store.UpdateCertificate([]byte(session.CertRecordID), func(cert *store.CertRecord) error {
		cert.Status = store.CertStatusFailed
		cert.FailureReason = reason
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("cert_id", session.CertRecordID).Error("failed to record certificate failure")
	}
}

// classifyFailure extracts the CA's reason where one exists and decides
// whether a fresh attempt could succeed.
func classifyFailure(cause error) (reason string, retryable bool) {
	var invalid acmeclient.AuthorizationInvalidError
	if errors.As(cause, &invalid) {
		return invalid.Error(), false
	}

	if errors.Is(cause, acmeclient.ErrAuthorizationTimeout) || errors.Is(cause, acmeclient.ErrOrderTimeout) ||
		errors.Is(cause, context.DeadlineExceeded) {
		return cause.Error(), true
	}

	prob := &acmeclient.Problem{}
	if errors.As(cause, &prob) {
		return prob.Detail, false
	}

	return cause.Error(), true
}
