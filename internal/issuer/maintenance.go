package issuer

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/certforge/certforge/internal/store"
)

const sweepInterval = time.Minute

// RunMaintenance periodically evicts expired sessions and certificate
// records past the retention window. Blocks until ctx is cancelled; run it
// in its own goroutine.
func (iss *Issuer) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			iss.sweep()
		}
	}
}

func (iss *Issuer) sweep() {
	now := time.Now()

	sessionsSwept, err := iss.store.SweepSessions(now)
	if err != nil {
		log.WithError(err).Error("session sweep failed")
	} else if sessionsSwept > 0 {
		log.WithField("count", sessionsSwept).Info("swept expired issuance sessions")
	}

	certsSwept, err := iss.store.SweepCertificates(now.Add(-iss.recordRetention))
	if err != nil {
		log.WithError(err).Error("certificate record sweep failed")
	} else if certsSwept > 0 {
		log.WithField("count", certsSwept).Info("swept certificate records past retention")
	}
}

// ListRenewable returns issued records whose renewal window has opened,
// backing a renewal scheduler.
func (iss *Issuer) ListRenewable(before time.Time) ([]store.CertRecord, error) {
	return iss.store.ListCertificatesExpiringBefore(before.Add(renewalWindow))
}

// Certificate fetches the newest record for a domain.
func (iss *Issuer) Certificate(domain string) (*store.CertRecord, error) {
	return iss.store.GetCertificateForDomain(domain)
}
