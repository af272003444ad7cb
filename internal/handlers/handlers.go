package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/certforge/certforge/internal/acmeclient"
	"github.com/certforge/certforge/internal/dtos"
	"github.com/certforge/certforge/internal/issuer"
	"github.com/certforge/certforge/internal/store"
	"github.com/certforge/certforge/internal/util"
)

type Handlers struct {
	Issuer *issuer.Issuer
}

const sessionTokenParam = "token"

// StartIssuance creates a fresh order and returns the TXT records to
// publish along with the session token for follow-up calls.
func (h Handlers) StartIssuance(c echo.Context) error {
	var req dtos.StartIssuanceRequestDTO
	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}

	result, err := h.Issuer.StartIssuance(c.Request().Context(), req.Domains, req.Email, req.Wildcard)
	if err != nil {
		return h.mapError(err)
	}

	resp := dtos.StartIssuanceResponseDTO{
		SessionToken:  result.Token,
		DNSRecords:    make([]dtos.DNSRecordDTO, len(result.Records)),
		CertificateID: result.CertRecord,
	}
	for i, record := range result.Records {
		resp.DNSRecords[i] = dtos.DNSRecordDTO{
			Domain: record.Domain,
			Name:   record.Name,
			Type:   record.Type,
			Value:  record.Value,
		}
	}
	for _, failure := range result.Failed {
		resp.FailedDomains = append(resp.FailedDomains, dtos.DomainErrorDTO(failure))
	}

	return c.JSON(http.StatusCreated, resp)
}

// CheckDNSStatus runs one propagation pass and reports per-domain results.
func (h Handlers) CheckDNSStatus(c echo.Context) error {
	status, err := h.Issuer.CheckDNS(c.Request().Context(), c.Param(sessionTokenParam))
	if err != nil {
		return h.mapError(err)
	}

	resp := dtos.DNSStatusResponseDTO{
		Verified:         status.Verified,
		PerDomainResults: make([]dtos.DomainDNSStatusDTO, len(status.PerDomain)),
	}
	for i, domain := range status.PerDomain {
		resp.PerDomainResults[i] = dtos.DomainDNSStatusDTO(domain)
	}

	return c.JSON(http.StatusOK, resp)
}

// CompleteIssuance kicks off (or reports on) finalization. 200 with the
// bundle on success, 202 while the background task runs, 200 with a failure
// body when the CA rejected the order.
func (h Handlers) CompleteIssuance(c echo.Context) error {
	result, err := h.Issuer.Complete(c.Request().Context(), c.Param(sessionTokenParam))
	if err != nil {
		return h.mapError(err)
	}

	resp := dtos.CompleteIssuanceResponseDTO(*result)

	if result.Status == store.SessionStateProcessing {
		return c.JSON(http.StatusAccepted, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetCertificate returns the newest certificate record covering a domain.
func (h Handlers) GetCertificate(c echo.Context) error {
	domain := c.Param("domain")
	if domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "domain is empty")
	}

	cert, err := h.Issuer.Certificate(domain)
	if err != nil {
		if store.IsErrNotFound(err) {
			return echo.ErrNotFound
		}
		return util.GenericServerErr(err)
	}

	return c.JSON(http.StatusOK, h.certToDTO(cert))
}

// ListRenewable lists issued certificates whose renewal window opens before
// the given time (default: now).
func (h Handlers) ListRenewable(c echo.Context) error {
	before := time.Now()
	if beforeParam := c.QueryParam("before"); beforeParam != "" {
		t, err := dtos.TimeUnmarshalDTO(beforeParam)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid before date format")
		}
		before = *t
	}

	certs, err := h.Issuer.ListRenewable(before)
	if err != nil {
		return util.GenericServerErr(err)
	}

	resp := make([]dtos.CertificateRecordDTO, len(certs))
	for i := range certs {
		resp[i] = h.certToDTO(&certs[i])
	}
	return c.JSON(http.StatusOK, resp)
}

func (h Handlers) certToDTO(cert *store.CertRecord) dtos.CertificateRecordDTO {
	dto := dtos.CertificateRecordDTO{
		ID:            cert.ID,
		Domains:       cert.Domains,
		Status:        string(cert.Status),
		Certificate:   string(cert.CertificatePEM),
		Chain:         string(cert.ChainPEM),
		Fullchain:     string(cert.FullchainPEM),
		FailureReason: cert.FailureReason,
	}
	if cert.IssuedAt != 0 {
		dto.IssuedAt = dtos.TimeMarshalDTO(time.Unix(cert.IssuedAt, 0).UTC())
	}
	if cert.ExpiresAt != 0 {
		dto.ExpiresAt = dtos.TimeMarshalDTO(time.Unix(cert.ExpiresAt, 0).UTC())
	}
	if cert.RenewableAt != 0 {
		dto.RenewableAt = dtos.TimeMarshalDTO(time.Unix(cert.RenewableAt, 0).UTC())
	}
	return dto
}

// mapError translates issuer and ACME failures into responses that name the
// affected domains, the CA's reason where one exists, and retryability.
func (h Handlers) mapError(err error) error {
	switch {
	case errors.Is(err, issuer.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, issuer.ErrSessionNotFound.Error())

	case errors.Is(err, issuer.ErrEmailRequired), errors.Is(err, issuer.ErrNoDomains):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())

	case errors.Is(err, issuer.ErrDNSNotPropagated):
		return echo.NewHTTPError(http.StatusConflict, dtos.ErrorResponseDTO{
			Error:     "DNS records have not propagated yet, publish them and retry in a few minutes",
			Retryable: true,
		})
	}

	var invalidDomain issuer.InvalidDomainError
	if errors.As(err, &invalidDomain) {
		return echo.NewHTTPError(http.StatusBadRequest, invalidDomain.Error())
	}

	var authzsFailed issuer.AuthorizationsFailedError
	if errors.As(err, &authzsFailed) {
		domains := make([]string, len(authzsFailed.Failed))
		retryable := true
		reason := ""
		for i, failure := range authzsFailed.Failed {
			domains[i] = failure.Domain
			retryable = retryable && failure.Retryable
			if reason == "" {
				reason = failure.Reason
			}
		}
		return echo.NewHTTPError(http.StatusBadGateway, dtos.ErrorResponseDTO{
			Error:     reason,
			Domains:   domains,
			Retryable: retryable,
		})
	}

	var invalid acmeclient.AuthorizationInvalidError
	if errors.As(err, &invalid) {
		return echo.NewHTTPError(http.StatusBadGateway, dtos.ErrorResponseDTO{
			Error:     invalid.Error(),
			Domains:   []string{invalid.Domain},
			Retryable: false,
		})
	}

	prob := &acmeclient.Problem{}
	if errors.As(err, &prob) {
		return echo.NewHTTPError(http.StatusBadGateway, dtos.ErrorResponseDTO{
			Error:     prob.Error(),
			Retryable: false,
		})
	}

	if errors.Is(err, acmeclient.ErrDirectoryUnreachable) ||
		errors.Is(err, acmeclient.ErrAccountRegistrationFailed) ||
		errors.Is(err, acmeclient.ErrOrderCreationFailed) {
		return echo.NewHTTPError(http.StatusBadGateway, dtos.ErrorResponseDTO{
			Error:     err.Error(),
			Retryable: true,
		})
	}

	return util.GenericServerErr(err)
}
