package dtos

type StartIssuanceRequestDTO struct {
	Domains []string `json:"domains"`
	Email   string   `json:"email"`
	// Wildcard requests *.domain alongside each base domain. The base is
	// only included because this flag asks for it.
	Wildcard bool `json:"wildcard"`
}

type DNSRecordDTO struct {
	Domain string `json:"domain"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Value  string `json:"value"`
}

type DomainErrorDTO struct {
	Domain    string `json:"domain"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

type StartIssuanceResponseDTO struct {
	SessionToken  string           `json:"sessionToken"`
	DNSRecords    []DNSRecordDTO   `json:"dnsRecords"`
	FailedDomains []DomainErrorDTO `json:"failedDomains,omitempty"`
	CertificateID string           `json:"certificateId"`
}

type DomainDNSStatusDTO struct {
	Domain      string   `json:"domain"`
	RecordName  string   `json:"recordName,omitempty"`
	Propagated  bool     `json:"propagated"`
	SeenBy      []string `json:"seenBy,omitempty"`
	MissingFrom []string `json:"missingFrom,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type DNSStatusResponseDTO struct {
	Verified         bool                 `json:"verified"`
	PerDomainResults []DomainDNSStatusDTO `json:"perDomainResults"`
}

type CompleteIssuanceResponseDTO struct {
	Status string `json:"status"`

	Certificate string `json:"certificate,omitempty"`
	PrivateKey  string `json:"privateKey,omitempty"`
	Chain       string `json:"chain,omitempty"`
	Fullchain   string `json:"fullchain,omitempty"`

	FailedDomains []string `json:"failedDomains,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Retryable     bool     `json:"retryable,omitempty"`
}

// CertificateRecordDTO deliberately omits the private key: it is delivered
// exactly once, through the completion response.
type CertificateRecordDTO struct {
	ID      string   `json:"id"`
	Domains []string `json:"domains"`
	Status  string   `json:"status"`

	Certificate string `json:"certificate,omitempty"`
	Chain       string `json:"chain,omitempty"`
	Fullchain   string `json:"fullchain,omitempty"`

	FailureReason string `json:"failureReason,omitempty"`

	IssuedAt    string `json:"issuedAt,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
	RenewableAt string `json:"renewableAt,omitempty"`
}

type ErrorResponseDTO struct {
	Error     string   `json:"error"`
	Domains   []string `json:"domains,omitempty"`
	Retryable bool     `json:"retryable"`
}
