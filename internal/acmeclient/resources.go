package acmeclient

// Resource types for the subset of RFC 8555 this client speaks.
// Field names follow the wire format exactly.

const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
	StatusExpired    = "expired"
)

const ChallengeTypeDNS01 = "dns-01"

type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`

	Meta struct {
		TermsOfService string `json:"termsOfService"`
		Website        string `json:"website"`
	} `json:"meta"`
}

type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Account struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact"`
	Orders  string   `json:"orders"`
}

type Order struct {
	// URL is the Location of the order resource, not a wire field.
	URL string `json:"-"`

	Status         string       `json:"status"`
	Expires        string       `json:"expires"`
	Identifiers    []Identifier `json:"identifiers"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate"`
}

type Authorization struct {
	// URL the authorization was fetched from, not a wire field.
	URL string `json:"-"`

	Identifier Identifier  `json:"identifier"`
	Status     string      `json:"status"`
	Expires    string      `json:"expires"`
	Challenges []Challenge `json:"challenges"`
	Wildcard   bool        `json:"wildcard"`
}

type Challenge struct {
	Type   string   `json:"type"`
	URL    string   `json:"url"`
	Token  string   `json:"token"`
	Status string   `json:"status"`
	Error  *Problem `json:"error,omitempty"`
}

// CertificateBundle is a downloaded certificate split by PEM boundaries.
// Fullchain is the response body as served by the CA; Leaf is the first
// certificate block and Chain is everything after it, however many
// intermediates the CA includes.
type CertificateBundle struct {
	Leaf      []byte
	Chain     []byte
	Fullchain []byte
}
