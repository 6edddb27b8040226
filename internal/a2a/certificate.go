package a2a

import "time"

type TrustLevel string

const (
	TrustBasic     TrustLevel = "basic"
	TrustVerified  TrustLevel = "verified"
	TrustCertified TrustLevel = "certified"
)

// Rank orders trust levels; unknown levels rank 0.
func (l TrustLevel) Rank() int {
	switch l {
	case TrustBasic:
		return 1
	case TrustVerified:
		return 2
	case TrustCertified:
		return 3
	}
	return 0
}

// TrustCertificate is an issuer's signed attestation about a subject agent.
type TrustCertificate struct {
	ID         string             `json:"id"`
	Issuer     string             `json:"issuer"`
	Subject    string             `json:"subject"`
	ValidFrom  time.Time          `json:"validFrom"`
	ValidTo    time.Time          `json:"validTo"`
	TrustLevel TrustLevel         `json:"trustLevel"`
	Claims     map[string]any     `json:"claims,omitempty"`
	Signature  *SignatureEnvelope `json:"signature,omitempty"`
}

// ValidAt reports whether t falls inside the validity window.
func (c *TrustCertificate) ValidAt(t time.Time) bool {
	return !t.Before(c.ValidFrom) && !t.After(c.ValidTo)
}
