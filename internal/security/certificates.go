package security

import (
	"crypto"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/praxis/a2a-router/internal/a2a"
)

const (
	CertificateSignatureType   = "application/a2a-trust-cert+jws"
	DefaultCertificateValidity = 365 * 24 * time.Hour
)

type certificateOptions struct {
	validFrom time.Time
	validity  time.Duration
}

type CertificateOption func(*certificateOptions)

// WithValidity sets how long an issued certificate stays valid.
func WithValidity(d time.Duration) CertificateOption {
	return func(o *certificateOptions) { o.validity = d }
}

// WithValidFrom backdates or postdates the start of the validity window.
func WithValidFrom(t time.Time) CertificateOption {
	return func(o *certificateOptions) { o.validFrom = t }
}

// CreateTrustCertificate issues a certificate signed by issuerKey and
// stores it under its subject.
func (s *Service) CreateTrustCertificate(issuer, subject string, claims map[string]any, level a2a.TrustLevel, issuerKey crypto.PrivateKey, opts ...CertificateOption) (*a2a.TrustCertificate, error) {
	if issuer == "" || subject == "" {
		return nil, fmt.Errorf("issuer and subject are required")
	}
	if level == "" {
		level = a2a.TrustBasic
	}
	if level.Rank() == 0 {
		return nil, fmt.Errorf("unknown trust level %q", level)
	}
	alg, err := signatureAlgorithm(issuerKey)
	if err != nil {
		return nil, err
	}

	o := certificateOptions{validFrom: s.clock.Now().UTC(), validity: DefaultCertificateValidity}
	for _, opt := range opts {
		opt(&o)
	}

	cert := &a2a.TrustCertificate{
		ID:         uuid.NewString(),
		Issuer:     issuer,
		Subject:    subject,
		ValidFrom:  o.validFrom,
		ValidTo:    o.validFrom.Add(o.validity),
		TrustLevel: level,
		Claims:     claims,
	}

	payload, err := certificatePayload(cert)
	if err != nil {
		return nil, err
	}
	hdr := protectedHeader{Alg: alg.String(), Kid: issuer, Typ: CertificateSignatureType}
	protected, sig, err := signDetached(alg, hdr, payload, issuerKey)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	cert.Signature = &a2a.SignatureEnvelope{Protected: protected, Signature: sig}

	s.storeCertificate(cert)
	s.logger.Infof("Issued %s trust certificate %s for %s by %s", level, cert.ID, subject, issuer)
	return cert, nil
}

// VerifyTrustCertificate checks the validity window, then the issuer's
// signature. It returns a2a.ErrCertificateExpired or a2a.ErrCertificateInvalid.
func (s *Service) VerifyTrustCertificate(cert *a2a.TrustCertificate, issuerKey crypto.PublicKey) error {
	if cert == nil || cert.Signature == nil {
		return fmt.Errorf("%w: missing signature", a2a.ErrCertificateInvalid)
	}
	now := s.clock.Now()
	if now.After(cert.ValidTo) {
		return fmt.Errorf("%w: %s expired at %s", a2a.ErrCertificateExpired, cert.ID, cert.ValidTo.Format(time.RFC3339))
	}
	if now.Before(cert.ValidFrom) {
		return fmt.Errorf("%w: %s is not valid before %s", a2a.ErrCertificateInvalid, cert.ID, cert.ValidFrom.Format(time.RFC3339))
	}

	hdr, err := decodeProtected(cert.Signature.Protected)
	if err != nil {
		return fmt.Errorf("%w: %v", a2a.ErrCertificateInvalid, err)
	}
	if hdr.Kid != cert.Issuer {
		return fmt.Errorf("%w: signed by %q, issuer is %q", a2a.ErrCertificateInvalid, hdr.Kid, cert.Issuer)
	}
	payload, err := certificatePayload(cert)
	if err != nil {
		return fmt.Errorf("%w: %v", a2a.ErrCertificateInvalid, err)
	}
	if err := verifyDetached(hdr.Alg, cert.Signature.Protected, cert.Signature.Signature, payload, issuerKey); err != nil {
		return fmt.Errorf("%w: %v", a2a.ErrCertificateInvalid, err)
	}
	return nil
}

// AddTrustCertificate verifies a certificate received from elsewhere and
// stores it.
func (s *Service) AddTrustCertificate(cert *a2a.TrustCertificate, issuerKey crypto.PublicKey) error {
	if err := s.VerifyTrustCertificate(cert, issuerKey); err != nil {
		return err
	}
	s.storeCertificate(cert)
	return nil
}

// GetTrustLevel returns the highest level among the subject's certificates
// that are valid now.
func (s *Service) GetTrustLevel(subject string) (a2a.TrustLevel, bool) {
	now := s.clock.Now()

	s.certMu.RLock()
	defer s.certMu.RUnlock()

	var best a2a.TrustLevel
	for _, cert := range s.certs[subject] {
		if cert.ValidAt(now) && cert.TrustLevel.Rank() > best.Rank() {
			best = cert.TrustLevel
		}
	}
	return best, best != ""
}

// Certificates returns the stored certificates for subject.
func (s *Service) Certificates(subject string) []*a2a.TrustCertificate {
	s.certMu.RLock()
	defer s.certMu.RUnlock()
	return append([]*a2a.TrustCertificate(nil), s.certs[subject]...)
}

func (s *Service) storeCertificate(cert *a2a.TrustCertificate) {
	s.certMu.Lock()
	defer s.certMu.Unlock()
	s.certs[cert.Subject] = append(s.certs[cert.Subject], cert)
}

func certificatePayload(cert *a2a.TrustCertificate) ([]byte, error) {
	// Claims go through a JSON round trip so that the issuer's typed values
	// and a verifier's decoded values canonicalize identically.
	var claims any = map[string]any{}
	if len(cert.Claims) > 0 {
		encoded, err := json.Marshal(cert.Claims)
		if err != nil {
			return nil, fmt.Errorf("encode claims: %w", err)
		}
		if err := json.Unmarshal(encoded, &claims); err != nil {
			return nil, fmt.Errorf("decode claims: %w", err)
		}
	}
	return MarshalCanonical(map[string]any{
		"id":         cert.ID,
		"issuer":     cert.Issuer,
		"subject":    cert.Subject,
		"validFrom":  cert.ValidFrom.UTC().Format(time.RFC3339Nano),
		"validTo":    cert.ValidTo.UTC().Format(time.RFC3339Nano),
		"trustLevel": string(cert.TrustLevel),
		"claims":     claims,
	})
}
