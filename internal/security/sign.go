package security

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
)

const MessageSignatureType = "application/a2a-message+jws"

var criticalParams = []string{"timestamp", "nonce"}

type protectedHeader struct {
	Alg       string   `json:"alg"`
	Kid       string   `json:"kid"`
	Typ       string   `json:"typ"`
	Crit      []string `json:"crit,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// Sign returns a copy of msg carrying a detached JWS over its canonical
// signing payload. The key id is the sender.
func (s *Service) Sign(msg *a2a.Message, privateKey crypto.PrivateKey) (*a2a.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("sign: message is nil")
	}
	alg, err := signatureAlgorithm(privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	payload, err := SigningPayload(msg)
	if err != nil {
		return nil, fmt.Errorf("sign: canonicalize payload: %w", err)
	}

	hdr := protectedHeader{
		Alg:       alg.String(),
		Kid:       msg.From,
		Typ:       MessageSignatureType,
		Crit:      criticalParams,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339Nano),
		Nonce:     uuid.NewString(),
	}
	protected, sig, err := signDetached(alg, hdr, payload, privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	out := msg.Clone()
	out.Signature = &a2a.SignatureEnvelope{
		Protected: protected,
		Signature: sig,
		Header:    &a2a.SignatureHeader{Timestamp: hdr.Timestamp, Nonce: hdr.Nonce},
	}
	return out, nil
}

// Verify reports whether msg carries a valid, fresh, unreplayed signature by
// its sender. It never panics; failures are logged at debug level.
func (s *Service) Verify(ctx context.Context, msg *a2a.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Panic during signature verification: %v", r)
			ok = false
		}
	}()
	if err := s.VerifySignature(ctx, msg); err != nil {
		fields := logrus.Fields{"error": err}
		if msg != nil {
			fields["messageId"] = msg.ID
			fields["from"] = msg.From
		}
		s.logger.WithFields(fields).Debug("Signature verification failed")
		return false
	}
	return true
}

// VerifySignature is Verify with the failure reason. Errors wrap
// a2a.ErrSignatureInvalid.
func (s *Service) VerifySignature(ctx context.Context, msg *a2a.Message) error {
	if msg == nil || msg.Signature == nil {
		return fmt.Errorf("%w: message is not signed", a2a.ErrSignatureInvalid)
	}
	hdr, err := decodeProtected(msg.Signature.Protected)
	if err != nil {
		return fmt.Errorf("%w: %v", a2a.ErrSignatureInvalid, err)
	}
	if hdr.Timestamp == "" || hdr.Nonce == "" {
		return fmt.Errorf("%w: timestamp and nonce are required", a2a.ErrSignatureInvalid)
	}
	if clear := msg.Signature.Header; clear != nil &&
		(clear.Timestamp != hdr.Timestamp || clear.Nonce != hdr.Nonce) {
		return fmt.Errorf("%w: unprotected header does not match", a2a.ErrSignatureInvalid)
	}
	if hdr.Kid != msg.From {
		return fmt.Errorf("%w: key id %q does not match sender %q", a2a.ErrSignatureInvalid, hdr.Kid, msg.From)
	}

	signedAt, err := time.Parse(time.RFC3339Nano, hdr.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp: %v", a2a.ErrSignatureInvalid, err)
	}
	skew := s.clock.Now().Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.MaxClockSkew {
		return fmt.Errorf("%w: signature timestamp outside the allowed window", a2a.ErrSignatureInvalid)
	}

	seen, err := s.replay.Seen(ctx, hdr.Nonce)
	if err != nil {
		return fmt.Errorf("%w: replay store: %v", a2a.ErrSignatureInvalid, err)
	}
	if seen {
		return fmt.Errorf("%w: nonce already used", a2a.ErrSignatureInvalid)
	}

	pub, err := s.ResolvePublicKey(ctx, msg.From)
	if err != nil {
		return fmt.Errorf("%w: resolve key: %v", a2a.ErrSignatureInvalid, err)
	}

	payload, err := SigningPayload(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", a2a.ErrSignatureInvalid, err)
	}
	if err := verifyDetached(hdr.Alg, msg.Signature.Protected, msg.Signature.Signature, payload, pub); err != nil {
		return fmt.Errorf("%w: %v", a2a.ErrSignatureInvalid, err)
	}

	fresh, err := s.replay.Remember(ctx, hdr.Nonce, s.cfg.ReplayWindow)
	if err != nil {
		return fmt.Errorf("%w: replay store: %v", a2a.ErrSignatureInvalid, err)
	}
	if !fresh {
		return fmt.Errorf("%w: nonce already used", a2a.ErrSignatureInvalid)
	}
	return nil
}

func signDetached(alg jwa.SignatureAlgorithm, hdr protectedHeader, payload []byte, key any) (string, string, error) {
	hdrJSON, err := MarshalCanonical(hdr)
	if err != nil {
		return "", "", fmt.Errorf("encode protected header: %w", err)
	}
	protected := base64.RawURLEncoding.EncodeToString(hdrJSON)

	signer, err := jws.NewSigner(alg)
	if err != nil {
		return "", "", err
	}
	sig, err := signer.Sign(signingInput(protected, payload), key)
	if err != nil {
		return "", "", err
	}
	return protected, base64.RawURLEncoding.EncodeToString(sig), nil
}

func verifyDetached(alg, protected, signature string, payload []byte, key crypto.PublicKey) error {
	want, err := signatureAlgorithm(key)
	if err != nil {
		return err
	}
	if alg != want.String() {
		return fmt.Errorf("algorithm %q does not match key type", alg)
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	verifier, err := jws.NewVerifier(want)
	if err != nil {
		return err
	}
	return verifier.Verify(signingInput(protected, payload), sig, key)
}

func signingInput(protected string, payload []byte) []byte {
	return []byte(protected + "." + base64.RawURLEncoding.EncodeToString(payload))
}

func decodeProtected(protected string) (*protectedHeader, error) {
	if protected == "" {
		return nil, errors.New("protected header is empty")
	}
	raw, err := base64.RawURLEncoding.DecodeString(protected)
	if err != nil {
		return nil, fmt.Errorf("decode protected header: %w", err)
	}
	var hdr protectedHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("parse protected header: %w", err)
	}
	if hdr.Alg == "" {
		return nil, errors.New("protected header has no alg")
	}
	return &hdr, nil
}
