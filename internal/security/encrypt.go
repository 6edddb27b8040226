package security

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/x25519"

	"github.com/praxis/a2a-router/internal/a2a"
)

const EncryptedBodyType = "application/a2a-body+jwe"

// Encrypt returns a copy of msg whose body is sealed for the holder of
// recipientKey with AES-256-GCM under a fresh content key. RSA recipients get
// the key wrapped with RSA-OAEP-256; Ed25519 recipients get ECDH-ES+A256KW
// against the X25519 form of their key. The copy has a null body and an
// encryption envelope.
func (s *Service) Encrypt(msg *a2a.Message, recipientKey crypto.PublicKey) (*a2a.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is nil", a2a.ErrEncryptionFailed)
	}
	if msg.Encryption != nil {
		return nil, fmt.Errorf("%w: message %s is already encrypted", a2a.ErrEncryptionFailed, msg.ID)
	}
	alg, pub, err := keyEncryption(recipientKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", a2a.ErrEncryptionFailed, err)
	}

	plaintext := []byte("null")
	if msg.HasBody() {
		plaintext = msg.Body
	}

	hdr := jwe.NewHeaders()
	if err := hdr.Set("typ", EncryptedBodyType); err != nil {
		return nil, fmt.Errorf("%w: %v", a2a.ErrEncryptionFailed, err)
	}
	if err := hdr.Set("cty", "application/json"); err != nil {
		return nil, fmt.Errorf("%w: %v", a2a.ErrEncryptionFailed, err)
	}

	compact, err := jwe.Encrypt(plaintext,
		jwe.WithKey(alg, pub),
		jwe.WithContentEncryption(jwa.A256GCM),
		jwe.WithProtectedHeaders(hdr),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", a2a.ErrEncryptionFailed, err)
	}

	parts := strings.Split(string(compact), ".")
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: unexpected JWE serialization", a2a.ErrEncryptionFailed)
	}

	out := msg.Clone()
	out.Body = nil
	out.Encryption = &a2a.EncryptionEnvelope{
		Protected:    parts[0],
		EncryptedKey: parts[1],
		IV:           parts[2],
		Ciphertext:   parts[3],
		Tag:          parts[4],
	}
	return out, nil
}

// Decrypt reverses Encrypt. Any failure, including a tampered envelope or the
// wrong key, yields a2a.ErrDecryptionFailed.
func (s *Service) Decrypt(msg *a2a.Message, privateKey crypto.PrivateKey) (*a2a.Message, error) {
	if msg == nil || msg.Encryption == nil {
		return nil, fmt.Errorf("%w: message is not encrypted", a2a.ErrDecryptionFailed)
	}
	alg, priv, err := keyDecryption(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", a2a.ErrDecryptionFailed, err)
	}

	enc := msg.Encryption
	compact := strings.Join([]string{enc.Protected, enc.EncryptedKey, enc.IV, enc.Ciphertext, enc.Tag}, ".")
	plaintext, err := jwe.Decrypt([]byte(compact), jwe.WithKey(alg, priv))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", a2a.ErrDecryptionFailed, err)
	}
	if !json.Valid(plaintext) {
		return nil, fmt.Errorf("%w: plaintext is not JSON", a2a.ErrDecryptionFailed)
	}

	out := msg.Clone()
	out.Encryption = nil
	out.Body = json.RawMessage(plaintext)
	return out, nil
}

func keyEncryption(key crypto.PublicKey) (jwa.KeyEncryptionAlgorithm, interface{}, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return jwa.RSA_OAEP_256, k, nil
	case ed25519.PublicKey:
		pub, err := x25519PublicKey(k)
		if err != nil {
			return "", nil, err
		}
		return jwa.ECDH_ES_A256KW, pub, nil
	}
	return "", nil, fmt.Errorf("recipient key must be RSA or Ed25519, got %T", key)
}

func keyDecryption(key crypto.PrivateKey) (jwa.KeyEncryptionAlgorithm, interface{}, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jwa.RSA_OAEP_256, k, nil
	case ed25519.PrivateKey:
		priv, err := x25519PrivateKey(k)
		if err != nil {
			return "", nil, err
		}
		return jwa.ECDH_ES_A256KW, priv, nil
	}
	return "", nil, fmt.Errorf("private key must be RSA or Ed25519, got %T", key)
}

// x25519PublicKey maps an Ed25519 point to its Montgomery u-coordinate.
func x25519PublicKey(pub ed25519.PublicKey) (x25519.PublicKey, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return x25519.PublicKey(p.BytesMontgomery()), nil
}

// x25519PrivateKey derives the X25519 scalar the same way Ed25519 derives its
// signing scalar, so it pairs with x25519PublicKey of the same key.
func x25519PrivateKey(priv ed25519.PrivateKey) (x25519.PrivateKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length %d", len(priv))
	}
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return x25519.NewKeyFromSeed(h[:32])
}
