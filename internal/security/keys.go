package security

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/praxis/a2a-router/internal/did"
)

// ParsePublicKey accepts a PEM block, a JWK JSON object, a did:key identifier
// or a multibase Ed25519 key. A private key input yields its public half.
func ParsePublicKey(value string) (crypto.PublicKey, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return nil, fmt.Errorf("public key is empty")
	case strings.HasPrefix(value, "did:key:"):
		return did.DecodeMultibaseEd25519(strings.TrimPrefix(value, "did:key:"))
	case strings.HasPrefix(value, "z"):
		return did.DecodeMultibaseEd25519(value)
	}

	key, err := parseJWK([]byte(value))
	if err != nil {
		return nil, err
	}
	pubKey, err := jwk.PublicKeyOf(key)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	var raw interface{}
	if err := pubKey.Raw(&raw); err != nil {
		return nil, fmt.Errorf("extract public key: %w", err)
	}
	return raw, nil
}

// ParsePrivateKey accepts PEM (PKCS#1, PKCS#8, SEC1) or JWK JSON.
func ParsePrivateKey(data []byte) (crypto.PrivateKey, error) {
	key, err := parseJWK(bytes.TrimSpace(data))
	if err != nil {
		return nil, err
	}
	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("extract private key: %w", err)
	}
	switch raw.(type) {
	case *rsa.PrivateKey, ed25519.PrivateKey, *ecdsa.PrivateKey:
		return raw, nil
	}
	return nil, fmt.Errorf("not a private key: %T", raw)
}

// LoadPrivateKeyFile reads and parses a private key file.
func LoadPrivateKeyFile(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKey(data)
}

// EncodePublicKeyPEM renders pub as a PKIX "PUBLIC KEY" PEM block, the form
// stored in agent profiles.
func EncodePublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// PublicKeyOf returns the public half of a supported private key.
func PublicKeyOf(priv crypto.PrivateKey) (crypto.PublicKey, error) {
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey, nil
	case ed25519.PrivateKey:
		return k.Public(), nil
	case *ecdsa.PrivateKey:
		return &k.PublicKey, nil
	}
	return nil, fmt.Errorf("unsupported private key type %T", priv)
}

// signatureAlgorithm picks the JWS algorithm for a key: RS256 for RSA, EdDSA
// for Ed25519 and ES256 for P-256.
func signatureAlgorithm(key any) (jwa.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey, *rsa.PublicKey:
		return jwa.RS256, nil
	case ed25519.PrivateKey, ed25519.PublicKey:
		return jwa.EdDSA, nil
	case *ecdsa.PrivateKey:
		if k.Curve.Params().BitSize == 256 {
			return jwa.ES256, nil
		}
	case *ecdsa.PublicKey:
		if k.Curve.Params().BitSize == 256 {
			return jwa.ES256, nil
		}
	}
	return "", fmt.Errorf("unsupported key type %T", key)
}

func parseJWK(data []byte) (jwk.Key, error) {
	if bytes.HasPrefix(data, []byte("-----BEGIN")) {
		key, err := jwk.ParseKey(data, jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("parse PEM key: %w", err)
		}
		return key, nil
	}
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse JWK: %w", err)
	}
	return key, nil
}
