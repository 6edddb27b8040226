package did

import (
	"crypto"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/multiformats/go-multibase"
)

// FindVerificationMethod returns the method with the given id. A bare DID
// (no fragment) selects the first assertion method, falling back to the first
// verification method in the document.
func FindVerificationMethod(doc *Document, id string) (*VerificationMethod, error) {
	if doc == nil {
		return nil, fmt.Errorf("did: document is nil")
	}
	for i := range doc.VerificationMethod {
		if doc.VerificationMethod[i].ID == id {
			return &doc.VerificationMethod[i], nil
		}
	}
	if id != doc.ID {
		return nil, ErrVerificationMethod
	}
	for _, ref := range doc.AssertionMethod {
		if refID, ok := ref.(string); ok {
			for i := range doc.VerificationMethod {
				if doc.VerificationMethod[i].ID == refID {
					return &doc.VerificationMethod[i], nil
				}
			}
		}
	}
	if len(doc.VerificationMethod) > 0 {
		return &doc.VerificationMethod[0], nil
	}
	return nil, ErrVerificationMethod
}

// ExtractPublicKey returns the raw public key of a verification method:
// *rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey.
func ExtractPublicKey(vm *VerificationMethod) (crypto.PublicKey, error) {
	if vm == nil {
		return nil, fmt.Errorf("did: verification method is nil")
	}

	if len(vm.PublicKeyJWK) > 0 {
		raw, err := json.Marshal(vm.PublicKeyJWK)
		if err != nil {
			return nil, err
		}
		key, err := jwk.ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("did: parse jwk: %w", err)
		}
		var pub interface{}
		if err := key.Raw(&pub); err != nil {
			return nil, err
		}
		return pub, nil
	}

	if vm.PublicKeyMultibase != "" {
		return DecodeMultibaseEd25519(vm.PublicKeyMultibase)
	}

	return nil, ErrKeyFormatUnsupported
}

// DecodeMultibaseEd25519 decodes a multibase Ed25519 key, with or without the
// 0xed01 multicodec prefix.
func DecodeMultibaseEd25519(value string) (ed25519.PublicKey, error) {
	_, decoded, err := multibase.Decode(value)
	if err != nil {
		return nil, err
	}
	switch {
	case len(decoded) == ed25519.PublicKeySize:
		return ed25519.PublicKey(decoded), nil
	case len(decoded) == ed25519.PublicKeySize+2 && decoded[0] == 0xed && decoded[1] == 0x01:
		return ed25519.PublicKey(decoded[2:]), nil
	}
	return nil, fmt.Errorf("did: unexpected multibase key length %d", len(decoded))
}

// EncodeMultibaseEd25519 encodes an Ed25519 key as base58btc with the 0xed01
// multicodec prefix, the form used by did:key.
func EncodeMultibaseEd25519(pub ed25519.PublicKey) (string, error) {
	buf := append([]byte{0xed, 0x01}, pub...)
	return multibase.Encode(multibase.Base58BTC, buf)
}
