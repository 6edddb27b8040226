package did

import (
	"context"
	"fmt"
)

// KeyResolver resolves did:key identifiers for Ed25519 keys. The document is
// derived from the identifier itself; nothing is fetched.
type KeyResolver struct{}

func (KeyResolver) Resolve(_ context.Context, identifier string) (*Document, error) {
	method, specific, err := BaseIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	if method != "key" {
		return nil, ErrUnsupportedMethod
	}
	if _, err := DecodeMultibaseEd25519(specific); err != nil {
		return nil, fmt.Errorf("did:key resolver: %w", err)
	}
	vmID := identifier + "#" + specific
	return &Document{
		Context: []any{"https://www.w3.org/ns/did/v1"},
		ID:      identifier,
		VerificationMethod: []VerificationMethod{{
			ID:                 vmID,
			Type:               "Ed25519VerificationKey2020",
			Controller:         identifier,
			PublicKeyMultibase: specific,
		}},
		Authentication:  []any{vmID},
		AssertionMethod: []any{vmID},
	}, nil
}
