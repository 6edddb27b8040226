// Package did resolves agent DIDs to DID documents and extracts the public
// keys used to verify message signatures.
package did

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedMethod    = errors.New("did: unsupported method")
	ErrDocumentNotFound     = errors.New("did: document not found")
	ErrVerificationMethod   = errors.New("did: verification method not found")
	ErrKeyFormatUnsupported = errors.New("did: unsupported verification method key format")
)

// Document is the subset of a DID document the router needs.
type Document struct {
	Context            []any                `json:"@context"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Authentication     []any                `json:"authentication,omitempty"`
	AssertionMethod    []any                `json:"assertionMethod,omitempty"`
	Service            []Service            `json:"service,omitempty"`
}

type VerificationMethod struct {
	ID                 string         `json:"id"`
	Type               string         `json:"type"`
	Controller         string         `json:"controller,omitempty"`
	PublicKeyJWK       map[string]any `json:"publicKeyJwk,omitempty"`
	PublicKeyMultibase string         `json:"publicKeyMultibase,omitempty"`
}

type Service struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	ServiceEndpoint interface{} `json:"serviceEndpoint"`
}

type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, did string) (*Document, error)

func (f ResolverFunc) Resolve(ctx context.Context, did string) (*Document, error) {
	return f(ctx, did)
}

// BaseIdentifier splits a DID into method and method-specific id.
func BaseIdentifier(did string) (method string, methodSpecific string, err error) {
	rest, ok := strings.CutPrefix(did, "did:")
	if !ok {
		return "", "", fmt.Errorf("did: invalid identifier: %s", did)
	}
	method, methodSpecific, ok = strings.Cut(rest, ":")
	if !ok || method == "" {
		return "", "", fmt.Errorf("did: malformed identifier: %s", did)
	}
	if methodSpecific == "" {
		return "", "", fmt.Errorf("did: missing method specific identifier: %s", did)
	}
	return method, methodSpecific, nil
}

// DIDFromKID strips the fragment from a key id like "did:web:example#key-1".
func DIDFromKID(kid string) (string, error) {
	if kid == "" {
		return "", fmt.Errorf("did: kid is empty")
	}
	base, _, found := strings.Cut(kid, "#")
	if !found {
		if strings.HasPrefix(kid, "did:") {
			return kid, nil
		}
		return "", fmt.Errorf("did: kid lacks fragment: %s", kid)
	}
	if base == "" {
		return "", fmt.Errorf("did: malformed kid: %s", kid)
	}
	return base, nil
}
