package security

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/did"
)

// KeyResolver finds the public key that verifies an agent's signatures.
type KeyResolver interface {
	ResolvePublicKey(ctx context.Context, agentID string) (crypto.PublicKey, error)
}

type KeyResolverFunc func(ctx context.Context, agentID string) (crypto.PublicKey, error)

func (f KeyResolverFunc) ResolvePublicKey(ctx context.Context, agentID string) (crypto.PublicKey, error) {
	return f(ctx, agentID)
}

// ProfileFinder is the slice of the discovery service ProfileKeyResolver needs.
type ProfileFinder interface {
	FindAgent(ctx context.Context, id string) (*a2a.AgentProfile, error)
}

// ProfileKeyResolver reads the publicKey field of the agent's profile.
type ProfileKeyResolver struct {
	Profiles ProfileFinder
}

func (r ProfileKeyResolver) ResolvePublicKey(ctx context.Context, agentID string) (crypto.PublicKey, error) {
	profile, err := r.Profiles.FindAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if profile.PublicKey == "" {
		return nil, fmt.Errorf("agent %s has no public key", agentID)
	}
	return ParsePublicKey(profile.PublicKey)
}

// DIDKeyResolver resolves the agent DID and uses its assertion key.
type DIDKeyResolver struct {
	Resolver did.Resolver
}

func (r DIDKeyResolver) ResolvePublicKey(ctx context.Context, agentID string) (crypto.PublicKey, error) {
	base, err := did.DIDFromKID(agentID)
	if err != nil {
		return nil, err
	}
	doc, err := r.Resolver.Resolve(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", base, err)
	}
	vm, err := did.FindVerificationMethod(doc, agentID)
	if err != nil {
		return nil, err
	}
	return did.ExtractPublicKey(vm)
}

// ChainKeyResolver tries each resolver in order and returns the first key.
type ChainKeyResolver []KeyResolver

func (c ChainKeyResolver) ResolvePublicKey(ctx context.Context, agentID string) (crypto.PublicKey, error) {
	var errs error
	for _, r := range c {
		key, err := r.ResolvePublicKey(ctx, agentID)
		if err == nil {
			return key, nil
		}
		errs = multierr.Append(errs, err)
	}
	if errs == nil {
		errs = errors.New("no key resolvers configured")
	}
	return nil, fmt.Errorf("resolve key for %s: %w", agentID, errs)
}
