package did

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MultiResolver routes resolution to method-specific resolvers and caches
// documents for a TTL.
type MultiResolver struct {
	resolvers map[string]Resolver
	clock     clock.Clock

	ttl   time.Duration
	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	doc       *Document
	expiresAt time.Time
}

type MultiResolverOption func(*MultiResolver)

func WithCacheTTL(ttl time.Duration) MultiResolverOption {
	return func(m *MultiResolver) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMethod registers r for DIDs of the given method ("web", "key", ...).
func WithMethod(method string, r Resolver) MultiResolverOption {
	return func(m *MultiResolver) {
		m.resolvers[method] = r
	}
}

func WithClock(c clock.Clock) MultiResolverOption {
	return func(m *MultiResolver) {
		m.clock = c
	}
}

// NewMultiResolver returns a resolver that understands did:key out of the box.
func NewMultiResolver(opts ...MultiResolverOption) *MultiResolver {
	m := &MultiResolver{
		resolvers: map[string]Resolver{"key": KeyResolver{}},
		clock:     clock.New(),
		ttl:       time.Minute,
		cache:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MultiResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	if doc := m.getFromCache(did); doc != nil {
		return doc, nil
	}

	method, _, err := BaseIdentifier(did)
	if err != nil {
		return nil, err
	}

	resolver, ok := m.resolvers[method]
	if !ok || resolver == nil {
		return nil, ErrUnsupportedMethod
	}

	doc, err := resolver.Resolve(ctx, did)
	if err != nil {
		return nil, err
	}

	m.setCache(did, doc)
	return doc, nil
}

func (m *MultiResolver) getFromCache(did string) *Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.cache[did]; ok && m.clock.Now().Before(entry.expiresAt) {
		return entry.doc
	}
	return nil
}

func (m *MultiResolver) setCache(did string, doc *Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[did] = cacheEntry{doc: doc, expiresAt: m.clock.Now().Add(m.ttl)}
}

// Invalidate drops the cached document for did, e.g. after a key rotation.
func (m *MultiResolver) Invalidate(did string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, did)
}
