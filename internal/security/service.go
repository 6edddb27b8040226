// Package security signs, verifies, encrypts and decrypts A2A messages and
// manages trust certificates between agents.
package security

import (
	"context"
	"crypto"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/bus"
)

const (
	DefaultMaxClockSkew   = 5 * time.Minute
	DefaultKeyCacheSize   = 1024
	DefaultKeyCacheTTL    = 5 * time.Minute
	DefaultReplayCapacity = 100000
)

type Config struct {
	MaxClockSkew time.Duration
	KeyCacheSize int
	// KeyCacheTTL bounds how long a resolved key is trusted without
	// re-resolving it.
	KeyCacheTTL time.Duration
	// ReplayWindow is how long accepted nonces are remembered. Zero means
	// twice MaxClockSkew, the longest a captured message stays acceptable.
	ReplayWindow   time.Duration
	ReplayCapacity int
}

func (c Config) withDefaults() Config {
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = DefaultMaxClockSkew
	}
	if c.KeyCacheSize <= 0 {
		c.KeyCacheSize = DefaultKeyCacheSize
	}
	if c.KeyCacheTTL <= 0 {
		c.KeyCacheTTL = DefaultKeyCacheTTL
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = 2 * c.MaxClockSkew
	}
	if c.ReplayCapacity <= 0 {
		c.ReplayCapacity = DefaultReplayCapacity
	}
	return c
}

type Service struct {
	cfg      Config
	logger   *logrus.Logger
	clock    clock.Clock
	resolver KeyResolver
	replay   ReplayStore
	keys     *expirable.LRU[string, crypto.PublicKey]

	certMu sync.RWMutex
	certs  map[string][]*a2a.TrustCertificate
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithKeyResolver(r KeyResolver) Option {
	return func(s *Service) { s.resolver = r }
}

func WithReplayStore(r ReplayStore) Option {
	return func(s *Service) { s.replay = r }
}

func New(cfg Config, logger *logrus.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.withDefaults()

	s := &Service{
		cfg:    cfg,
		logger: logger,
		clock:  clock.New(),
		keys:   expirable.NewLRU[string, crypto.PublicKey](cfg.KeyCacheSize, nil, cfg.KeyCacheTTL),
		certs:  make(map[string][]*a2a.TrustCertificate),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.replay == nil {
		s.replay = NewMemoryReplayStore(cfg.ReplayCapacity, cfg.ReplayWindow)
	}

	logger.Infof("Security service initialized (skew=%s, replay window=%s)", cfg.MaxClockSkew, cfg.ReplayWindow)
	return s, nil
}

// SetKeyResolver replaces the resolver after construction. Used when the
// resolver depends on a component built later, such as discovery.
func (s *Service) SetKeyResolver(r KeyResolver) {
	s.resolver = r
}

// ResolvePublicKey returns the cached key for agentID, resolving on miss.
func (s *Service) ResolvePublicKey(ctx context.Context, agentID string) (crypto.PublicKey, error) {
	cacheKey := "agent:" + agentID
	if key, ok := s.keys.Get(cacheKey); ok {
		return key, nil
	}
	if s.resolver == nil {
		return nil, fmt.Errorf("no key resolver configured")
	}
	key, err := s.resolver.ResolvePublicKey(ctx, agentID)
	if err != nil {
		return nil, err
	}
	s.keys.Add(cacheKey, key)
	return key, nil
}

// PublicKeyFromProfile parses the profile's public key, caching the result
// by its encoded form.
func (s *Service) PublicKeyFromProfile(profile *a2a.AgentProfile) (crypto.PublicKey, error) {
	if profile == nil || profile.PublicKey == "" {
		return nil, fmt.Errorf("profile has no public key")
	}
	cacheKey := "raw:" + profile.PublicKey
	if key, ok := s.keys.Get(cacheKey); ok {
		return key, nil
	}
	key, err := ParsePublicKey(profile.PublicKey)
	if err != nil {
		return nil, err
	}
	s.keys.Add(cacheKey, key)
	return key, nil
}

// InvalidateKey drops the cached key for agentID after a rotation.
func (s *Service) InvalidateKey(agentID string) {
	s.keys.Remove("agent:" + agentID)
}

// WatchAgents drops cached keys whenever the registry reports a change to an
// agent, so a re-registered profile with a rotated key takes effect at once.
func (s *Service) WatchAgents(eventBus *bus.EventBus) {
	if eventBus == nil {
		return
	}
	invalidate := func(event bus.Event) {
		if id, ok := event.Payload["agentId"].(string); ok && id != "" {
			s.InvalidateKey(id)
			s.logger.Debugf("Key cache invalidated for %s (%s)", id, event.Type)
		}
	}
	eventBus.Subscribe(bus.EventAgentRegistered, invalidate)
	eventBus.Subscribe(bus.EventAgentUnregistered, invalidate)
	eventBus.Subscribe(bus.EventAgentStatusChanged, invalidate)
}
