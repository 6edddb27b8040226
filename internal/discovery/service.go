// Package discovery is the agent registry: it indexes agent profiles by
// capability and category, answers discovery queries through a tagged cache
// and falls back to federated registries for unknown agents.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/bus"
)

type Config struct {
	CacheTTL          time.Duration
	CacheMaxSize      int
	RefreshInterval   time.Duration
	ExternalEndpoints []string
	HTTPTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.CacheMaxSize <= 0 {
		c.CacheMaxSize = 1000
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}

// CategoryCount is one row of GetCategories.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

type Service struct {
	cfg        Config
	logger     *logrus.Logger
	eventBus   *bus.EventBus
	clock      clock.Clock
	store      Store
	perf       PerformanceSource
	httpClient *http.Client
	cache      *Cache

	mu         sync.RWMutex
	agents     map[string]*a2a.AgentProfile
	byCap      map[string]map[string]struct{}
	byCategory map[string]map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithStore(st Store) Option {
	return func(s *Service) { s.store = st }
}

func WithPerformanceSource(p PerformanceSource) Option {
	return func(s *Service) { s.perf = p }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

func New(cfg Config, logger *logrus.Logger, eventBus *bus.EventBus, opts ...Option) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:        cfg,
		logger:     logger,
		eventBus:   eventBus,
		clock:      clock.New(),
		agents:     make(map[string]*a2a.AgentProfile),
		byCap:      make(map[string]map[string]struct{}),
		byCategory: make(map[string]map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	s.cache = NewCache(cfg.CacheMaxSize, cfg.CacheTTL, s.clock)
	return s
}

// SetPerformanceSource wires the refresh feed after construction.
func (s *Service) SetPerformanceSource(p PerformanceSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perf = p
}

// Start loads persisted profiles and launches the performance refresh loop.
func (s *Service) Start(ctx context.Context) error {
	if s.store != nil {
		profiles, err := s.store.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("load registry: %w", err)
		}
		s.mu.Lock()
		for _, p := range profiles {
			if err := p.Validate(); err != nil {
				s.logger.Warnf("Skipping stored agent %s: %v", p.ID, err)
				continue
			}
			s.insertLocked(p)
		}
		s.mu.Unlock()
		s.logger.Infof("Loaded %d agents from registry store", len(profiles))
	}

	s.wg.Add(1)
	go s.refreshLoop(ctx)

	s.logger.Infof("Discovery service started (cache ttl=%s, refresh=%s, federation endpoints=%d)",
		s.cfg.CacheTTL, s.cfg.RefreshInterval, len(s.cfg.ExternalEndpoints))
	return nil
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	if s.store != nil {
		s.store.Close()
	}
	s.logger.Info("Discovery service stopped")
}

// RegisterAgent validates and inserts profile, replacing any previous
// profile with the same id.
func (s *Service) RegisterAgent(ctx context.Context, profile *a2a.AgentProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	p := profile.Clone()
	now := s.clock.Now().UTC()
	if p.Metadata.Created.IsZero() {
		p.Metadata.Created = now
	}
	p.Metadata.Updated = now
	if p.Metadata.Status == "" {
		p.Metadata.Status = a2a.StatusActive
	}

	s.mu.Lock()
	old := s.agents[p.ID]
	if old != nil {
		s.removeLocked(old)
		p.Metadata.Created = old.Metadata.Created
	}
	s.insertLocked(p)
	s.invalidate(old, p)
	stored := p.Clone()
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Upsert(ctx, stored); err != nil {
			s.logger.Errorf("Failed to persist agent %s: %v", p.ID, err)
			return fmt.Errorf("persist agent %s: %w", p.ID, err)
		}
	}

	s.logger.Infof("Registered agent %s (%s, %d capabilities)", p.ID, p.Category, len(p.Capabilities))
	s.publish(bus.EventAgentRegistered, map[string]interface{}{
		"agentId":  p.ID,
		"category": p.Category,
		"replaced": old != nil,
	})
	return nil
}

// UnregisterAgent removes id from the registry. Unknown ids are a no-op.
func (s *Service) UnregisterAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	old, ok := s.agents[id]
	if ok {
		s.removeLocked(old)
		s.invalidate(old, nil)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	if s.store != nil {
		if err := s.store.Delete(ctx, id); err != nil {
			s.logger.Errorf("Failed to delete agent %s from store: %v", id, err)
			return fmt.Errorf("delete agent %s: %w", id, err)
		}
	}

	s.logger.Infof("Unregistered agent %s", id)
	s.publish(bus.EventAgentUnregistered, map[string]interface{}{"agentId": id})
	return nil
}

// FindAgent returns a copy of the profile for id, consulting the cache, the
// local registry and then federation endpoints.
func (s *Service) FindAgent(ctx context.Context, id string) (*a2a.AgentProfile, error) {
	key := agentTag(id)
	if cached, ok := s.cache.Get(key); ok {
		return cached.(*a2a.AgentProfile).Clone(), nil
	}

	// Cache writes happen under the registry read lock so that a concurrent
	// mutation cannot invalidate before a stale entry lands.
	s.mu.RLock()
	if local, ok := s.agents[id]; ok {
		s.cache.Set(key, local.Clone(), key)
		out := local.Clone()
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	if remote, found := s.fetchExternal(ctx, id); found {
		s.mu.RLock()
		if _, registered := s.agents[id]; !registered {
			s.cache.Set(key, remote.Clone(), key)
		}
		s.mu.RUnlock()
		return remote, nil
	}
	return nil, fmt.Errorf("%w: %s", a2a.ErrAgentNotFound, id)
}

// LocalAgent returns a copy of the registered profile for id without
// consulting federation endpoints. It backs the federation lookup peers call.
func (s *Service) LocalAgent(id string) (*a2a.AgentProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// DiscoverAgents returns the agents matching q ordered by descending success
// rate, paginated by q.Offset and q.Limit.
func (s *Service) DiscoverAgents(_ context.Context, q Query) ([]*a2a.AgentProfile, error) {
	q = q.normalized()
	key := q.cacheKey()
	if cached, ok := s.cache.Get(key); ok {
		return cloneProfiles(cached.([]*a2a.AgentProfile)), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*a2a.AgentProfile
	for _, p := range s.agents {
		if q.matches(p) {
			matched = append(matched, p.Clone())
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		ri, rj := matched[i].SuccessRate(), matched[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		return matched[i].ID < matched[j].ID
	})

	page := paginate(matched, q.Offset, q.Limit)

	tags := q.dimensionTags()
	for _, p := range page {
		tags = append(tags, agentTag(p.ID))
	}
	s.cache.Set(key, cloneProfiles(page), tags...)

	return page, nil
}

// FindAgentsByCapability returns the active agents declaring capabilityID.
func (s *Service) FindAgentsByCapability(ctx context.Context, capabilityID string) ([]*a2a.AgentProfile, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.byCap[capabilityID]))
	for id := range s.byCap[capabilityID] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	var out []*a2a.AgentProfile
	for _, id := range ids {
		p, err := s.FindAgent(ctx, id)
		if err != nil {
			continue
		}
		if p.Metadata.Status == a2a.StatusActive && p.HasCapability(capabilityID) {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetAvailableCapabilities lists every capability id in the registry.
func (s *Service) GetAvailableCapabilities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byCap))
	for c := range s.byCap {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// GetCategories lists categories by member count, largest first.
func (s *Service) GetCategories() []CategoryCount {
	s.mu.RLock()
	out := make([]CategoryCount, 0, len(s.byCategory))
	for c, members := range s.byCategory {
		out = append(out, CategoryCount{Category: c, Count: len(members)})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}

func (s *Service) UpdateAgentStatus(ctx context.Context, id string, status a2a.AgentStatus) error {
	var oldStatus a2a.AgentStatus
	err := s.mutate(ctx, id, func(p *a2a.AgentProfile) {
		oldStatus = p.Metadata.Status
		p.Metadata.Status = status
	})
	if err != nil {
		return err
	}
	if oldStatus != status {
		s.logger.Infof("Agent %s status changed from '%s' to '%s'", id, oldStatus, status)
		s.publish(bus.EventAgentStatusChanged, map[string]interface{}{
			"agentId":   id,
			"oldStatus": string(oldStatus),
			"newStatus": string(status),
		})
	}
	return nil
}

func (s *Service) UpdateAgentPerformance(ctx context.Context, id string, perf a2a.Performance) error {
	return s.mutate(ctx, id, func(p *a2a.AgentProfile) {
		p.Metadata.Performance = &perf
	})
}

// Count returns the number of registered agents.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*a2a.AgentProfile)) error {
	s.mu.Lock()
	p, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", a2a.ErrAgentNotFound, id)
	}
	before := p.Clone()
	s.removeLocked(p)
	fn(p)
	p.Metadata.Updated = s.clock.Now().UTC()
	s.insertLocked(p)
	s.invalidate(before, p)
	stored := p.Clone()
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Upsert(ctx, stored); err != nil {
			return fmt.Errorf("persist agent %s: %w", id, err)
		}
	}
	return nil
}

func (s *Service) insertLocked(p *a2a.AgentProfile) {
	s.agents[p.ID] = p
	for _, c := range p.Capabilities {
		addToIndex(s.byCap, c.ID, p.ID)
	}
	if p.Category != "" {
		addToIndex(s.byCategory, p.Category, p.ID)
	}
}

func (s *Service) removeLocked(p *a2a.AgentProfile) {
	delete(s.agents, p.ID)
	for _, c := range p.Capabilities {
		removeFromIndex(s.byCap, c.ID, p.ID)
	}
	if p.Category != "" {
		removeFromIndex(s.byCategory, p.Category, p.ID)
	}
}

// invalidate evicts every cached lookup that the before or after state of an
// agent could appear in. Callers hold s.mu for writing.
func (s *Service) invalidate(before, after *a2a.AgentProfile) {
	var tags []string
	if before != nil {
		tags = append(tags, profileTags(before)...)
	}
	if after != nil {
		tags = append(tags, profileTags(after)...)
	}
	if n := s.cache.InvalidateTags(tags...); n > 0 {
		s.logger.Debugf("Invalidated %d cached discovery entries", n)
	}
}

func (s *Service) refreshLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refreshPerformance(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) refreshPerformance(ctx context.Context) {
	s.mu.RLock()
	source := s.perf
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	if source == nil {
		return
	}

	updated := 0
	for _, id := range ids {
		perf, ok := source.Performance(ctx, id)
		if !ok {
			continue
		}
		if err := s.UpdateAgentPerformance(ctx, id, *perf); err != nil {
			s.logger.Debugf("Performance refresh for %s skipped: %v", id, err)
			continue
		}
		updated++
	}
	if updated > 0 {
		s.logger.Debugf("Refreshed performance metrics for %d agents", updated)
	}
}

func (s *Service) publish(eventType bus.EventType, payload map[string]interface{}) {
	if s.eventBus != nil {
		s.eventBus.Emit(eventType, payload)
	}
}

func addToIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFromIndex(index map[string]map[string]struct{}, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func paginate(in []*a2a.AgentProfile, offset, limit int) []*a2a.AgentProfile {
	if offset >= len(in) {
		return []*a2a.AgentProfile{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func cloneProfiles(in []*a2a.AgentProfile) []*a2a.AgentProfile {
	out := make([]*a2a.AgentProfile, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}
