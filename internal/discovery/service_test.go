package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/bus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestService(t *testing.T, cfg Config, opts ...Option) (*Service, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(mock)}, opts...)
	return New(cfg, quietLogger(), nil, opts...), mock
}

func profile(id, category, agentType string, successRate float64, caps ...string) *a2a.AgentProfile {
	p := &a2a.AgentProfile{
		ID:       id,
		Name:     id,
		Type:     agentType,
		Category: category,
		Endpoints: []a2a.Endpoint{
			{Transport: a2a.TransportHTTP, URL: "http://" + id + ".local/a2a", Priority: 1},
		},
		Metadata: a2a.ProfileMetadata{
			Status:      a2a.StatusActive,
			Performance: &a2a.Performance{SuccessRate: successRate},
		},
	}
	for _, c := range caps {
		p.Capabilities = append(p.Capabilities, a2a.Capability{ID: c, Name: c})
	}
	return p
}

func ids(profiles []*a2a.AgentProfile) []string {
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.ID)
	}
	return out
}

func TestRegisterAgent_ValidatesInvariants(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()

	noCaps := profile("did:web:a", "health", "assistant", 0.5)
	assert.ErrorIs(t, svc.RegisterAgent(ctx, noCaps), a2a.ErrInvalidFormat)

	noEndpoints := profile("did:web:a", "health", "assistant", 0.5, "diagnosis")
	noEndpoints.Endpoints = nil
	assert.ErrorIs(t, svc.RegisterAgent(ctx, noEndpoints), a2a.ErrInvalidFormat)

	assert.Equal(t, 0, svc.Count())
}

func TestFindAgent_ReturnsCopies(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:a", "health", "assistant", 0.5, "diagnosis")))

	p, err := svc.FindAgent(ctx, "did:web:a")
	require.NoError(t, err)
	p.Name = "mutated"
	p.Capabilities[0].ID = "mutated"

	again, err := svc.FindAgent(ctx, "did:web:a")
	require.NoError(t, err)
	assert.Equal(t, "did:web:a", again.Name)
	assert.Equal(t, "diagnosis", again.Capabilities[0].ID)

	_, err = svc.FindAgent(ctx, "did:web:missing")
	assert.ErrorIs(t, err, a2a.ErrAgentNotFound)
}

func TestDiscoverAgents_CacheCoherence(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()
	q := Query{Capabilities: []string{"diagnosis"}}

	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:a", "health", "assistant", 0.5, "diagnosis")))
	got, err := svc.DiscoverAgents(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:web:a"}, ids(got))

	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:b", "health", "assistant", 0.9, "diagnosis")))
	got, err = svc.DiscoverAgents(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:web:b", "did:web:a"}, ids(got))

	require.NoError(t, svc.UnregisterAgent(ctx, "did:web:b"))
	got, err = svc.DiscoverAgents(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:web:a"}, ids(got))

	all, err := svc.DiscoverAgents(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:c", "finance", "bot", 0.1, "billing")))
	all, err = svc.DiscoverAgents(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDiscoverAgents_TaggedInvalidationKeepsUnrelatedQueries(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:a", "health", "assistant", 0.5, "diagnosis")))

	diagnosis := Query{Capabilities: []string{"diagnosis"}}
	_, err := svc.DiscoverAgents(ctx, diagnosis)
	require.NoError(t, err)
	_, cached := svc.cache.Get(diagnosis.normalized().cacheKey())
	require.True(t, cached)

	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:b", "finance", "bot", 0.5, "billing")))
	_, cached = svc.cache.Get(diagnosis.normalized().cacheKey())
	assert.True(t, cached, "registering an unrelated agent keeps the diagnosis query cached")

	require.NoError(t, svc.UpdateAgentStatus(ctx, "did:web:a", a2a.StatusMaintenance))
	_, cached = svc.cache.Get(diagnosis.normalized().cacheKey())
	assert.False(t, cached, "changing a listed agent evicts the query")
}

func TestDiscoverAgents_FiltersSortingAndPagination(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:a", "health", "assistant", 0.2, "diagnosis", "triage")))
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:b", "health", "bot", 0.9, "diagnosis")))
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:c", "finance", "assistant", 0.5, "diagnosis", "triage")))
	noPerf := profile("did:web:d", "health", "assistant", 0, "triage")
	noPerf.Metadata.Performance = nil
	require.NoError(t, svc.RegisterAgent(ctx, noPerf))

	got, err := svc.DiscoverAgents(ctx, Query{Capabilities: []string{"diagnosis", "triage"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"did:web:c", "did:web:a"}, ids(got))

	got, err = svc.DiscoverAgents(ctx, Query{Categories: []string{"health"}, AgentTypes: []string{"assistant"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"did:web:a", "did:web:d"}, ids(got))

	got, err = svc.DiscoverAgents(ctx, Query{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"did:web:c", "did:web:a"}, ids(got))

	got, err = svc.DiscoverAgents(ctx, Query{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, svc.UpdateAgentStatus(ctx, "did:web:b", a2a.StatusInactive))
	got, err = svc.DiscoverAgents(ctx, Query{Status: a2a.StatusActive, Capabilities: []string{"diagnosis"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"did:web:c", "did:web:a"}, ids(got))
}

func TestFindAgentsByCapability_IndexConsistency(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:a", "health", "assistant", 0.2, "diagnosis")))
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:b", "health", "assistant", 0.2, "diagnosis")))
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:c", "health", "assistant", 0.2, "billing")))
	require.NoError(t, svc.UpdateAgentStatus(ctx, "did:web:b", a2a.StatusError))

	got, err := svc.FindAgentsByCapability(ctx, "diagnosis")
	require.NoError(t, err)
	assert.Equal(t, []string{"did:web:a"}, ids(got))

	// re-registering with different capabilities moves the agent between index entries
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:a", "health", "assistant", 0.2, "billing")))
	got, err = svc.FindAgentsByCapability(ctx, "diagnosis")
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = svc.FindAgentsByCapability(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"did:web:a", "did:web:c"}, ids(got))

	assert.Equal(t, []string{"billing", "diagnosis"}, svc.GetAvailableCapabilities())
}

func TestGetCategories_RankedByCount(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:a", "finance", "bot", 0, "x")))
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:b", "health", "bot", 0, "x")))
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:c", "health", "bot", 0, "x")))

	assert.Equal(t, []CategoryCount{
		{Category: "health", Count: 2},
		{Category: "finance", Count: 1},
	}, svc.GetCategories())

	require.NoError(t, svc.UnregisterAgent(ctx, "did:web:a"))
	require.NoError(t, svc.UnregisterAgent(ctx, "did:web:unknown"))
	assert.Equal(t, []CategoryCount{{Category: "health", Count: 2}}, svc.GetCategories())
}

func TestUpdateAgentStatus_PublishesEvent(t *testing.T) {
	eb := bus.NewEventBus(quietLogger())
	defer eb.Stop()
	got := make(chan bus.Event, 1)
	eb.Subscribe(bus.EventAgentStatusChanged, func(e bus.Event) { got <- e })

	mock := clock.NewMock()
	svc := New(Config{}, quietLogger(), eb, WithClock(mock))
	ctx := context.Background()
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:a", "health", "bot", 0, "x")))

	mock.Add(time.Minute)
	require.NoError(t, svc.UpdateAgentStatus(ctx, "did:web:a", a2a.StatusMaintenance))

	select {
	case e := <-got:
		assert.Equal(t, "did:web:a", e.Payload["agentId"])
		assert.Equal(t, "maintenance", e.Payload["newStatus"])
	case <-time.After(time.Second):
		t.Fatal("status event not published")
	}

	p, err := svc.FindAgent(ctx, "did:web:a")
	require.NoError(t, err)
	assert.True(t, p.Metadata.Updated.After(p.Metadata.Created))

	assert.ErrorIs(t, svc.UpdateAgentStatus(ctx, "did:web:zzz", a2a.StatusActive), a2a.ErrAgentNotFound)
}

func TestFindAgent_Federation(t *testing.T) {
	var mu sync.Mutex
	var hits []string
	record := func(name string) {
		mu.Lock()
		hits = append(hits, name)
		mu.Unlock()
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record("failing")
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer failing.Close()
	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record("malformed")
		_, _ = w.Write([]byte(`{"id":"did:web:remote"}`))
	}))
	defer malformed.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record("good")
		assert.Equal(t, "/agents/did:web:remote", r.URL.Path)
		_ = json.NewEncoder(w).Encode(profile("did:web:remote", "health", "bot", 0.7, "diagnosis"))
	}))
	defer good.Close()

	svc, _ := newTestService(t, Config{ExternalEndpoints: []string{failing.URL, malformed.URL, good.URL + "/"}})
	ctx := context.Background()

	p, err := svc.FindAgent(ctx, "did:web:remote")
	require.NoError(t, err)
	assert.Equal(t, "did:web:remote", p.ID)
	assert.Equal(t, []string{"failing", "malformed", "good"}, hits)

	_, err = svc.FindAgent(ctx, "did:web:remote")
	require.NoError(t, err)
	assert.Len(t, hits, 3, "second lookup is served from cache")
	assert.Equal(t, 0, svc.Count(), "federated agents are not added to the local registry")
}

func TestLocalAgent_IgnoresFederation(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected federation call to %s", r.URL.Path)
	}))
	defer remote.Close()

	svc, _ := newTestService(t, Config{ExternalEndpoints: []string{remote.URL}})
	require.NoError(t, svc.RegisterAgent(context.Background(), profile("did:web:a", "health", "assistant", 0.5, "diagnosis")))

	p, ok := svc.LocalAgent("did:web:a")
	require.True(t, ok)
	p.Name = "mutated"
	again, _ := svc.LocalAgent("did:web:a")
	assert.Equal(t, "did:web:a", again.Name)

	_, ok = svc.LocalAgent("did:web:elsewhere")
	assert.False(t, ok)
}

func TestCache_TTLAndBulkEviction(t *testing.T) {
	mock := clock.NewMock()
	c := NewCache(20, time.Minute, mock)

	for i := 0; i < 20; i++ {
		c.Set(fmt.Sprintf("k%02d", i), i)
		mock.Add(time.Millisecond)
	}
	assert.Equal(t, 20, c.Len())

	c.Set("overflow", true)
	assert.Equal(t, 11, c.Len())
	_, ok := c.Get("k00")
	assert.False(t, ok)
	_, ok = c.Get("k09")
	assert.False(t, ok)
	_, ok = c.Get("k10")
	assert.True(t, ok)

	mock.Add(2 * time.Minute)
	_, ok = c.Get("overflow")
	assert.False(t, ok)
}

func TestCache_InvalidateTags(t *testing.T) {
	c := NewCache(100, time.Minute, clock.NewMock())
	c.Set("a", 1, "t1", "t2")
	c.Set("b", 2, "t2")
	c.Set("c", 3, "t3")

	assert.Equal(t, 2, c.InvalidateTags("t2"))
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 0, c.InvalidateTags("t1"))
}

type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]*a2a.AgentProfile
}

func (f *fakeStore) LoadAll(context.Context) ([]*a2a.AgentProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*a2a.AgentProfile
	for _, p := range f.profiles {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (f *fakeStore) Upsert(_ context.Context, p *a2a.AgentProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.ID] = p.Clone()
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.profiles, id)
	return nil
}

func (f *fakeStore) Close() {}

func TestStart_LoadsStoreAndPersistsMutations(t *testing.T) {
	store := &fakeStore{profiles: map[string]*a2a.AgentProfile{
		"did:web:a": profile("did:web:a", "health", "bot", 0.4, "diagnosis"),
	}}
	svc, _ := newTestService(t, Config{}, WithStore(store))
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	p, err := svc.FindAgent(ctx, "did:web:a")
	require.NoError(t, err)
	assert.Equal(t, "health", p.Category)

	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:b", "health", "bot", 0.4, "x")))
	require.NoError(t, svc.UnregisterAgent(ctx, "did:web:a"))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Contains(t, store.profiles, "did:web:b")
	assert.NotContains(t, store.profiles, "did:web:a")
}

type perfFunc func(id string) (*a2a.Performance, bool)

func (f perfFunc) Performance(_ context.Context, id string) (*a2a.Performance, bool) {
	return f(id)
}

func TestRefreshLoop_UpdatesPerformance(t *testing.T) {
	source := perfFunc(func(id string) (*a2a.Performance, bool) {
		return &a2a.Performance{SuccessRate: 0.99, TotalRequests: 42}, true
	})
	svc, mock := newTestService(t, Config{RefreshInterval: time.Minute}, WithPerformanceSource(source))
	ctx := context.Background()
	require.NoError(t, svc.RegisterAgent(ctx, profile("did:web:a", "health", "bot", 0.1, "x")))
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		p, err := svc.FindAgent(ctx, "did:web:a")
		return err == nil && p.SuccessRate() == 0.99
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("A2A_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("A2A_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	defer store.Close()

	p := profile("did:web:pg-test", "health", "bot", 0.3, "diagnosis")
	p.Metadata.Updated = time.Now().UTC()
	require.NoError(t, store.Upsert(ctx, p))

	all, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids(all), "did:web:pg-test")

	require.NoError(t, store.Delete(ctx, p.ID))
	all, err = store.LoadAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids(all), "did:web:pg-test")
}
