// Package router orchestrates A2A message delivery: validation, signature
// verification, routing rules, session tracking, local dispatch and
// multi-transport delivery with failover.
package router

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/bus"
)

const (
	DefaultMaxQueueSize      = 1000
	DefaultMessageTimeout    = 30 * time.Second
	DefaultCleanupInterval   = 60 * time.Second
	DefaultSessionInactivity = time.Hour
	DefaultSendTimeout       = 30 * time.Second
	DefaultDuplicateCapacity = 10000
)

type Config struct {
	MaxQueueSize      int           `yaml:"max_queue_size"`
	MessageTimeout    time.Duration `yaml:"message_timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	SessionInactivity time.Duration `yaml:"session_inactivity"`
	DuplicateCapacity int           `yaml:"duplicate_capacity"`
	RequireSignatures bool          `yaml:"require_signatures"`
	EnableEncryption  bool          `yaml:"enable_encryption"`

	// SendTimeout bounds a single endpoint attempt.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// MaxFanOut limits concurrent recipient deliveries; zero means unlimited.
	MaxFanOut int `yaml:"max_fan_out"`
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.SessionInactivity <= 0 {
		c.SessionInactivity = DefaultSessionInactivity
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.DuplicateCapacity <= 0 {
		c.DuplicateCapacity = DefaultDuplicateCapacity
	}
	return c
}

type MessageValidator interface {
	Validate(msg *a2a.Message) error
}

type SecurityProvider interface {
	Verify(ctx context.Context, msg *a2a.Message) bool
	Encrypt(msg *a2a.Message, recipientKey crypto.PublicKey) (*a2a.Message, error)
	Decrypt(msg *a2a.Message, privateKey crypto.PrivateKey) (*a2a.Message, error)
	PublicKeyFromProfile(profile *a2a.AgentProfile) (crypto.PublicKey, error)
}

type AgentResolver interface {
	FindAgent(ctx context.Context, id string) (*a2a.AgentProfile, error)
}

// Sender delivers to one endpoint of the given transport kind.
// *transport.Registry implements it.
type Sender interface {
	Send(ctx context.Context, kind a2a.TransportKind, msg *a2a.Message, endpoint string) error
}

type Deps struct {
	Validator  MessageValidator
	Security   SecurityProvider
	Discovery  AgentResolver
	Transports Sender
	EventBus   *bus.EventBus
	Logger     *logrus.Logger
	Clock      clock.Clock
}

// Handler receives messages for a locally registered agent.
type Handler func(ctx context.Context, msg *a2a.Message) error

type localAgent struct {
	handler    Handler
	privateKey crypto.PrivateKey
}

type AgentOption func(*localAgent)

// WithPrivateKey lets the router decrypt messages for the agent before
// invoking its handler.
func WithPrivateKey(key crypto.PrivateKey) AgentOption {
	return func(a *localAgent) { a.privateKey = key }
}

type queuedMessage struct {
	msg        *a2a.Message
	enqueuedAt time.Time
}

type agentStats struct {
	requests  int64
	successes int64
	totalTime time.Duration
}

// Statistics is a point-in-time view of router state.
type Statistics struct {
	QueueSize      int                         `json:"queueSize"`
	ActiveSessions int                         `json:"activeSessions"`
	TotalSessions  int                         `json:"totalSessions"`
	LocalAgents    int                         `json:"localAgents"`
	Rules          int                         `json:"rules"`
	Routed         int64                       `json:"routed"`
	Delivered      int64                       `json:"delivered"`
	Failed         int64                       `json:"failed"`
	Aggregates     map[string]map[string]int64 `json:"aggregates,omitempty"`
}

type Router struct {
	cfg        Config
	validator  MessageValidator
	security   SecurityProvider
	discovery  AgentResolver
	transports Sender
	eventBus   *bus.EventBus
	logger     *logrus.Logger
	clock      clock.Clock

	sessions *SessionManager

	queueMu sync.Mutex
	queue   map[string]queuedMessage
	seen    *lru.Cache[string, time.Time]

	agentsMu sync.RWMutex
	agents   map[string]*localAgent

	rulesMu sync.RWMutex
	rules   []Rule

	statsMu    sync.Mutex
	perf       map[string]*agentStats
	aggregates map[string]map[string]int64

	routed    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a router. Validator, Security and Transports are required;
// without Discovery only local agents are reachable.
func New(cfg Config, deps Deps) (*Router, error) {
	if deps.Validator == nil || deps.Security == nil || deps.Transports == nil {
		return nil, errors.New("router: validator, security and transports are required")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	cfg = cfg.withDefaults()

	seen, err := lru.New[string, time.Time](cfg.DuplicateCapacity)
	if err != nil {
		return nil, fmt.Errorf("router: duplicate cache: %w", err)
	}

	r := &Router{
		cfg:        cfg,
		validator:  deps.Validator,
		security:   deps.Security,
		discovery:  deps.Discovery,
		transports: deps.Transports,
		eventBus:   deps.EventBus,
		logger:     deps.Logger,
		clock:      deps.Clock,
		sessions:   NewSessionManager(deps.EventBus, deps.Logger, deps.Clock),
		queue:      make(map[string]queuedMessage),
		seen:       seen,
		agents:     make(map[string]*localAgent),
		perf:       make(map[string]*agentStats),
		aggregates: make(map[string]map[string]int64),
	}
	for _, rule := range DefaultRules() {
		if err := r.AddRule(rule); err != nil {
			return nil, err
		}
	}

	r.logger.Infof("Message router initialized (queue=%d, timeout=%s, signatures required=%t, encryption=%t)",
		cfg.MaxQueueSize, cfg.MessageTimeout, cfg.RequireSignatures, cfg.EnableEncryption)
	return r, nil
}

// Start runs periodic maintenance until ctx is done or Stop is called.
func (r *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.maintenanceLoop(ctx)
	r.logger.Info("Message router started")
}

func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("Message router stopped")
}

func (r *Router) maintenanceLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := r.clock.Ticker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.maintain()
		}
	}
}

// maintain purges stale queue entries and reaps idle sessions.
func (r *Router) maintain() {
	cutoff := r.clock.Now().Add(-r.cfg.MessageTimeout)
	r.queueMu.Lock()
	purged := 0
	for key, q := range r.queue {
		if q.enqueuedAt.Before(cutoff) {
			delete(r.queue, key)
			purged++
		}
	}
	r.queueMu.Unlock()
	if purged > 0 {
		r.logger.Warnf("Purged %d queued messages older than %s", purged, r.cfg.MessageTimeout)
	}
	r.sessions.Reap(r.cfg.SessionInactivity)
}

// RegisterAgent makes id reachable in-process through handler.
func (r *Router) RegisterAgent(id string, handler Handler, opts ...AgentOption) error {
	if id == "" || handler == nil {
		return errors.New("router: agent id and handler are required")
	}
	agent := &localAgent{handler: handler}
	for _, opt := range opts {
		opt(agent)
	}
	r.agentsMu.Lock()
	r.agents[id] = agent
	r.agentsMu.Unlock()
	r.logger.Infof("Local agent %s registered", id)
	return nil
}

func (r *Router) UnregisterAgent(id string) bool {
	r.agentsMu.Lock()
	_, ok := r.agents[id]
	delete(r.agents, id)
	r.agentsMu.Unlock()
	if ok {
		r.logger.Infof("Local agent %s unregistered", id)
	}
	return ok
}

func (r *Router) localAgent(id string) (*localAgent, bool) {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Sessions exposes the session table.
func (r *Router) Sessions() *SessionManager {
	return r.sessions
}

// IsQueued reports whether the message from sender with id is in flight.
func (r *Router) IsQueued(from, id string) bool {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	_, ok := r.queue[from+"/"+id]
	return ok
}

func (r *Router) GetStatistics() Statistics {
	r.queueMu.Lock()
	queueSize := len(r.queue)
	r.queueMu.Unlock()

	r.agentsMu.RLock()
	localAgents := len(r.agents)
	r.agentsMu.RUnlock()

	r.rulesMu.RLock()
	rules := len(r.rules)
	r.rulesMu.RUnlock()

	r.statsMu.Lock()
	var aggregates map[string]map[string]int64
	if len(r.aggregates) > 0 {
		aggregates = make(map[string]map[string]int64, len(r.aggregates))
		for rule, groups := range r.aggregates {
			cp := make(map[string]int64, len(groups))
			for k, v := range groups {
				cp[k] = v
			}
			aggregates[rule] = cp
		}
	}
	r.statsMu.Unlock()

	return Statistics{
		QueueSize:      queueSize,
		ActiveSessions: r.sessions.CountByState()[a2a.SessionActive],
		TotalSessions:  r.sessions.Len(),
		LocalAgents:    localAgents,
		Rules:          rules,
		Routed:         r.routed.Load(),
		Delivered:      r.delivered.Load(),
		Failed:         r.failed.Load(),
		Aggregates:     aggregates,
	}
}

// Performance reports delivery figures observed for agentID, so discovery
// can rank agents by how this router actually reaches them.
func (r *Router) Performance(_ context.Context, agentID string) (*a2a.Performance, bool) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	st, ok := r.perf[agentID]
	if !ok || st.requests == 0 {
		return nil, false
	}
	return &a2a.Performance{
		SuccessRate:     float64(st.successes) / float64(st.requests),
		AvgResponseTime: float64(st.totalTime.Milliseconds()) / float64(st.requests),
		TotalRequests:   st.requests,
	}, true
}

func (r *Router) recordDelivery(agentID string, ok bool, elapsed time.Duration) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	st, exists := r.perf[agentID]
	if !exists {
		st = &agentStats{}
		r.perf[agentID] = st
	}
	st.requests++
	st.totalTime += elapsed
	if ok {
		st.successes++
	}
}

// Receive implements transport.Receiver: inbound messages go through the
// full routing pipeline.
func (r *Router) Receive(ctx context.Context, msg *a2a.Message) *a2a.MessageReceipt {
	return r.RouteMessage(ctx, msg)
}

func (r *Router) publish(event bus.Event) {
	if r.eventBus != nil {
		r.eventBus.Publish(event)
	}
}

func (r *Router) messageLogger(msg *a2a.Message) *logrus.Entry {
	return r.logger.WithFields(logrus.Fields{
		"messageId": msg.ID,
		"from":      msg.From,
		"to":        []string(msg.To),
	})
}
