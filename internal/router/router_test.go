package router

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/bus"
	"github.com/praxis/a2a-router/internal/discovery"
	"github.com/praxis/a2a-router/internal/security"
	"github.com/praxis/a2a-router/internal/validator"
)

const (
	alice = "did:web:alice.example"
	bob   = "did:web:bob.example"
	carol = "did:web:carol.example"
)

var (
	testNow  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	aliceKey *rsa.PrivateKey
	bobKey   *rsa.PrivateKey
)

func TestMain(m *testing.M) {
	var err error
	if aliceKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
		panic(err)
	}
	if bobKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type attempt struct {
	kind a2a.TransportKind
	url  string
}

type fakeSender struct {
	mu       sync.Mutex
	attempts []attempt
	payloads []*a2a.Message
	fail     map[string]error
}

func (f *fakeSender) Send(_ context.Context, kind a2a.TransportKind, msg *a2a.Message, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt{kind: kind, url: url})
	if err, ok := f.fail[url]; ok {
		return err
	}
	f.payloads = append(f.payloads, msg.Clone())
	return nil
}

func (f *fakeSender) recorded() ([]attempt, []*a2a.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]attempt(nil), f.attempts...), append([]*a2a.Message(nil), f.payloads...)
}

type fakeResolver struct {
	profiles map[string]*a2a.AgentProfile
	calls    atomic.Int64
}

func (f *fakeResolver) FindAgent(_ context.Context, id string) (*a2a.AgentProfile, error) {
	f.calls.Add(1)
	if p, ok := f.profiles[id]; ok {
		return p.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", a2a.ErrAgentNotFound, id)
}

type harness struct {
	router   *Router
	clock    *clock.Mock
	security *security.Service
	sender   *fakeSender
	resolver *fakeResolver
}

func newHarness(t *testing.T, cfg Config, opts ...func(*Deps)) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testNow)

	keys := map[string]crypto.PublicKey{alice: &aliceKey.PublicKey, bob: &bobKey.PublicKey}
	sec, err := security.New(security.Config{}, quietLogger(),
		security.WithClock(mock),
		security.WithKeyResolver(security.KeyResolverFunc(func(_ context.Context, id string) (crypto.PublicKey, error) {
			if k, ok := keys[id]; ok {
				return k, nil
			}
			return nil, errors.New("unknown agent")
		})),
	)
	require.NoError(t, err)

	h := &harness{
		clock:    mock,
		security: sec,
		sender:   &fakeSender{fail: map[string]error{}},
		resolver: &fakeResolver{profiles: map[string]*a2a.AgentProfile{}},
	}
	deps := Deps{
		Validator:  validator.New(validator.WithClock(mock)),
		Security:   sec,
		Discovery:  h.resolver,
		Transports: h.sender,
		Logger:     quietLogger(),
		Clock:      mock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.router, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) message(msgType a2a.MessageType, from string, to ...string) *a2a.Message {
	return &a2a.Message{
		Context:   a2a.DefaultContext,
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: h.clock.Now(),
		Version:   a2a.ProtocolVersion,
		From:      from,
		To:        a2a.Recipients(to),
		Priority:  a2a.PriorityNormal,
		Body:      json.RawMessage(`{"task":"diagnose","level":3}`),
	}
}

type inbox struct {
	mu       sync.Mutex
	messages []*a2a.Message
}

func (i *inbox) handler(_ context.Context, msg *a2a.Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, msg)
	return nil
}

func (i *inbox) received() []*a2a.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*a2a.Message(nil), i.messages...)
}

func remoteProfile(id string, endpoints ...a2a.Endpoint) *a2a.AgentProfile {
	return &a2a.AgentProfile{
		ID:           id,
		Name:         id,
		Type:         "assistant",
		Category:     "general",
		Capabilities: []a2a.Capability{{ID: "chat"}},
		Endpoints:    endpoints,
		Metadata:     a2a.ProfileMetadata{Status: a2a.StatusActive},
	}
}

func collectEvents(eb *bus.EventBus) func(bus.EventType) []bus.Event {
	var mu sync.Mutex
	var events []bus.Event
	eb.SubscribeAll(func(e bus.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	return func(t bus.EventType) []bus.Event {
		mu.Lock()
		defer mu.Unlock()
		var out []bus.Event
		for _, e := range events {
			if e.Type == t {
				out = append(out, e)
			}
		}
		return out
	}
}

func TestRouteMessage_LocalDelivery(t *testing.T) {
	h := newHarness(t, Config{})
	var box inbox
	require.NoError(t, h.router.RegisterAgent(bob, box.handler))

	msg := h.message(a2a.TypeRequest, alice, bob)
	receipt := h.router.RouteMessage(context.Background(), msg)

	require.Equal(t, a2a.ReceiptCompleted, receipt.Status, "%+v", receipt.Error)
	assert.Equal(t, msg.ID, receipt.MessageID)
	require.Len(t, receipt.Recipients, 1)
	assert.Equal(t, a2a.TransportLocal, receipt.Recipients[0].Transport)

	got := box.received()
	require.Len(t, got, 1)
	assert.NotSame(t, msg, got[0])
	assert.JSONEq(t, string(msg.Body), string(got[0].Body))

	assert.False(t, h.router.IsQueued(msg.From, msg.ID))
	assert.Zero(t, h.router.GetStatistics().QueueSize)
	assert.Zero(t, h.resolver.calls.Load(), "local handlers take precedence over discovery")
}

func TestRouteMessage_TTLBeyondLimitNeverReachesDelivery(t *testing.T) {
	h := newHarness(t, Config{})
	h.resolver.profiles[carol] = remoteProfile(carol, a2a.Endpoint{Transport: a2a.TransportHTTP, URL: "http://carol", Priority: 1})

	msg := h.message(a2a.TypeRequest, alice, carol)
	ttl := int64(90000)
	msg.TTL = &ttl

	receipt := h.router.RouteMessage(context.Background(), msg)
	assert.Equal(t, a2a.ReceiptFailed, receipt.Status)
	require.NotNil(t, receipt.Error)
	assert.Equal(t, a2a.CodeBusinessRuleViolation, receipt.Error.Code)
	assert.Zero(t, h.resolver.calls.Load())
	attempts, _ := h.sender.recorded()
	assert.Empty(t, attempts)
	assert.False(t, h.router.IsQueued(msg.From, msg.ID))
}

func TestRouteMessage_SignedRequestToDiscoveredAgentIsEncrypted(t *testing.T) {
	bobPEM, err := security.EncodePublicKeyPEM(&bobKey.PublicKey)
	require.NoError(t, err)

	var disc *discovery.Service
	h := newHarness(t, Config{EnableEncryption: true, RequireSignatures: true}, func(d *Deps) {
		mock := d.Clock.(*clock.Mock)
		disc = discovery.New(discovery.Config{}, quietLogger(), nil, discovery.WithClock(mock))
		d.Discovery = disc
	})

	profile := remoteProfile(bob, a2a.Endpoint{Transport: a2a.TransportHTTP, URL: "https://bob.example/a2a", Priority: 1})
	profile.PublicKey = bobPEM
	require.NoError(t, disc.RegisterAgent(context.Background(), profile))

	original := h.message(a2a.TypeRequest, alice, bob)
	signed, err := h.security.Sign(original, aliceKey)
	require.NoError(t, err)

	receipt := h.router.RouteMessage(context.Background(), signed)
	require.Equal(t, a2a.ReceiptCompleted, receipt.Status, "%+v", receipt.Error)
	assert.Equal(t, []string{bob}, receipt.Delivered())
	assert.Equal(t, "https://bob.example/a2a", receipt.Recipients[0].Endpoint)

	_, payloads := h.sender.recorded()
	require.Len(t, payloads, 1)
	sent := payloads[0]
	require.NotNil(t, sent.Encryption, "encrypted before transport")
	assert.False(t, sent.HasBody())
	assert.NotNil(t, sent.Signature)

	plain, err := h.security.Decrypt(sent, bobKey)
	require.NoError(t, err)
	assert.JSONEq(t, string(original.Body), string(plain.Body))
}

func TestRouteMessage_EncryptsForEd25519Recipient(t *testing.T) {
	carolPub, carolPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	carolPEM, err := security.EncodePublicKeyPEM(carolPub)
	require.NoError(t, err)

	h := newHarness(t, Config{EnableEncryption: true})
	profile := remoteProfile(carol, a2a.Endpoint{Transport: a2a.TransportHTTP, URL: "https://carol.example/a2a", Priority: 1})
	profile.PublicKey = carolPEM
	h.resolver.profiles[carol] = profile

	original := h.message(a2a.TypeRequest, alice, carol)
	receipt := h.router.RouteMessage(context.Background(), original)
	require.Equal(t, a2a.ReceiptCompleted, receipt.Status, "%+v", receipt.Error)

	_, payloads := h.sender.recorded()
	require.Len(t, payloads, 1)
	require.NotNil(t, payloads[0].Encryption)

	plain, err := h.security.Decrypt(payloads[0], carolPriv)
	require.NoError(t, err)
	assert.JSONEq(t, string(original.Body), string(plain.Body))
}

func TestRouteMessage_TransportFailover(t *testing.T) {
	h := newHarness(t, Config{})
	h.resolver.profiles[carol] = remoteProfile(carol,
		a2a.Endpoint{Transport: a2a.TransportGRPC, URL: "grpc://carol-backup", Priority: 5},
		a2a.Endpoint{Transport: a2a.TransportHTTP, URL: "http://carol-primary", Priority: 10},
	)
	h.sender.fail["http://carol-primary"] = errors.New("connection refused")

	receipt := h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, carol))
	require.Equal(t, a2a.ReceiptCompleted, receipt.Status, "%+v", receipt.Error)

	attempts, _ := h.sender.recorded()
	assert.Equal(t, []attempt{
		{kind: a2a.TransportHTTP, url: "http://carol-primary"},
		{kind: a2a.TransportGRPC, url: "grpc://carol-backup"},
	}, attempts)
	assert.Equal(t, a2a.TransportGRPC, receipt.Recipients[0].Transport)
	assert.Equal(t, "grpc://carol-backup", receipt.Recipients[0].Endpoint)
}

func TestRouteMessage_AllTransportsFailed(t *testing.T) {
	h := newHarness(t, Config{})
	h.resolver.profiles[carol] = remoteProfile(carol,
		a2a.Endpoint{Transport: a2a.TransportHTTP, URL: "http://a", Priority: 2},
		a2a.Endpoint{Transport: a2a.TransportWebSocket, URL: "ws://b", Priority: 1},
	)
	h.sender.fail["http://a"] = errors.New("down")
	h.sender.fail["ws://b"] = errors.New("down too")

	receipt := h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, carol))
	assert.Equal(t, a2a.ReceiptFailed, receipt.Status)
	assert.Equal(t, a2a.CodeAllTransportsFailed, receipt.Error.Code)
	assert.Contains(t, receipt.Error.Message, "down too")
}

func TestRouteMessage_UnknownAgent(t *testing.T) {
	h := newHarness(t, Config{})
	receipt := h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, carol))
	assert.Equal(t, a2a.ReceiptFailed, receipt.Status)
	assert.Equal(t, a2a.CodeAgentNotFound, receipt.Error.Code)
}

func TestRouteMessage_FanOutReportsEachRecipient(t *testing.T) {
	h := newHarness(t, Config{})
	var box inbox
	require.NoError(t, h.router.RegisterAgent(bob, box.handler))

	receipt := h.router.RouteMessage(context.Background(), h.message(a2a.TypeEvent, alice, bob, carol))
	assert.Equal(t, a2a.ReceiptFailed, receipt.Status)
	assert.Equal(t, []string{bob}, receipt.Delivered())
	assert.Equal(t, []string{carol}, receipt.Failed())
	assert.Equal(t, a2a.CodeAgentNotFound, receipt.Error.Code)
	assert.Contains(t, receipt.Error.Message, "1 of 2 recipients failed")
	assert.Len(t, box.received(), 1, "successful branch is not rolled back")
}

func TestRouteMessage_QueueFull(t *testing.T) {
	h := newHarness(t, Config{MaxQueueSize: 1})
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, h.router.RegisterAgent(bob, func(context.Context, *a2a.Message) error {
		entered <- struct{}{}
		<-release
		return nil
	}))

	first := make(chan *a2a.MessageReceipt, 1)
	go func() {
		first <- h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, bob))
	}()
	<-entered
	assert.Equal(t, 1, h.router.GetStatistics().QueueSize)

	second := h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, bob))
	assert.Equal(t, a2a.ReceiptFailed, second.Status)
	assert.Equal(t, a2a.CodeQueueFull, second.Error.Code)

	close(release)
	select {
	case r := <-first:
		assert.Equal(t, a2a.ReceiptCompleted, r.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("first message never completed")
	}
	assert.Zero(t, h.router.GetStatistics().QueueSize)
}

func TestRouteMessage_QueueFullKeepsSignatureUsable(t *testing.T) {
	h := newHarness(t, Config{MaxQueueSize: 1, RequireSignatures: true})
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, h.router.RegisterAgent(bob, func(context.Context, *a2a.Message) error {
		entered <- struct{}{}
		<-release
		return nil
	}))

	blocker, err := h.security.Sign(h.message(a2a.TypeRequest, alice, bob), aliceKey)
	require.NoError(t, err)
	first := make(chan *a2a.MessageReceipt, 1)
	go func() { first <- h.router.RouteMessage(context.Background(), blocker) }()
	<-entered

	retried, err := h.security.Sign(h.message(a2a.TypeRequest, alice, bob), aliceKey)
	require.NoError(t, err)
	rejected := h.router.RouteMessage(context.Background(), retried)
	require.Equal(t, a2a.CodeQueueFull, rejected.Error.Code)

	close(release)
	require.Equal(t, a2a.ReceiptCompleted, (<-first).Status)

	go func() { <-entered }()
	forged := retried.Clone()
	forged.Signature.Signature = blocker.Signature.Signature
	assert.Equal(t, a2a.CodeSignatureInvalid, h.router.RouteMessage(context.Background(), forged).Error.Code)

	receipt := h.router.RouteMessage(context.Background(), retried)
	assert.Equal(t, a2a.ReceiptCompleted, receipt.Status, "%+v", receipt.Error)
}

func TestRouteMessage_DuplicateWithinWindow(t *testing.T) {
	h := newHarness(t, Config{MessageTimeout: 30 * time.Second})
	var box inbox
	require.NoError(t, h.router.RegisterAgent(bob, box.handler))

	msg := h.message(a2a.TypeRequest, alice, bob)
	require.Equal(t, a2a.ReceiptCompleted, h.router.RouteMessage(context.Background(), msg).Status)

	dup := h.router.RouteMessage(context.Background(), msg)
	assert.Equal(t, a2a.ReceiptFailed, dup.Status)
	assert.Equal(t, a2a.CodeDuplicateMessage, dup.Error.Code)

	h.clock.Add(31 * time.Second)
	assert.Equal(t, a2a.ReceiptCompleted, h.router.RouteMessage(context.Background(), msg).Status)
	assert.Len(t, box.received(), 2)
}

func TestRouteMessage_Signatures(t *testing.T) {
	h := newHarness(t, Config{RequireSignatures: true})
	var box inbox
	require.NoError(t, h.router.RegisterAgent(bob, box.handler))

	unsigned := h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, bob))
	assert.Equal(t, a2a.CodeSignatureInvalid, unsigned.Error.Code)

	signed, err := h.security.Sign(h.message(a2a.TypeRequest, alice, bob), aliceKey)
	require.NoError(t, err)
	assert.Equal(t, a2a.ReceiptCompleted, h.router.RouteMessage(context.Background(), signed).Status)

	tampered, err := h.security.Sign(h.message(a2a.TypeRequest, alice, bob), aliceKey)
	require.NoError(t, err)
	tampered.Body = json.RawMessage(`{"task":"exfiltrate"}`)
	receipt := h.router.RouteMessage(context.Background(), tampered)
	assert.Equal(t, a2a.ReceiptFailed, receipt.Status)
	assert.Equal(t, a2a.CodeSignatureInvalid, receipt.Error.Code)

	assert.Len(t, box.received(), 1)
}

func TestRouteMessage_DecryptsForLocalAgent(t *testing.T) {
	h := newHarness(t, Config{RequireSignatures: true})
	var box inbox
	require.NoError(t, h.router.RegisterAgent(bob, box.handler, WithPrivateKey(bobKey)))

	original := h.message(a2a.TypeRequest, alice, bob)
	signed, err := h.security.Sign(original, aliceKey)
	require.NoError(t, err)
	sealed, err := h.security.Encrypt(signed, &bobKey.PublicKey)
	require.NoError(t, err)

	receipt := h.router.RouteMessage(context.Background(), sealed)
	require.Equal(t, a2a.ReceiptCompleted, receipt.Status, "%+v", receipt.Error)

	got := box.received()
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Encryption)
	assert.JSONEq(t, string(original.Body), string(got[0].Body))
}

func TestRouteMessage_HandlerFailures(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.router.RegisterAgent(bob, func(context.Context, *a2a.Message) error {
		panic("handler bug")
	}))
	require.NoError(t, h.router.RegisterAgent(carol, func(context.Context, *a2a.Message) error {
		return errors.New("busy")
	}))

	panicked := h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, bob))
	assert.Equal(t, a2a.ReceiptFailed, panicked.Status)
	assert.Equal(t, a2a.CodeInternal, panicked.Error.Code)
	assert.Contains(t, panicked.Error.Message, "handler bug")

	failed := h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, carol))
	assert.Equal(t, a2a.ReceiptFailed, failed.Status)
	assert.Contains(t, failed.Error.Message, "busy")
}

func TestRouteMessage_NilMessage(t *testing.T) {
	h := newHarness(t, Config{})
	receipt := h.router.RouteMessage(context.Background(), nil)
	assert.Equal(t, a2a.ReceiptFailed, receipt.Status)
	assert.Equal(t, a2a.CodeInvalidFormat, receipt.Error.Code)
}

func TestRouteMessage_DoesNotMutateInput(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.router.AddRule(Rule{
		ID:      "tag",
		Action:  Action{Kind: ActionTransform, SetHeaders: map[string]string{"x-seen": "1"}},
		Enabled: true,
	}))
	var box inbox
	require.NoError(t, h.router.RegisterAgent(bob, box.handler))

	msg := h.message(a2a.TypeRequest, alice, bob)
	before := msg.Clone()
	h.router.RouteMessage(context.Background(), msg)
	assert.Equal(t, before, msg)
	assert.Equal(t, "1", box.received()[0].Headers["x-seen"])
}

func TestRouteMessage_EventsAndAcknowledgement(t *testing.T) {
	eb := bus.NewEventBus(quietLogger())
	defer eb.Stop()
	events := collectEvents(eb)

	h := newHarness(t, Config{}, func(d *Deps) { d.EventBus = eb })
	var box inbox
	require.NoError(t, h.router.RegisterAgent(bob, box.handler))

	msg := h.message(a2a.TypeRequest, alice, bob)
	msg.RequiresAck = true
	require.Equal(t, a2a.ReceiptCompleted, h.router.RouteMessage(context.Background(), msg).Status)
	h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, carol))

	assert.Eventually(t, func() bool {
		return len(events(bus.EventMessageAcknowledged)) == 1 &&
			len(events(bus.EventMessageDelivered)) == 1 &&
			len(events(bus.EventMessageFailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ack := events(bus.EventMessageAcknowledged)[0]
	assert.Equal(t, msg.ID, ack.Payload["messageId"])
	assert.Len(t, events(bus.EventMessageReceived), 2)
}

func TestSessions_TrackedAndReaped(t *testing.T) {
	h := newHarness(t, Config{SessionInactivity: time.Hour})
	var box inbox
	require.NoError(t, h.router.RegisterAgent(bob, box.handler))
	require.NoError(t, h.router.RegisterAgent(alice, box.handler))

	req := h.message(a2a.TypeEvent, alice, bob)
	req.CorrelationID = "conv-1"
	h.router.RouteMessage(context.Background(), req)

	resp := h.message(a2a.TypeResponse, bob, alice)
	resp.CorrelationID = "conv-1"
	h.router.RouteMessage(context.Background(), resp)

	open := h.message(a2a.TypeEvent, alice, bob)
	open.CorrelationID = "conv-2"
	h.router.RouteMessage(context.Background(), open)

	s, ok := h.router.Sessions().Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, a2a.SessionCompleted, s.State)
	assert.Equal(t, 2, s.MessageCount)
	assert.ElementsMatch(t, []string{alice, bob}, s.Participants)
	assert.Equal(t, 1, h.router.GetStatistics().ActiveSessions)

	h.clock.Add(59 * time.Minute)
	h.router.maintain()
	assert.Equal(t, 2, h.router.Sessions().Len())

	h.clock.Add(2 * time.Minute)
	h.router.maintain()
	_, ok = h.router.Sessions().Get("conv-1")
	assert.False(t, ok, "completed session reaped after inactivity")
	_, ok = h.router.Sessions().Get("conv-2")
	assert.True(t, ok, "active sessions are kept")
}

func TestSessions_UpdatedEvenWhenDeliveryFails(t *testing.T) {
	h := newHarness(t, Config{})
	msg := h.message(a2a.TypeEvent, alice, carol)
	msg.CorrelationID = "conv-x"
	assert.Equal(t, a2a.ReceiptFailed, h.router.RouteMessage(context.Background(), msg).Status)

	_, ok := h.router.Sessions().Get("conv-x")
	assert.True(t, ok)
}

func TestMaintenance_PurgesStaleQueueEntries(t *testing.T) {
	h := newHarness(t, Config{MessageTimeout: 30 * time.Second})
	stale := h.message(a2a.TypeRequest, alice, bob)
	require.NoError(t, h.router.reserve(stale))

	h.clock.Add(20 * time.Second)
	h.router.maintain()
	assert.True(t, h.router.IsQueued(alice, stale.ID))

	h.clock.Add(11 * time.Second)
	h.router.maintain()
	assert.False(t, h.router.IsQueued(alice, stale.ID))
}

func TestStart_RunsMaintenanceOnTicker(t *testing.T) {
	h := newHarness(t, Config{CleanupInterval: time.Minute, MessageTimeout: 30 * time.Second})
	stale := h.message(a2a.TypeRequest, alice, bob)
	require.NoError(t, h.router.reserve(stale))

	h.router.Start(context.Background())
	defer h.router.Stop()

	assert.Eventually(t, func() bool {
		h.clock.Add(time.Minute)
		return !h.router.IsQueued(alice, stale.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPerformance_ReflectsDeliveries(t *testing.T) {
	h := newHarness(t, Config{})
	h.resolver.profiles[carol] = remoteProfile(carol, a2a.Endpoint{Transport: a2a.TransportHTTP, URL: "http://carol", Priority: 1})

	_, ok := h.router.Performance(context.Background(), carol)
	assert.False(t, ok)

	h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, carol))
	h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, carol))
	h.sender.mu.Lock()
	h.sender.fail["http://carol"] = errors.New("down")
	h.sender.mu.Unlock()
	h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, carol))

	perf, ok := h.router.Performance(context.Background(), carol)
	require.True(t, ok)
	assert.Equal(t, int64(3), perf.TotalRequests)
	assert.InDelta(t, 2.0/3.0, perf.SuccessRate, 1e-9)

	stats := h.router.GetStatistics()
	assert.Equal(t, int64(3), stats.Routed)
	assert.Equal(t, int64(2), stats.Delivered)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestRegisterAgent(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Error(t, h.router.RegisterAgent("", func(context.Context, *a2a.Message) error { return nil }))
	assert.Error(t, h.router.RegisterAgent(bob, nil))

	var box inbox
	require.NoError(t, h.router.RegisterAgent(bob, box.handler))
	assert.Equal(t, 1, h.router.GetStatistics().LocalAgents)
	assert.True(t, h.router.UnregisterAgent(bob))
	assert.False(t, h.router.UnregisterAgent(bob))

	receipt := h.router.RouteMessage(context.Background(), h.message(a2a.TypeRequest, alice, bob))
	assert.Equal(t, a2a.CodeAgentNotFound, receipt.Error.Code)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}
