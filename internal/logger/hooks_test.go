package logger

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-router/internal/bus"
)

type eventSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *eventSink) add(e bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) snapshot() []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.Event(nil), s.events...)
}

func TestEventBusHook(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	logger.SetLevel(logrus.DebugLevel)

	eventBus := bus.NewEventBus(logrus.New())
	defer eventBus.Stop()

	sink := &eventSink{}
	eventBus.Subscribe(bus.EventRouterLog, sink.add)
	logger.AddHook(NewEventBusHook(eventBus, "router-1", logrus.WarnLevel))

	logger.Info("not forwarded")
	logger.WithFields(logrus.Fields{
		"messageId": "msg-1",
		"stage":     "verify",
		"code":      "SIGNATURE_INVALID",
	}).Warn("Message rejected")

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 10*time.Millisecond)

	payload := sink.snapshot()[0].Payload
	assert.Equal(t, "warning", payload["level"])
	assert.Equal(t, "router-1", payload["source"])
	assert.Equal(t, "msg-1", payload["messageId"])
	assert.Equal(t, "Message rejected [code=SIGNATURE_INVALID, stage=verify]", payload["message"])
}

func TestEventBusHook_Levels(t *testing.T) {
	hook := NewEventBusHook(nil, "x", logrus.ErrorLevel)
	assert.ElementsMatch(t, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}, hook.Levels())
	assert.NoError(t, hook.Fire(logrus.NewEntry(logrus.New())))
}

func TestContextualLogger(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})

	NewContextualLogger(base).WithMessage("msg-9").WithCorrelation("conv-3").Infof("delivered to %s", "bob")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "msg-9", line["messageId"])
	assert.Equal(t, "conv-3", line["correlationId"])
	assert.Equal(t, "delivered to bob", line["msg"])
}
