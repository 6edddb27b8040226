package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-router/internal/bus"
	"github.com/praxis/a2a-router/internal/router"
)

type staticStats router.Statistics

func (s staticStats) GetStatistics() router.Statistics { return router.Statistics(s) }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestCollector_CountsBusEvents(t *testing.T) {
	eb := bus.NewEventBus(quietLogger())
	defer eb.Stop()

	c := NewMetricsCollector(quietLogger(), "router-1", "test", nil)
	c.Attach(eb)
	c.Attach(eb)

	eb.Emit(bus.EventMessageReceived, map[string]interface{}{"type": "REQUEST"})
	eb.Emit(bus.EventMessageDelivered, map[string]interface{}{"transport": "http", "latencyMs": int64(12)})
	eb.Emit(bus.EventMessageFailed, map[string]interface{}{"code": "AGENT_NOT_FOUND"})
	eb.Emit(bus.EventRoutingError, map[string]interface{}{"stage": "validate", "code": "INVALID_FORMAT"})
	eb.Emit(bus.EventRuleApplied, map[string]interface{}{"ruleId": "error-logging", "action": "log"})
	eb.Emit(bus.EventAgentRegistered, map[string]interface{}{"agentId": "did:web:a"})

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(c.agentEventsTotal.WithLabelValues(string(bus.EventAgentRegistered))) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesTotal.WithLabelValues("messageReceived", "REQUEST")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveriesTotal.WithLabelValues("http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failuresTotal.WithLabelValues("AGENT_NOT_FOUND")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejectionsTotal.WithLabelValues("validate", "INVALID_FORMAT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ruleHitsTotal.WithLabelValues("error-logging", "log")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.deliveryLatency))
}

func TestCollector_HandlerExposesGauges(t *testing.T) {
	stats := staticStats{QueueSize: 3, ActiveSessions: 2, LocalAgents: 1}
	c := NewMetricsCollector(quietLogger(), "router-1", "test", stats)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "a2a_router_queue_size 3"))
	assert.True(t, strings.Contains(body, "a2a_router_active_sessions 2"))
	assert.True(t, strings.Contains(body, `a2a_router_info{router_id="router-1",version="test"} 1`))
}

func TestLabelFallback(t *testing.T) {
	assert.Equal(t, "unknown", label(map[string]interface{}{}, "code"))
	assert.Equal(t, "unknown", label(map[string]interface{}{"code": 5}, "code"))
	_, ok := number("12")
	assert.False(t, ok)
}
